// Package events fans domain events out to subscribers after a mutation
// has committed.
package events

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/charmbracelet/log"
)

type Type string

const (
	BookingAdmitted  Type = "booking.admitted"
	BookingConfirmed Type = "booking.confirmed"
	BookingRejected  Type = "booking.rejected"
	BookingCancelled Type = "booking.cancelled"
	AuctionOpened    Type = "auction.opened"
	AuctionUpdated   Type = "auction.updated"
	AuctionMerged    Type = "auction.merged"
	AuctionClosed    Type = "auction.closed"
	RideStarted      Type = "ride.started"
	RideCompleted    Type = "ride.completed"
	RideRated        Type = "ride.rated"
	UserBlocked      Type = "user.blocked"
	UserUnblocked    Type = "user.unblocked"
)

type Event struct {
	Type      Type      `json:"type"`
	CarID     string    `json:"car_id,omitempty"`
	AuctionID string    `json:"auction_id,omitempty"`
	BookingID string    `json:"booking_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// Key groups events of one partition; events of one car stay ordered.
func (e Event) Key() string {
	if e.CarID != "" {
		return e.CarID
	}
	return e.UserID
}

type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evs ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evs...); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Logging publishes through next and logs failures instead of returning
// them. Delivery is best effort once state has committed.
type Logging struct {
	Next   Publisher
	Logger *log.Logger
}

func (l Logging) Publish(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	if err := l.Next.Publish(ctx, evs...); err != nil {
		l.Logger.Error("Failed to publish events", "count", len(evs), "first", evs[0].Type, "error", err)
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder { return &Recorder{ch: make(chan Event, size)} }

func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	for _, e := range evs {
		select {
		case r.ch <- e:
		default:
		}
	}
	return nil
}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
