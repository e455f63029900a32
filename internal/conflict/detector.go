// Package conflict validates booking requests and works out which live
// bookings and open auctions a new request collides with.
package conflict

import (
	"context"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/internal/reputation"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
)

// Store is the read side the detector works against.
type Store interface {
	GetUser(ctx context.Context, id string) (types.User, error)
	GetCar(ctx context.Context, id string) (types.Car, error)
	ListBookings(ctx context.Context, filter database.BookingFilter) ([]types.Booking, error)
	ListAuctions(ctx context.Context, filter database.AuctionFilter) ([]types.Auction, error)
}

type Request struct {
	CarID      string    `json:"car_id"`
	UserID     string    `json:"-"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	OfferPrice float64   `json:"offer_price"`
}

func (r Request) Window() types.Window { return types.Window{Start: r.StartTime, End: r.EndTime} }

// Plan is the admission decision for one request.
type Plan struct {
	Car        types.Car
	User       types.User
	TrustScore float64
	// Overlapping holds the live (pending or competing) bookings on the car
	// whose window intersects the request.
	Overlapping []types.Booking
	// Auctions holds every open auction that already contains one of the
	// overlapping bookings, oldest first.
	Auctions []types.Auction
}

// Contested reports whether the request must go to auction.
func (p Plan) Contested() bool { return len(p.Overlapping) > 0 }

type Detector struct {
	clock               clockwork.Clock
	autoRejectThreshold float64
	logger              *log.Logger
}

// NewDetector builds a detector. Requesters whose trust is below
// autoRejectThreshold are turned away; zero disables the check.
func NewDetector(clock clockwork.Clock, autoRejectThreshold float64) *Detector {
	return &Detector{
		clock:               clock,
		autoRejectThreshold: autoRejectThreshold,
		logger:              log.WithPrefix("conflict"),
	}
}

// ValidateWindow checks start < end and that start lies strictly in the future.
func (d *Detector) ValidateWindow(w types.Window) error {
	if !w.Start.Before(w.End) {
		return errors.Validation(errors.ErrInvalidWindow, "start time must be before end time")
	}
	if !w.Start.After(d.clock.Now()) {
		return errors.Validation(errors.ErrInvalidWindow, "start time must be in the future")
	}
	return nil
}

// Eligible checks that the user may take part in allocation for car at offer.
func (d *Detector) Eligible(ctx context.Context, st Store, carID, userID string, offer float64) (types.Car, types.User, error) {
	car, err := st.GetCar(ctx, carID)
	if err != nil {
		return types.Car{}, types.User{}, err
	}
	if !car.IsActive {
		return types.Car{}, types.User{}, errors.Conflict(errors.ErrCarUnavailable, "car %s is not available for booking", carID)
	}
	if offer < car.DailyPrice {
		return types.Car{}, types.User{}, errors.Validation(errors.ErrBidTooLow, "offer %.2f is below the daily price %.2f", offer, car.DailyPrice)
	}
	user, err := st.GetUser(ctx, userID)
	if err != nil {
		return types.Car{}, types.User{}, err
	}
	if user.IsBlocked {
		return types.Car{}, types.User{}, errors.Unauthorized(errors.ErrUserBlocked, "user %s is blocked", userID)
	}
	if d.autoRejectThreshold > 0 && reputation.Score(user) < d.autoRejectThreshold {
		return types.Car{}, types.User{}, errors.Unauthorized(errors.ErrUserBlocked, "trust score too low to book")
	}
	return car, user, nil
}

// Plan validates req and gathers everything it overlaps with.
func (d *Detector) Plan(ctx context.Context, st Store, req Request) (Plan, error) {
	window := req.Window()
	if err := d.ValidateWindow(window); err != nil {
		return Plan{}, err
	}
	car, user, err := d.Eligible(ctx, st, req.CarID, req.UserID, req.OfferPrice)
	if err != nil {
		return Plan{}, err
	}

	if err := d.CheckConfirmed(ctx, st, req.CarID, window, ""); err != nil {
		return Plan{}, err
	}

	live, err := st.ListBookings(ctx, database.BookingFilter{
		CarID:    req.CarID,
		Statuses: []types.BookingStatus{types.BookingPending, types.BookingCompeting},
	})
	if err != nil {
		return Plan{}, errors.Wrap(err, "failed to list live bookings")
	}
	overlapping := Overlapping(window, live)
	for _, b := range overlapping {
		if b.UserID == req.UserID {
			return Plan{}, errors.Validation(errors.ErrDuplicateRequest, "you already have a %s booking for this car in that window", b.Status)
		}
	}

	plan := Plan{Car: car, User: user, TrustScore: reputation.Score(user), Overlapping: overlapping}
	if !plan.Contested() {
		return plan, nil
	}

	open, err := st.ListAuctions(ctx, database.AuctionFilter{CarID: req.CarID, Status: types.AuctionActive})
	if err != nil {
		return Plan{}, errors.Wrap(err, "failed to list open auctions")
	}
	for _, a := range open {
		for _, b := range overlapping {
			if a.BidByBooking(b.ID) >= 0 {
				plan.Auctions = append(plan.Auctions, a)
				break
			}
		}
	}

	d.logger.Debug("Request contested", "car", req.CarID, "overlapping", len(overlapping), "auctions", len(plan.Auctions))
	return plan, nil
}

// CheckConfirmed fails with a ConflictError when a confirmed booking other
// than exclude overlaps window on the car.
func (d *Detector) CheckConfirmed(ctx context.Context, st Store, carID string, window types.Window, exclude string) error {
	confirmed, err := st.ListBookings(ctx, database.BookingFilter{
		CarID:    carID,
		Statuses: []types.BookingStatus{types.BookingConfirmed},
	})
	if err != nil {
		return errors.Wrap(err, "failed to list confirmed bookings")
	}
	for _, b := range Overlapping(window, confirmed) {
		if b.ID != exclude {
			return errors.Conflict(errors.ErrCarBooked, "car is already booked from %s to %s",
				b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339))
		}
	}
	return nil
}

// CheckLive fails when window collides with a live booking that is not one
// of members. The user's own bookings are duplicate requests; anyone else's
// belong to a contest the window is not part of.
func (d *Detector) CheckLive(ctx context.Context, st Store, carID, userID string, window types.Window, members map[string]bool) error {
	live, err := st.ListBookings(ctx, database.BookingFilter{
		CarID:    carID,
		Statuses: []types.BookingStatus{types.BookingPending, types.BookingCompeting},
	})
	if err != nil {
		return errors.Wrap(err, "failed to list live bookings")
	}
	for _, b := range Overlapping(window, live) {
		switch {
		case members[b.ID]:
		case b.UserID == userID:
			return errors.Validation(errors.ErrDuplicateRequest, "you already have a %s booking for this car in that window", b.Status)
		default:
			return errors.Conflict(errors.ErrWindowContested, "window overlaps booking %s outside this auction", b.ID)
		}
	}
	return nil
}

// Overlapping returns the bookings whose half-open window intersects w.
func Overlapping(w types.Window, bookings []types.Booking) []types.Booking {
	var out []types.Booking
	for _, b := range bookings {
		if w.Overlaps(b.Window()) {
			out = append(out, b)
		}
	}
	return out
}
