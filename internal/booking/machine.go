// Package booking moves bookings and rides through their lifecycle and feeds
// ratings back into the reputation ledger.
package booking

import (
	"context"

	"github.com/Martin-Hayot/fleet-allocation/configs"
	"github.com/Martin-Hayot/fleet-allocation/internal/auction"
	"github.com/Martin-Hayot/fleet-allocation/internal/conflict"
	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/internal/reputation"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// BidWithdrawer pulls a booking's bid out of its open auction.
type BidWithdrawer interface {
	Withdraw(ctx context.Context, st auction.Store, booking types.Booking) (*types.Auction, error)
}

// ConfirmedChecker rejects windows that collide with a confirmed booking.
type ConfirmedChecker interface {
	CheckConfirmed(ctx context.Context, st conflict.Store, carID string, window types.Window, exclude string) error
}

type RatingInput struct {
	DrivingRating int    `json:"driving_rating"`
	DamageFlag    bool   `json:"damage_flag"`
	RashFlag      bool   `json:"rash_flag"`
	Notes         string `json:"notes"`
}

// CancelResult reports the side effects of a cancellation.
type CancelResult struct {
	Booking types.Booking `json:"booking"`
	// Auction is the auction the booking's bid was withdrawn from, if any.
	Auction   *types.Auction `json:"auction,omitempty"`
	Penalized bool           `json:"penalized"`
	// CloseNow is set when the withdrawal left a single bidder and sole
	// bidders are confirmed without waiting for the deadline.
	CloseNow bool `json:"-"`
}

type Machine struct {
	cfg       configs.Allocation
	ledger    *reputation.Ledger
	bids      BidWithdrawer
	confirmed ConfirmedChecker
	clock     clockwork.Clock
	logger    *log.Logger
}

func NewMachine(cfg configs.Allocation, ledger *reputation.Ledger, bids BidWithdrawer, confirmed ConfirmedChecker, clock clockwork.Clock) *Machine {
	return &Machine{
		cfg:       cfg,
		ledger:    ledger,
		bids:      bids,
		confirmed: confirmed,
		clock:     clock,
		logger:    log.WithPrefix("booking"),
	}
}

// RequireAdmin rejects non-admin callers.
func RequireAdmin(actor types.Principal) error {
	if !actor.IsAdmin() {
		return errors.Unauthorized(errors.ErrNotAdmin, "admin privileges required")
	}
	return nil
}

func invalidTransition(b types.Booking, action string) error {
	return errors.Conflict(errors.ErrInvalidTransition, "cannot %s a %s booking", action, b.Status)
}

// Approve confirms a pending booking.
func (m *Machine) Approve(ctx context.Context, st database.Store, actor types.Principal, bookingID string) (types.Booking, error) {
	if err := RequireAdmin(actor); err != nil {
		return types.Booking{}, err
	}
	b, err := st.GetBooking(ctx, bookingID)
	if err != nil {
		return types.Booking{}, err
	}
	if b.Status != types.BookingPending {
		return types.Booking{}, invalidTransition(b, "approve")
	}
	car, err := st.GetCar(ctx, b.CarID)
	if err != nil {
		return types.Booking{}, err
	}
	if !car.IsActive {
		return types.Booking{}, errors.Conflict(errors.ErrCarUnavailable, "car %s is not active", car.ID)
	}
	if err := m.confirmed.CheckConfirmed(ctx, st, b.CarID, b.Window(), b.ID); err != nil {
		return types.Booking{}, err
	}

	b.Status = types.BookingConfirmed
	b.UpdatedAt = m.clock.Now()
	if err := st.SaveBooking(ctx, b); err != nil {
		return types.Booking{}, errors.Wrap(err, "failed to approve booking")
	}
	m.logger.Info("Booking approved", "booking", b.ID, "by", actor.UserID)
	return b, nil
}

// Reject turns down a pending booking, or a competing one whose bid is then
// withdrawn from its auction.
func (m *Machine) Reject(ctx context.Context, st database.Store, actor types.Principal, bookingID string) (types.Booking, *types.Auction, error) {
	if err := RequireAdmin(actor); err != nil {
		return types.Booking{}, nil, err
	}
	b, err := st.GetBooking(ctx, bookingID)
	if err != nil {
		return types.Booking{}, nil, err
	}
	if b.Status == types.BookingRejected {
		return b, nil, nil
	}
	if !b.Status.Live() {
		return types.Booking{}, nil, invalidTransition(b, "reject")
	}

	var held *types.Auction
	if b.Status == types.BookingCompeting {
		if held, err = m.bids.Withdraw(ctx, st, b); err != nil {
			return types.Booking{}, nil, err
		}
	}
	b.Status = types.BookingRejected
	b.UpdatedAt = m.clock.Now()
	if err := st.SaveBooking(ctx, b); err != nil {
		return types.Booking{}, nil, errors.Wrap(err, "failed to reject booking")
	}
	m.logger.Info("Booking rejected", "booking", b.ID, "by", actor.UserID)
	return b, held, nil
}

// Cancel is the owner's way out. Cancelling inside the late-cancel cutoff
// costs a ledger penalty. Replaying a cancellation changes nothing.
func (m *Machine) Cancel(ctx context.Context, st database.Store, actor types.Principal, bookingID string) (CancelResult, error) {
	b, err := st.GetBooking(ctx, bookingID)
	if err != nil {
		return CancelResult{}, err
	}
	if b.UserID != actor.UserID {
		return CancelResult{}, errors.Unauthorized(errors.ErrNotOwner, "only the owner can cancel booking %s", bookingID)
	}
	if b.Status == types.BookingCancelled {
		return CancelResult{Booking: b}, nil
	}

	switch b.Status {
	case types.BookingPending, types.BookingCompeting:
	case types.BookingConfirmed:
		if _, err := st.GetRideByBooking(ctx, b.ID); err == nil {
			return CancelResult{}, errors.Conflict(errors.ErrInvalidTransition, "ride already started for booking %s", b.ID)
		} else if !errors.IsNotFound(err) {
			return CancelResult{}, err
		}
	default:
		return CancelResult{}, invalidTransition(b, "cancel")
	}

	now := m.clock.Now()
	res := CancelResult{}
	if b.Status == types.BookingCompeting {
		if res.Auction, err = m.bids.Withdraw(ctx, st, b); err != nil {
			return CancelResult{}, err
		}
		res.CloseNow = m.cfg.AutoConfirmSoleBidder && res.Auction != nil && len(res.Auction.Bids) == 1
	}

	if b.StartTime.Sub(now) < m.cfg.LateCancelCutoff {
		if _, err := m.ledger.RecordPenalty(ctx, st, b.UserID, reputation.PenaltyLateCancel); err != nil {
			return CancelResult{}, err
		}
		res.Penalized = true
	}

	b.Status = types.BookingCancelled
	b.UpdatedAt = now
	if err := st.SaveBooking(ctx, b); err != nil {
		return CancelResult{}, errors.Wrap(err, "failed to cancel booking")
	}
	res.Booking = b
	m.logger.Info("Booking cancelled", "booking", b.ID, "late", res.Penalized)
	return res, nil
}

// StartRide opens the ride of a confirmed booking. An existing ride is
// returned unchanged.
func (m *Machine) StartRide(ctx context.Context, st database.Store, actor types.Principal, bookingID string) (types.Ride, error) {
	if err := RequireAdmin(actor); err != nil {
		return types.Ride{}, err
	}
	b, err := st.GetBooking(ctx, bookingID)
	if err != nil {
		return types.Ride{}, err
	}
	if ride, err := st.GetRideByBooking(ctx, bookingID); err == nil {
		return ride, nil
	} else if !errors.IsNotFound(err) {
		return types.Ride{}, err
	}
	if b.Status != types.BookingConfirmed {
		return types.Ride{}, invalidTransition(b, "start a ride for")
	}
	car, err := st.GetCar(ctx, b.CarID)
	if err != nil {
		return types.Ride{}, err
	}
	if !car.IsActive {
		return types.Ride{}, errors.Conflict(errors.ErrCarUnavailable, "car %s is not active", car.ID)
	}

	ride := types.Ride{
		ID:        uuid.NewString(),
		BookingID: b.ID,
		Status:    types.RideActive,
		StartedAt: m.clock.Now(),
	}
	if err := st.SaveRide(ctx, ride); err != nil {
		return types.Ride{}, err
	}
	m.logger.Info("Ride started", "ride", ride.ID, "booking", b.ID)
	return ride, nil
}

// CompleteRide ends an active ride and completes its booking.
func (m *Machine) CompleteRide(ctx context.Context, st database.Store, actor types.Principal, rideID string) (types.Ride, error) {
	if err := RequireAdmin(actor); err != nil {
		return types.Ride{}, err
	}
	ride, err := st.GetRide(ctx, rideID)
	if err != nil {
		return types.Ride{}, err
	}
	if ride.Status == types.RideCompleted {
		return ride, nil
	}

	now := m.clock.Now()
	ride.Status = types.RideCompleted
	ride.EndedAt = &now
	if err := st.SaveRide(ctx, ride); err != nil {
		return types.Ride{}, err
	}

	b, err := st.GetBooking(ctx, ride.BookingID)
	if err != nil {
		return types.Ride{}, err
	}
	b.Status = types.BookingCompleted
	b.UpdatedAt = now
	if err := st.SaveBooking(ctx, b); err != nil {
		return types.Ride{}, errors.Wrap(err, "failed to complete booking")
	}
	m.logger.Info("Ride completed", "ride", ride.ID)
	return ride, nil
}

// RateRide records the single rating of a completed ride and updates the
// renter's trust. A second rating is rejected before the ledger is touched.
func (m *Machine) RateRide(ctx context.Context, st database.Store, actor types.Principal, rideID string, in RatingInput) (types.Rating, float64, error) {
	if err := RequireAdmin(actor); err != nil {
		return types.Rating{}, 0, err
	}
	if in.DrivingRating < 1 || in.DrivingRating > 5 {
		return types.Rating{}, 0, errors.Validation(errors.ErrBadMessageFormat, "driving rating must be between 1 and 5")
	}
	ride, err := st.GetRide(ctx, rideID)
	if err != nil {
		return types.Rating{}, 0, err
	}
	if ride.Status != types.RideCompleted {
		return types.Rating{}, 0, errors.Conflict(errors.ErrInvalidTransition, "ride %s is not completed", rideID)
	}
	if _, err := st.GetRatingByRide(ctx, rideID); err == nil {
		return types.Rating{}, 0, errors.Validation(errors.ErrDuplicateRating, "ride %s is already rated", rideID)
	} else if !errors.IsNotFound(err) {
		return types.Rating{}, 0, err
	}
	b, err := st.GetBooking(ctx, ride.BookingID)
	if err != nil {
		return types.Rating{}, 0, err
	}

	rating := types.Rating{
		ID:            uuid.NewString(),
		RideID:        ride.ID,
		DrivingRating: in.DrivingRating,
		DamageFlag:    in.DamageFlag,
		RashFlag:      in.RashFlag,
		Notes:         in.Notes,
		CreatedAt:     m.clock.Now(),
	}
	if err := st.SaveRating(ctx, rating); err != nil {
		return types.Rating{}, 0, err
	}
	score, err := m.ledger.RecordRating(ctx, st, b.UserID, rating)
	if err != nil {
		return types.Rating{}, 0, err
	}
	return rating, score, nil
}
