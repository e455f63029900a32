// Package auction runs the contention process for overlapping bookings:
// bid intake, merging, ranking and closing.
package auction

import (
	"context"

	"github.com/Martin-Hayot/fleet-allocation/configs"
	"github.com/Martin-Hayot/fleet-allocation/internal/conflict"
	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/internal/reputation"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Store interface {
	GetUser(ctx context.Context, id string) (types.User, error)
	GetCar(ctx context.Context, id string) (types.Car, error)
	GetBooking(ctx context.Context, id string) (types.Booking, error)
	ListBookings(ctx context.Context, filter database.BookingFilter) ([]types.Booking, error)
	SaveBooking(ctx context.Context, booking types.Booking) error
	GetAuction(ctx context.Context, id string) (types.Auction, error)
	ListAuctions(ctx context.Context, filter database.AuctionFilter) ([]types.Auction, error)
	SaveAuction(ctx context.Context, auction types.Auction) error
}

// Guard vets booking windows against the rest of the car's calendar before
// a booking starts competing or is confirmed.
type Guard interface {
	CheckConfirmed(ctx context.Context, st conflict.Store, carID string, window types.Window, exclude string) error
	CheckLive(ctx context.Context, st conflict.Store, carID, userID string, window types.Window, members map[string]bool) error
}

// Outcome describes what a close did.
type Outcome struct {
	Auction   types.Auction   `json:"auction"`
	Winner    *types.Bid      `json:"winner,omitempty"`
	Confirmed *types.Booking  `json:"confirmed,omitempty"`
	Rejected  []types.Booking `json:"rejected"`
}

type Manager struct {
	cfg     configs.Allocation
	weights Weights
	guard   Guard
	clock   clockwork.Clock
	logger  *log.Logger
}

func NewManager(cfg configs.Allocation, clock clockwork.Clock, guard Guard) *Manager {
	return &Manager{
		cfg: cfg,
		weights: Weights{
			TrustThreshold: cfg.TrustThreshold,
			TrustWeight:    cfg.TrustWeight,
			PriceWeight:    cfg.PriceWeight,
		},
		guard:  guard,
		clock:  clock,
		logger: log.WithPrefix("auction"),
	}
}

func (m *Manager) Weights() Weights { return m.weights }

// Open creates an active auction for the car whose deadline is one bidding
// window from now.
func (m *Manager) Open(ctx context.Context, st Store, carID string, window types.Window) (types.Auction, error) {
	now := m.clock.Now()
	a := types.Auction{
		ID:           uuid.NewString(),
		CarID:        carID,
		StartTime:    window.Start,
		EndTime:      window.End,
		Status:       types.AuctionActive,
		AuctionStart: now,
		AuctionEnd:   now.Add(m.cfg.BiddingWindow),
		Bids:         []types.Bid{},
		CreatedAt:    now,
	}
	if err := st.SaveAuction(ctx, a); err != nil {
		return types.Auction{}, errors.Wrap(err, "failed to open auction")
	}
	m.logger.Info("Auction opened", "auction", a.ID, "car", carID, "deadline", a.AuctionEnd)
	return a, nil
}

// Join adds one bid per booking to the auction and moves those bookings to
// competing. Bookings already represented are left alone, and so are
// bookings of users who already bid here: one bid per user.
func (m *Manager) Join(ctx context.Context, st Store, a *types.Auction, bookings []types.Booking) error {
	if a.Status != types.AuctionActive {
		return errors.Conflict(errors.ErrAuctionClosed, "auction %s is closed", a.ID)
	}
	now := m.clock.Now()
	for _, b := range bookings {
		if a.BidByBooking(b.ID) >= 0 {
			continue
		}
		if a.BidByUser(b.UserID) >= 0 {
			m.logger.Debug("User already bids, booking stays out", "auction", a.ID, "booking", b.ID, "user", b.UserID)
			continue
		}
		user, err := st.GetUser(ctx, b.UserID)
		if err != nil {
			return err
		}
		a.Bids = append(a.Bids, types.Bid{
			ID:                 uuid.NewString(),
			AuctionID:          a.ID,
			BookingID:          b.ID,
			UserID:             b.UserID,
			OfferPrice:         b.OfferPrice,
			TrustScoreSnapshot: reputation.Score(user),
			CreatedAt:          now,
			SubmittedAt:        now,
		})
		if b.Status != types.BookingCompeting {
			b.Status = types.BookingCompeting
			b.UpdatedAt = now
			if err := st.SaveBooking(ctx, b); err != nil {
				return errors.Wrap(err, "failed to move booking to competing")
			}
		}
	}
	if err := m.fitWindow(ctx, st, a); err != nil {
		return err
	}
	if err := st.SaveAuction(ctx, *a); err != nil {
		return errors.Wrap(err, "failed to save auction")
	}
	return nil
}

// Merge folds others into target. Absorbed auctions are closed without a
// winner and point at target through merged_into. When a user bids in both,
// the target keeps that user's bid and the other booking goes back to
// pending.
func (m *Manager) Merge(ctx context.Context, st Store, target *types.Auction, others []types.Auction) error {
	now := m.clock.Now()
	for _, o := range others {
		if o.ID == target.ID {
			continue
		}
		for _, bid := range o.Bids {
			if target.BidByUser(bid.UserID) >= 0 {
				if err := m.release(ctx, st, bid.BookingID); err != nil {
					return err
				}
				continue
			}
			bid.AuctionID = target.ID
			target.Bids = append(target.Bids, bid)
		}
	}
	if err := m.fitWindow(ctx, st, target); err != nil {
		return err
	}
	if err := st.SaveAuction(ctx, *target); err != nil {
		return errors.Wrap(err, "failed to save merged auction")
	}
	for _, o := range others {
		if o.ID == target.ID {
			continue
		}
		into := target.ID
		closedAt := now
		o.Status = types.AuctionClosed
		o.MergedInto = &into
		o.ClosedAt = &closedAt
		o.Bids = []types.Bid{}
		if err := st.SaveAuction(ctx, o); err != nil {
			return errors.Wrap(err, "failed to close absorbed auction")
		}
		m.logger.Info("Auction merged", "from", o.ID, "into", target.ID)
	}
	return nil
}

// SubmitBid creates or refreshes the user's bid. The trust snapshot and the
// submission time are re-taken on every call. A user without a bid joins
// with a new competing booking over the auction window.
func (m *Manager) SubmitBid(ctx context.Context, st Store, auctionID, userID string, offer float64) (types.Auction, types.Bid, error) {
	a, err := st.GetAuction(ctx, auctionID)
	if err != nil {
		return types.Auction{}, types.Bid{}, err
	}
	if a.Status != types.AuctionActive {
		return types.Auction{}, types.Bid{}, errors.Conflict(errors.ErrAuctionClosed, "auction %s is closed", auctionID)
	}
	user, err := st.GetUser(ctx, userID)
	if err != nil {
		return types.Auction{}, types.Bid{}, err
	}
	if user.IsBlocked {
		return types.Auction{}, types.Bid{}, errors.Unauthorized(errors.ErrUserBlocked, "user %s is blocked", userID)
	}
	car, err := st.GetCar(ctx, a.CarID)
	if err != nil {
		return types.Auction{}, types.Bid{}, err
	}
	if !car.IsActive {
		return types.Auction{}, types.Bid{}, errors.Conflict(errors.ErrCarUnavailable, "car %s is no longer available", car.ID)
	}
	if offer < car.DailyPrice {
		return types.Auction{}, types.Bid{}, errors.Validation(errors.ErrBidTooLow, "offer %.2f is below the daily price %.2f", offer, car.DailyPrice)
	}

	now := m.clock.Now()
	snapshot := reputation.Score(user)

	idx := a.BidByUser(userID)
	if idx < 0 {
		if !a.StartTime.After(now) {
			return types.Auction{}, types.Bid{}, errors.Validation(errors.ErrInvalidWindow, "auction window has already started")
		}
		if err := m.guard.CheckConfirmed(ctx, st, a.CarID, a.Window(), ""); err != nil {
			return types.Auction{}, types.Bid{}, err
		}
		members := make(map[string]bool, len(a.Bids))
		for _, b := range a.Bids {
			members[b.BookingID] = true
		}
		if err := m.guard.CheckLive(ctx, st, a.CarID, userID, a.Window(), members); err != nil {
			return types.Auction{}, types.Bid{}, err
		}
		booking := types.Booking{
			ID:         uuid.NewString(),
			CarID:      a.CarID,
			UserID:     userID,
			StartTime:  a.StartTime,
			EndTime:    a.EndTime,
			OfferPrice: offer,
			Status:     types.BookingCompeting,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := st.SaveBooking(ctx, booking); err != nil {
			return types.Auction{}, types.Bid{}, errors.Wrap(err, "failed to create booking for bid")
		}
		a.Bids = append(a.Bids, types.Bid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			BookingID: booking.ID,
			UserID:    userID,
			CreatedAt: now,
		})
		idx = len(a.Bids) - 1
	} else {
		booking, err := st.GetBooking(ctx, a.Bids[idx].BookingID)
		if err != nil {
			return types.Auction{}, types.Bid{}, err
		}
		booking.OfferPrice = offer
		booking.UpdatedAt = now
		if err := st.SaveBooking(ctx, booking); err != nil {
			return types.Auction{}, types.Bid{}, errors.Wrap(err, "failed to update booking offer")
		}
	}

	bid := &a.Bids[idx]
	bid.OfferPrice = offer
	bid.TrustScoreSnapshot = snapshot
	bid.SubmittedAt = now

	if err := st.SaveAuction(ctx, a); err != nil {
		return types.Auction{}, types.Bid{}, errors.Wrap(err, "failed to save bid")
	}
	m.logger.Debug("Bid submitted", "auction", a.ID, "user", userID, "offer", offer, "trust", snapshot)
	return a, *bid, nil
}

// Withdraw removes the booking's bid from its open auction and shrinks the
// auction window to the bookings still in it. It returns the updated
// auction, or nil when the booking was not bidding anywhere.
func (m *Manager) Withdraw(ctx context.Context, st Store, booking types.Booking) (*types.Auction, error) {
	a, err := m.HoldingAuction(ctx, st, booking)
	if err != nil || a == nil {
		return nil, err
	}
	idx := a.BidByBooking(booking.ID)
	a.Bids = append(a.Bids[:idx], a.Bids[idx+1:]...)
	if err := m.fitWindow(ctx, st, a); err != nil {
		return nil, err
	}
	if err := st.SaveAuction(ctx, *a); err != nil {
		return nil, errors.Wrap(err, "failed to withdraw bid")
	}
	m.logger.Info("Bid withdrawn", "auction", a.ID, "booking", booking.ID, "remaining", len(a.Bids))
	return a, nil
}

// HoldingAuction returns the open auction that holds the booking's bid.
func (m *Manager) HoldingAuction(ctx context.Context, st Store, booking types.Booking) (*types.Auction, error) {
	open, err := st.ListAuctions(ctx, database.AuctionFilter{CarID: booking.CarID, Status: types.AuctionActive})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open auctions")
	}
	for _, a := range open {
		if a.BidByBooking(booking.ID) >= 0 {
			return &a, nil
		}
	}
	return nil, nil
}

// fitWindow sets the auction window to the union of its members' windows.
// An auction without bids keeps its last window.
func (m *Manager) fitWindow(ctx context.Context, st Store, a *types.Auction) error {
	for i, bid := range a.Bids {
		b, err := st.GetBooking(ctx, bid.BookingID)
		if err != nil {
			return err
		}
		if i == 0 {
			a.StartTime, a.EndTime = b.StartTime, b.EndTime
			continue
		}
		w := a.Window().Union(b.Window())
		a.StartTime, a.EndTime = w.Start, w.End
	}
	return nil
}

// release sends a competing booking that lost its bid back to pending.
func (m *Manager) release(ctx context.Context, st Store, bookingID string) error {
	b, err := st.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != types.BookingCompeting {
		return nil
	}
	b.Status = types.BookingPending
	b.UpdatedAt = m.clock.Now()
	if err := st.SaveBooking(ctx, b); err != nil {
		return errors.Wrap(err, "failed to release booking")
	}
	m.logger.Info("Booking released from merged auction", "booking", b.ID, "user", b.UserID)
	return nil
}

// Close ranks the bids, confirms the winner and rejects everyone else. A bid
// whose booking collides with a confirmed booking cannot win; the next one
// in rank order does. Closing a closed auction is a ConflictError.
func (m *Manager) Close(ctx context.Context, st Store, auctionID string) (Outcome, error) {
	a, err := st.GetAuction(ctx, auctionID)
	if err != nil {
		return Outcome{}, err
	}
	if a.Status != types.AuctionActive {
		return Outcome{}, errors.Conflict(errors.ErrAuctionClosed, "auction %s is already closed", auctionID)
	}
	car, err := st.GetCar(ctx, a.CarID)
	if err != nil {
		return Outcome{}, err
	}

	now := m.clock.Now()
	out := Outcome{Rejected: []types.Booking{}}

	members := make(map[string]types.Booking, len(a.Bids))
	var live []types.Bid
	for _, bid := range a.Bids {
		booking, err := st.GetBooking(ctx, bid.BookingID)
		if err != nil {
			return Outcome{}, err
		}
		members[bid.ID] = booking
		if booking.Status == types.BookingCompeting {
			live = append(live, bid)
		}
	}

	var winner *types.Bid
	switch {
	case !car.IsActive:
		m.logger.Warn("Closing auction for inactive car without a winner", "auction", a.ID, "car", car.ID)
	case len(live) > 0:
		ranked := Rank(live, m.weights)
		scores := make(map[string]*float64, len(ranked))
		for _, r := range ranked {
			scores[r.ID] = r.FinalScore
		}
		for i := range a.Bids {
			if f, ok := scores[a.Bids[i].ID]; ok {
				a.Bids[i].FinalScore = f
			}
		}
		for i := range ranked {
			b := members[ranked[i].ID]
			err := m.guard.CheckConfirmed(ctx, st, a.CarID, b.Window(), b.ID)
			if err == nil {
				w := ranked[i]
				winner = &w
				break
			}
			if !errors.IsConflict(err) {
				return Outcome{}, err
			}
			m.logger.Warn("Bid collides with a confirmed booking, passing over it", "auction", a.ID, "booking", b.ID)
		}
	}

	for _, bid := range a.Bids {
		booking := members[bid.ID]
		if booking.Status != types.BookingCompeting {
			continue
		}
		booking.UpdatedAt = now
		if winner != nil && bid.ID == winner.ID {
			booking.Status = types.BookingConfirmed
			confirmed := booking
			out.Confirmed = &confirmed
		} else {
			booking.Status = types.BookingRejected
			out.Rejected = append(out.Rejected, booking)
		}
		if err := st.SaveBooking(ctx, booking); err != nil {
			return Outcome{}, errors.Wrap(err, "failed to settle booking")
		}
	}

	a.Status = types.AuctionClosed
	a.ClosedAt = &now
	if winner != nil {
		userID, bookingID := winner.UserID, winner.BookingID
		a.WinnerUserID = &userID
		a.WinningBookingID = &bookingID
		out.Winner = winner
	}
	if err := st.SaveAuction(ctx, a); err != nil {
		return Outcome{}, errors.Wrap(err, "failed to close auction")
	}
	out.Auction = a

	if winner != nil {
		m.logger.Info("Auction closed", "auction", a.ID, "winner", winner.UserID, "score", *winner.FinalScore, "bids", len(a.Bids))
	} else {
		m.logger.Info("Auction closed without winner", "auction", a.ID)
	}
	return out, nil
}
