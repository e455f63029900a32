// Package allocation is the entry point of the engine. It serialises every
// mutation of a car behind that car's lock and one store transaction, and
// publishes domain events once the transaction has committed.
package allocation

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/configs"
	"github.com/Martin-Hayot/fleet-allocation/internal/auction"
	"github.com/Martin-Hayot/fleet-allocation/internal/booking"
	"github.com/Martin-Hayot/fleet-allocation/internal/conflict"
	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/internal/events"
	"github.com/Martin-Hayot/fleet-allocation/internal/locks"
	"github.com/Martin-Hayot/fleet-allocation/internal/observability"
	"github.com/Martin-Hayot/fleet-allocation/internal/reputation"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Service struct {
	store    database.Service
	cfg      configs.Allocation
	clock    clockwork.Clock
	cars     *locks.KeyedMutex
	ledger   *reputation.Ledger
	detector *conflict.Detector
	auctions *auction.Manager
	machine  *booking.Machine
	events   events.Publisher
	logger   *log.Logger
}

// Admission is the result of a booking request: the booking itself and, when
// it was contested, the auction it now competes in.
type Admission struct {
	Booking types.Booking  `json:"booking"`
	Auction *types.Auction `json:"auction,omitempty"`
}

func New(store database.Service, cfg configs.Allocation, clock clockwork.Clock, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	logger := log.WithPrefix("allocation")
	ledger := reputation.NewLedger(clock)
	detector := conflict.NewDetector(clock, cfg.AutoRejectThreshold)
	auctions := auction.NewManager(cfg, clock, detector)
	return &Service{
		store:    store,
		cfg:      cfg,
		clock:    clock,
		cars:     locks.NewKeyedMutex(),
		ledger:   ledger,
		detector: detector,
		auctions: auctions,
		machine:  booking.NewMachine(cfg, ledger, auctions, detector, clock),
		events:   events.Logging{Next: pub, Logger: logger},
		logger:   logger,
	}
}

// mutateCar runs fn under the car's lock inside one transaction and
// publishes the returned events after commit.
func (s *Service) mutateCar(ctx context.Context, op, carID string, fn func(st database.Store) ([]events.Event, error)) error {
	start := time.Now()
	unlock := s.cars.Lock(carID)
	defer unlock()

	var evs []events.Event
	err := s.store.WithTx(ctx, func(st database.Store) error {
		var err error
		evs, err = fn(st)
		return err
	})
	observe(op, start, err)
	if err != nil {
		return err
	}
	_ = s.events.Publish(ctx, evs...)
	return nil
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = errors.KindOf(err).String()
	}
	observability.OperationDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (s *Service) event(t events.Type, carID string) events.Event {
	return events.Event{Type: t, CarID: carID, At: s.clock.Now()}
}

// EnsureUser provisions a record for an identity the auth collaborator
// vouched for. Reputation counters start at zero.
func (s *Service) EnsureUser(ctx context.Context, p types.Principal) (types.User, error) {
	if p.UserID == "" {
		return types.User{}, errors.Unauthorized(errors.ErrInvalidToken, "missing user identity")
	}
	if p.Role == "" {
		p.Role = types.RoleRenter
	}

	var user types.User
	err := s.store.WithTx(ctx, func(st database.Store) error {
		var err error
		user, err = s.ledger.Provision(ctx, st, p)
		return err
	})
	return user, err
}

// UpsertCar records car attributes handed over by the inventory collaborator.
func (s *Service) UpsertCar(ctx context.Context, car types.Car) (types.Car, error) {
	if car.ID == "" {
		car.ID = uuid.NewString()
	}
	if car.DailyPrice <= 0 {
		return types.Car{}, errors.Validation(errors.ErrBadMessageFormat, "daily price must be positive")
	}
	err := s.mutateCar(ctx, "upsert_car", car.ID, func(st database.Store) ([]events.Event, error) {
		existing, err := st.GetCar(ctx, car.ID)
		switch {
		case err == nil:
			car.CreatedAt = existing.CreatedAt
		case errors.IsNotFound(err):
			car.CreatedAt = s.clock.Now()
		default:
			return nil, err
		}
		car.UpdatedAt = s.clock.Now()
		return nil, st.SaveCar(ctx, car)
	})
	return car, err
}

// SetCarActive flips the availability flag of a car.
func (s *Service) SetCarActive(ctx context.Context, actor types.Principal, carID string, active bool) (types.Car, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return types.Car{}, err
	}
	var car types.Car
	err := s.mutateCar(ctx, "set_car_active", carID, func(st database.Store) ([]events.Event, error) {
		c, err := st.GetCar(ctx, carID)
		if err != nil {
			return nil, err
		}
		c.IsActive = active
		c.UpdatedAt = s.clock.Now()
		car = c
		return nil, st.SaveCar(ctx, c)
	})
	return car, err
}

// RequestBooking admits a booking. Without overlap it waits as pending for an
// admin. Otherwise every overlapping live booking ends up in one auction:
// a new one, the single auction already holding them, or the oldest of
// several auctions with the others merged into it.
func (s *Service) RequestBooking(ctx context.Context, actor types.Principal, req conflict.Request) (Admission, error) {
	req.UserID = actor.UserID
	var adm Admission
	err := s.mutateCar(ctx, "request_booking", req.CarID, func(st database.Store) ([]events.Event, error) {
		plan, err := s.detector.Plan(ctx, st, req)
		if err != nil {
			return nil, err
		}

		now := s.clock.Now()
		b := types.Booking{
			ID:         uuid.NewString(),
			CarID:      req.CarID,
			UserID:     req.UserID,
			StartTime:  req.StartTime,
			EndTime:    req.EndTime,
			OfferPrice: req.OfferPrice,
			Status:     types.BookingPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := st.SaveBooking(ctx, b); err != nil {
			return nil, errors.Wrap(err, "failed to save booking")
		}

		admitted := s.event(events.BookingAdmitted, b.CarID)
		admitted.BookingID, admitted.UserID = b.ID, b.UserID

		if !plan.Contested() {
			adm.Booking = b
			admitted.Data = b
			observability.BookingsAdmitted.WithLabelValues(string(types.BookingPending)).Inc()
			return []events.Event{admitted}, nil
		}

		members := append(plan.Overlapping, b)
		var evs []events.Event
		var a types.Auction
		switch len(plan.Auctions) {
		case 0:
			w := b.Window()
			for _, m := range plan.Overlapping {
				w = w.Union(m.Window())
			}
			if a, err = s.auctions.Open(ctx, st, b.CarID, w); err != nil {
				return nil, err
			}
			opened := s.event(events.AuctionOpened, b.CarID)
			opened.AuctionID = a.ID
			evs = append(evs, opened)
		case 1:
			a = plan.Auctions[0]
		default:
			a = plan.Auctions[0]
			if err := s.auctions.Merge(ctx, st, &a, plan.Auctions[1:]); err != nil {
				return nil, err
			}
			for _, o := range plan.Auctions[1:] {
				merged := s.event(events.AuctionMerged, b.CarID)
				merged.AuctionID = o.ID
				merged.Data = map[string]string{"merged_into": a.ID}
				evs = append(evs, merged)
				observability.AuctionsClosed.WithLabelValues("merge").Inc()
			}
		}
		if err := s.auctions.Join(ctx, st, &a, members); err != nil {
			return nil, err
		}

		if b, err = st.GetBooking(ctx, b.ID); err != nil {
			return nil, err
		}
		adm.Booking, adm.Auction = b, &a

		admitted.AuctionID = a.ID
		admitted.Data = b
		updated := s.event(events.AuctionUpdated, b.CarID)
		updated.AuctionID = a.ID
		updated.Data = a
		observability.BookingsAdmitted.WithLabelValues(string(types.BookingCompeting)).Inc()
		return append(evs, admitted, updated), nil
	})
	if err != nil {
		return Admission{}, err
	}
	s.logger.Info("Booking admitted", "booking", adm.Booking.ID, "status", adm.Booking.Status)
	return adm, nil
}

func (s *Service) GetBooking(ctx context.Context, actor types.Principal, bookingID string) (types.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return types.Booking{}, err
	}
	if b.UserID != actor.UserID && !actor.IsAdmin() {
		return types.Booking{}, errors.Unauthorized(errors.ErrNotOwner, "booking %s belongs to another user", bookingID)
	}
	return b, nil
}

// ParseBookingStatus accepts "" as no filter.
func ParseBookingStatus(raw string) ([]types.BookingStatus, error) {
	if raw == "" {
		return nil, nil
	}
	st := types.BookingStatus(raw)
	if !st.Valid() {
		return nil, errors.Validation(errors.ErrBadMessageFormat, "unknown booking status %q", raw)
	}
	return []types.BookingStatus{st}, nil
}

// ParseAuctionStatus accepts "" as no filter.
func ParseAuctionStatus(raw string) (types.AuctionStatus, error) {
	switch st := types.AuctionStatus(raw); st {
	case "", types.AuctionActive, types.AuctionClosed:
		return st, nil
	default:
		return "", errors.Validation(errors.ErrBadMessageFormat, "unknown auction status %q", raw)
	}
}

// MyBookings lists the caller's bookings, optionally by status.
func (s *Service) MyBookings(ctx context.Context, actor types.Principal, status string) ([]types.Booking, error) {
	statuses, err := ParseBookingStatus(status)
	if err != nil {
		return nil, err
	}
	return s.store.ListBookings(ctx, database.BookingFilter{UserID: actor.UserID, Statuses: statuses})
}

// MyAuctions lists auctions the caller holds a bid in.
func (s *Service) MyAuctions(ctx context.Context, actor types.Principal, status string) ([]types.Auction, error) {
	st, err := ParseAuctionStatus(status)
	if err != nil {
		return nil, err
	}
	return s.store.ListAuctions(ctx, database.AuctionFilter{Bidder: actor.UserID, Status: st})
}

func (s *Service) GetAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	return s.store.GetAuction(ctx, auctionID)
}

// SubmitBid creates or updates the caller's bid on an auction.
func (s *Service) SubmitBid(ctx context.Context, actor types.Principal, auctionID string, offer float64) (types.Auction, types.Bid, error) {
	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return types.Auction{}, types.Bid{}, err
	}
	var bid types.Bid
	err = s.mutateCar(ctx, "submit_bid", a.CarID, func(st database.Store) ([]events.Event, error) {
		var err error
		if a, bid, err = s.auctions.SubmitBid(ctx, st, auctionID, actor.UserID, offer); err != nil {
			return nil, err
		}
		e := s.event(events.AuctionUpdated, a.CarID)
		e.AuctionID, e.UserID, e.BookingID = a.ID, actor.UserID, bid.BookingID
		e.Data = a
		return []events.Event{e}, nil
	})
	if err != nil {
		return types.Auction{}, types.Bid{}, err
	}
	observability.BidsSubmitted.Inc()
	return a, bid, nil
}

// CancelBooking cancels the caller's booking. A competing booking leaves
// its auction; when sole bidders are auto-confirmed and only one bid is
// left, the auction closes right away.
func (s *Service) CancelBooking(ctx context.Context, actor types.Principal, bookingID string) (booking.CancelResult, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return booking.CancelResult{}, err
	}
	var (
		res     booking.CancelResult
		already bool
	)
	err = s.mutateCar(ctx, "cancel_booking", b.CarID, func(st database.Store) ([]events.Event, error) {
		cur, err := st.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		already = cur.Status == types.BookingCancelled
		if res, err = s.machine.Cancel(ctx, st, actor, bookingID); err != nil {
			return nil, err
		}
		if already {
			return nil, nil
		}
		e := s.event(events.BookingCancelled, b.CarID)
		e.BookingID, e.UserID, e.Data = b.ID, b.UserID, res
		evs := []events.Event{e}
		if res.Auction != nil {
			u := s.event(events.AuctionUpdated, b.CarID)
			u.AuctionID, u.Data = res.Auction.ID, res.Auction
			evs = append(evs, u)
		}
		if res.CloseNow {
			out, err := s.auctions.Close(ctx, st, res.Auction.ID)
			if err != nil {
				return nil, err
			}
			res.Auction = &out.Auction
			evs = append(evs, s.closeEvents(out, "sole_bidder")...)
		}
		return evs, nil
	})
	if err != nil {
		return booking.CancelResult{}, err
	}
	if already {
		return res, nil
	}
	if res.Penalized {
		observability.PenaltiesTotal.Inc()
	}
	observability.BookingTransitions.WithLabelValues(string(types.BookingCancelled)).Inc()
	return res, nil
}

func (s *Service) closeEvents(out auction.Outcome, trigger string) []events.Event {
	observability.AuctionsClosed.WithLabelValues(trigger).Inc()
	observability.AuctionBidders.Observe(float64(len(out.Auction.Bids)))

	closed := s.event(events.AuctionClosed, out.Auction.CarID)
	closed.AuctionID = out.Auction.ID
	closed.Data = out
	evs := []events.Event{closed}
	if out.Confirmed != nil {
		e := s.event(events.BookingConfirmed, out.Auction.CarID)
		e.AuctionID, e.BookingID, e.UserID = out.Auction.ID, out.Confirmed.ID, out.Confirmed.UserID
		evs = append(evs, e)
		observability.BookingTransitions.WithLabelValues(string(types.BookingConfirmed)).Inc()
	}
	for _, r := range out.Rejected {
		e := s.event(events.BookingRejected, out.Auction.CarID)
		e.AuctionID, e.BookingID, e.UserID = out.Auction.ID, r.ID, r.UserID
		evs = append(evs, e)
		observability.BookingTransitions.WithLabelValues(string(types.BookingRejected)).Inc()
	}
	return evs
}

// CloseAuction is the admin's explicit close. It races the sweeper on the
// car lock; whoever comes second gets a ConflictError.
func (s *Service) CloseAuction(ctx context.Context, actor types.Principal, auctionID string) (auction.Outcome, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return auction.Outcome{}, err
	}
	return s.closeAuction(ctx, auctionID, "admin")
}

func (s *Service) closeAuction(ctx context.Context, auctionID, trigger string) (auction.Outcome, error) {
	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return auction.Outcome{}, err
	}
	var out auction.Outcome
	err = s.mutateCar(ctx, "close_auction", a.CarID, func(st database.Store) ([]events.Event, error) {
		var err error
		if out, err = s.auctions.Close(ctx, st, auctionID); err != nil {
			return nil, err
		}
		return s.closeEvents(out, trigger), nil
	})
	return out, err
}

// CloseExpired closes every active auction past its deadline. Auctions an
// admin closed first are skipped; other failures are returned joined so the
// sweeper retries them on its next tick.
func (s *Service) CloseExpired(ctx context.Context) (int, error) {
	due, err := s.store.ListAuctions(ctx, database.AuctionFilter{Status: types.AuctionActive, DueBy: s.clock.Now()})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list expired auctions")
	}

	closed := 0
	var errs []error
	for _, a := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.closeAuction(ctx, a.ID, "sweep")
		switch {
		case err == nil:
			closed++
		case errors.IsConflict(err):
			s.logger.Debug("Auction already closed", "auction", a.ID)
		default:
			errs = append(errs, err)
		}
	}

	if open, err := s.store.ListAuctions(ctx, database.AuctionFilter{Status: types.AuctionActive}); err == nil {
		observability.AuctionsOpen.Set(float64(len(open)))
	}
	return closed, stderrors.Join(errs...)
}

func (s *Service) ApproveBooking(ctx context.Context, actor types.Principal, bookingID string) (types.Booking, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return types.Booking{}, err
	}
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return types.Booking{}, err
	}
	err = s.mutateCar(ctx, "approve_booking", b.CarID, func(st database.Store) ([]events.Event, error) {
		var err error
		if b, err = s.machine.Approve(ctx, st, actor, bookingID); err != nil {
			return nil, err
		}
		e := s.event(events.BookingConfirmed, b.CarID)
		e.BookingID, e.UserID, e.Data = b.ID, b.UserID, b
		return []events.Event{e}, nil
	})
	if err != nil {
		return types.Booking{}, err
	}
	observability.BookingTransitions.WithLabelValues(string(types.BookingConfirmed)).Inc()
	return b, nil
}

func (s *Service) RejectBooking(ctx context.Context, actor types.Principal, bookingID string) (types.Booking, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return types.Booking{}, err
	}
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return types.Booking{}, err
	}
	err = s.mutateCar(ctx, "reject_booking", b.CarID, func(st database.Store) ([]events.Event, error) {
		var (
			held *types.Auction
			err  error
		)
		if b, held, err = s.machine.Reject(ctx, st, actor, bookingID); err != nil {
			return nil, err
		}
		e := s.event(events.BookingRejected, b.CarID)
		e.BookingID, e.UserID, e.Data = b.ID, b.UserID, b
		evs := []events.Event{e}
		if held != nil {
			u := s.event(events.AuctionUpdated, b.CarID)
			u.AuctionID, u.Data = held.ID, held
			evs = append(evs, u)
		}
		return evs, nil
	})
	if err != nil {
		return types.Booking{}, err
	}
	observability.BookingTransitions.WithLabelValues(string(types.BookingRejected)).Inc()
	return b, nil
}

func (s *Service) StartRide(ctx context.Context, actor types.Principal, bookingID string) (types.Ride, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return types.Ride{}, err
	}
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return types.Ride{}, err
	}
	var ride types.Ride
	err = s.mutateCar(ctx, "start_ride", b.CarID, func(st database.Store) ([]events.Event, error) {
		var err error
		if ride, err = s.machine.StartRide(ctx, st, actor, bookingID); err != nil {
			return nil, err
		}
		e := s.event(events.RideStarted, b.CarID)
		e.BookingID, e.UserID, e.Data = b.ID, b.UserID, ride
		return []events.Event{e}, nil
	})
	return ride, err
}

// rideCar resolves the car a ride belongs to.
func (s *Service) rideCar(ctx context.Context, rideID string) (types.Booking, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return types.Booking{}, err
	}
	return s.store.GetBooking(ctx, ride.BookingID)
}

func (s *Service) CompleteRide(ctx context.Context, actor types.Principal, rideID string) (types.Ride, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return types.Ride{}, err
	}
	b, err := s.rideCar(ctx, rideID)
	if err != nil {
		return types.Ride{}, err
	}
	var ride types.Ride
	err = s.mutateCar(ctx, "complete_ride", b.CarID, func(st database.Store) ([]events.Event, error) {
		var err error
		if ride, err = s.machine.CompleteRide(ctx, st, actor, rideID); err != nil {
			return nil, err
		}
		e := s.event(events.RideCompleted, b.CarID)
		e.BookingID, e.UserID, e.Data = b.ID, b.UserID, ride
		return []events.Event{e}, nil
	})
	return ride, err
}

// RatingResult pairs the stored rating with the renter's new trust score.
type RatingResult struct {
	Rating     types.Rating `json:"rating"`
	TrustScore float64      `json:"trust_score"`
}

func (s *Service) RateRide(ctx context.Context, actor types.Principal, rideID string, in booking.RatingInput) (RatingResult, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return RatingResult{}, err
	}
	b, err := s.rideCar(ctx, rideID)
	if err != nil {
		return RatingResult{}, err
	}
	var res RatingResult
	err = s.mutateCar(ctx, "rate_ride", b.CarID, func(st database.Store) ([]events.Event, error) {
		var err error
		if res.Rating, res.TrustScore, err = s.machine.RateRide(ctx, st, actor, rideID, in); err != nil {
			return nil, err
		}
		e := s.event(events.RideRated, b.CarID)
		e.BookingID, e.UserID, e.Data = b.ID, b.UserID, res
		return []events.Event{e}, nil
	})
	if err != nil {
		return RatingResult{}, err
	}
	observability.RatingsTotal.Inc()
	return res, nil
}

// BookingQuery is the admin listing filter.
type BookingQuery struct {
	Status string
	CarID  string
	UserID string
}

func (s *Service) ListBookings(ctx context.Context, actor types.Principal, q BookingQuery) ([]types.Booking, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return nil, err
	}
	statuses, err := ParseBookingStatus(q.Status)
	if err != nil {
		return nil, err
	}
	return s.store.ListBookings(ctx, database.BookingFilter{CarID: q.CarID, UserID: q.UserID, Statuses: statuses})
}

func (s *Service) ListAuctions(ctx context.Context, actor types.Principal, status, carID string) ([]types.Auction, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return nil, err
	}
	st, err := ParseAuctionStatus(status)
	if err != nil {
		return nil, err
	}
	return s.store.ListAuctions(ctx, database.AuctionFilter{Status: st, CarID: carID})
}

func (s *Service) BlockUser(ctx context.Context, actor types.Principal, userID string) (types.User, error) {
	return s.setBlocked(ctx, actor, userID, true)
}

func (s *Service) UnblockUser(ctx context.Context, actor types.Principal, userID string) (types.User, error) {
	return s.setBlocked(ctx, actor, userID, false)
}

func (s *Service) setBlocked(ctx context.Context, actor types.Principal, userID string, blocked bool) (types.User, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return types.User{}, err
	}
	var u types.User
	err := s.store.WithTx(ctx, func(st database.Store) error {
		var err error
		u, err = s.ledger.SetBlocked(ctx, st, userID, blocked)
		return err
	})
	if err != nil {
		return types.User{}, err
	}
	t := events.UserUnblocked
	if blocked {
		t = events.UserBlocked
	}
	_ = s.events.Publish(ctx, events.Event{Type: t, UserID: userID, At: s.clock.Now()})
	return u, nil
}

// UserTrust returns the caller-visible reputation of a user.
func (s *Service) UserTrust(ctx context.Context, userID string) (float64, error) {
	return s.ledger.Score(ctx, s.store, userID)
}

// Profile returns the caller's own record with its counters and trust.
func (s *Service) Profile(ctx context.Context, actor types.Principal) (Profile, error) {
	u, err := s.store.GetUser(ctx, actor.UserID)
	if err != nil {
		return Profile{}, err
	}
	trust, err := s.UserTrust(ctx, u.ID)
	if err != nil {
		return Profile{}, err
	}
	return NewProfile(u, trust), nil
}

// ListUsers lists renters for the admin, highest trust first.
func (s *Service) ListUsers(ctx context.Context, actor types.Principal, blockedOnly bool) ([]Profile, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(users))
	for _, u := range users {
		if u.Role != types.RoleRenter || (blockedOnly && !u.IsBlocked) {
			continue
		}
		out = append(out, NewProfile(u, reputation.Score(u)))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TrustScore != out[j].TrustScore {
			return out[i].TrustScore > out[j].TrustScore
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// BrowseAuctions is the listing any signed-in user may see, newest first.
func (s *Service) BrowseAuctions(ctx context.Context, status string) ([]AuctionSummary, error) {
	st, err := ParseAuctionStatus(status)
	if err != nil {
		return nil, err
	}
	auctions, err := s.store.ListAuctions(ctx, database.AuctionFilter{Status: st})
	if err != nil {
		return nil, err
	}
	out := make([]AuctionSummary, len(auctions))
	for i, a := range auctions {
		out[len(auctions)-1-i] = NewAuctionSummary(a)
	}
	return out, nil
}

func (s *Service) Leaderboard(ctx context.Context, actor types.Principal, n int) ([]reputation.Standing, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = s.cfg.LeaderboardSize
	}
	return s.ledger.Leaderboard(ctx, s.store, n)
}

func (s *Service) Health() map[string]string { return s.store.Health() }

// ActiveAuctions lists open auctions for operator tooling.
func (s *Service) ActiveAuctions(ctx context.Context) ([]types.Auction, error) {
	return s.store.ListAuctions(ctx, database.AuctionFilter{Status: types.AuctionActive})
}

// Leader returns the bid that would win if the auction closed now.
func (s *Service) Leader(a types.Auction) (types.Bid, bool) {
	ranked := auction.Rank(a.Bids, s.auctions.Weights())
	if len(ranked) == 0 {
		return types.Bid{}, false
	}
	return ranked[0], true
}
