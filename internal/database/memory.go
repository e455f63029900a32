package database

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
)

// Memory is a copy-on-write store for development and tests. Committed
// snapshots are never mutated, so readers only need the snapshot pointer.
// Writers are serialised and work on a private clone that replaces the
// snapshot on commit.
type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	cur  *tables
}

func NewMemory() *Memory {
	return &Memory{cur: newTables()}
}

func (m *Memory) snapshot() *tables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.snapshot().clone()
	if err := fn(work); err != nil {
		return err
	}

	m.mu.Lock()
	m.cur = work
	m.mu.Unlock()
	return nil
}

func (m *Memory) Health() map[string]string {
	t := m.snapshot()
	return map[string]string{
		"status":   "up",
		"message":  "It's healthy",
		"driver":   "memory",
		"users":    strconv.Itoa(len(t.users)),
		"cars":     strconv.Itoa(len(t.cars)),
		"bookings": strconv.Itoa(len(t.bookings)),
		"auctions": strconv.Itoa(len(t.auctions)),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetUser(ctx context.Context, id string) (types.User, error) {
	return m.snapshot().GetUser(ctx, id)
}

func (m *Memory) ListUsers(ctx context.Context) ([]types.User, error) {
	return m.snapshot().ListUsers(ctx)
}

func (m *Memory) SaveUser(ctx context.Context, user types.User) error {
	return m.WithTx(ctx, func(s Store) error { return s.SaveUser(ctx, user) })
}

func (m *Memory) GetCar(ctx context.Context, id string) (types.Car, error) {
	return m.snapshot().GetCar(ctx, id)
}

func (m *Memory) ListCars(ctx context.Context) ([]types.Car, error) {
	return m.snapshot().ListCars(ctx)
}

func (m *Memory) SaveCar(ctx context.Context, car types.Car) error {
	return m.WithTx(ctx, func(s Store) error { return s.SaveCar(ctx, car) })
}

func (m *Memory) GetBooking(ctx context.Context, id string) (types.Booking, error) {
	return m.snapshot().GetBooking(ctx, id)
}

func (m *Memory) ListBookings(ctx context.Context, filter BookingFilter) ([]types.Booking, error) {
	return m.snapshot().ListBookings(ctx, filter)
}

func (m *Memory) SaveBooking(ctx context.Context, booking types.Booking) error {
	return m.WithTx(ctx, func(s Store) error { return s.SaveBooking(ctx, booking) })
}

func (m *Memory) GetAuction(ctx context.Context, id string) (types.Auction, error) {
	return m.snapshot().GetAuction(ctx, id)
}

func (m *Memory) ListAuctions(ctx context.Context, filter AuctionFilter) ([]types.Auction, error) {
	return m.snapshot().ListAuctions(ctx, filter)
}

func (m *Memory) SaveAuction(ctx context.Context, auction types.Auction) error {
	return m.WithTx(ctx, func(s Store) error { return s.SaveAuction(ctx, auction) })
}

func (m *Memory) GetRide(ctx context.Context, id string) (types.Ride, error) {
	return m.snapshot().GetRide(ctx, id)
}

func (m *Memory) GetRideByBooking(ctx context.Context, bookingID string) (types.Ride, error) {
	return m.snapshot().GetRideByBooking(ctx, bookingID)
}

func (m *Memory) ListRides(ctx context.Context) ([]types.Ride, error) {
	return m.snapshot().ListRides(ctx)
}

func (m *Memory) SaveRide(ctx context.Context, ride types.Ride) error {
	return m.WithTx(ctx, func(s Store) error { return s.SaveRide(ctx, ride) })
}

func (m *Memory) GetRatingByRide(ctx context.Context, rideID string) (types.Rating, error) {
	return m.snapshot().GetRatingByRide(ctx, rideID)
}

func (m *Memory) SaveRating(ctx context.Context, rating types.Rating) error {
	return m.WithTx(ctx, func(s Store) error { return s.SaveRating(ctx, rating) })
}

// tables is one version of the whole data set. It implements Store without
// any locking; Memory decides who may touch which version.
type tables struct {
	users    map[string]types.User
	cars     map[string]types.Car
	bookings map[string]types.Booking
	auctions map[string]types.Auction
	rides    map[string]types.Ride
	ratings  map[string]types.Rating // keyed by ride id
}

func newTables() *tables {
	return &tables{
		users:    map[string]types.User{},
		cars:     map[string]types.Car{},
		bookings: map[string]types.Booking{},
		auctions: map[string]types.Auction{},
		rides:    map[string]types.Ride{},
		ratings:  map[string]types.Rating{},
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.users {
		c.users[k] = v
	}
	for k, v := range t.cars {
		c.cars[k] = v
	}
	for k, v := range t.bookings {
		c.bookings[k] = v
	}
	for k, v := range t.auctions {
		c.auctions[k] = v.Clone()
	}
	for k, v := range t.rides {
		c.rides[k] = cloneRide(v)
	}
	for k, v := range t.ratings {
		c.ratings[k] = v
	}
	return c
}

func (t *tables) GetUser(_ context.Context, id string) (types.User, error) {
	u, ok := t.users[id]
	if !ok {
		return types.User{}, errors.NotFound("user", id)
	}
	return u, nil
}

func (t *tables) ListUsers(context.Context) ([]types.User, error) {
	out := make([]types.User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) SaveUser(_ context.Context, user types.User) error {
	t.users[user.ID] = user
	return nil
}

func (t *tables) GetCar(_ context.Context, id string) (types.Car, error) {
	c, ok := t.cars[id]
	if !ok {
		return types.Car{}, errors.NotFound("car", id)
	}
	return c, nil
}

func (t *tables) ListCars(context.Context) ([]types.Car, error) {
	out := make([]types.Car, 0, len(t.cars))
	for _, c := range t.cars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) SaveCar(_ context.Context, car types.Car) error {
	t.cars[car.ID] = car
	return nil
}

func (t *tables) GetBooking(_ context.Context, id string) (types.Booking, error) {
	b, ok := t.bookings[id]
	if !ok {
		return types.Booking{}, errors.NotFound("booking", id)
	}
	return b, nil
}

func (t *tables) ListBookings(_ context.Context, filter BookingFilter) ([]types.Booking, error) {
	out := []types.Booking{}
	for _, b := range t.bookings {
		if filter.Match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tables) SaveBooking(_ context.Context, booking types.Booking) error {
	if _, ok := t.cars[booking.CarID]; !ok {
		return errors.NotFound("car", booking.CarID)
	}
	t.bookings[booking.ID] = booking
	return nil
}

func (t *tables) GetAuction(_ context.Context, id string) (types.Auction, error) {
	a, ok := t.auctions[id]
	if !ok {
		return types.Auction{}, errors.NotFound("auction", id)
	}
	return a.Clone(), nil
}

func (t *tables) ListAuctions(_ context.Context, filter AuctionFilter) ([]types.Auction, error) {
	out := []types.Auction{}
	for _, a := range t.auctions {
		if filter.Match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tables) SaveAuction(_ context.Context, auction types.Auction) error {
	t.auctions[auction.ID] = auction.Clone()
	return nil
}

func (t *tables) GetRide(_ context.Context, id string) (types.Ride, error) {
	r, ok := t.rides[id]
	if !ok {
		return types.Ride{}, errors.NotFound("ride", id)
	}
	return cloneRide(r), nil
}

func (t *tables) GetRideByBooking(_ context.Context, bookingID string) (types.Ride, error) {
	for _, r := range t.rides {
		if r.BookingID == bookingID {
			return cloneRide(r), nil
		}
	}
	return types.Ride{}, errors.NotFound("ride for booking", bookingID)
}

func (t *tables) ListRides(context.Context) ([]types.Ride, error) {
	out := make([]types.Ride, 0, len(t.rides))
	for _, r := range t.rides {
		out = append(out, cloneRide(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) SaveRide(_ context.Context, ride types.Ride) error {
	for id, r := range t.rides {
		if r.BookingID == ride.BookingID && id != ride.ID {
			return errors.Conflict(errors.ErrInvalidTransition, "booking %s already has a ride", ride.BookingID)
		}
	}
	t.rides[ride.ID] = cloneRide(ride)
	return nil
}

func (t *tables) GetRatingByRide(_ context.Context, rideID string) (types.Rating, error) {
	r, ok := t.ratings[rideID]
	if !ok {
		return types.Rating{}, errors.NotFound("rating for ride", rideID)
	}
	return r, nil
}

func (t *tables) SaveRating(_ context.Context, rating types.Rating) error {
	if _, ok := t.ratings[rating.RideID]; ok {
		return errors.Validation(errors.ErrDuplicateRating, "ride %s is already rated", rating.RideID)
	}
	t.ratings[rating.RideID] = rating
	return nil
}

func cloneRide(r types.Ride) types.Ride {
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	return r
}
