package auction

import (
	"context"
	"testing"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/configs"
	"github.com/Martin-Hayot/fleet-allocation/internal/conflict"
	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2030, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	clock   clockwork.FakeClock
	store   *database.Memory
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		clock: clockwork.NewFakeClockAt(epoch),
		store: database.NewMemory(),
	}
	f.manager = NewManager(configs.DefaultAllocation(), f.clock, conflict.NewDetector(f.clock, 0))

	require.NoError(t, f.store.SaveCar(f.ctx, types.Car{ID: "car", DailyPrice: 500, IsActive: true}))
	users := []types.User{
		{ID: "high", Role: types.RoleRenter, AvgRating: 4, TotalRides: 0},    // 80
		{ID: "mid", Role: types.RoleRenter, AvgRating: 2, TotalRides: 0},     // 40
		{ID: "low", Role: types.RoleRenter, AvgRating: 1.25, TotalRides: 0},  // 25
		{ID: "blocked", Role: types.RoleRenter, AvgRating: 5, IsBlocked: true},
	}
	for _, u := range users {
		require.NoError(t, f.store.SaveUser(f.ctx, u))
	}
	return f
}

func (f *fixture) booking(t *testing.T, id, user string, startH, endH int, offer float64) types.Booking {
	t.Helper()
	b := types.Booking{
		ID: id, CarID: "car", UserID: user, OfferPrice: offer, Status: types.BookingPending,
		StartTime: epoch.Add(time.Duration(startH) * time.Hour),
		EndTime:   epoch.Add(time.Duration(endH) * time.Hour),
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.SaveBooking(f.ctx, b))
	return b
}

// contest opens an auction over the given bookings inside one transaction.
func (f *fixture) contest(t *testing.T, bookings ...types.Booking) types.Auction {
	t.Helper()
	var a types.Auction
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) error {
		w := bookings[0].Window()
		for _, b := range bookings[1:] {
			w = w.Union(b.Window())
		}
		var err error
		if a, err = f.manager.Open(f.ctx, s, "car", w); err != nil {
			return err
		}
		return f.manager.Join(f.ctx, s, &a, bookings)
	}))
	return a
}

func (f *fixture) status(t *testing.T, bookingID string) types.BookingStatus {
	t.Helper()
	b, err := f.store.GetBooking(f.ctx, bookingID)
	require.NoError(t, err)
	return b.Status
}

func TestOpenAndJoin(t *testing.T) {
	f := newFixture(t)
	b1 := f.booking(t, "b1", "high", 24, 48, 1000)
	b2 := f.booking(t, "b2", "mid", 40, 60, 1200)

	a := f.contest(t, b1, b2)

	assert.Equal(t, epoch.Add(24*time.Hour), a.AuctionEnd)
	assert.Equal(t, b1.StartTime, a.StartTime)
	assert.Equal(t, b2.EndTime, a.EndTime)
	require.Len(t, a.Bids, 2)
	assert.Equal(t, 80.0, a.Bids[0].TrustScoreSnapshot)
	assert.Equal(t, 40.0, a.Bids[1].TrustScoreSnapshot)
	assert.Equal(t, types.BookingCompeting, f.status(t, "b1"))
	assert.Equal(t, types.BookingCompeting, f.status(t, "b2"))
}

func TestCloseWeightedWinnerAndSecondCloseConflicts(t *testing.T) {
	f := newFixture(t)
	a := f.contest(t, f.booking(t, "b1", "high", 24, 48, 1000), f.booking(t, "b2", "mid", 30, 50, 1200))

	var out Outcome
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		out, err = f.manager.Close(f.ctx, s, a.ID)
		return err
	}))
	require.NotNil(t, out.Winner)
	assert.Equal(t, "high", out.Winner.UserID)
	require.NotNil(t, out.Confirmed)
	assert.Equal(t, "b1", out.Confirmed.ID)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, types.BookingConfirmed, f.status(t, "b1"))
	assert.Equal(t, types.BookingRejected, f.status(t, "b2"))

	stored, err := f.store.GetAuction(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AuctionClosed, stored.Status)
	require.NotNil(t, stored.WinnerUserID)
	assert.Equal(t, "high", *stored.WinnerUserID)
	for _, b := range stored.Bids {
		assert.NotNil(t, b.FinalScore, "final scores are persisted")
	}

	err = f.store.WithTx(f.ctx, func(s database.Store) error {
		_, err := f.manager.Close(f.ctx, s, a.ID)
		return err
	})
	assert.True(t, errors.IsConflict(err))
	again, _ := f.store.GetAuction(f.ctx, a.ID)
	assert.Equal(t, "high", *again.WinnerUserID, "second close must not pick a new winner")
}

func TestCloseLowTrustBidderWinsOnPrice(t *testing.T) {
	f := newFixture(t)
	a := f.contest(t, f.booking(t, "b1", "high", 24, 48, 1000), f.booking(t, "b2", "low", 30, 50, 1200))

	var out Outcome
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		out, err = f.manager.Close(f.ctx, s, a.ID)
		return err
	}))
	assert.Equal(t, "low", out.Winner.UserID)
}

func TestCloseAfterWithdrawLeavesSoleWinner(t *testing.T) {
	f := newFixture(t)
	b1 := f.booking(t, "b1", "high", 24, 48, 1000)
	b2 := f.booking(t, "b2", "mid", 30, 50, 1200)
	a := f.contest(t, b1, b2)

	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) error {
		held, err := f.manager.Withdraw(f.ctx, s, b1)
		require.NotNil(t, held)
		assert.Len(t, held.Bids, 1)
		return err
	}))

	var out Outcome
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		out, err = f.manager.Close(f.ctx, s, a.ID)
		return err
	}))
	assert.Equal(t, "mid", out.Winner.UserID)
	assert.Empty(t, out.Rejected)
}

func TestCloseWithoutBids(t *testing.T) {
	f := newFixture(t)
	var a types.Auction
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		a, err = f.manager.Open(f.ctx, s, "car", types.Window{Start: epoch.Add(time.Hour), End: epoch.Add(2 * time.Hour)})
		return err
	}))
	var out Outcome
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		out, err = f.manager.Close(f.ctx, s, a.ID)
		return err
	}))
	assert.Nil(t, out.Winner)
	assert.Equal(t, types.AuctionClosed, out.Auction.Status)
}

func TestCloseInactiveCarRejectsEveryone(t *testing.T) {
	f := newFixture(t)
	a := f.contest(t, f.booking(t, "b1", "high", 24, 48, 1000), f.booking(t, "b2", "mid", 30, 50, 1200))
	require.NoError(t, f.store.SaveCar(f.ctx, types.Car{ID: "car", DailyPrice: 500, IsActive: false}))

	var out Outcome
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		out, err = f.manager.Close(f.ctx, s, a.ID)
		return err
	}))
	assert.Nil(t, out.Winner)
	assert.Len(t, out.Rejected, 2)
	assert.Equal(t, types.BookingRejected, f.status(t, "b1"))
}

func TestSubmitBid(t *testing.T) {
	f := newFixture(t)
	a := f.contest(t, f.booking(t, "b1", "high", 24, 48, 1000), f.booking(t, "b2", "mid", 30, 50, 1200))

	submit := func(user string, offer float64) (types.Bid, error) {
		var bid types.Bid
		err := f.store.WithTx(f.ctx, func(s database.Store) (err error) {
			_, bid, err = f.manager.SubmitBid(f.ctx, s, a.ID, user, offer)
			return err
		})
		return bid, err
	}

	t.Run("update refreshes snapshot and offer", func(t *testing.T) {
		require.NoError(t, f.store.SaveUser(f.ctx, types.User{ID: "mid", Role: types.RoleRenter, AvgRating: 3})) // now 60
		f.clock.Advance(time.Minute)

		bid, err := submit("mid", 1500)
		require.NoError(t, err)
		assert.Equal(t, 60.0, bid.TrustScoreSnapshot)
		assert.Equal(t, f.clock.Now(), bid.SubmittedAt)

		booking, err := f.store.GetBooking(f.ctx, "b2")
		require.NoError(t, err)
		assert.Equal(t, 1500.0, booking.OfferPrice)

		stored, err := f.store.GetAuction(f.ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Bids, 2, "resubmission never duplicates")
	})

	t.Run("newcomer joins with a competing booking", func(t *testing.T) {
		bid, err := submit("low", 700)
		require.NoError(t, err)
		booking, err := f.store.GetBooking(f.ctx, bid.BookingID)
		require.NoError(t, err)
		assert.Equal(t, types.BookingCompeting, booking.Status)
		assert.Equal(t, a.StartTime, booking.StartTime)
	})

	t.Run("rejections", func(t *testing.T) {
		_, err := submit("high", 499)
		assert.True(t, errors.IsValidation(err))
		_, err = submit("blocked", 900)
		assert.True(t, errors.IsAuthorization(err))
		_, err = submit("ghost", 900)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("closed auction", func(t *testing.T) {
		require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) error {
			_, err := f.manager.Close(f.ctx, s, a.ID)
			return err
		}))
		_, err := submit("high", 2000)
		assert.True(t, errors.IsConflict(err))
	})
}

func TestMerge(t *testing.T) {
	f := newFixture(t)
	x := f.contest(t, f.booking(t, "b1", "high", 24, 30, 1000))
	f.clock.Advance(time.Minute)
	y := f.contest(t, f.booking(t, "b2", "mid", 40, 50, 1000))

	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) error {
		return f.manager.Merge(f.ctx, s, &x, []types.Auction{y})
	}))

	merged, err := f.store.GetAuction(f.ctx, x.ID)
	require.NoError(t, err)
	assert.Len(t, merged.Bids, 2)
	assert.Equal(t, epoch.Add(50*time.Hour), merged.EndTime)

	absorbed, err := f.store.GetAuction(f.ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AuctionClosed, absorbed.Status)
	require.NotNil(t, absorbed.MergedInto)
	assert.Equal(t, x.ID, *absorbed.MergedInto)
	assert.Empty(t, absorbed.Bids)
	assert.Nil(t, absorbed.WinnerUserID)
}

func TestMergeKeepsOneBidPerUser(t *testing.T) {
	f := newFixture(t)
	x := f.contest(t, f.booking(t, "b1", "high", 24, 30, 1000))
	y := f.contest(t, f.booking(t, "b2", "high", 40, 50, 1000), f.booking(t, "b3", "mid", 45, 55, 1100))

	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) error {
		return f.manager.Merge(f.ctx, s, &x, []types.Auction{y})
	}))

	merged, err := f.store.GetAuction(f.ctx, x.ID)
	require.NoError(t, err)
	require.Len(t, merged.Bids, 2)
	assert.Equal(t, "b1", merged.Bids[0].BookingID)
	assert.Equal(t, "b3", merged.Bids[1].BookingID)
	assert.Equal(t, epoch.Add(24*time.Hour), merged.StartTime)
	assert.Equal(t, epoch.Add(55*time.Hour), merged.EndTime)
	assert.Equal(t, types.BookingPending, f.status(t, "b2"))
}

func TestJoinSkipsSecondBookingOfBidder(t *testing.T) {
	f := newFixture(t)
	b1 := f.booking(t, "b1", "high", 24, 30, 1000)
	a := f.contest(t, b1, f.booking(t, "b2", "mid", 28, 32, 1000))
	other := f.booking(t, "b3", "high", 40, 44, 1000)

	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) error {
		return f.manager.Join(f.ctx, s, &a, []types.Booking{other})
	}))
	assert.Len(t, a.Bids, 2)
	assert.Equal(t, types.BookingPending, f.status(t, "b3"))
}

func TestWithdrawShrinksWindow(t *testing.T) {
	f := newFixture(t)
	b1 := f.booking(t, "b1", "high", 24, 30, 1000)
	b2 := f.booking(t, "b2", "mid", 28, 40, 1000)
	a := f.contest(t, b1, b2)
	assert.Equal(t, epoch.Add(40*time.Hour), a.EndTime)

	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) error {
		held, err := f.manager.Withdraw(f.ctx, s, b2)
		require.NotNil(t, held)
		assert.Equal(t, b1.StartTime, held.StartTime)
		assert.Equal(t, b1.EndTime, held.EndTime)
		return err
	}))
	stored, err := f.store.GetAuction(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, b1.EndTime, stored.EndTime)

	held, err := f.manager.HoldingAuction(f.ctx, f.store, b2)
	require.NoError(t, err)
	assert.Nil(t, held)
	held, err = f.manager.HoldingAuction(f.ctx, f.store, b1)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, a.ID, held.ID)
}

func TestSubmitBidChecksCalendar(t *testing.T) {
	f := newFixture(t)
	a := f.contest(t, f.booking(t, "b1", "high", 24, 30, 1000), f.booking(t, "b2", "mid", 28, 32, 1000))

	submit := func(user string) error {
		return f.store.WithTx(f.ctx, func(s database.Store) error {
			_, _, err := f.manager.SubmitBid(f.ctx, s, a.ID, user, 900)
			return err
		})
	}

	own := f.booking(t, "b3", "low", 31, 34, 600)
	err := submit("low")
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, errors.ErrDuplicateRequest, errors.CodeOf(err))

	own.Status = types.BookingConfirmed
	require.NoError(t, f.store.SaveBooking(f.ctx, own))
	require.NoError(t, f.store.SaveUser(f.ctx, types.User{ID: "fresh", Role: types.RoleRenter, AvgRating: 3}))
	err = submit("fresh")
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, errors.ErrCarBooked, errors.CodeOf(err))

	own.Status = types.BookingPending
	own.UserID = "mid"
	require.NoError(t, f.store.SaveBooking(f.ctx, own))
	err = submit("fresh")
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, errors.ErrWindowContested, errors.CodeOf(err))
}

func TestClosePassesOverCollidingWinner(t *testing.T) {
	f := newFixture(t)
	a := f.contest(t, f.booking(t, "b1", "high", 24, 30, 1000), f.booking(t, "b2", "mid", 28, 32, 1000))
	// confirmed behind the auction's back, overlapping only the leader
	blocker := f.booking(t, "b3", "low", 25, 26, 600)
	blocker.Status = types.BookingConfirmed
	require.NoError(t, f.store.SaveBooking(f.ctx, blocker))

	var out Outcome
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		out, err = f.manager.Close(f.ctx, s, a.ID)
		return err
	}))
	require.NotNil(t, out.Winner)
	assert.Equal(t, "mid", out.Winner.UserID)
	assert.Equal(t, types.BookingRejected, f.status(t, "b1"))
	assert.Equal(t, types.BookingConfirmed, f.status(t, "b2"))
}

func TestCloseWithEveryBidBlockedHasNoWinner(t *testing.T) {
	f := newFixture(t)
	a := f.contest(t, f.booking(t, "b1", "high", 24, 30, 1000), f.booking(t, "b2", "mid", 28, 32, 1000))
	blocker := f.booking(t, "b3", "low", 27, 29, 600)
	blocker.Status = types.BookingConfirmed
	require.NoError(t, f.store.SaveBooking(f.ctx, blocker))

	var out Outcome
	require.NoError(t, f.store.WithTx(f.ctx, func(s database.Store) (err error) {
		out, err = f.manager.Close(f.ctx, s, a.ID)
		return err
	}))
	assert.Nil(t, out.Winner)
	assert.Nil(t, out.Confirmed)
	assert.Len(t, out.Rejected, 2)
}

type fakeCloser struct {
	calls chan struct{}
	err   error
}

func (c *fakeCloser) CloseExpired(context.Context) (int, error) {
	c.calls <- struct{}{}
	return 1, c.err
}

func TestSweeperTicks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	closer := &fakeCloser{calls: make(chan struct{}, 1)}
	s := NewSweeper(closer, clock, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	select {
	case <-closer.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not run on tick")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
