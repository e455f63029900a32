package reputation

import (
	"context"
	"sync"
	"testing"

	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustScore(t *testing.T) {
	tests := []struct {
		name                 string
		avg                  float64
		rides, damage, rash  int
		want                 float64
	}{
		{"documented example", 4.0, 20, 1, 0, 75},
		{"new user", 0, 0, 0, 0, 0},
		{"clamped low", 1.0, 0, 3, 2, 0},
		{"clamped high", 5.0, 100, 0, 0, 100},
		{"rash only", 4.5, 10, 0, 1, 85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TrustScore(tt.avg, tt.rides, tt.damage, tt.rash), 1e-9)
		})
	}
}

func seed(t *testing.T, users ...types.User) *database.Memory {
	t.Helper()
	m := database.NewMemory()
	for _, u := range users {
		require.NoError(t, m.SaveUser(context.Background(), u))
	}
	return m
}

func TestRecordRatingRunningMean(t *testing.T) {
	ctx := context.Background()
	st := seed(t, types.User{ID: "u1", Role: types.RoleRenter})
	l := NewLedger(clockwork.NewFakeClock())

	_, err := l.RecordRating(ctx, st, "u1", types.Rating{DrivingRating: 5})
	require.NoError(t, err)
	score, err := l.RecordRating(ctx, st, "u1", types.Rating{DrivingRating: 3, DamageFlag: true, RashFlag: true})
	require.NoError(t, err)

	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, u.TotalRides)
	assert.InDelta(t, 4.0, u.AvgRating, 1e-9)
	assert.Equal(t, 1, u.DamageCount)
	assert.Equal(t, 1, u.RashCount)
	assert.InDelta(t, 4.0*20+2*0.5-15-10, score, 1e-9)
}

func TestRecordRatingValidation(t *testing.T) {
	ctx := context.Background()
	st := seed(t, types.User{ID: "u1"})
	l := NewLedger(clockwork.NewFakeClock())

	_, err := l.RecordRating(ctx, st, "u1", types.Rating{DrivingRating: 6})
	assert.True(t, errors.IsValidation(err))
	_, err = l.RecordRating(ctx, st, "ghost", types.Rating{DrivingRating: 4})
	assert.True(t, errors.IsNotFound(err))
}

func TestRecordRatingConcurrentSameUser(t *testing.T) {
	ctx := context.Background()
	st := seed(t, types.User{ID: "u1"})
	l := NewLedger(clockwork.NewFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordRating(ctx, st, "u1", types.Rating{DrivingRating: 4})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, u.TotalRides)
	assert.InDelta(t, 4.0, u.AvgRating, 1e-9)
}

func TestRecordPenaltyOnlyTouchesRashCount(t *testing.T) {
	ctx := context.Background()
	st := seed(t, types.User{ID: "u1", AvgRating: 4, TotalRides: 20, DamageCount: 1})
	l := NewLedger(clockwork.NewFakeClock())

	score, err := l.RecordPenalty(ctx, st, "u1", PenaltyLateCancel)
	require.NoError(t, err)
	assert.InDelta(t, 65, score, 1e-9)

	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, u.TotalRides)
	assert.Equal(t, 1, u.RashCount)
	assert.InDelta(t, Score(u), score, 1e-9)
}

func TestSetBlocked(t *testing.T) {
	ctx := context.Background()
	st := seed(t, types.User{ID: "renter", Role: types.RoleRenter}, types.User{ID: "admin", Role: types.RoleAdmin})
	l := NewLedger(clockwork.NewFakeClock())

	u, err := l.SetBlocked(ctx, st, "renter", true)
	require.NoError(t, err)
	assert.True(t, u.IsBlocked)

	_, err = l.SetBlocked(ctx, st, "admin", true)
	assert.True(t, errors.IsValidation(err))

	u, err = l.SetBlocked(ctx, st, "renter", false)
	require.NoError(t, err)
	assert.False(t, u.IsBlocked)
}

func TestLeaderboardOrdering(t *testing.T) {
	users := []types.User{
		{ID: "c", Role: types.RoleRenter, AvgRating: 4, TotalRides: 10},  // 85
		{ID: "a", Role: types.RoleRenter, AvgRating: 4.25, TotalRides: 0}, // 85
		{ID: "b", Role: types.RoleRenter, AvgRating: 5, TotalRides: 40},   // 100
		{ID: "blocked", Role: types.RoleRenter, AvgRating: 5, TotalRides: 40, IsBlocked: true},
		{ID: "admin", Role: types.RoleAdmin, AvgRating: 5, TotalRides: 40},
		{ID: "d", Role: types.RoleRenter},
	}
	board := Leaderboard(users, 3)
	require.Len(t, board, 3)
	assert.Equal(t, "b", board[0].UserID)
	assert.Equal(t, "c", board[1].UserID, "ties broken by total rides")
	assert.Equal(t, "a", board[2].UserID)
	assert.Equal(t, 3, board[2].Rank)
	assert.Equal(t, "100.0", board[0].TrustDisplay)

	assert.Len(t, Leaderboard(users, 0), 4)
}

func TestProvisionKeepsReputation(t *testing.T) {
	ctx := context.Background()
	st := seed(t, types.User{ID: "renter", Role: types.RoleRenter, AvgRating: 4, TotalRides: 3, RashCount: 1})
	l := NewLedger(clockwork.NewFakeClock())

	u, err := l.Provision(ctx, st, types.Principal{UserID: "renter", Email: "new@example.com", Role: types.RoleRenter})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	assert.Equal(t, 3, u.TotalRides)
	assert.Equal(t, 1, u.RashCount)

	fresh, err := l.Provision(ctx, st, types.Principal{UserID: "newcomer", Role: types.RoleRenter})
	require.NoError(t, err)
	assert.Zero(t, Score(fresh))
	stored, err := st.GetUser(ctx, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, stored.ID)
}
