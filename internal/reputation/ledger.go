// Package reputation derives trust scores from rating history and keeps the
// per-user counters behind them.
package reputation

import (
	"context"
	"math"
	"sort"

	"github.com/Martin-Hayot/fleet-allocation/internal/locks"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/Martin-Hayot/fleet-allocation/pkg/utils"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
)

// Trust formula weights. Clients recompute the score from the same four
// counters, so these must not drift.
const (
	RatingWeight  = 20.0
	RideWeight    = 0.5
	DamagePenalty = 15.0
	RashPenalty   = 10.0
	MaxScore      = 100.0
)

type PenaltyKind string

const (
	PenaltyLateCancel PenaltyKind = "late_cancel"
)

// Store is the slice of persistence the ledger needs.
type Store interface {
	GetUser(ctx context.Context, id string) (types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)
	SaveUser(ctx context.Context, user types.User) error
}

// TrustScore is clamp(avg*20 + rides*0.5 - damage*15 - rash*10, 0, 100).
func TrustScore(avgRating float64, totalRides, damageCount, rashCount int) float64 {
	s := avgRating*RatingWeight +
		float64(totalRides)*RideWeight -
		float64(damageCount)*DamagePenalty -
		float64(rashCount)*RashPenalty
	return math.Max(0, math.Min(MaxScore, s))
}

// Score returns the user's current trust score.
func Score(u types.User) float64 {
	return TrustScore(u.AvgRating, u.TotalRides, u.DamageCount, u.RashCount)
}

// Standing is one leaderboard row.
type Standing struct {
	Rank         int     `json:"rank"`
	UserID       string  `json:"user_id"`
	Name         string  `json:"name"`
	TrustScore   float64 `json:"trust_score"`
	TrustDisplay string  `json:"trust_display"`
	TotalRides   int     `json:"total_rides"`
	AvgRating    float64 `json:"avg_rating"`
}

type Ledger struct {
	users  *locks.KeyedMutex
	clock  clockwork.Clock
	logger *log.Logger
}

func NewLedger(clock clockwork.Clock) *Ledger {
	return &Ledger{
		users:  locks.NewKeyedMutex(),
		clock:  clock,
		logger: log.WithPrefix("ledger"),
	}
}

// RecordRating folds one rating into the user's counters and returns the new
// trust score. Updates for the same user never interleave.
func (l *Ledger) RecordRating(ctx context.Context, st Store, userID string, rating types.Rating) (float64, error) {
	if rating.DrivingRating < 1 || rating.DrivingRating > 5 {
		return 0, errors.Validation(errors.ErrBadMessageFormat, "driving rating must be between 1 and 5, got %d", rating.DrivingRating)
	}

	unlock := l.users.Lock(userID)
	defer unlock()

	u, err := st.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	n := float64(u.TotalRides)
	u.AvgRating = (u.AvgRating*n + float64(rating.DrivingRating)) / (n + 1)
	u.TotalRides++
	if rating.DamageFlag {
		u.DamageCount++
	}
	if rating.RashFlag {
		u.RashCount++
	}
	u.UpdatedAt = l.clock.Now()

	if err := st.SaveUser(ctx, u); err != nil {
		return 0, errors.Wrap(err, "failed to save user counters")
	}

	score := Score(u)
	l.logger.Debug("Rating recorded", "user", userID, "rating", rating.DrivingRating, "trust", utils.FormatTrust(score))
	return score, nil
}

// RecordPenalty applies a synthetic negative event. Only rash_count moves,
// so the score stays a function of the four counters.
func (l *Ledger) RecordPenalty(ctx context.Context, st Store, userID string, kind PenaltyKind) (float64, error) {
	unlock := l.users.Lock(userID)
	defer unlock()

	u, err := st.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	u.RashCount++
	u.UpdatedAt = l.clock.Now()
	if err := st.SaveUser(ctx, u); err != nil {
		return 0, errors.Wrap(err, "failed to save penalty")
	}

	score := Score(u)
	l.logger.Info("Penalty recorded", "user", userID, "kind", kind, "trust", utils.FormatTrust(score))
	return score, nil
}

func (l *Ledger) Score(ctx context.Context, st Store, userID string) (float64, error) {
	u, err := st.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return Score(u), nil
}

// Provision creates the record of a newly seen identity with zero counters,
// or refreshes its profile fields. Reputation is never touched.
func (l *Ledger) Provision(ctx context.Context, st Store, p types.Principal) (types.User, error) {
	unlock := l.users.Lock(p.UserID)
	defer unlock()

	u, err := st.GetUser(ctx, p.UserID)
	switch {
	case err == nil:
		if u.Email == p.Email && u.Name == p.Name && u.Role == p.Role {
			return u, nil
		}
		u.Email, u.Name, u.Role = p.Email, p.Name, p.Role
	case errors.IsNotFound(err):
		u = types.User{ID: p.UserID, Email: p.Email, Name: p.Name, Role: p.Role, CreatedAt: l.clock.Now()}
		l.logger.Info("Provisioned user", "user", p.UserID, "role", p.Role)
	default:
		return types.User{}, err
	}
	u.UpdatedAt = l.clock.Now()
	if err := st.SaveUser(ctx, u); err != nil {
		return types.User{}, errors.Wrap(err, "failed to save user")
	}
	return u, nil
}

// SetBlocked blocks or unblocks a renter. Admins cannot be blocked.
func (l *Ledger) SetBlocked(ctx context.Context, st Store, userID string, blocked bool) (types.User, error) {
	unlock := l.users.Lock(userID)
	defer unlock()

	u, err := st.GetUser(ctx, userID)
	if err != nil {
		return types.User{}, err
	}
	if blocked && u.Role == types.RoleAdmin {
		return types.User{}, errors.Validation(errors.ErrInvalidTransition, "cannot block admin user %s", userID)
	}
	if u.IsBlocked == blocked {
		return u, nil
	}
	u.IsBlocked = blocked
	u.UpdatedAt = l.clock.Now()
	if err := st.SaveUser(ctx, u); err != nil {
		return types.User{}, errors.Wrap(err, "failed to save user")
	}
	l.logger.Info("User block state changed", "user", userID, "blocked", blocked)
	return u, nil
}

func (l *Ledger) Leaderboard(ctx context.Context, st Store, n int) ([]Standing, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return Leaderboard(users, n), nil
}

// Leaderboard ranks non-blocked renters by trust score, then total rides,
// then id. n <= 0 returns everyone.
func Leaderboard(users []types.User, n int) []Standing {
	rows := make([]Standing, 0, len(users))
	for _, u := range users {
		if u.IsBlocked || u.Role != types.RoleRenter {
			continue
		}
		score := Score(u)
		rows = append(rows, Standing{
			UserID:       u.ID,
			Name:         u.Name,
			TrustScore:   score,
			TrustDisplay: utils.FormatTrust(score),
			TotalRides:   u.TotalRides,
			AvgRating:    u.AvgRating,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if a.TotalRides != b.TotalRides {
			return a.TotalRides > b.TotalRides
		}
		return a.UserID < b.UserID
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}
