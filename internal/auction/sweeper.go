package auction

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
)

// ExpiredCloser closes every active auction whose deadline has passed and
// reports how many it closed.
type ExpiredCloser interface {
	CloseExpired(ctx context.Context) (int, error)
}

// Sweeper enforces auction deadlines on a fixed interval. A failed close is
// retried on the next tick.
type Sweeper struct {
	closer   ExpiredCloser
	clock    clockwork.Clock
	interval time.Duration
	logger   *log.Logger
}

func NewSweeper(closer ExpiredCloser, clock clockwork.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{
		closer:   closer,
		clock:    clock,
		interval: interval,
		logger:   log.WithPrefix("sweeper"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting auction sweeper", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Auction sweeper stopped")
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep.
func (s *Sweeper) Tick(ctx context.Context) {
	closed, err := s.closer.CloseExpired(ctx)
	if err != nil {
		s.logger.Error("Sweep failed, retrying next tick", "error", err, "closed", closed)
		return
	}
	if closed > 0 {
		s.logger.Info("Closed expired auctions", "count", closed)
	}
}
