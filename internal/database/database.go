package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/configs"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store is the persistence contract of the allocation engine. Every method
// works on copies: mutating a returned value never touches stored state.
type Store interface {
	// USER METHODS
	GetUser(ctx context.Context, id string) (types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)
	SaveUser(ctx context.Context, user types.User) error

	// CAR METHODS
	GetCar(ctx context.Context, id string) (types.Car, error)
	ListCars(ctx context.Context) ([]types.Car, error)
	SaveCar(ctx context.Context, car types.Car) error

	// BOOKING METHODS
	GetBooking(ctx context.Context, id string) (types.Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]types.Booking, error)
	SaveBooking(ctx context.Context, booking types.Booking) error

	// AUCTION METHODS (bids are persisted with their auction)
	GetAuction(ctx context.Context, id string) (types.Auction, error)
	ListAuctions(ctx context.Context, filter AuctionFilter) ([]types.Auction, error)
	SaveAuction(ctx context.Context, auction types.Auction) error

	// RIDE METHODS
	GetRide(ctx context.Context, id string) (types.Ride, error)
	GetRideByBooking(ctx context.Context, bookingID string) (types.Ride, error)
	ListRides(ctx context.Context) ([]types.Ride, error)
	SaveRide(ctx context.Context, ride types.Ride) error

	// RATING METHODS
	GetRatingByRide(ctx context.Context, rideID string) (types.Rating, error)
	SaveRating(ctx context.Context, rating types.Rating) error
}

// Service represents a service that interacts with a database.
type Service interface {
	Store

	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	// WithTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type BookingFilter struct {
	CarID    string
	UserID   string
	Statuses []types.BookingStatus
}

func (f BookingFilter) Match(b types.Booking) bool {
	if f.CarID != "" && b.CarID != f.CarID {
		return false
	}
	if f.UserID != "" && b.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if b.Status == s {
			return true
		}
	}
	return false
}

type AuctionFilter struct {
	CarID string
	// Status is ignored when empty.
	Status types.AuctionStatus
	// Bidder keeps only auctions holding a bid of this user.
	Bidder string
	// DueBy keeps only auctions whose deadline is at or before this instant.
	DueBy time.Time
}

func (f AuctionFilter) Match(a types.Auction) bool {
	if f.CarID != "" && a.CarID != f.CarID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Bidder != "" && a.BidByUser(f.Bidder) < 0 {
		return false
	}
	if !f.DueBy.IsZero() && a.AuctionEnd.After(f.DueBy) {
		return false
	}
	return true
}

// New opens the store selected by cfg.Database.Driver.
func New(ctx context.Context, cfg *configs.Config) (Service, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		log.Info("Using in-memory store")
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, DSN(cfg))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// DSN builds the pgx connection string from the database section.
func DSN(cfg *configs.Config) string {
	dbConfig := cfg.Database
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbConfig.User,
		dbConfig.Password,
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.Name,
		dbConfig.SSLMode,
	)
}

// sqlHealth reports connection pool statistics of db.
func sqlHealth(db *sql.DB) map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Error("db down", "error", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"
	stats["driver"] = "postgres"

	dbStats := db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	if dbStats.OpenConnections > 40 {
		stats["message"] = "The database is experiencing heavy load."
	}
	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}
