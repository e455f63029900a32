package database

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrations embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres stores everything in PostgreSQL through the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
	pgStore
}

// pgStore runs the queries. Inside a transaction single-row reads lock the
// row (SELECT ... FOR UPDATE) so read-modify-write cycles cannot interleave.
type pgStore struct {
	q         querier
	forUpdate bool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	p := &Postgres{db: db, pgStore: pgStore{q: db}}
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("Connected to database")
	return p, nil
}

// Migrate applies the embedded schema files in name order.
func (p *Postgres) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("error reading migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("error reading migration %s: %w", name, err)
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("error with migration %s: %w", name, err)
		}
		log.Debugf("Applied migration %s", name)
	}
	return nil
}

func (p *Postgres) Health() map[string]string { return sqlHealth(p.db) }

// Close closes the database connection.
func (p *Postgres) Close() error {
	log.Info("Disconnected from database")
	return p.db.Close()
}

// txAttempts bounds how often a transaction is replayed after a
// serialization failure.
const txAttempts = 5

// WithTx runs fn in a serializable transaction. Transactions of different
// cars may still collide on a shared user row; those fail with a
// serialization error and are replayed from the start.
func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		if err = p.runTx(ctx, fn); !isSerializationFailure(err) {
			return err
		}
		log.Debug("Transaction conflicted, retrying", "attempt", attempt, "error", err)
	}
	return err
}

func (p *Postgres) runTx(ctx context.Context, fn func(Store) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(&pgStore{q: tx, forUpdate: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("Failed to rollback transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func (s *pgStore) lock() string {
	if s.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, entity, id string) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(entity, id)
	}
	return fmt.Errorf("error getting %s by id: %w", entity, err)
}

const userColumns = `id, name, email, role, total_rides, avg_rating, damage_count, rash_count, is_blocked, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.TotalRides, &u.AvgRating,
		&u.DamageCount, &u.RashCount, &u.IsBlocked, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *pgStore) GetUser(ctx context.Context, id string) (types.User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`+s.lock(), id))
	if err != nil {
		return types.User{}, notFound(err, "user", id)
	}
	return u, nil
}

func (s *pgStore) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing users: %w", err)
	}
	defer rows.Close()

	users := []types.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *pgStore) SaveUser(ctx context.Context, u types.User) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO users (`+userColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role,
            total_rides = EXCLUDED.total_rides, avg_rating = EXCLUDED.avg_rating,
            damage_count = EXCLUDED.damage_count, rash_count = EXCLUDED.rash_count,
            is_blocked = EXCLUDED.is_blocked, updated_at = EXCLUDED.updated_at`,
		u.ID, u.Name, u.Email, u.Role, u.TotalRides, u.AvgRating,
		u.DamageCount, u.RashCount, u.IsBlocked, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving user: %w", err)
	}
	return nil
}

const carColumns = `id, model, number_plate, daily_price, deposit, is_active, created_at, updated_at`

func scanCar(row interface{ Scan(...any) error }) (types.Car, error) {
	var c types.Car
	err := row.Scan(&c.ID, &c.Model, &c.NumberPlate, &c.DailyPrice, &c.Deposit, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *pgStore) GetCar(ctx context.Context, id string) (types.Car, error) {
	c, err := scanCar(s.q.QueryRowContext(ctx, `SELECT `+carColumns+` FROM cars WHERE id = $1`, id))
	if err != nil {
		return types.Car{}, notFound(err, "car", id)
	}
	return c, nil
}

func (s *pgStore) ListCars(ctx context.Context) ([]types.Car, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+carColumns+` FROM cars ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing cars: %w", err)
	}
	defer rows.Close()

	cars := []types.Car{}
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning car: %w", err)
		}
		cars = append(cars, c)
	}
	return cars, rows.Err()
}

func (s *pgStore) SaveCar(ctx context.Context, c types.Car) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO cars (`+carColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            model = EXCLUDED.model, number_plate = EXCLUDED.number_plate,
            daily_price = EXCLUDED.daily_price, deposit = EXCLUDED.deposit,
            is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		c.ID, c.Model, c.NumberPlate, c.DailyPrice, c.Deposit, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving car: %w", err)
	}
	return nil
}

const bookingColumns = `id, car_id, user_id, start_time, end_time, offer_price, status, created_at, updated_at`

func scanBooking(row interface{ Scan(...any) error }) (types.Booking, error) {
	var b types.Booking
	err := row.Scan(&b.ID, &b.CarID, &b.UserID, &b.StartTime, &b.EndTime, &b.OfferPrice, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (s *pgStore) GetBooking(ctx context.Context, id string) (types.Booking, error) {
	b, err := scanBooking(s.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`+s.lock(), id))
	if err != nil {
		return types.Booking{}, notFound(err, "booking", id)
	}
	return b, nil
}

func (s *pgStore) ListBookings(ctx context.Context, f BookingFilter) ([]types.Booking, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	rows, err := s.q.QueryContext(ctx, `
        SELECT `+bookingColumns+` FROM bookings
        WHERE ($1 = '' OR car_id = $1)
          AND ($2 = '' OR user_id = $2)
          AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
        ORDER BY created_at, id`, f.CarID, f.UserID, statuses)
	if err != nil {
		return nil, fmt.Errorf("error listing bookings: %w", err)
	}
	defer rows.Close()

	bookings := []types.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func (s *pgStore) SaveBooking(ctx context.Context, b types.Booking) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO bookings (`+bookingColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
            offer_price = EXCLUDED.offer_price, status = EXCLUDED.status,
            updated_at = EXCLUDED.updated_at`,
		b.ID, b.CarID, b.UserID, b.StartTime, b.EndTime, b.OfferPrice, b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving booking: %w", err)
	}
	return nil
}

const auctionColumns = `id, car_id, start_time, end_time, status, auction_start, auction_end, winner_user_id, winning_booking_id, merged_into, closed_at, created_at`

func scanAuction(row interface{ Scan(...any) error }) (types.Auction, error) {
	var (
		a                           types.Auction
		winner, winningBooking, mrg sql.NullString
		closedAt                    sql.NullTime
	)
	err := row.Scan(&a.ID, &a.CarID, &a.StartTime, &a.EndTime, &a.Status, &a.AuctionStart, &a.AuctionEnd,
		&winner, &winningBooking, &mrg, &closedAt, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.WinnerUserID = nullString(winner)
	a.WinningBookingID = nullString(winningBooking)
	a.MergedInto = nullString(mrg)
	if closedAt.Valid {
		t := closedAt.Time
		a.ClosedAt = &t
	}
	return a, nil
}

func (s *pgStore) loadBids(ctx context.Context, a *types.Auction) error {
	rows, err := s.q.QueryContext(ctx, `
        SELECT id, auction_id, booking_id, user_id, offer_price, trust_score_snapshot, final_score, created_at, submitted_at
        FROM bids WHERE auction_id = $1 ORDER BY submitted_at, id`, a.ID)
	if err != nil {
		return fmt.Errorf("error loading bids: %w", err)
	}
	defer rows.Close()

	a.Bids = []types.Bid{}
	for rows.Next() {
		var (
			b     types.Bid
			final sql.NullFloat64
		)
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BookingID, &b.UserID, &b.OfferPrice,
			&b.TrustScoreSnapshot, &final, &b.CreatedAt, &b.SubmittedAt); err != nil {
			return fmt.Errorf("error scanning bid: %w", err)
		}
		if final.Valid {
			f := final.Float64
			b.FinalScore = &f
		}
		a.Bids = append(a.Bids, b)
	}
	return rows.Err()
}

func (s *pgStore) GetAuction(ctx context.Context, id string) (types.Auction, error) {
	a, err := scanAuction(s.q.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`+s.lock(), id))
	if err != nil {
		return types.Auction{}, notFound(err, "auction", id)
	}
	if err := s.loadBids(ctx, &a); err != nil {
		return types.Auction{}, err
	}
	return a, nil
}

func (s *pgStore) ListAuctions(ctx context.Context, f AuctionFilter) ([]types.Auction, error) {
	var dueBy sql.NullTime
	if !f.DueBy.IsZero() {
		dueBy = sql.NullTime{Time: f.DueBy, Valid: true}
	}
	rows, err := s.q.QueryContext(ctx, `
        SELECT `+auctionColumns+` FROM auctions a
        WHERE ($1 = '' OR a.car_id = $1)
          AND ($2 = '' OR a.status = $2)
          AND ($3 = '' OR EXISTS (SELECT 1 FROM bids b WHERE b.auction_id = a.id AND b.user_id = $3))
          AND ($4::timestamptz IS NULL OR a.auction_end <= $4::timestamptz)
        ORDER BY a.created_at, a.id`, f.CarID, string(f.Status), f.Bidder, dueBy)
	if err != nil {
		return nil, fmt.Errorf("error listing auctions: %w", err)
	}

	auctions := []types.Auction{}
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning auction: %w", err)
		}
		auctions = append(auctions, a)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating over auctions: %w", err)
	}

	// bids are loaded after the cursor is closed; a tx runs one query at a time
	for i := range auctions {
		if err := s.loadBids(ctx, &auctions[i]); err != nil {
			return nil, err
		}
	}
	return auctions, nil
}

func (s *pgStore) SaveAuction(ctx context.Context, a types.Auction) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO auctions (`+auctionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
            status = EXCLUDED.status, auction_end = EXCLUDED.auction_end,
            winner_user_id = EXCLUDED.winner_user_id,
            winning_booking_id = EXCLUDED.winning_booking_id,
            merged_into = EXCLUDED.merged_into, closed_at = EXCLUDED.closed_at`,
		a.ID, a.CarID, a.StartTime, a.EndTime, a.Status, a.AuctionStart, a.AuctionEnd,
		a.WinnerUserID, a.WinningBookingID, a.MergedInto, a.ClosedAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("error saving auction: %w", err)
	}

	keep := make([]string, len(a.Bids))
	for i, b := range a.Bids {
		keep[i] = b.ID
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM bids WHERE auction_id = $1 AND NOT (id = ANY($2::text[]))`, a.ID, keep); err != nil {
		return fmt.Errorf("error pruning bids: %w", err)
	}

	for _, b := range a.Bids {
		_, err := s.q.ExecContext(ctx, `
            INSERT INTO bids (id, auction_id, booking_id, user_id, offer_price, trust_score_snapshot, final_score, created_at, submitted_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
            ON CONFLICT (id) DO UPDATE SET
                auction_id = EXCLUDED.auction_id, offer_price = EXCLUDED.offer_price,
                trust_score_snapshot = EXCLUDED.trust_score_snapshot,
                final_score = EXCLUDED.final_score, submitted_at = EXCLUDED.submitted_at`,
			b.ID, a.ID, b.BookingID, b.UserID, b.OfferPrice, b.TrustScoreSnapshot, b.FinalScore, b.CreatedAt, b.SubmittedAt)
		if err != nil {
			return fmt.Errorf("error saving bid: %w", err)
		}
	}
	return nil
}

const rideColumns = `id, booking_id, status, started_at, ended_at`

func scanRide(row interface{ Scan(...any) error }) (types.Ride, error) {
	var (
		r     types.Ride
		ended sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.BookingID, &r.Status, &r.StartedAt, &ended); err != nil {
		return r, err
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return r, nil
}

func (s *pgStore) GetRide(ctx context.Context, id string) (types.Ride, error) {
	r, err := scanRide(s.q.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`+s.lock(), id))
	if err != nil {
		return types.Ride{}, notFound(err, "ride", id)
	}
	return r, nil
}

func (s *pgStore) GetRideByBooking(ctx context.Context, bookingID string) (types.Ride, error) {
	r, err := scanRide(s.q.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE booking_id = $1`+s.lock(), bookingID))
	if err != nil {
		return types.Ride{}, notFound(err, "ride for booking", bookingID)
	}
	return r, nil
}

func (s *pgStore) ListRides(ctx context.Context) ([]types.Ride, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing rides: %w", err)
	}
	defer rows.Close()

	rides := []types.Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning ride: %w", err)
		}
		rides = append(rides, r)
	}
	return rides, rows.Err()
}

func (s *pgStore) SaveRide(ctx context.Context, r types.Ride) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO rides (`+rideColumns+`) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, ended_at = EXCLUDED.ended_at`,
		r.ID, r.BookingID, r.Status, r.StartedAt, r.EndedAt)
	if isUniqueViolation(err) {
		return errors.Conflict(errors.ErrInvalidTransition, "booking %s already has a ride", r.BookingID)
	}
	if err != nil {
		return fmt.Errorf("error saving ride: %w", err)
	}
	return nil
}

func (s *pgStore) GetRatingByRide(ctx context.Context, rideID string) (types.Rating, error) {
	var r types.Rating
	err := s.q.QueryRowContext(ctx, `
        SELECT id, ride_id, driving_rating, damage_flag, rash_flag, notes, created_at
        FROM ratings WHERE ride_id = $1`, rideID).
		Scan(&r.ID, &r.RideID, &r.DrivingRating, &r.DamageFlag, &r.RashFlag, &r.Notes, &r.CreatedAt)
	if err != nil {
		return types.Rating{}, notFound(err, "rating for ride", rideID)
	}
	return r, nil
}

func (s *pgStore) SaveRating(ctx context.Context, r types.Rating) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO ratings (id, ride_id, driving_rating, damage_flag, rash_flag, notes, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RideID, r.DrivingRating, r.DamageFlag, r.RashFlag, r.Notes, r.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Validation(errors.ErrDuplicateRating, "ride %s is already rated", r.RideID)
	}
	if err != nil {
		return fmt.Errorf("error saving rating: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isSerializationFailure reports serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
