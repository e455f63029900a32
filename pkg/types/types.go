package types

import (
	"time"
)

type Role string

const (
	RoleRenter Role = "renter"
	RoleAdmin  Role = "admin"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingCompeting BookingStatus = "competing"
	BookingConfirmed BookingStatus = "confirmed"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// BookingStatuses lists every booking status in lifecycle order.
var BookingStatuses = []BookingStatus{
	BookingPending, BookingCompeting, BookingConfirmed,
	BookingRejected, BookingCancelled, BookingCompleted,
}

// Live reports whether the booking still takes part in conflict detection.
func (s BookingStatus) Live() bool {
	return s == BookingPending || s == BookingCompeting
}

func (s BookingStatus) Valid() bool {
	for _, v := range BookingStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type AuctionStatus string

const (
	AuctionActive AuctionStatus = "active"
	AuctionClosed AuctionStatus = "closed"
)

type RideStatus string

const (
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
)

// Principal is the authenticated caller handed to us by the auth collaborator.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	TotalRides  int       `json:"total_rides"`
	AvgRating   float64   `json:"avg_rating"`
	DamageCount int       `json:"damage_count"`
	RashCount   int       `json:"rash_count"`
	IsBlocked   bool      `json:"is_blocked"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Car struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	NumberPlate string    `json:"number_plate"`
	DailyPrice  float64   `json:"daily_price"`
	Deposit     float64   `json:"deposit"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// Overlaps is the standard half-open interval intersection test.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Union returns the smallest window covering both.
func (w Window) Union(o Window) Window {
	u := w
	if o.Start.Before(u.Start) {
		u.Start = o.Start
	}
	if o.End.After(u.End) {
		u.End = o.End
	}
	return u
}

type Booking struct {
	ID         string        `json:"id"`
	CarID      string        `json:"car_id"`
	UserID     string        `json:"user_id"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	OfferPrice float64       `json:"offer_price"`
	Status     BookingStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (b Booking) Window() Window { return Window{Start: b.StartTime, End: b.EndTime} }

type Auction struct {
	ID               string        `json:"id"`
	CarID            string        `json:"car_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Status           AuctionStatus `json:"status"`
	AuctionStart     time.Time     `json:"auction_start"`
	AuctionEnd       time.Time     `json:"auction_end"`
	WinnerUserID     *string       `json:"winner_user_id,omitempty"`
	WinningBookingID *string       `json:"winning_booking_id,omitempty"`
	MergedInto       *string       `json:"merged_into,omitempty"`
	ClosedAt         *time.Time    `json:"closed_at,omitempty"`
	Bids             []Bid         `json:"bids"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (a Auction) Window() Window { return Window{Start: a.StartTime, End: a.EndTime} }

func (a Auction) BidCount() int { return len(a.Bids) }

// BidByUser returns the index of the user's bid, or -1.
func (a Auction) BidByUser(userID string) int {
	for i, b := range a.Bids {
		if b.UserID == userID {
			return i
		}
	}
	return -1
}

// BidByBooking returns the index of the bid that represents bookingID, or -1.
func (a Auction) BidByBooking(bookingID string) int {
	for i, b := range a.Bids {
		if b.BookingID == bookingID {
			return i
		}
	}
	return -1
}

// Clone deep-copies the auction so stores never share bid slices.
func (a Auction) Clone() Auction {
	c := a
	c.Bids = make([]Bid, len(a.Bids))
	for i, b := range a.Bids {
		c.Bids[i] = b.Clone()
	}
	c.WinnerUserID = cloneString(a.WinnerUserID)
	c.WinningBookingID = cloneString(a.WinningBookingID)
	c.MergedInto = cloneString(a.MergedInto)
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

type Bid struct {
	ID                 string    `json:"id"`
	AuctionID          string    `json:"auction_id"`
	BookingID          string    `json:"booking_id"`
	UserID             string    `json:"user_id"`
	OfferPrice         float64   `json:"offer_price"`
	TrustScoreSnapshot float64   `json:"trust_score_snapshot"`
	FinalScore         *float64  `json:"final_score,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

func (b Bid) Clone() Bid {
	c := b
	if b.FinalScore != nil {
		f := *b.FinalScore
		c.FinalScore = &f
	}
	return c
}

type Ride struct {
	ID        string     `json:"id"`
	BookingID string     `json:"booking_id"`
	Status    RideStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Rating struct {
	ID            string    `json:"id"`
	RideID        string    `json:"ride_id"`
	DrivingRating int       `json:"driving_rating"`
	DamageFlag    bool      `json:"damage_flag"`
	RashFlag      bool      `json:"rash_flag"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
