package allocation

import (
	"context"

	"github.com/Martin-Hayot/fleet-allocation/internal/booking"
	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
)

// Dashboard is the admin overview of the fleet.
type Dashboard struct {
	Users    UserCounts                  `json:"users"`
	Cars     CarCounts                   `json:"cars"`
	Bookings map[types.BookingStatus]int `json:"bookings"`
	Auctions map[types.AuctionStatus]int `json:"auctions"`
	Rides    map[types.RideStatus]int    `json:"rides"`
}

type UserCounts struct {
	Total   int `json:"total"`
	Renters int `json:"renters"`
	Blocked int `json:"blocked"`
}

type CarCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// Summarize counts everything by status. Every known status is present in
// the maps even when its count is zero.
func Summarize(users []types.User, cars []types.Car, bookings []types.Booking, auctions []types.Auction, rides []types.Ride) Dashboard {
	d := Dashboard{
		Bookings: make(map[types.BookingStatus]int, len(types.BookingStatuses)),
		Auctions: map[types.AuctionStatus]int{types.AuctionActive: 0, types.AuctionClosed: 0},
		Rides:    map[types.RideStatus]int{types.RideActive: 0, types.RideCompleted: 0},
	}
	for _, st := range types.BookingStatuses {
		d.Bookings[st] = 0
	}

	for _, u := range users {
		d.Users.Total++
		if u.Role == types.RoleRenter {
			d.Users.Renters++
		}
		if u.IsBlocked {
			d.Users.Blocked++
		}
	}
	for _, c := range cars {
		d.Cars.Total++
		if c.IsActive {
			d.Cars.Active++
		} else {
			d.Cars.Inactive++
		}
	}
	for _, b := range bookings {
		d.Bookings[b.Status]++
	}
	for _, a := range auctions {
		d.Auctions[a.Status]++
	}
	for _, r := range rides {
		d.Rides[r.Status]++
	}
	return d
}

func (s *Service) Dashboard(ctx context.Context, actor types.Principal) (Dashboard, error) {
	if err := booking.RequireAdmin(actor); err != nil {
		return Dashboard{}, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return Dashboard{}, errors.Wrap(err, "failed to list users")
	}
	cars, err := s.store.ListCars(ctx)
	if err != nil {
		return Dashboard{}, errors.Wrap(err, "failed to list cars")
	}
	bookings, err := s.store.ListBookings(ctx, database.BookingFilter{})
	if err != nil {
		return Dashboard{}, errors.Wrap(err, "failed to list bookings")
	}
	auctions, err := s.store.ListAuctions(ctx, database.AuctionFilter{})
	if err != nil {
		return Dashboard{}, errors.Wrap(err, "failed to list auctions")
	}
	rides, err := s.store.ListRides(ctx)
	if err != nil {
		return Dashboard{}, errors.Wrap(err, "failed to list rides")
	}
	return Summarize(users, cars, bookings, auctions, rides), nil
}
