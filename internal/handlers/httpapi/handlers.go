package httpapi

import (
	"net/http"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/internal/allocation"
	"github.com/Martin-Hayot/fleet-allocation/internal/booking"
	"github.com/Martin-Hayot/fleet-allocation/internal/conflict"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/gorilla/mux"
)

type bookingRequest struct {
	CarID      string    `json:"car_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	OfferPrice float64   `json:"offer_price"`
}

type admissionResponse struct {
	Booking types.Booking           `json:"booking"`
	Auction *allocation.AuctionView `json:"auction,omitempty"`
}

func (s *Server) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CarID == "" {
		s.writeError(w, r, errors.Validation(errors.ErrBadMessageFormat, "car_id is required"))
		return
	}

	adm, err := s.svc.RequestBooking(r.Context(), principal(r), conflict.Request{
		CarID:      req.CarID,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		OfferPrice: req.OfferPrice,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := admissionResponse{Booking: adm.Booking}
	if adm.Auction != nil {
		v := allocation.NewAuctionView(*adm.Auction)
		resp.Auction = &v
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleMyBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := s.svc.MyBookings(r.Context(), principal(r), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.GetBooking(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.CancelBooking(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Profile(r.Context(), principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBrowseAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.svc.BrowseAuctions(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auctions)
}

func (s *Server) handleMyAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.svc.MyAuctions(r.Context(), principal(r), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation.NewAuctionViews(auctions))
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAuction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation.NewAuctionView(a))
}

type bidRequest struct {
	OfferPrice float64 `json:"offer_price"`
}

type bidResponse struct {
	Auction allocation.AuctionView `json:"auction"`
	Bid     allocation.BidView     `json:"bid"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if !s.bids.allow(p.UserID) {
		w.Header().Set("Retry-After", "1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(errors.New(errors.ErrRateLimited, "Rate limit exceeded").ToJSON()))
		return
	}
	var req bidRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	a, bid, err := s.svc.SubmitBid(r.Context(), p, mux.Vars(r)["id"], req.OfferPrice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := allocation.NewAuctionView(a)
	resp := bidResponse{Auction: view}
	for _, b := range view.Bids {
		if b.ID == bid.ID {
			resp.Bid = b
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bookings, err := s.svc.ListBookings(r.Context(), principal(r), allocation.BookingQuery{
		Status: q.Get("status"),
		CarID:  q.Get("car_id"),
		UserID: q.Get("user_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.ApproveBooking(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.RejectBooking(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.StartRide(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.CompleteRide(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request) {
	var in booking.RatingInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.RateRide(r.Context(), principal(r), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	auctions, err := s.svc.ListAuctions(r.Context(), principal(r), q.Get("status"), q.Get("car_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation.NewAuctionViews(auctions))
}

type closeResponse struct {
	Auction   allocation.AuctionView `json:"auction"`
	Confirmed *types.Booking         `json:"confirmed,omitempty"`
	Rejected  []types.Booking        `json:"rejected"`
}

func (s *Server) handleCloseAuction(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.CloseAuction(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		Auction:   allocation.NewAuctionView(out.Auction),
		Confirmed: out.Confirmed,
		Rejected:  out.Rejected,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	blockedOnly, err := queryBool(r, "blocked_only")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	users, err := s.svc.ListUsers(r.Context(), principal(r), blockedOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleBlock(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var (
			u   types.User
			err error
		)
		if blocked {
			u, err = s.svc.BlockUser(r.Context(), principal(r), id)
		} else {
			u, err = s.svc.UnblockUser(r.Context(), principal(r), id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func (s *Server) handleCarActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		car, err := s.svc.SetCarActive(r.Context(), principal(r), mux.Vars(r)["id"], active)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, car)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Dashboard(r.Context(), principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	board, err := s.svc.Leaderboard(r.Context(), principal(r), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}
