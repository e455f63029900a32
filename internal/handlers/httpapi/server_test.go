package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/configs"
	"github.com/Martin-Hayot/fleet-allocation/internal/allocation"
	"github.com/Martin-Hayot/fleet-allocation/internal/auth"
	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	server   *Server
	verifier *auth.Verifier
	clock    clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	store := database.NewMemory()
	svc := allocation.New(store, configs.DefaultAllocation(), clock, nil)
	_, err := svc.UpsertCar(context.Background(), types.Car{ID: "car", DailyPrice: 100, IsActive: true})
	require.NoError(t, err)

	verifier, err := auth.NewVerifier("http-test-secret", clock)
	require.NoError(t, err)
	return &harness{t: t, server: NewServer(svc, verifier, nil), verifier: verifier, clock: clock}
}

func (h *harness) do(method, path string, as types.Principal, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as.UserID != "" {
		token, err := h.verifier.Sign(as, time.Hour)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var (
	alice = types.Principal{UserID: "alice", Email: "alice@example.com", Role: types.RoleRenter}
	bob   = types.Principal{UserID: "bob", Email: "bob@example.com", Role: types.RoleRenter}
	admin = types.Principal{UserID: "root", Role: types.RoleAdmin}
)

func window(startH, endH int) (time.Time, time.Time) {
	base := epoch.Add(48 * time.Hour)
	return base.Add(time.Duration(startH) * time.Hour), base.Add(time.Duration(endH) * time.Hour)
}

func (h *harness) book(as types.Principal, startH, endH int, offer float64) *httptest.ResponseRecorder {
	start, end := window(startH, endH)
	return h.do(http.MethodPost, "/api/bookings", as, bookingRequest{CarID: "car", StartTime: start, EndTime: end, OfferPrice: offer})
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/healthz", types.Principal{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", decodeBody[map[string]string](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(http.MethodGet, "/metrics", types.Principal{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/bookings/my", types.Principal{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBookingToAuctionOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := h.book(alice, 0, 10, 1000)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[admissionResponse](t, rec)
	assert.Equal(t, types.BookingPending, first.Booking.Status)
	assert.Nil(t, first.Auction)

	rec = h.book(bob, 5, 15, 1200)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decodeBody[map[string]any](t, rec)
	auctionJSON := second["auction"].(map[string]any)
	assert.EqualValues(t, 2, auctionJSON["bid_count"])
	assert.NotEmpty(t, auctionJSON["auction_end"])
	auctionID := auctionJSON["id"].(string)

	rec = h.do(http.MethodGet, "/api/auctions/"+auctionID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[map[string]any](t, rec)
	bids := view["bids"].([]any)
	require.Len(t, bids, 2)
	assert.Contains(t, bids[0].(map[string]any), "trust_score_snapshot")
	assert.Equal(t, "0.0", bids[0].(map[string]any)["trust_display"])

	rec = h.do(http.MethodGet, "/api/auctions/my?status=active", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]map[string]any](t, rec), 1)

	rec = h.do(http.MethodPost, "/api/auctions/"+auctionID+"/bid", alice, bidRequest{OfferPrice: 1500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bid := decodeBody[bidResponse](t, rec)
	assert.Equal(t, 1500.0, bid.Bid.OfferPrice)

	rec = h.do(http.MethodPost, "/api/admin/auctions/"+auctionID+"/close", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/auctions/"+auctionID+"/close", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decodeBody[closeResponse](t, rec)
	require.NotNil(t, closed.Confirmed)
	assert.Equal(t, "alice", closed.Confirmed.UserID)
	assert.Len(t, closed.Rejected, 1)

	rec = h.do(http.MethodPost, "/api/admin/auctions/"+auctionID+"/close", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)

	rec := h.book(alice, 10, 5, 1000)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"validation"`)

	rec = h.do(http.MethodGet, "/api/bookings/nope", alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/bookings", alice, map[string]any{"car_id": "car", "unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/bookings/my?status=bogus", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/admin/leaderboard?limit=-1", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := h.book(alice, 0, 10, 1000)
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decodeBody[admissionResponse](t, rec).Booking

	rec = h.do(http.MethodPost, "/api/admin/bookings/"+b.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/admin/bookings/"+b.ID+"/start-ride", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ride := decodeBody[types.Ride](t, rec)

	// idempotent
	rec = h.do(http.MethodPost, "/api/admin/bookings/"+b.ID+"/start-ride", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ride.ID, decodeBody[types.Ride](t, rec).ID)

	rec = h.do(http.MethodPost, "/api/admin/rides/"+ride.ID+"/complete", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/rides/"+ride.ID+"/rate", admin, map[string]any{"driving_rating": 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.InDelta(t, 80.5, decodeBody[allocation.RatingResult](t, rec).TrustScore, 1e-9)

	rec = h.do(http.MethodPost, "/api/admin/rides/"+ride.ID+"/rate", admin, map[string]any{"driving_rating": 4})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/admin/leaderboard", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board := decodeBody[[]map[string]any](t, rec)
	require.NotEmpty(t, board)
	assert.Equal(t, "alice", board[0]["user_id"])

	rec = h.do(http.MethodGet, "/api/admin/dashboard", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decodeBody[allocation.Dashboard](t, rec)
	assert.Equal(t, 1, d.Bookings[types.BookingCompleted])
	assert.Equal(t, 1, d.Rides[types.RideCompleted])
}

func TestCancelAndBlockOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := h.book(alice, 0, 10, 1000)
	b := decodeBody[admissionResponse](t, rec).Booking

	rec = h.do(http.MethodGet, "/api/bookings/"+b.ID, bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/bookings/"+b.ID+"/cancel", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = h.do(http.MethodPost, "/api/admin/users/alice/block", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[types.User](t, rec).IsBlocked)

	rec = h.book(alice, 20, 30, 1000)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/users/alice/unblock", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.book(alice, 20, 30, 1000)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/users/root/block", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBidRateLimit(t *testing.T) {
	h := newHarness(t)
	h.book(alice, 0, 10, 1000)
	rec := h.book(bob, 5, 15, 1200)
	auctionID := decodeBody[admissionResponse](t, rec).Auction.ID

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		rec := h.do(http.MethodPost, "/api/auctions/"+auctionID+"/bid", bob, bidRequest{OfferPrice: float64(1300 + i)})
		codes = append(codes, rec.Code)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)
	assert.Equal(t, http.StatusOK, codes[0])
}

func TestReadsOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/me", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "alice", me["id"])
	assert.EqualValues(t, 0, me["total_rides"])
	assert.Equal(t, "0.0", me["trust_display"])

	h.book(alice, 0, 10, 1000)
	h.book(bob, 5, 15, 1200)
	h.book(alice, 40, 50, 900)

	rec = h.do(http.MethodGet, "/api/auctions?status=active", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decodeBody[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.EqualValues(t, 2, list[0]["bid_count"])
	assert.EqualValues(t, 1200, list[0]["highest_bid"])
	assert.NotContains(t, rec.Body.String(), "alice")

	rec = h.do(http.MethodGet, "/api/auctions?status=bogus", bob, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/users/bob/block", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	users := decodeBody[[]allocation.Profile](t, rec)
	require.Len(t, users, 2)

	rec = h.do(http.MethodGet, "/api/admin/users?blocked_only=true", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users = decodeBody[[]allocation.Profile](t, rec)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].ID)

	rec = h.do(http.MethodGet, "/api/admin/users?blocked_only=maybe", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/admin/users", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
