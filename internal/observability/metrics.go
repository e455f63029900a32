package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet_allocation"

var (
	BookingsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_admitted_total", Help: "Booking requests admitted, by outcome (pending or competing)"},
		[]string{"outcome"},
	)
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status changes"},
		[]string{"status"},
	)
	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bids_submitted_total", Help: "Bids created or updated"})
	AuctionsOpen  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "auctions_open", Help: "Active auctions after the last sweep"})
	AuctionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auctions_closed_total", Help: "Closed auctions, by trigger (sweep, admin, sole_bidder, merge)"},
		[]string{"trigger"},
	)
	AuctionBidders = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "auction_bidders",
		Help:      "Number of bids at close",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
	})
	PenaltiesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "penalties_total", Help: "Late cancellation penalties recorded"})
	RatingsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ratings_total", Help: "Ride ratings recorded"})
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations including lock wait",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "websocket_clients", Help: "Connected websocket clients"})
)
