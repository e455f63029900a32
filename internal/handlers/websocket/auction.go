// Package websocket streams auction updates to bidders and accepts live bids.
package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/internal/auth"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Engine is what live bidding needs from the allocation service.
type Engine interface {
	GetAuction(ctx context.Context, auctionID string) (types.Auction, error)
	SubmitBid(ctx context.Context, actor types.Principal, auctionID string, offer float64) (types.Auction, types.Bid, error)
}

type Options struct {
	PingInterval   time.Duration
	MaxMessageSize int64
	// AllowedOrigins lists browser origins besides the server's own host.
	// "*" admits any origin.
	AllowedOrigins []string
}

func (o Options) pongWait() time.Duration { return o.PingInterval * 2 }

// ParseOptions reads websocket settings, falling back to sane values.
func ParseOptions(pingInterval string, maxMessageSize int, allowedOrigins []string) Options {
	o := Options{PingInterval: 30 * time.Second, MaxMessageSize: 4096, AllowedOrigins: allowedOrigins}
	if d, err := time.ParseDuration(pingInterval); err == nil && d > 0 {
		o.PingInterval = d
	} else if pingInterval != "" {
		log.Warn("Invalid websocket ping interval, using default", "value", pingInterval, "default", o.PingInterval)
	}
	if maxMessageSize > 0 {
		o.MaxMessageSize = int64(maxMessageSize)
	}
	return o
}

type Handler struct {
	engine   Engine
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(engine Engine, hub *Hub, opts Options) *Handler {
	h := &Handler{engine: engine, hub: hub, opts: opts}
	h.upgrader.CheckOrigin = opts.checkOrigin
	return h
}

// checkOrigin admits non-browser clients, same-host pages and the
// configured origins.
func (o Options) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range o.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades an authenticated request and serves the connection
// until it drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Info("Failed to upgrade connection", "error", err)
		return
	}

	client := newClient(p, conn)
	h.hub.Register(client)
	log.Debug("Client connected", "client", client.ID)

	go client.WriteMessages(h.opts)
	client.ReadMessages(h.opts, h.HandleMessage)
	client.Disconnect(h.hub)
}
