package websocket

import (
	"context"
	"sync"

	"github.com/Martin-Hayot/fleet-allocation/internal/allocation"
	"github.com/Martin-Hayot/fleet-allocation/internal/events"
	"github.com/Martin-Hayot/fleet-allocation/internal/observability"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
)

// Hub tracks connected clients and the auctions they follow. It is an
// events.Publisher: auction events go to the auction's subscribers and every
// event also reaches the clients of the user it concerns.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	subs    map[string]map[*Client]struct{}
	logger  *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		subs:    make(map[string]map[*Client]struct{}),
		logger:  log.WithPrefix("ws"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.WebSocketClients.Inc()
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	for id, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()
	if ok {
		observability.WebSocketClients.Dec()
	}
}

func (h *Hub) Subscribe(c *Client, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[auctionID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[auctionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[auctionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, auctionID)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of clients following an auction.
func (h *Hub) Subscribers(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[auctionID])
}

func (h *Hub) Publish(_ context.Context, evs ...events.Event) error {
	for _, ev := range evs {
		if ev.Type == events.AuctionMerged {
			h.follow(ev)
		}
		out, err := encode(TypeEvent, present(ev))
		if err != nil {
			return err
		}

		h.mu.RLock()
		recipients := make(map[*Client]struct{})
		for c := range h.subs[ev.AuctionID] {
			recipients[c] = struct{}{}
		}
		if ev.UserID != "" {
			for c := range h.clients {
				if c.ID == ev.UserID {
					recipients[c] = struct{}{}
				}
			}
		}
		h.mu.RUnlock()

		for c := range recipients {
			if !c.Deliver(out) {
				h.logger.Debug("Dropping slow client", "client", c.ID)
				c.Disconnect(h)
			}
		}
	}
	return nil
}

// follow moves the subscribers of a merged auction to the one that
// absorbed it.
func (h *Hub) follow(ev events.Event) {
	data, ok := ev.Data.(map[string]string)
	if !ok || data["merged_into"] == "" {
		return
	}
	target := data["merged_into"]

	h.mu.Lock()
	defer h.mu.Unlock()
	from := h.subs[ev.AuctionID]
	if len(from) == 0 {
		return
	}
	to, ok := h.subs[target]
	if !ok {
		to = make(map[*Client]struct{})
		h.subs[target] = to
	}
	for c := range from {
		to[c] = struct{}{}
	}
}

// present swaps raw auctions for their client view.
func present(ev events.Event) events.Event {
	switch d := ev.Data.(type) {
	case types.Auction:
		ev.Data = allocation.NewAuctionView(d)
	case *types.Auction:
		if d != nil {
			ev.Data = allocation.NewAuctionView(*d)
		}
	}
	return ev
}
