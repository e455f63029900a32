package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/internal/allocation"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/utils"
	"github.com/charmbracelet/log"
)

const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeBid      = "bid"
	TypeAuction  = "auction"
	TypeEvent    = "event"
	TypeAccepted = "bid_accepted"
	TypeError    = "error"
)

const messageTimeout = 5 * time.Second

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type joinMessage struct {
	AuctionID string `json:"auction_id"`
}

type bidMessage struct {
	AuctionID  string  `json:"auction_id"`
	OfferPrice float64 `json:"offer_price"`
}

// ParseMessage validates and parses incoming messages.
func ParseMessage(rawMessage []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(rawMessage, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.Validation(errors.ErrBadMessageFormat, "missing message type")
	}
	return &msg, nil
}

func encode(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{Type: msgType, Data: raw})
}

func (h *Handler) reply(client *Client, msgType string, data any) {
	out, err := encode(msgType, data)
	if err != nil {
		log.Error("Error marshalling message", "type", msgType, "error", err)
		return
	}
	client.Deliver(out)
}

func (h *Handler) replyError(client *Client, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) || appErr.Kind == errors.KindInternal {
		log.Error("Message handling failed", "client", client.ID, "error", err)
		appErr = errors.New(errors.ErrInternalServer, "Internal server error")
	}
	client.Deliver([]byte(appErr.ToJSON()))
}

// HandleMessage routes the message based on its type.
func (h *Handler) HandleMessage(client *Client, rawMessage []byte) {
	if !client.RateLimiter.Allow() {
		log.Warn("Rate limit exceeded", "client", client.ID)
		client.Deliver([]byte(errors.New(errors.ErrRateLimited, "Rate limit exceeded").ToJSON()))
		return
	}

	msg, err := ParseMessage(rawMessage)
	if err != nil {
		log.Info("Invalid message", "client", client.ID, "error", err)
		client.Deliver([]byte(errors.Validation(errors.ErrBadMessageFormat, "Invalid message format").ToJSON()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	switch msg.Type {
	case TypeJoin:
		h.handleJoin(ctx, client, msg.Data)
	case TypeLeave:
		var m joinMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			client.Deliver([]byte(errors.Validation(errors.ErrBadMessageFormat, "Invalid leave message").ToJSON()))
			return
		}
		h.hub.Unsubscribe(client, m.AuctionID)
	case TypeBid:
		h.handleBid(ctx, client, msg.Data)
	default:
		log.Debug("Unknown message type", "type", msg.Type)
		client.Deliver([]byte(errors.Validation(errors.ErrUnknownMessageType, "Unknown message type").ToJSON()))
	}
}

// handleJoin subscribes the client to an auction and sends its current state.
func (h *Handler) handleJoin(ctx context.Context, client *Client, data json.RawMessage) {
	var m joinMessage
	if err := json.Unmarshal(data, &m); err != nil || m.AuctionID == "" {
		client.Deliver([]byte(errors.Validation(errors.ErrBadMessageFormat, "Invalid join message").ToJSON()))
		return
	}
	a, err := h.engine.GetAuction(ctx, m.AuctionID)
	if err != nil {
		h.replyError(client, err)
		return
	}
	h.hub.Subscribe(client, a.ID)
	h.reply(client, TypeAuction, allocation.NewAuctionView(a))
}

// handleBid creates or updates the client's bid. Subscribers learn about it
// through the auction.updated event the engine publishes.
func (h *Handler) handleBid(ctx context.Context, client *Client, data json.RawMessage) {
	var m bidMessage
	if err := json.Unmarshal(data, &m); err != nil || m.AuctionID == "" {
		client.Deliver([]byte(errors.Validation(errors.ErrBadMessageFormat, "Invalid bid message").ToJSON()))
		return
	}

	a, bid, err := h.engine.SubmitBid(ctx, client.Principal, m.AuctionID, m.OfferPrice)
	if err != nil {
		h.replyError(client, err)
		return
	}
	h.hub.Subscribe(client, a.ID)
	h.reply(client, TypeAccepted, allocation.BidView{Bid: bid, TrustDisplay: utils.FormatTrust(bid.TrustScoreSnapshot)})
}
