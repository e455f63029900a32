package allocation

import (
	"time"

	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/Martin-Hayot/fleet-allocation/pkg/utils"
)

// BidView is a bid as clients see it, trust rendered with one decimal.
type BidView struct {
	types.Bid
	TrustDisplay string `json:"trust_display"`
}

// AuctionView adds the derived fields clients expect on an auction.
type AuctionView struct {
	types.Auction
	BidCount int       `json:"bid_count"`
	Bids     []BidView `json:"bids"`
}

func NewAuctionView(a types.Auction) AuctionView {
	v := AuctionView{Auction: a, BidCount: a.BidCount(), Bids: make([]BidView, 0, len(a.Bids))}
	for _, b := range a.Bids {
		v.Bids = append(v.Bids, BidView{Bid: b, TrustDisplay: utils.FormatTrust(b.TrustScoreSnapshot)})
	}
	return v
}

func NewAuctionViews(as []types.Auction) []AuctionView {
	out := make([]AuctionView, 0, len(as))
	for _, a := range as {
		out = append(out, NewAuctionView(a))
	}
	return out
}

// AuctionSummary is the public listing row: no bidder identities.
type AuctionSummary struct {
	ID         string              `json:"id"`
	CarID      string              `json:"car_id"`
	StartTime  time.Time           `json:"start_time"`
	EndTime    time.Time           `json:"end_time"`
	Status     types.AuctionStatus `json:"status"`
	BidCount   int                 `json:"bid_count"`
	HighestBid *float64            `json:"highest_bid"`
	AuctionEnd time.Time           `json:"auction_end"`
}

func NewAuctionSummary(a types.Auction) AuctionSummary {
	s := AuctionSummary{
		ID:         a.ID,
		CarID:      a.CarID,
		StartTime:  a.StartTime,
		EndTime:    a.EndTime,
		Status:     a.Status,
		BidCount:   a.BidCount(),
		AuctionEnd: a.AuctionEnd,
	}
	for _, b := range a.Bids {
		if s.HighestBid == nil || b.OfferPrice > *s.HighestBid {
			offer := b.OfferPrice
			s.HighestBid = &offer
		}
	}
	return s
}

// Profile is a user record with its derived trust score.
type Profile struct {
	types.User
	TrustScore   float64 `json:"trust_score"`
	TrustDisplay string  `json:"trust_display"`
}

func NewProfile(u types.User, trust float64) Profile {
	return Profile{User: u, TrustScore: trust, TrustDisplay: utils.FormatTrust(trust)}
}
