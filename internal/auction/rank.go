package auction

import (
	"math"
	"sort"

	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
)

const scoreEpsilon = 1e-9

// Weights tunes the final score. Bidders whose trust snapshot is below
// TrustThreshold are ranked on price alone.
type Weights struct {
	TrustThreshold float64
	TrustWeight    float64
	PriceWeight    float64
}

// Rank computes final scores for bids and returns copies ordered best first.
// Trust and price are min-max normalised over the given bids; a degenerate
// range normalises to 1. Ties go to the earliest submission, then the higher
// offer, then the lower bid id.
func Rank(bids []types.Bid, w Weights) []types.Bid {
	if len(bids) == 0 {
		return nil
	}

	minT, maxT := math.Inf(1), math.Inf(-1)
	minP, maxP := math.Inf(1), math.Inf(-1)
	for _, b := range bids {
		minT, maxT = math.Min(minT, b.TrustScoreSnapshot), math.Max(maxT, b.TrustScoreSnapshot)
		minP, maxP = math.Min(minP, b.OfferPrice), math.Max(maxP, b.OfferPrice)
	}

	ranked := make([]types.Bid, len(bids))
	for i, b := range bids {
		c := b.Clone()
		price := normalize(b.OfferPrice, minP, maxP)
		var final float64
		if b.TrustScoreSnapshot < w.TrustThreshold {
			final = price
		} else {
			final = w.TrustWeight*normalize(b.TrustScoreSnapshot, minT, maxT) + w.PriceWeight*price
		}
		c.FinalScore = &final
		ranked[i] = c
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if d := *a.FinalScore - *b.FinalScore; math.Abs(d) > scoreEpsilon {
			return d > 0
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		if a.OfferPrice != b.OfferPrice {
			return a.OfferPrice > b.OfferPrice
		}
		return a.ID < b.ID
	})
	return ranked
}

func normalize(v, lo, hi float64) float64 {
	if hi-lo < scoreEpsilon {
		return 1
	}
	return (v - lo) / (hi - lo)
}
