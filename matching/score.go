// Package matching pairs compatible listings and records each pair once.
package matching

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"agentmarket/listing"
)

// Score weights. The maximum is 100.
const (
	basePoints        = 30.0
	skillPoints       = 35.0
	ratePoints        = 20.0
	remotePoints      = 5.0
	descriptionPoints = 5.0

	neutralFraction = 0.5
	maxScore        = 100
)

// Overlap is the compatibility detail stored with a match.
type Overlap struct {
	MatchingSkills   []string           `json:"matching_skills"`
	RateOverlap      *listing.RateRange `json:"rate_overlap,omitempty"`
	RemoteCompatible bool               `json:"remote_compatible"`
	Score            int                `json:"score"`
}

// Score returns the overlap of a and b, or nil when they cannot match. Listings
// must be on opposite sides of the same category and both active.
func Score(a, b listing.Listing) *Overlap {
	if !a.Side.Valid() || a.Side.Opposite() != b.Side {
		return nil
	}
	if a.Category != b.Category || !a.Active || !b.Active {
		return nil
	}

	skills, skillFraction, ok := skillOverlap(a.Params.Skills, b.Params.Skills)
	if !ok {
		return nil
	}
	rate, tightness, ok := rateOverlap(a.Params, b.Params)
	if !ok {
		return nil
	}
	if !remoteCompatible(a.Params.Remote, b.Params.Remote) {
		return nil
	}

	total := basePoints + skillPoints*skillFraction + ratePoints*tightness + remotePoints
	if strings.TrimSpace(a.Description) != "" && strings.TrimSpace(b.Description) != "" {
		total += descriptionPoints
	}
	score := int(math.Round(total))
	if score > maxScore {
		score = maxScore
	}

	return &Overlap{
		MatchingSkills:   skills,
		RateOverlap:      rate,
		RemoteCompatible: true,
		Score:            score,
	}
}

// skillOverlap returns the shared skills and the coverage fraction relative to
// the smaller set. Either side listing no skills is neutral.
func skillOverlap(a, b []string) ([]string, float64, bool) {
	if len(a) == 0 || len(b) == 0 {
		return []string{}, neutralFraction, true
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	shared := make([]string, 0, len(a))
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		if _, ok := set[s]; !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		shared = append(shared, s)
	}
	if len(shared) == 0 {
		return nil, 0, false
	}
	smaller := min(distinct(a), len(set))
	return shared, float64(len(shared)) / float64(smaller), true
}

func distinct(in []string) int {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[s] = struct{}{}
	}
	return len(set)
}

// rateOverlap intersects the two rate ranges and returns overlap width over
// union width. Ranges quoted in different currencies are not compared.
func rateOverlap(a, b listing.Params) (*listing.RateRange, float64, bool) {
	if a.Rate == nil || b.Rate == nil {
		return nil, neutralFraction, true
	}
	if a.Currency != "" && b.Currency != "" && a.Currency != b.Currency {
		return nil, neutralFraction, true
	}

	lo := decimal.Max(a.Rate.Min, b.Rate.Min)
	hi := decimal.Min(a.Rate.Max, b.Rate.Max)
	if lo.GreaterThan(hi) {
		return nil, 0, false
	}
	union := decimal.Max(a.Rate.Max, b.Rate.Max).Sub(decimal.Min(a.Rate.Min, b.Rate.Min))
	tightness := 1.0
	if union.IsPositive() {
		tightness = hi.Sub(lo).Div(union).InexactFloat64()
	}
	return &listing.RateRange{Min: lo, Max: hi}, tightness, true
}

func remoteCompatible(a, b listing.RemoteMode) bool {
	if a == listing.RemoteAny || b == listing.RemoteAny || a == b {
		return true
	}
	return a == listing.RemoteHybrid || b == listing.RemoteHybrid
}
