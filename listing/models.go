package listing

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideOffering Side = "offering"
	SideSeeking  Side = "seeking"
)

// Opposite returns the side a listing is matched against.
func (s Side) Opposite() Side {
	switch s {
	case SideOffering:
		return SideSeeking
	case SideSeeking:
		return SideOffering
	default:
		return ""
	}
}

func (s Side) Valid() bool {
	return s == SideOffering || s == SideSeeking
}

type RemoteMode string

const (
	RemoteAny    RemoteMode = ""
	RemoteRemote RemoteMode = "remote"
	RemoteOnsite RemoteMode = "onsite"
	RemoteHybrid RemoteMode = "hybrid"
)

// RateRange is a closed interval [Min, Max].
type RateRange struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Params is the typed form of a listing's structured parameters. Values are
// normalised by Normalize before they reach storage, so readers can compare
// them directly.
type Params struct {
	Skills   []string
	Rate     *RateRange
	Currency string
	Remote   RemoteMode
}

// paramsJSON is the stored and wire layout: rate bounds are flat keys.
type paramsJSON struct {
	Skills   []string         `json:"skills,omitempty"`
	RateMin  *decimal.Decimal `json:"rate_min,omitempty"`
	RateMax  *decimal.Decimal `json:"rate_max,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Remote   RemoteMode       `json:"remote,omitempty"`
}

func (p Params) MarshalJSON() ([]byte, error) {
	out := paramsJSON{
		Skills:   p.Skills,
		Currency: p.Currency,
		Remote:   p.Remote,
	}
	if p.Rate != nil {
		lo, hi := p.Rate.Min, p.Rate.Max
		out.RateMin, out.RateMax = &lo, &hi
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flat layout. Rate bounds come as a pair.
func (p *Params) UnmarshalJSON(data []byte) error {
	var in paramsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if (in.RateMin == nil) != (in.RateMax == nil) {
		return ErrRateIncomplete
	}
	*p = Params{
		Skills:   in.Skills,
		Currency: in.Currency,
		Remote:   in.Remote,
	}
	if in.RateMin != nil {
		p.Rate = &RateRange{Min: *in.RateMin, Max: *in.RateMax}
	}
	return nil
}

type Listing struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Side         Side      `json:"side"`
	Category     string    `json:"category"`
	Params       Params    `json:"params"`
	Description  string    `json:"description"`
	Active       bool      `json:"active"`
	SupersededBy *string   `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
