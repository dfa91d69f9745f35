package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"agentmarket/db"
	"agentmarket/listing"
	"agentmarket/metrics"
	"agentmarket/notify"
)

// DefaultTTL is how long a new match stays open before it may expire.
const DefaultTTL = 7 * 24 * time.Hour

type Result struct {
	MatchID     string          `json:"match_id"`
	Status      string          `json:"status"`
	Created     bool            `json:"created"`
	Counterpart listing.Listing `json:"counterpart"`
	Overlap     Overlap         `json:"overlap"`
}

// Resolver is the only writer of new match rows.
type Resolver struct {
	pool     db.Querier
	listings listing.Repository
	store    Store
	notifier notify.Notifier
	log      *zap.Logger
	ttl      time.Duration
	now      func() time.Time
}

func NewResolver(pool db.Querier, listings listing.Repository, store Store, notifier notify.Notifier, log *zap.Logger) *Resolver {
	if listings == nil {
		listings = listing.NewRepository()
	}
	if store == nil {
		store = NewStore()
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		pool:     pool,
		listings: listings,
		store:    store,
		notifier: notifier,
		log:      log,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

func (r *Resolver) WithTTL(ttl time.Duration) *Resolver {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve scores listingID against every active counterpart and returns one
// result per compatible pair, creating the match row on first sight. A
// missing or inactive listing resolves to nothing.
func (r *Resolver) Resolve(ctx context.Context, listingID string) ([]Result, error) {
	self, err := r.listings.Get(ctx, r.pool, listingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return []Result{}, nil
		}
		return nil, err
	}
	if !self.Active {
		return []Result{}, nil
	}

	candidates, err := r.listings.ListCandidates(ctx, r.pool, self)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(candidates))
	var created []notify.Notification
	for _, c := range candidates {
		overlap := Score(self, c)
		if overlap == nil {
			continue
		}
		m, isNew, err := r.findOrCreate(ctx, self.ID, c.ID, *overlap)
		if err != nil {
			return nil, err
		}
		if isNew {
			metrics.MatchesResolved.WithLabelValues("created").Inc()
			created = append(created, newMatchNotifications(m, self, c)...)
			r.log.Info("match created",
				zap.String("match_id", m.ID),
				zap.String("listing_a_id", m.ListingAID),
				zap.String("listing_b_id", m.ListingBID),
				zap.Int("score", m.Overlap.Score))
		} else {
			metrics.MatchesResolved.WithLabelValues("reused").Inc()
		}
		results = append(results, Result{
			MatchID:     m.ID,
			Status:      m.Status,
			Created:     isNew,
			Counterpart: c,
			Overlap:     m.Overlap,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Overlap.Score != results[j].Overlap.Score {
			return results[i].Overlap.Score > results[j].Overlap.Score
		}
		return results[i].MatchID < results[j].MatchID
	})

	if len(created) > 0 {
		r.notifier.Dispatch(ctx, created...)
	}
	return results, nil
}

// findOrCreate returns the match for the pair, inserting it when absent. A
// concurrent insert of the same pair is absorbed by re-reading the winner.
func (r *Resolver) findOrCreate(ctx context.Context, x, y string, overlap Overlap) (Match, bool, error) {
	a, b := CanonicalPair(x, y)

	existing, err := r.store.FindByPair(ctx, r.pool, a, b)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrMatchNotFound) {
		return Match{}, false, err
	}

	created, err := r.store.Insert(ctx, r.pool, Match{
		ListingAID: a,
		ListingBID: b,
		Overlap:    overlap,
		ExpiresAt:  r.now().Add(r.ttl),
	})
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrDuplicatePair) {
		return Match{}, false, err
	}

	existing, err = r.store.FindByPair(ctx, r.pool, a, b)
	if err != nil {
		return Match{}, false, fmt.Errorf("matching: reread duplicate pair: %w", err)
	}
	return existing, false, nil
}

// CanonicalPair orders two listing ids so the smaller comes first.
func CanonicalPair(x, y string) (string, string) {
	if y < x {
		return y, x
	}
	return x, y
}

func newMatchNotifications(m Match, self, other listing.Listing) []notify.Notification {
	summary := fmt.Sprintf("New %s match (score %d)", self.Category, m.Overlap.Score)
	return []notify.Notification{
		{AgentID: self.AgentID, Type: notify.TypeNewMatch, MatchID: m.ID, FromAgentID: other.AgentID, Summary: summary},
		{AgentID: other.AgentID, Type: notify.TypeNewMatch, MatchID: m.ID, FromAgentID: self.AgentID, Summary: summary},
	}
}
