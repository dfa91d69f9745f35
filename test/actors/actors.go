package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agentmarket/apperr"
	"agentmarket/deal"
	"agentmarket/dispute"
	"agentmarket/expiry"
	"agentmarket/listing"
	"agentmarket/matching"
)

// Market wires the real services against the stress pool.
type Market struct {
	Listings *listing.Service
	Resolver *matching.Resolver
	Deals    *deal.Service
	Disputes *dispute.Service
	Sweeper  *expiry.Sweeper

	pool *pgxpool.Pool
	// strict fails an actor on any internal error; off while chaos kills
	// backends under it.
	strict bool
}

func NewMarket(pool *pgxpool.Pool, strict bool, log *zap.Logger) *Market {
	listingRepo := listing.NewRepository()
	deals := deal.NewService(pool, deal.NewRepository(), nil, log.Named("deal"))
	return &Market{
		Listings: listing.NewService(pool, listingRepo, log.Named("listing")),
		Resolver: matching.NewResolver(pool, listingRepo, matching.NewStore(), nil, log.Named("matching")),
		Deals:    deals,
		Disputes: dispute.NewService(pool, dispute.NewRepository(), deals, log.Named("dispute")),
		Sweeper:  expiry.NewSweeper(pool, expiry.NewStore(), nil, log.Named("expiry")),
		pool:     pool,
		strict:   strict,
	}
}

// check drops the errors contention is expected to produce: rule
// violations, conflicts and lost races all surface as non-internal kinds.
func (m *Market) check(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if apperr.KindOf(err) != apperr.Internal || !m.strict {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(lo, spread int) {
	time.Sleep(time.Duration(lo+rand.Intn(spread)) * time.Millisecond)
}

var skillPool = []string{"go", "postgres", "kafka", "react", "typescript", "design", "rust", "sql"}

func randomParams() listing.Params {
	n := 1 + rand.Intn(3)
	skills := make([]string, 0, n)
	for i := 0; i < n; i++ {
		skills = append(skills, skillPool[rand.Intn(len(skillPool))])
	}
	return listing.Params{Skills: skills}
}

// Lister keeps replacing one agent's listings and resolving matches for
// each new one, racing other listers over the same categories.
func Lister(ctx context.Context, m *Market, agentID string, categories []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		side := listing.SideOffering
		if rand.Intn(2) == 0 {
			side = listing.SideSeeking
		}
		res, err := m.Listings.Create(ctx, listing.CreateParams{
			AgentID:  agentID,
			Side:     side,
			Category: categories[rand.Intn(len(categories))],
			Params:   randomParams(),
		})
		if err := m.check("lister create", err); err != nil {
			return err
		}
		if err == nil {
			_, err = m.Resolver.Resolve(ctx, res.Listing.ID)
			if err := m.check("lister resolve", err); err != nil {
				return err
			}
		}
		pause(40, 80)
	}
	return nil
}

// Dealer drives random lifecycle actions on the deals of a random agent,
// acting as either participant. Several dealers share the same deals.
func Dealer(ctx context.Context, m *Market, agents []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		agent := agents[rand.Intn(len(agents))]
		deals, err := m.Deals.ListForAgent(ctx, agent, "")
		if err := m.check("dealer list", err); err != nil {
			return err
		}
		if len(deals) == 0 {
			pause(50, 50)
			continue
		}
		d := deals[rand.Intn(len(deals))]
		actor := d.AgentAID
		if rand.Intn(2) == 0 {
			actor = d.AgentBID
		}
		if err := m.check("dealer act", act(ctx, m, d, actor)); err != nil {
			return err
		}
		pause(5, 25)
	}
	return nil
}

func act(ctx context.Context, m *Market, d deal.Deal, actor string) error {
	var err error
	switch n := rand.Intn(100); {
	case n < 20:
		_, err = m.Deals.SendMessage(ctx, deal.SendMessageParams{MatchID: d.ID, AgentID: actor, Content: "rate?"})
	case n < 35:
		_, err = m.Deals.SendMessage(ctx, deal.SendMessageParams{
			MatchID: d.ID, AgentID: actor, Type: deal.MessageProposal, Content: "proposal",
			ProposedTerms: map[string]any{"rate": 40 + rand.Intn(40)},
		})
	case n < 60:
		_, err = m.Deals.Approve(ctx, deal.VoteParams{MatchID: d.ID, AgentID: actor})
	case n < 63:
		_, err = m.Deals.Reject(ctx, deal.VoteParams{MatchID: d.ID, AgentID: actor})
	case n < 73:
		_, err = m.Deals.Start(ctx, deal.StartParams{MatchID: d.ID, AgentID: actor})
	case n < 88:
		_, err = m.Deals.Complete(ctx, deal.CompleteParams{MatchID: d.ID, AgentID: actor, Evidence: "delivered"})
	case n < 90:
		_, err = m.Deals.Cancel(ctx, deal.CancelParams{MatchID: d.ID, AgentID: actor})
	case n < 95:
		_, err = m.Disputes.File(ctx, dispute.FileParams{MatchID: d.ID, AgentID: actor, Reason: "scope changed"})
	default:
		resolutions := []dispute.Resolution{
			dispute.StatusResolvedComplete, dispute.StatusResolvedRefund,
			dispute.StatusResolvedSplit, dispute.StatusDismissed,
		}
		_, err = m.Disputes.Resolve(ctx, dispute.ResolveParams{
			MatchID: d.ID, AgentID: actor, Resolution: resolutions[rand.Intn(len(resolutions))],
		})
	}
	return err
}

// Ager pushes a random pre-approval match past its deadline so sweeps and
// lazy expiry race the dealers.
func Ager(ctx context.Context, m *Market, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := m.pool.Exec(ctx, `
			UPDATE matches
			SET created_at = now() - interval '2 hours', expires_at = now() - interval '1 minute'
			WHERE id = (
				SELECT id FROM matches
				WHERE status IN ('matched', 'negotiating', 'proposed')
				ORDER BY random() LIMIT 1
			)`)
		if err := m.check("ager", err); err != nil {
			return err
		}
		pause(150, 150)
	}
	return nil
}

// Sweeper runs small live sweeps and dry runs back to back.
func Sweeper(ctx context.Context, m *Market, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := m.Sweeper.Sweep(ctx, expiry.Params{TimeoutHours: 1, Limit: 1 + rand.Intn(5), DryRun: rand.Intn(4) == 0})
		if err := m.check("sweeper", err); err != nil {
			return err
		}
		pause(100, 200)
	}
	return nil
}
