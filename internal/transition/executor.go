// Package transition implements operator-triggered bulk moves of subscriber
// cohorts from a source campaign to a successor campaign, driven by the
// configured tier-transition matrix.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/logger"
	"github.com/bemamusic/crm-engine/internal/validate"
)

// MLPClient is the slice of the list-provider client the executor consumes.
type MLPClient interface {
	GroupSubscribersPage(ctx context.Context, groupID string, page, perPage int) ([]domain.Subscriber, error)
	BulkImportToGroup(ctx context.Context, subs []domain.Subscriber, groupID string) error
}

// DDSClient verifies order ids against the download store.
type DDSClient interface {
	ValidateOrder(ctx context.Context, orderID, email string) (bool, error)
}

// Store is the persistence surface the executor needs.
type Store interface {
	GetCampaignByName(ctx context.Context, name string) (*domain.Campaign, error)
	GetGroupByName(ctx context.Context, name string) (*domain.Group, error)
	CreateTransition(ctx context.Context, t *domain.Transition) error
	UpdateTransition(ctx context.Context, t *domain.Transition) error
	RunningTransition(ctx context.Context) (*domain.Transition, error)
	AddTransitionSubscribers(ctx context.Context, transitionID string, subscriberIDs []string) error
}

// Executor moves eligible subscribers between campaigns one matrix row at a
// time. Rows with purchase gating keep only subscribers whose stored order
// id the store confirms; row-level provider failures are logged and skipped
// so one bad rule cannot sink the whole transition.
type Executor struct {
	mlp     MLPClient
	dds     DDSClient
	db      Store
	matrix  []config.TransitionRule
	perPage int
}

func New(cfg *config.Config, mlpClient MLPClient, ddsClient DDSClient, db Store) *Executor {
	perPage := cfg.Sync.SubscribersPerPage
	if perPage < 1 {
		perPage = 100
	}
	return &Executor{
		mlp:     mlpClient,
		dds:     ddsClient,
		db:      db,
		matrix:  cfg.Transition.Matrix,
		perPage: perPage,
	}
}

// Run executes a transition synchronously and returns the final row.
func (x *Executor) Run(ctx context.Context, srcName, dstName string) (*domain.Transition, error) {
	t, src, dst, err := x.begin(ctx, srcName, dstName)
	if err != nil {
		return nil, err
	}
	x.execute(ctx, t, src, dst)
	return t, nil
}

// Start begins a transition and executes it in the background, returning
// the Running row immediately. The returned copy is safe to read while the
// transition proceeds.
func (x *Executor) Start(ctx context.Context, srcName, dstName string) (*domain.Transition, error) {
	t, src, dst, err := x.begin(ctx, srcName, dstName)
	if err != nil {
		return nil, err
	}
	snapshot := *t
	go x.execute(context.Background(), t, src, dst)
	return &snapshot, nil
}

// begin validates the request, resolves both campaigns and creates the
// Running row. Only one transition may be in flight at a time.
func (x *Executor) begin(ctx context.Context, srcName, dstName string) (*domain.Transition, *domain.Campaign, *domain.Campaign, error) {
	if issues := validate.TransitionRequest(srcName, dstName); issues.HasErrors() {
		return nil, nil, nil, domain.Ef(domain.KindValidation, "transition.begin", "%s", issues[0].Message)
	}
	src, err := x.lookupCampaign(ctx, srcName, "source")
	if err != nil {
		return nil, nil, nil, err
	}
	dst, err := x.lookupCampaign(ctx, dstName, "destination")
	if err != nil {
		return nil, nil, nil, err
	}

	if running, err := x.db.RunningTransition(ctx); err == nil && running != nil {
		return nil, nil, nil, domain.Ef(domain.KindClient, "transition.begin", "transition %s is still running", running.ID)
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, nil, fmt.Errorf("checking running transition: %w", err)
	}

	t := &domain.Transition{
		ID:                    uuid.New().String(),
		SourceCampaignID:      src.ID,
		DestinationCampaignID: dst.ID,
		Status:                domain.TransitionRunning,
		StartedAt:             time.Now().UTC(),
	}
	if err := x.db.CreateTransition(ctx, t); err != nil {
		return nil, nil, nil, fmt.Errorf("creating transition: %w", err)
	}
	log.Printf("[Transition] %s started: %s -> %s (%d rules)", t.ID, src.Name, dst.Name, len(x.matrix))
	return t, src, dst, nil
}

func (x *Executor) lookupCampaign(ctx context.Context, name, role string) (*domain.Campaign, error) {
	c, err := x.db.GetCampaignByName(ctx, strings.ToUpper(strings.TrimSpace(name)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Ef(domain.KindValidation, "transition.begin", "%s campaign %q not found", role, name)
		}
		return nil, fmt.Errorf("resolving %s campaign: %w", role, err)
	}
	return c, nil
}

func (x *Executor) execute(ctx context.Context, t *domain.Transition, src, dst *domain.Campaign) {
	total := 0
	for _, rule := range x.matrix {
		if err := ctx.Err(); err != nil {
			x.fail(ctx, t, total, err)
			return
		}
		n, err := x.runRule(ctx, t, src, dst, rule)
		if err != nil {
			x.fail(ctx, t, total, err)
			return
		}
		total += n
	}
	now := time.Now().UTC()
	t.Status = domain.TransitionComplete
	t.CountTransferred = total
	t.CompletedAt = &now
	if err := x.db.UpdateTransition(ctx, t); err != nil {
		log.Printf("[Transition] %s: update to complete: %v", t.ID, err)
	}
	log.Printf("[Transition] %s complete: %d transferred", t.ID, total)
}

func (x *Executor) fail(ctx context.Context, t *domain.Transition, total int, cause error) {
	now := time.Now().UTC()
	t.Status = domain.TransitionFailed
	t.CountTransferred = total
	t.ErrorMessage = cause.Error()
	t.CompletedAt = &now
	if err := x.db.UpdateTransition(context.WithoutCancel(ctx), t); err != nil {
		log.Printf("[Transition] %s: update to failed: %v", t.ID, err)
	}
	log.Printf("[Transition] %s failed: %v", t.ID, cause)
}

// runRule processes one matrix row. Missing groups and provider failures
// are logged and the row is skipped (returns 0, nil); only persistence
// errors fail the whole transition.
func (x *Executor) runRule(ctx context.Context, t *domain.Transition, src, dst *domain.Campaign, rule config.TransitionRule) (int, error) {
	srcGroup, err := x.db.GetGroupByName(ctx, src.GroupName(rule.CurrentTier))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("[Transition] %s: source group %s missing, skipping rule", t.ID, src.GroupName(rule.CurrentTier))
			return 0, nil
		}
		return 0, fmt.Errorf("resolving source group: %w", err)
	}
	dstGroup, err := x.db.GetGroupByName(ctx, dst.GroupName(rule.NextTier))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("[Transition] %s: destination group %s missing, skipping rule", t.ID, dst.GroupName(rule.NextTier))
			return 0, nil
		}
		return 0, fmt.Errorf("resolving destination group: %w", err)
	}

	kept, err := x.eligible(ctx, t, src, srcGroup, rule)
	if err != nil {
		log.Printf("[Transition] %s: rule %s -> %s: %v", t.ID, rule.CurrentTier, rule.NextTier, err)
		return 0, nil
	}
	if len(kept) == 0 {
		return 0, nil
	}

	if err := x.mlp.BulkImportToGroup(ctx, kept, dstGroup.ID); err != nil {
		log.Printf("[Transition] %s: importing %d into %s: %v", t.ID, len(kept), dstGroup.GroupName, err)
		return 0, nil
	}
	ids := make([]string, 0, len(kept))
	for _, s := range kept {
		ids = append(ids, s.ID)
	}
	if err := x.db.AddTransitionSubscribers(ctx, t.ID, ids); err != nil {
		return 0, fmt.Errorf("recording audit rows: %w", err)
	}
	log.Printf("[Transition] %s: %s -> %s moved %d", t.ID, srcGroup.GroupName, dstGroup.GroupName, len(kept))
	return len(kept), nil
}

// eligible walks the source group and applies the rule's purchase gate.
func (x *Executor) eligible(ctx context.Context, t *domain.Transition, src *domain.Campaign, srcGroup *domain.Group, rule config.TransitionRule) ([]domain.Subscriber, error) {
	fieldName := src.PurchaseFieldName()
	var kept []domain.Subscriber
	for page := 1; ; page++ {
		subs, err := x.mlp.GroupSubscribersPage(ctx, srcGroup.ID, page, x.perPage)
		if err != nil {
			return nil, fmt.Errorf("fetching %s page %d: %w", srcGroup.GroupName, page, err)
		}
		if len(subs) == 0 {
			return kept, nil
		}
		for _, sub := range subs {
			if !rule.RequiresPurchase {
				kept = append(kept, sub)
				continue
			}
			orderID := strings.TrimSpace(sub.Field(fieldName))
			if orderID == "" {
				continue
			}
			ok, err := x.dds.ValidateOrder(ctx, orderID, sub.Email)
			if err != nil {
				log.Printf("[Transition] %s: validating order %s for %s: %v", t.ID, orderID, logger.RedactEmail(sub.Email), err)
				continue
			}
			if ok {
				kept = append(kept, sub)
			}
		}
		if len(subs) < x.perPage {
			return kept, nil
		}
	}
}
