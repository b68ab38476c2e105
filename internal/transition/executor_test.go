package transition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]domain.Campaign
	groups    map[string]domain.Group
	running   *domain.Transition
	created   []*domain.Transition
	audits    map[string][]string
	auditErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[string]domain.Campaign{},
		groups:    map[string]domain.Group{},
		audits:    map[string][]string{},
	}
}

func (f *fakeStore) GetCampaignByName(ctx context.Context, name string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) GetGroupByName(ctx context.Context, name string) (*domain.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &g, nil
}

func (f *fakeStore) CreateTransition(ctx context.Context, t *domain.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, t)
	return nil
}

func (f *fakeStore) UpdateTransition(ctx context.Context, t *domain.Transition) error {
	return nil
}

func (f *fakeStore) RunningTransition(ctx context.Context) (*domain.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		return nil, domain.ErrNotFound
	}
	return f.running, nil
}

func (f *fakeStore) AddTransitionSubscribers(ctx context.Context, transitionID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auditErr != nil {
		return f.auditErr
	}
	f.audits[transitionID] = append(f.audits[transitionID], ids...)
	return nil
}

type fakeMLP struct {
	mu        sync.Mutex
	groupSubs map[string][]domain.Subscriber
	imports   map[string][]string
	importErr map[string]error
}

func newFakeMLP() *fakeMLP {
	return &fakeMLP{
		groupSubs: map[string][]domain.Subscriber{},
		imports:   map[string][]string{},
		importErr: map[string]error{},
	}
}

func (f *fakeMLP) GroupSubscribersPage(ctx context.Context, groupID string, page, perPage int) ([]domain.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.groupSubs[groupID]
	start := (page - 1) * perPage
	if start >= len(members) {
		return nil, nil
	}
	end := start + perPage
	if end > len(members) {
		end = len(members)
	}
	return members[start:end], nil
}

func (f *fakeMLP) BulkImportToGroup(ctx context.Context, subs []domain.Subscriber, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.importErr[groupID]; err != nil {
		return err
	}
	for _, s := range subs {
		f.imports[groupID] = append(f.imports[groupID], s.ID)
	}
	return nil
}

type fakeDDS struct {
	valid map[string]bool
	errs  map[string]error
}

func (f *fakeDDS) ValidateOrder(ctx context.Context, orderID, email string) (bool, error) {
	if err := f.errs[orderID]; err != nil {
		return false, err
	}
	return f.valid[orderID], nil
}

func testExecutor(matrix []config.TransitionRule) (*Executor, *fakeStore, *fakeMLP, *fakeDDS) {
	cfg := &config.Config{
		Sync:       config.SyncConfig{SubscribersPerPage: 2},
		Transition: config.TransitionConfig{Matrix: matrix},
	}
	store := newFakeStore()
	mlp := newFakeMLP()
	dds := &fakeDDS{valid: map[string]bool{}, errs: map[string]error{}}
	return New(cfg, mlp, dds, store), store, mlp, dds
}

// seed wires source and destination campaigns with the groups both sides of
// the matrix rows need.
func seed(store *fakeStore, tiers ...string) {
	store.campaigns["2025_A_B"] = domain.Campaign{ID: "src", Name: "2025_A_B"}
	store.campaigns["2026_A_B"] = domain.Campaign{ID: "dst", Name: "2026_A_B"}
	for _, t := range tiers {
		srcName := "2025_A_B_" + t
		dstName := "2026_A_B_" + t
		store.groups[srcName] = domain.Group{ID: "g-" + srcName, GroupName: srcName, CampaignID: "src", Tier: t}
		store.groups[dstName] = domain.Group{ID: "g-" + dstName, GroupName: dstName, CampaignID: "dst", Tier: t}
	}
}

func TestRunPurchaseGateKeepsVerifiedOnly(t *testing.T) {
	x, store, mlp, dds := testExecutor([]config.TransitionRule{
		{CurrentTier: "GOLD_PURCHASED", NextTier: "GOLD", RequiresPurchase: true},
	})
	seed(store, "GOLD", "GOLD_PURCHASED")
	mlp.groupSubs["g-2025_A_B_GOLD_PURCHASED"] = []domain.Subscriber{
		{ID: "s1", Email: "one@x.io", Fields: map[string]string{"2025_a_b_purchase": "101"}},
		{ID: "s2", Email: "two@x.io", Fields: map[string]string{"2025_a_b_purchase": "102"}},
		{ID: "s3", Email: "three@x.io", Fields: map[string]string{"2025_a_b_purchase": "103"}},
	}
	dds.valid["101"] = true
	dds.valid["102"] = true

	tr, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.NoError(t, err)

	assert.Equal(t, domain.TransitionComplete, tr.Status)
	assert.Equal(t, 2, tr.CountTransferred)
	require.NotNil(t, tr.CompletedAt)
	assert.ElementsMatch(t, []string{"s1", "s2"}, mlp.imports["g-2026_A_B_GOLD"])
	assert.ElementsMatch(t, []string{"s1", "s2"}, store.audits[tr.ID])
}

func TestRunWithoutPurchaseGateKeepsAll(t *testing.T) {
	x, store, mlp, _ := testExecutor([]config.TransitionRule{
		{CurrentTier: "SILVER", NextTier: "SILVER", RequiresPurchase: false},
	})
	seed(store, "SILVER")
	mlp.groupSubs["g-2025_A_B_SILVER"] = []domain.Subscriber{
		{ID: "s1", Email: "one@x.io"},
		{ID: "s2", Email: "two@x.io"},
		{ID: "s3", Email: "three@x.io"},
	}

	tr, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionComplete, tr.Status)
	assert.Equal(t, 3, tr.CountTransferred)
	assert.Len(t, mlp.imports["g-2026_A_B_SILVER"], 3)
}

func TestRunSkipsSubscribersWithoutOrderID(t *testing.T) {
	x, store, mlp, dds := testExecutor([]config.TransitionRule{
		{CurrentTier: "GOLD_PURCHASED", NextTier: "GOLD", RequiresPurchase: true},
	})
	seed(store, "GOLD", "GOLD_PURCHASED")
	mlp.groupSubs["g-2025_A_B_GOLD_PURCHASED"] = []domain.Subscriber{
		{ID: "s1", Email: "one@x.io"},
		{ID: "s2", Email: "two@x.io", Fields: map[string]string{"2025_a_b_purchase": "201"}},
	}
	dds.valid["201"] = true

	tr, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.CountTransferred)
	assert.Equal(t, []string{"s2"}, mlp.imports["g-2026_A_B_GOLD"])
}

func TestRunMissingGroupSkipsRule(t *testing.T) {
	x, store, mlp, _ := testExecutor([]config.TransitionRule{
		{CurrentTier: "WOOD", NextTier: "WOOD", RequiresPurchase: false},
		{CurrentTier: "SILVER", NextTier: "SILVER", RequiresPurchase: false},
	})
	seed(store, "SILVER") // WOOD groups absent on both sides
	mlp.groupSubs["g-2025_A_B_SILVER"] = []domain.Subscriber{{ID: "s1", Email: "one@x.io"}}

	tr, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionComplete, tr.Status, "missing groups skip the rule, not the transition")
	assert.Equal(t, 1, tr.CountTransferred)
}

func TestRunImportFailureSkipsRow(t *testing.T) {
	x, store, mlp, _ := testExecutor([]config.TransitionRule{
		{CurrentTier: "GOLD", NextTier: "GOLD", RequiresPurchase: false},
		{CurrentTier: "SILVER", NextTier: "SILVER", RequiresPurchase: false},
	})
	seed(store, "GOLD", "SILVER")
	mlp.groupSubs["g-2025_A_B_GOLD"] = []domain.Subscriber{{ID: "s1", Email: "one@x.io"}}
	mlp.groupSubs["g-2025_A_B_SILVER"] = []domain.Subscriber{{ID: "s2", Email: "two@x.io"}}
	mlp.importErr["g-2026_A_B_GOLD"] = errors.New("boom")

	tr, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionComplete, tr.Status)
	assert.Equal(t, 1, tr.CountTransferred, "failed row contributes nothing, later rows still run")
	assert.Equal(t, []string{"s2"}, mlp.imports["g-2026_A_B_SILVER"])
}

func TestRunAuditFailureFailsTransition(t *testing.T) {
	x, store, mlp, _ := testExecutor([]config.TransitionRule{
		{CurrentTier: "SILVER", NextTier: "SILVER", RequiresPurchase: false},
	})
	seed(store, "SILVER")
	mlp.groupSubs["g-2025_A_B_SILVER"] = []domain.Subscriber{{ID: "s1", Email: "one@x.io"}}
	store.auditErr = errors.New("db down")

	tr, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionFailed, tr.Status)
	assert.Contains(t, tr.ErrorMessage, "recording audit rows")
}

func TestRunUnknownCampaignRejected(t *testing.T) {
	x, store, _, _ := testExecutor(nil)
	seed(store)

	_, err := x.Run(context.Background(), "2030_NO_SUCH", "2026_A_B")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Empty(t, store.created, "no transition row for a rejected request")
}

func TestRunRejectsConcurrentTransition(t *testing.T) {
	x, store, _, _ := testExecutor(nil)
	seed(store)
	store.running = &domain.Transition{ID: "busy", Status: domain.TransitionRunning, StartedAt: time.Now()}

	_, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.Error(t, err)
	assert.Equal(t, domain.KindClient, domain.KindOf(err))
}

func TestRunEmptySourceGroupBenign(t *testing.T) {
	x, store, mlp, _ := testExecutor([]config.TransitionRule{
		{CurrentTier: "SILVER", NextTier: "SILVER", RequiresPurchase: false},
	})
	seed(store, "SILVER")

	tr, err := x.Run(context.Background(), "2025_A_B", "2026_A_B")
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionComplete, tr.Status)
	assert.Zero(t, tr.CountTransferred)
	assert.Empty(t, mlp.imports)
}
