package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bemamusic/crm-engine/internal/albums"
	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/dds"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/mlp"
	"github.com/bemamusic/crm-engine/internal/validate"
)

// fakeMLP is an in-memory list provider. Writes mutate its state so a
// second run sees what the first created.
type fakeMLP struct {
	mu        sync.Mutex
	campaigns map[string]string // name -> id
	fields    []domain.Field
	groups    []domain.Group
	subPages  [][]domain.Subscriber          // cursor pages, index 0 = first
	groupSubs map[string][]domain.Subscriber // groupID -> members

	createdCampaigns []string
	createdFields    []string
	createdGroups    []string
	fieldWrites      map[string]map[string]string // subscriberID -> written fields
	added            []string                     // "subID:groupID"
	removed          []string
	pagesServed      []int
	onPage           func(page int)
	pingErr          error
	nextID           int
}

func newFakeMLP() *fakeMLP {
	return &fakeMLP{
		campaigns:   map[string]string{},
		groupSubs:   map[string][]domain.Subscriber{},
		fieldWrites: map[string]map[string]string{},
	}
}

func (f *fakeMLP) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeMLP) CampaignNameToID(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.campaigns))
	for k, v := range f.campaigns {
		out[k] = v
	}
	return out, nil
}

func (f *fakeMLP) CreateDraftCampaign(ctx context.Context, name, campaignType, subject string) (*mlp.CampaignRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("c")
	f.campaigns[name] = id
	f.createdCampaigns = append(f.createdCampaigns, name)
	return &mlp.CampaignRef{ID: id, Name: name}, nil
}

func (f *fakeMLP) ListFields(ctx context.Context) ([]domain.Field, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Field(nil), f.fields...), nil
}

func (f *fakeMLP) CreateField(ctx context.Context, name, fieldType string) (*domain.Field, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fld := domain.Field{ID: f.id("f"), FieldName: name}
	f.fields = append(f.fields, fld)
	f.createdFields = append(f.createdFields, name)
	return &fld, nil
}

func (f *fakeMLP) ListGroups(ctx context.Context) ([]domain.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Group(nil), f.groups...), nil
}

func (f *fakeMLP) CreateGroup(ctx context.Context, name string) (*domain.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := domain.Group{ID: "g-" + name, GroupName: name}
	f.groups = append(f.groups, g)
	f.createdGroups = append(f.createdGroups, name)
	return &g, nil
}

func (f *fakeMLP) SubscribersPage(ctx context.Context, cursor string, limit int) ([]domain.Subscriber, string, error) {
	page := 1
	if cursor != "" {
		fmt.Sscanf(cursor, "cursor-%d", &page)
	}
	f.mu.Lock()
	f.pagesServed = append(f.pagesServed, page)
	var subs []domain.Subscriber
	if page-1 < len(f.subPages) {
		subs = f.subPages[page-1]
	}
	next := ""
	if page < len(f.subPages) {
		next = fmt.Sprintf("cursor-%d", page+1)
	}
	hook := f.onPage
	f.mu.Unlock()
	if hook != nil {
		hook(page)
	}
	return subs, next, nil
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

func (f *fakeMLP) UpdateSubscriberFields(ctx context.Context, idOrEmail string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.fieldWrites[idOrEmail]
	if m == nil {
		m = map[string]string{}
		f.fieldWrites[idOrEmail] = m
	}
	for k, v := range fields {
		m[k] = v
	}
	return nil
}

func (f *fakeMLP) AddToGroup(ctx context.Context, subscriberID, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, subscriberID+":"+groupID)
	return nil
}

func (f *fakeMLP) RemoveFromGroup(ctx context.Context, subscriberID, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, subscriberID+":"+groupID)
	return nil
}

func (f *fakeMLP) VerifyTier(ctx context.Context, subscriberID, expectedTier string) (bool, error) {
	return true, nil
}

func (f *fakeMLP) FlushCache()   {}
func (f *fakeMLP) AbortPending() {}

func (f *fakeMLP) Ping(ctx context.Context) error { return f.pingErr }

// fakeDDS is an in-memory download store keyed by product code.
type fakeDDS struct {
	products map[string]string     // upper-case code -> product id
	sales    map[string][]dds.Sale // product id -> sales
	pingErr  error
}

func newFakeDDS() *fakeDDS {
	return &fakeDDS{products: map[string]string{}, sales: map[string][]dds.Sale{}}
}

func (f *fakeDDS) FindProductByTitle(ctx context.Context, artist, productCode string) (string, error) {
	return f.products[strings.ToUpper(productCode)], nil
}

func (f *fakeDDS) SalesBatches(ctx context.Context, productID string, startPage, size int) <-chan dds.SalesBatch {
	ch := make(chan dds.SalesBatch, 1)
	go func() {
		defer close(ch)
		if sales := f.sales[productID]; len(sales) > 0 {
			ch <- dds.SalesBatch{Page: 1, Sales: sales}
		}
	}()
	return ch
}

func (f *fakeDDS) Ping(ctx context.Context) error { return f.pingErr }

// memStore implements Store over maps.
type memStore struct {
	mu          sync.Mutex
	campaigns   map[string]domain.Campaign
	groups      map[string]domain.Group
	fields      map[string]domain.Field
	subscribers map[string]domain.Subscriber
	memberships map[string]domain.CampaignGroupSubscriber
	records     map[string]domain.SyncRecord
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:   map[string]domain.Campaign{},
		groups:      map[string]domain.Group{},
		fields:      map[string]domain.Field{},
		subscribers: map[string]domain.Subscriber{},
		memberships: map[string]domain.CampaignGroupSubscriber{},
		records:     map[string]domain.SyncRecord{},
	}
}

func (s *memStore) UpsertCampaigns(ctx context.Context, campaigns []domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range campaigns {
		s.campaigns[c.ID] = c
	}
	return nil
}

func (s *memStore) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) GetCampaignByID(ctx context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (s *memStore) UpsertFields(ctx context.Context, fields []domain.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		s.fields[f.FieldName] = f
	}
	return nil
}

func (s *memStore) UpsertGroups(ctx context.Context, groups []domain.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	return nil
}

func (s *memStore) ListGroups(ctx context.Context) ([]domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupName < out[j].GroupName })
	return out, nil
}

func (s *memStore) GetGroupByID(ctx context.Context, id string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &g, nil
}

func (s *memStore) GetGroupByCampaignAndTier(ctx context.Context, campaignID, tier string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.CampaignID == campaignID && strings.EqualFold(g.Tier, tier) {
			return &g, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) DeleteGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.groups, id)
	return nil
}

func (s *memStore) UpsertSubscribers(ctx context.Context, subs []domain.Subscriber) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		s.subscribers[sub.ID] = sub
	}
	return len(subs), nil
}

func (s *memStore) UpsertMemberships(ctx context.Context, ms []domain.CampaignGroupSubscriber) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		s.memberships[m.CampaignID+"/"+m.SubscriberID] = m
	}
	return len(ms), nil
}

func (s *memStore) DeleteStaleMemberships(ctx context.Context, campaignID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.memberships {
		if m.CampaignID == campaignID && m.SyncedAt.Before(before) {
			delete(s.memberships, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateSyncRecord(ctx context.Context, rec *domain.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = *rec
	return nil
}

func (s *memStore) UpdateSyncRecord(ctx context.Context, rec *domain.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = *rec
	return nil
}

func (s *memStore) record(id string) domain.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memStore) lastRecord() domain.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last domain.SyncRecord
	for _, r := range s.records {
		if last.ID == "" || r.SyncDate.After(last.SyncDate) {
			last = r
		}
	}
	return last
}

// fakeReporter records archived reports and dumps.
type fakeReporter struct {
	mu      sync.Mutex
	reports []archive.Report
	dumps   [][]domain.ErrorEntry
}

func (f *fakeReporter) SaveReport(ctx context.Context, r *archive.Report) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, *r)
	return "reports/test/" + r.Record.ID + ".json", nil
}

func (f *fakeReporter) SaveErrorDump(ctx context.Context, entries []domain.ErrorEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dumps = append(f.dumps, entries)
	return "errors/test/dump.json", nil
}

// fakeAlbums serves a fixed release list.
type fakeAlbums struct {
	releases []albums.Release
	issues   validate.Issues
	feed     []albums.Release
	feedErr  error
}

func (f *fakeAlbums) Releases() ([]albums.Release, validate.Issues) {
	return f.releases, f.issues
}

func (f *fakeAlbums) FeedReleases(ctx context.Context) ([]albums.Release, error) {
	return f.feed, f.feedErr
}
