// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/debrid"
	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/models"
)

type fakeCatalog struct {
	mu         sync.Mutex
	items      []catalog.Item
	candidates []catalog.Candidate
	found      *catalog.Item
	findStates [][]string
	scrapeErr  error
	calls      []string
}

func (c *fakeCatalog) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeCatalog) count(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (c *fakeCatalog) ListProblemItems(_ context.Context, _ []string, _ int) ([]catalog.Item, error) {
	c.record("list")
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]catalog.Item(nil), c.items...), nil
}

func (c *fakeCatalog) RetryItem(_ context.Context, id string) error {
	c.record("retry:" + id)
	return nil
}

func (c *fakeCatalog) RemoveItem(_ context.Context, id string) error {
	c.record("remove:" + id)
	return nil
}

func (c *fakeCatalog) AddItem(_ context.Context, ids catalog.ExternalIDs, _ catalog.Kind) error {
	c.record("add:" + ids.TMDB + "|" + ids.TVDB)
	return nil
}

func (c *fakeCatalog) Scrape(_ context.Context, _ catalog.ExternalIDs, _ catalog.Kind) ([]catalog.Candidate, error) {
	c.record("scrape")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scrapeErr != nil {
		return nil, c.scrapeErr
	}
	return append([]catalog.Candidate(nil), c.candidates...), nil
}

func (c *fakeCatalog) FindItemByExternalIDs(_ context.Context, states []string, _ catalog.ExternalIDs) (*catalog.Item, error) {
	c.record("find")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findStates = append(c.findStates, states)
	return c.found, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	torrents map[string]*debrid.Torrent
	rejected map[string]bool
	unready  map[string]error
	infoErr  error
	nextID   int
	calls    []string
	onAccept func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		torrents: make(map[string]*debrid.Torrent),
		rejected: make(map[string]bool),
		unready:  make(map[string]error),
	}
}

func (p *fakeProvider) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakeProvider) count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, call := range p.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (p *fakeProvider) setTorrent(t debrid.Torrent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := t
	p.torrents[t.ID] = &copied
}

func (p *fakeProvider) List(_ context.Context, _ int) ([]debrid.Torrent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list")
	out := make([]debrid.Torrent, 0, len(p.torrents))
	for _, t := range p.torrents {
		out = append(out, *t)
	}
	return out, nil
}

func (p *fakeProvider) Info(_ context.Context, torrentID string) (*debrid.Torrent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("info:" + torrentID)
	if p.infoErr != nil {
		return nil, p.infoErr
	}
	t, ok := p.torrents[torrentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", debrid.ErrTorrentNotFound, torrentID)
	}
	copied := *t
	return &copied, nil
}

func (p *fakeProvider) AddMagnet(_ context.Context, infohash string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("addMagnet:" + infohash)
	if p.rejected[infohash] {
		return "", fmt.Errorf("%w: %s", debrid.ErrInfringingContent, infohash)
	}
	if err, ok := p.unready[infohash]; ok {
		return "", err
	}
	if p.onAccept != nil {
		p.onAccept()
	}
	p.nextID++
	id := fmt.Sprintf("job-%d", p.nextID)
	p.torrents[id] = &debrid.Torrent{
		ID:     id,
		Hash:   infohash,
		Status: debrid.StatusMagnetConversion,
	}
	return id, nil
}

func (p *fakeProvider) SelectFiles(_ context.Context, torrentID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("selectFiles:" + torrentID)
	if t, ok := p.torrents[torrentID]; ok {
		t.Status = debrid.StatusDownloading
	}
	return nil
}

func (p *fakeProvider) Delete(_ context.Context, torrentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("delete:" + torrentID)
	delete(p.torrents, torrentID)
	return nil
}

func (p *fakeProvider) ActiveCount(_ context.Context) (debrid.ActiveCount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.torrents {
		if t.Status.Active() || t.Status.WaitingSelection() {
			n++
		}
	}
	return debrid.ActiveCount{Count: n, Limit: 30}, nil
}

func newTestService(t *testing.T, cat CatalogAPI, prov ProviderAPI) *Service {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "fetcharr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &domain.Config{
		MaxActiveDownloads: 3,
		MaxCandidates:      10,
		MaxRetries:         3,
	}
	svc := New(cfg, cat, prov, models.NewTrackerStore(db.Conn()), models.NewDownloadStore(db.Conn()))
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func testCandidates(item string, n int) []catalog.Candidate {
	out := make([]catalog.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, catalog.Candidate{
			InfoHash: fmt.Sprintf("%s-hash-%02d", item, i),
			Title:    fmt.Sprintf("%s Release %d", item, i),
			Rank:     100 - i,
		})
	}
	return out
}

func seedManual(t *testing.T, svc *Service, name string, candidates []catalog.Candidate) *models.Tracker {
	t.Helper()

	tracker := &models.Tracker{
		Key:        catalog.RealKey(name),
		Kind:       catalog.KindMovie,
		Title:      name,
		IDs:        catalog.ExternalIDs{TMDB: name},
		Phase:      models.PhaseManual,
		Candidates: candidates,
	}
	svc.mu.Lock()
	svc.trackers[tracker.Key.String()] = tracker
	svc.order = append(svc.order, tracker.Key.String())
	svc.mu.Unlock()
	require.NoError(t, svc.trackerStore.Upsert(context.Background(), tracker))
	return tracker
}

func activeTorrentID(svc *Service, tracker *models.Tracker) string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.byItem[tracker.Key.String()]
}

func TestSchedulerNeverExceedsCap(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("item-%d", i)
		seedManual(t, svc, name, testCandidates(name, 10))
	}

	svc.schedulePass(context.Background())

	active, limit := svc.ActiveCount()
	assert.Equal(t, 3, active)
	assert.Equal(t, 3, limit)
	assert.Equal(t, 3, prov.count("addMagnet:"))

	// A second pass with full slots must not submit anything.
	svc.schedulePass(context.Background())
	assert.Equal(t, 3, prov.count("addMagnet:"))
}

func TestSchedulerRoundRobinFairness(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	trackers := make([]*models.Tracker, 5)
	for i := range trackers {
		name := fmt.Sprintf("item-%d", i)
		trackers[i] = seedManual(t, svc, name, testCandidates(name, 10))
	}

	ctx := context.Background()
	svc.schedulePass(ctx)

	// First three items in insertion order hold the slots.
	for i := 0; i < 3; i++ {
		assert.NotEmpty(t, activeTorrentID(svc, trackers[i]), "item-%d should hold a slot", i)
	}

	// Freeing item-0's slot must admit item-3, which has never been
	// assigned, not item-0 again despite its higher-rank candidates.
	require.True(t, svc.evict(ctx, activeTorrentID(svc, trackers[0]), "dead", true))
	svc.schedulePass(ctx)
	assert.Empty(t, activeTorrentID(svc, trackers[0]))
	assert.NotEmpty(t, activeTorrentID(svc, trackers[3]))

	require.True(t, svc.evict(ctx, activeTorrentID(svc, trackers[1]), "dead", true))
	svc.schedulePass(ctx)
	assert.NotEmpty(t, activeTorrentID(svc, trackers[4]))

	// Only once every waiting item has been served does item-0 get a
	// second assignment.
	require.True(t, svc.evict(ctx, activeTorrentID(svc, trackers[2]), "dead", true))
	svc.schedulePass(ctx)
	assert.NotEmpty(t, activeTorrentID(svc, trackers[0]))
}

func TestSchedulerDiscardsRejectedCandidateAndContinues(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	candidates := testCandidates("item", 3)
	prov.rejected[candidates[0].InfoHash] = true
	tracker := seedManual(t, svc, "item", candidates)

	svc.schedulePass(context.Background())

	assert.Equal(t, 2, prov.count("addMagnet:"))
	assert.Equal(t, 2, tracker.NextCandidate)
	active, _ := svc.ActiveCount()
	assert.Equal(t, 1, active)
}

func TestSchedulerExhaustsWhenEveryCandidateRejected(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	candidates := testCandidates("item", 2)
	for _, c := range candidates {
		prov.rejected[c.InfoHash] = true
	}
	tracker := seedManual(t, svc, "item", candidates)

	svc.schedulePass(context.Background())

	assert.True(t, tracker.Processed)
	assert.Equal(t, models.PhaseExhausted, tracker.Phase)
	active, _ := svc.ActiveCount()
	assert.Zero(t, active)

	// Exhausted trackers are never re-submitted.
	svc.schedulePass(context.Background())
	assert.Equal(t, 2, prov.count("addMagnet:"))
}

func TestSchedulerTransientFailureKeepsFairnessPosition(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	a := seedManual(t, svc, "item-a", testCandidates("item-a", 3))
	b := seedManual(t, svc, "item-b", testCandidates("item-b", 3))

	prov.mu.Lock()
	prov.unready["item-a-hash-00"] = fmt.Errorf("connection refused")
	prov.mu.Unlock()

	ctx := context.Background()
	svc.schedulePass(ctx)

	// The transient failure ends the pass with the candidate returned to
	// the queue and no slots handed out.
	assert.Zero(t, a.NextCandidate)
	assert.Empty(t, activeTorrentID(svc, a))
	assert.Empty(t, activeTorrentID(svc, b))
	assert.Equal(t, 1, prov.count("addMagnet:"))

	// Once the provider recovers, the failed item still heads the queue
	// instead of being pushed behind its peers.
	prov.mu.Lock()
	delete(prov.unready, "item-a-hash-00")
	prov.mu.Unlock()
	svc.schedulePass(ctx)

	prov.mu.Lock()
	order := append([]string(nil), prov.calls...)
	prov.mu.Unlock()
	require.GreaterOrEqual(t, len(order), 3)
	assert.Equal(t, "addMagnet:item-a-hash-00", order[1])
	assert.NotEmpty(t, activeTorrentID(svc, a))
	assert.NotEmpty(t, activeTorrentID(svc, b))
}

func TestSchedulerPersistsAcceptedSubmissionOnCancel(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	tracker := seedManual(t, svc, "item", testCandidates("item", 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov.onAccept = cancel

	svc.schedulePass(ctx)

	// The provider accepted the job before the shutdown landed; the
	// binding has to survive so startup reconciliation can adopt it.
	torrentID := activeTorrentID(svc, tracker)
	require.NotEmpty(t, torrentID)

	rows, err := svc.downloadStore.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, torrentID, rows[0].TorrentID)
	assert.Equal(t, "item-hash-00", rows[0].InfoHash)
}

func TestRetryPassIsIdempotentWithinInterval(t *testing.T) {
	cat := &fakeCatalog{
		items: []catalog.Item{{
			ID:    "42",
			Title: "Some Movie",
			State: "Failed",
			Kind:  catalog.KindMovie,
			IDs:   catalog.ExternalIDs{TMDB: "9000"},
		}},
	}
	svc := newTestService(t, cat, newFakeProvider())

	recent := svc.now().Add(-time.Minute)
	tracker := &models.Tracker{
		Key:         catalog.RealKey("42"),
		Kind:        catalog.KindMovie,
		Title:       "Some Movie",
		IDs:         catalog.ExternalIDs{TMDB: "9000"},
		Phase:       models.PhaseRetrying,
		RetryCount:  1,
		LastRetryAt: &recent,
	}
	svc.mu.Lock()
	svc.trackers[tracker.Key.String()] = tracker
	svc.order = append(svc.order, tracker.Key.String())
	svc.mu.Unlock()

	require.NoError(t, svc.checkPass(context.Background()))

	assert.Zero(t, cat.count("remove:"))
	assert.Zero(t, cat.count("add:"))
	assert.Equal(t, 1, tracker.RetryCount)
	assert.Equal(t, recent, *tracker.LastRetryAt)
}

func TestRetryPassReAddsAndCounts(t *testing.T) {
	cat := &fakeCatalog{
		items: []catalog.Item{{
			ID:    "42",
			Title: "Some Movie",
			State: "Failed",
			Kind:  catalog.KindMovie,
			IDs:   catalog.ExternalIDs{TMDB: "9000"},
		}},
	}
	svc := newTestService(t, cat, newFakeProvider())

	require.NoError(t, svc.checkPass(context.Background()))

	assert.Equal(t, 1, cat.count("remove:42"))
	assert.Equal(t, 1, cat.count("add:9000|"))

	svc.mu.Lock()
	tracker := svc.trackers[catalog.RealKey("42").String()]
	svc.mu.Unlock()
	require.NotNil(t, tracker)
	assert.Equal(t, 1, tracker.RetryCount)
	assert.NotNil(t, tracker.LastRetryAt)
	assert.Equal(t, models.PhaseRetrying, tracker.Phase)
}

func TestRetryPassEntersManualAfterMaxRetries(t *testing.T) {
	cat := &fakeCatalog{
		items: []catalog.Item{{
			ID:    "42",
			Title: "Some Movie",
			State: "Failed",
			Kind:  catalog.KindMovie,
			IDs:   catalog.ExternalIDs{TMDB: "9000"},
		}},
		candidates: testCandidates("movie", 15),
	}
	svc := newTestService(t, cat, newFakeProvider())

	old := svc.now().Add(-24 * time.Hour)
	tracker := &models.Tracker{
		Key:         catalog.RealKey("42"),
		Kind:        catalog.KindMovie,
		Title:       "Some Movie",
		IDs:         catalog.ExternalIDs{TMDB: "9000"},
		Phase:       models.PhaseRetrying,
		RetryCount:  3,
		LastRetryAt: &old,
	}
	svc.mu.Lock()
	svc.trackers[tracker.Key.String()] = tracker
	svc.order = append(svc.order, tracker.Key.String())
	svc.mu.Unlock()

	require.NoError(t, svc.checkPass(context.Background()))

	assert.Equal(t, models.PhaseManual, tracker.Phase)
	assert.Equal(t, 1, cat.count("scrape"))
	// Candidate queue is capped.
	assert.Len(t, tracker.Candidates, 10)
	assert.Zero(t, cat.count("remove:"), "no further catalog retries once manual")
}

func TestRetryPassTracksLeafViaSyntheticParent(t *testing.T) {
	cat := &fakeCatalog{
		items: []catalog.Item{{
			ID:            "77",
			Title:         "Episode 1",
			State:         "Failed",
			Kind:          catalog.KindEpisode,
			ParentTitle:   "Some Show",
			SeasonNumber:  1,
			EpisodeNumber: 1,
			ParentIDs:     &catalog.ExternalIDs{TMDB: "100", TVDB: "200"},
		}},
	}
	svc := newTestService(t, cat, newFakeProvider())

	require.NoError(t, svc.checkPass(context.Background()))

	key := catalog.SyntheticParentKey("100", "200")
	svc.mu.Lock()
	tracker := svc.trackers[key.String()]
	svc.mu.Unlock()
	require.NotNil(t, tracker)
	assert.Equal(t, catalog.KindShow, tracker.Kind)
	assert.Equal(t, "Some Show", tracker.Title)

	// Synthetic parents have no catalog id; retries only ever add.
	assert.Zero(t, cat.count("remove:"))
	assert.Equal(t, 1, cat.count("add:100|200"))
}

func TestMonitorZeroSeedersIsDeadImmediately(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	tracker := seedManual(t, svc, "item", testCandidates("item", 5))
	svc.schedulePass(context.Background())
	torrentID := activeTorrentID(svc, tracker)
	require.NotEmpty(t, torrentID)

	zero := 0
	prov.setTorrent(debrid.Torrent{
		ID:       torrentID,
		Status:   debrid.StatusDownloading,
		Progress: 55,
		Seeders:  &zero,
	})

	freed := svc.monitorPass(context.Background())

	assert.True(t, freed)
	assert.Empty(t, activeTorrentID(svc, tracker))
	assert.Equal(t, 1, prov.count("delete:"+torrentID))
	assert.False(t, tracker.Processed, "item still has candidates left")
}

func TestMonitorStalledDownloadIsEvicted(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	tracker := seedManual(t, svc, "item", testCandidates("item", 5))
	svc.schedulePass(context.Background())
	torrentID := activeTorrentID(svc, tracker)
	require.NotEmpty(t, torrentID)

	// Push the submission time past the wait budget with barely any
	// progress.
	svc.mu.Lock()
	svc.active[torrentID].submittedAt = svc.now().Add(-3 * time.Hour)
	svc.mu.Unlock()
	seeders := 4
	prov.setTorrent(debrid.Torrent{
		ID:       torrentID,
		Status:   debrid.StatusDownloading,
		Progress: 4,
		Seeders:  &seeders,
	})

	assert.True(t, svc.monitorPass(context.Background()))
	assert.Empty(t, activeTorrentID(svc, tracker))
	assert.Equal(t, 1, prov.count("delete:"+torrentID))
}

func TestMonitorVanishedJobFreesSlotWithoutDelete(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	tracker := seedManual(t, svc, "item", testCandidates("item", 5))
	svc.schedulePass(context.Background())
	torrentID := activeTorrentID(svc, tracker)
	require.NotEmpty(t, torrentID)

	prov.mu.Lock()
	delete(prov.torrents, torrentID)
	prov.mu.Unlock()

	assert.True(t, svc.monitorPass(context.Background()))
	assert.Empty(t, activeTorrentID(svc, tracker))
	assert.Zero(t, prov.count("delete:"), "no delete call for a job that is already gone")
}

func TestMonitorTransientFailuresNeverComplete(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	tracker := seedManual(t, svc, "item", testCandidates("item", 1))
	svc.schedulePass(context.Background())
	torrentID := activeTorrentID(svc, tracker)
	require.NotEmpty(t, torrentID)

	prov.mu.Lock()
	prov.infoErr = fmt.Errorf("connection reset")
	prov.mu.Unlock()

	assert.False(t, svc.monitorPass(context.Background()))
	assert.False(t, svc.monitorPass(context.Background()))
	// Third consecutive failure crosses the bound: dead, not completed.
	assert.True(t, svc.monitorPass(context.Background()))

	assert.Empty(t, activeTorrentID(svc, tracker))
	assert.Equal(t, models.PhaseExhausted, tracker.Phase)
	assert.True(t, tracker.Processed)
}

func TestMonitorExhaustsAfterLastCandidateDies(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	tracker := seedManual(t, svc, "item", testCandidates("item", 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		svc.schedulePass(ctx)
		torrentID := activeTorrentID(svc, tracker)
		require.NotEmpty(t, torrentID)
		prov.setTorrent(debrid.Torrent{ID: torrentID, Status: debrid.StatusDead})
		require.True(t, svc.monitorPass(ctx))
	}

	assert.True(t, tracker.Processed)
	assert.Equal(t, models.PhaseExhausted, tracker.Phase)

	svc.schedulePass(ctx)
	assert.Equal(t, 2, prov.count("addMagnet:"))
}

func TestMonitorCompletionRealItem(t *testing.T) {
	cat := &fakeCatalog{candidates: testCandidates("item", 3)}
	prov := newFakeProvider()
	svc := newTestService(t, cat, prov)

	tracker := seedManual(t, svc, "55", testCandidates("item", 3))
	svc.schedulePass(context.Background())
	torrentID := activeTorrentID(svc, tracker)
	require.NotEmpty(t, torrentID)

	prov.setTorrent(debrid.Torrent{ID: torrentID, Status: debrid.StatusDownloaded, Progress: 100})

	assert.True(t, svc.monitorPass(context.Background()))

	assert.True(t, tracker.Processed)
	assert.Equal(t, models.PhaseCompleted, tracker.Phase)
	assert.Equal(t, 1, cat.count("remove:55"))
	assert.Equal(t, 1, cat.count("add:"))
	// The provider job holds the cached content; it must survive.
	assert.Zero(t, prov.count("delete:"))
}

func TestMonitorCompletionSyntheticNeverRemoves(t *testing.T) {
	cat := &fakeCatalog{
		found: &catalog.Item{ID: "901", Kind: catalog.KindShow},
	}
	prov := newFakeProvider()
	svc := newTestService(t, cat, prov)

	tracker := &models.Tracker{
		Key:        catalog.SyntheticParentKey("100", "200"),
		Kind:       catalog.KindShow,
		Title:      "Some Show",
		Phase:      models.PhaseManual,
		Candidates: testCandidates("show", 3),
	}
	svc.mu.Lock()
	svc.trackers[tracker.Key.String()] = tracker
	svc.order = append(svc.order, tracker.Key.String())
	svc.mu.Unlock()
	require.NoError(t, svc.trackerStore.Upsert(context.Background(), tracker))

	svc.schedulePass(context.Background())
	torrentID := activeTorrentID(svc, tracker)
	require.NotEmpty(t, torrentID)

	prov.setTorrent(debrid.Torrent{ID: torrentID, Status: debrid.StatusDownloaded, Progress: 100})

	assert.True(t, svc.monitorPass(context.Background()))

	assert.True(t, tracker.Processed)
	assert.Equal(t, models.PhaseCompleted, tracker.Phase)
	assert.Zero(t, cat.count("remove:"), "synthetic parents are never removed")
	assert.Equal(t, 1, cat.count("add:100|200"))
	assert.Equal(t, 1, cat.count("retry:901"))

	// The re-added show sits in a healthy state, so the lookup that
	// addresses it cannot be filtered to problem states.
	cat.mu.Lock()
	states := append([][]string(nil), cat.findStates...)
	cat.mu.Unlock()
	require.Len(t, states, 1)
	assert.Nil(t, states[0])
}

func TestReaperDeletesStuckUntrackedJob(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	prov.setTorrent(debrid.Torrent{
		ID:       "stuck-1",
		Filename: "Stuck.Release",
		Status:   debrid.StatusDownloading,
		Progress: 2,
		Added:    svc.now().Add(-25 * time.Hour),
	})
	prov.setTorrent(debrid.Torrent{
		ID:       "fresh-1",
		Filename: "Fresh.Release",
		Status:   debrid.StatusDownloading,
		Progress: 2,
		Added:    svc.now().Add(-time.Hour),
	})

	assert.True(t, svc.reapPass(context.Background()))
	assert.Equal(t, 1, prov.count("delete:stuck-1"))
	assert.Zero(t, prov.count("delete:fresh-1"))

	// Reclaimed capacity is available to the scheduler.
	tracker := seedManual(t, svc, "item", testCandidates("item", 1))
	svc.schedulePass(context.Background())
	assert.NotEmpty(t, activeTorrentID(svc, tracker))
}

func TestReaperDeletesAbandonedSelection(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	prov.setTorrent(debrid.Torrent{
		ID:     "sel-1",
		Status: debrid.StatusWaitingSelection,
		Added:  svc.now().Add(-2 * time.Hour),
	})

	assert.True(t, svc.reapPass(context.Background()))
	assert.Equal(t, 1, prov.count("delete:sel-1"))
}

func TestReconcileDropsVanishedDownloads(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	ctx := context.Background()
	tracker := &models.Tracker{
		Key:        catalog.RealKey("42"),
		Kind:       catalog.KindMovie,
		Phase:      models.PhaseManual,
		Candidates: testCandidates("item", 3),
	}
	require.NoError(t, svc.trackerStore.Upsert(ctx, tracker))
	require.NoError(t, svc.downloadStore.Upsert(ctx, &models.Download{
		TorrentID:   "gone-1",
		Key:         tracker.Key,
		InfoHash:    "item-hash-00",
		SubmittedAt: svc.now().Add(-time.Hour),
	}))
	prov.setTorrent(debrid.Torrent{ID: "kept-1", Hash: "item-hash-01", Status: debrid.StatusDownloading})

	require.NoError(t, svc.reconcile(ctx))

	active, _ := svc.ActiveCount()
	assert.Zero(t, active, "persisted download missing on provider frees its slot")

	rows, err := svc.downloadStore.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReconcileRestoresLiveDownloads(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	ctx := context.Background()
	tracker := &models.Tracker{
		Key:           catalog.RealKey("42"),
		Kind:          catalog.KindMovie,
		Phase:         models.PhaseManual,
		Candidates:    testCandidates("item", 3),
		NextCandidate: 1,
	}
	require.NoError(t, svc.trackerStore.Upsert(ctx, tracker))
	require.NoError(t, svc.downloadStore.Upsert(ctx, &models.Download{
		TorrentID:   "live-1",
		Key:         tracker.Key,
		InfoHash:    "item-hash-00",
		SubmittedAt: svc.now().Add(-time.Hour),
	}))
	prov.setTorrent(debrid.Torrent{ID: "live-1", Hash: "item-hash-00", Status: debrid.StatusDownloading, Progress: 40})

	require.NoError(t, svc.reconcile(ctx))

	active, _ := svc.ActiveCount()
	assert.Equal(t, 1, active)

	// The restored slot blocks a second submission for the same item.
	svc.schedulePass(ctx)
	assert.Zero(t, prov.count("addMagnet:"))
}

func TestSnapshotReportsState(t *testing.T) {
	prov := newFakeProvider()
	svc := newTestService(t, &fakeCatalog{}, prov)

	seedManual(t, svc, "item", testCandidates("item", 2))
	svc.schedulePass(context.Background())

	snap := svc.Snapshot()
	assert.Equal(t, 1, snap.ActiveDownloads)
	assert.Equal(t, 3, snap.MaxActive)
	require.Len(t, snap.Trackers, 1)
	require.Len(t, snap.Downloads, 1)
	assert.Equal(t, "item-hash-00", snap.Downloads[0].InfoHash)
}
