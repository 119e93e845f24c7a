package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/waveloop/radiod/internal/cache"
	"github.com/waveloop/radiod/internal/client"
	"github.com/waveloop/radiod/internal/model"
	"github.com/waveloop/radiod/internal/store"
)

// All scheduler tests share one frozen clock.
var testClock = time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)

var (
	_ DispatchStore  = (*fakeStore)(nil)
	_ BroadcastStore = (*fakeStore)(nil)
)

// fakeStore is an in-memory stand-in for the persistent queue with the same
// status guards the real store enforces.
type fakeStore struct {
	mu         sync.Mutex
	entries    map[uuid.UUID]*model.QueueEntry
	artifacts  map[uuid.UUID]*model.GeneratedArtifact
	requesters map[uuid.UUID]*model.Requester
	events     []*model.BroadcastEvent
	sweeps     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:    make(map[uuid.UUID]*model.QueueEntry),
		artifacts:  make(map[uuid.UUID]*model.GeneratedArtifact),
		requesters: make(map[uuid.UUID]*model.Requester),
	}
}

func cloneEntry(e *model.QueueEntry) *model.QueueEntry {
	c := *e
	return &c
}

func cloneEvent(ev *model.BroadcastEvent) *model.BroadcastEvent {
	c := *ev
	return &c
}

func (f *fakeStore) add(e *model.QueueEntry) *model.QueueEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ID] = e
	return e
}

func (f *fakeStore) addRequester(r *model.Requester) *model.Requester {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requesters[r.ID] = r
	return r
}

func (f *fakeStore) addArtifact(a *model.GeneratedArtifact) *model.GeneratedArtifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[a.ID] = a
	return a
}

func (f *fakeStore) addEvent(ev *model.BroadcastEvent) *model.BroadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return ev
}

// entry fails the test when the id is unknown.
func (f *fakeStore) entry(t *testing.T, id uuid.UUID) *model.QueueEntry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		t.Fatalf("entry %s not in fake store", id)
	}
	return cloneEntry(e)
}

func (f *fakeStore) statusCount(status model.EntryStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

func (f *fakeStore) openEvents() []*model.BroadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.BroadcastEvent
	for _, ev := range f.events {
		if ev.EndedAt == nil {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

func (f *fakeStore) GetEntry(ctx context.Context, id uuid.UUID) (*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (f *fakeStore) StaleGenerating(ctx context.Context, cutoff time.Time) ([]*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.QueueEntry
	for _, e := range f.entries {
		if e.Status == model.StatusGenerating && e.GenerationStartedAt != nil && e.GenerationStartedAt.Before(cutoff) {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (f *fakeStore) BacklogForSweep(ctx context.Context) ([]store.SweepRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	var rows []store.SweepRow
	for _, e := range f.entries {
		if e.Status.IsTerminal() {
			continue
		}
		rep := 0.0
		if e.RequesterID != nil {
			if r, ok := f.requesters[*e.RequesterID]; ok {
				rep = r.Reputation
			}
		}
		rows = append(rows, store.SweepRow{Entry: cloneEntry(e), Reputation: rep})
	}
	return rows, nil
}

func (f *fakeStore) UpdatePriorityScores(ctx context.Context, updates []store.ScoreUpdate, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range updates {
		if e, ok := f.entries[u.ID]; ok && e.Status == u.Status {
			e.PriorityScore = u.Score
			e.UpdatedAt = now
		}
	}
	return nil
}

func (f *fakeStore) CandidatesForDispatch(ctx context.Context, limit int) ([]*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.QueueEntry
	for _, e := range f.entries {
		if e.Status == model.StatusPending && e.Moderation == model.ModerationPassed {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) SetEnhancedPrompt(ctx context.Context, id uuid.UUID, text string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	e.EnhancedPrompt = text
	e.UpdatedAt = now
	return nil
}

func (f *fakeStore) MarkGenerating(ctx context.Context, id uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || e.Status != model.StatusPending {
		return store.ErrStatusChanged
	}
	e.Status = model.StatusGenerating
	e.JobHandle = nil
	started := now
	e.GenerationStartedAt = &started
	e.UpdatedAt = now
	return nil
}

func (f *fakeStore) SetJobHandle(ctx context.Context, id uuid.UUID, handle string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || e.Status != model.StatusGenerating {
		return store.ErrStatusChanged
	}
	e.JobHandle = &handle
	e.UpdatedAt = now
	return nil
}

func (f *fakeStore) ReturnForRetry(ctx context.Context, id uuid.UUID, cause string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || e.Status != model.StatusGenerating {
		return store.ErrStatusChanged
	}
	e.Status = model.StatusPending
	e.RetryCount++
	e.LastError = &cause
	e.JobHandle = nil
	e.GenerationStartedAt = nil
	e.UpdatedAt = now
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, now time.Time) (*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || e.Status != model.StatusGenerating {
		return nil, store.ErrStatusChanged
	}
	e.Status = model.StatusFailed
	e.LastError = &cause
	e.UpdatedAt = now
	if e.RequesterID != nil {
		if r, ok := f.requesters[*e.RequesterID]; ok {
			r.SongsFailed++
		}
	}
	return cloneEntry(e), nil
}

func (f *fakeStore) CompleteGeneration(ctx context.Context, entryID uuid.UUID, a *model.GeneratedArtifact, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok || e.Status != model.StatusGenerating {
		return store.ErrStatusChanged
	}
	f.artifacts[a.ID] = a
	e.Status = model.StatusGenerated
	e.ArtifactID = &a.ID
	generated := now
	e.GeneratedAt = &generated
	e.UpdatedAt = now
	if e.RequesterID != nil {
		if r, ok := f.requesters[*e.RequesterID]; ok {
			r.SongsCompleted++
		}
	}
	return nil
}

func (f *fakeStore) GetRequester(ctx context.Context, id uuid.UUID) (*model.Requester, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requesters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (f *fakeStore) EntriesByStatus(ctx context.Context, status model.EntryStatus, limit int) ([]*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.QueueEntry
	for _, e := range f.entries {
		if e.Status == status {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetArtifact(ctx context.Context, id uuid.UUID) (*model.GeneratedArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeStore) NextForBroadcast(ctx context.Context) (*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.QueueEntry
	for _, e := range f.entries {
		if e.Status != model.StatusGenerated || e.ArtifactID == nil {
			continue
		}
		if best == nil ||
			e.PriorityScore > best.PriorityScore ||
			(e.PriorityScore == best.PriorityScore && e.RequestedAt.Before(best.RequestedAt)) {
			best = e
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return cloneEntry(best), nil
}

func (f *fakeStore) OpenBroadcast(ctx context.Context, entry *model.QueueEntry, artifact *model.GeneratedArtifact, relayed bool, now time.Time) (*model.BroadcastEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.EndedAt == nil {
			ended := now
			ev.EndedAt = &ended
			ev.PlayedSec = now.Sub(ev.StartedAt).Seconds()
		}
	}
	e, ok := f.entries[entry.ID]
	if !ok || e.Status != model.StatusGenerated {
		return nil, store.ErrStatusChanged
	}
	e.Status = model.StatusBroadcasting
	started := now
	e.BroadcastStartedAt = &started
	e.UpdatedAt = now
	ev := &model.BroadcastEvent{
		ID:         uuid.New(),
		EntryID:    e.ID,
		ArtifactID: artifact.ID,
		Title:      artifact.Title,
		Artist:     artifact.Artist,
		Relayed:    relayed,
		StartedAt:  now,
	}
	f.events = append(f.events, ev)
	return cloneEvent(ev), nil
}

func (f *fakeStore) RetireBroadcast(ctx context.Context, entryID uuid.UUID, now time.Time) (*model.BroadcastEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok || e.Status != model.StatusBroadcasting {
		return nil, store.ErrStatusChanged
	}
	e.Status = model.StatusCompleted
	completed := now
	e.CompletedAt = &completed
	e.UpdatedAt = now
	var closed *model.BroadcastEvent
	for _, ev := range f.events {
		if ev.EntryID == entryID && ev.EndedAt == nil {
			ended := now
			ev.EndedAt = &ended
			ev.PlayedSec = now.Sub(ev.StartedAt).Seconds()
			closed = ev
		}
	}
	if e.ArtifactID != nil {
		if a, ok := f.artifacts[*e.ArtifactID]; ok {
			a.PlayCount++
		}
	}
	if closed == nil {
		// The real store tolerates a missing open event and completes the
		// entry anyway.
		return nil, nil
	}
	return cloneEvent(closed), nil
}

// fakeGenerator hands out deterministic job handles and scripted statuses.
type fakeGenerator struct {
	mu            sync.Mutex
	submitErr     error
	submits       []*client.GenerationRequest
	nextHandle    int
	statuses      map[string]*client.GenerationStatus
	defaultStatus *client.GenerationStatus
	pollErrs      map[string]error
	polled        []string
	downloadErr   error
	downloads     []string
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		statuses: make(map[string]*client.GenerationStatus),
		pollErrs: make(map[string]error),
	}
}

func (g *fakeGenerator) Submit(ctx context.Context, req *client.GenerationRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.submits = append(g.submits, req)
	g.nextHandle++
	return fmt.Sprintf("job-%d", g.nextHandle), nil
}

func (g *fakeGenerator) PollStatus(ctx context.Context, handle string) (*client.GenerationStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polled = append(g.polled, handle)
	if err, ok := g.pollErrs[handle]; ok {
		return nil, err
	}
	if st, ok := g.statuses[handle]; ok {
		return st, nil
	}
	if g.defaultStatus != nil {
		return g.defaultStatus, nil
	}
	return &client.GenerationStatus{State: client.JobRunning}, nil
}

func (g *fakeGenerator) DownloadArtifact(ctx context.Context, url, dest string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.downloadErr != nil {
		return g.downloadErr
	}
	g.downloads = append(g.downloads, dest)
	return nil
}

func (g *fakeGenerator) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

type fakeEnhancer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeEnhancer) EnhancePrompt(ctx context.Context, prompt, style string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" {
		return f.text, nil
	}
	return "enhanced: " + prompt, nil
}

type fakeArchive struct {
	mu   sync.Mutex
	err  error
	keys []string
}

func (f *fakeArchive) StoreFile(ctx context.Context, localPath, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://archive.test/" + key, nil
}

type fakeNotifier struct {
	mu            sync.Mutex
	announcements []string
	directs       map[int64][]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{directs: make(map[int64][]string)}
}

func (f *fakeNotifier) Announce(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announcements = append(f.announcements, text)
	return nil
}

func (f *fakeNotifier) DirectMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directs[chatID] = append(f.directs[chatID], text)
	return nil
}

type fakeRelay struct {
	mu       sync.Mutex
	depth    int
	depthErr error
	pushErr  error
	pushes   []*client.PushRequest
}

func (f *fakeRelay) QueueDepth(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depthErr != nil {
		return 0, f.depthErr
	}
	return f.depth, nil
}

func (f *fakeRelay) PushNext(ctx context.Context, req *client.PushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, req)
	return nil
}

type fakePlayout struct {
	mu      sync.Mutex
	current *cache.NowPlaying
	sets    []*cache.NowPlaying
	clears  int
}

func (f *fakePlayout) Set(ctx context.Context, np *cache.NowPlaying) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = np
	f.sets = append(f.sets, np)
	return nil
}

func (f *fakePlayout) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = nil
	f.clears++
	return nil
}

// pendingEntry builds a moderation-passed pending entry requested shortly
// before the test clock, so wait decay does not kick in unless a test moves
// RequestedAt itself.
func pendingEntry(score float64) *model.QueueEntry {
	return &model.QueueEntry{
		ID:            uuid.New(),
		Prompt:        "a synthwave track about rain on neon streets",
		Status:        model.StatusPending,
		Moderation:    model.ModerationPassed,
		MaxRetries:    3,
		BasePriority:  score,
		PriorityScore: score,
		RequestedAt:   testClock.Add(-time.Minute),
		UpdatedAt:     testClock.Add(-time.Minute),
	}
}
