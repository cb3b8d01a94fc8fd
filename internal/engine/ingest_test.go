package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/resolver"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage/sqlite"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

var meetingTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

// stubExtractor returns canned mentions regardless of transcript.
type stubExtractor struct {
	mentions []types.RawMention
	err      error
	calls    int
}

func (s *stubExtractor) ExtractMentions(_ context.Context, _ string, _ time.Time) ([]types.RawMention, error) {
	s.calls++
	return s.mentions, s.err
}

func (s *stubExtractor) Model() string { return "stub" }

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *sqlite.Store, ext *stubExtractor) *IngestionEngine {
	t.Helper()
	res, err := resolver.NewResolver(resolver.NewDefaultScorer(), resolver.Config{})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	e, err := NewIngestionEngine(store, ext, res, DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func mention(name, typeHint string, attrs map[string]string) types.RawMention {
	return types.RawMention{
		SurfaceName:        name,
		TypeHint:           typeHint,
		ObservedAttributes: attrs,
		EvidenceSpan:       "transcript snippet",
		Timestamp:          meetingTime,
	}
}

func TestIngestMeetingCreatesEntitiesAndTransitions(t *testing.T) {
	store := newTestStore(t)
	ext := &stubExtractor{mentions: []types.RawMention{
		mention("Mobile App", "project", map[string]string{"status": "blocked"}),
		mention("Bob", "person", nil),
	}}
	e := newTestEngine(t, store, ext)
	ctx := context.Background()

	result, err := e.IngestMeeting(ctx, "m1", "transcript", meetingTime)
	if err != nil {
		t.Fatalf("IngestMeeting failed: %v", err)
	}
	if result.Mentions != 2 || result.EntitiesCreated != 2 || result.TransitionsAppended != 1 {
		t.Fatalf("result = %+v", result)
	}

	// The project's state reflects the observation.
	project, err := store.GetEntityByAlias(ctx, types.EntityTypeProject, "mobile app")
	if err != nil {
		t.Fatalf("project missing: %v", err)
	}
	state, err := store.GetState(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Attributes["status"] != "blocked" {
		t.Fatalf("state = %v, want status blocked", state.Attributes)
	}
}

func TestIngestRestatementAppendsNothing(t *testing.T) {
	store := newTestStore(t)
	ext := &stubExtractor{mentions: []types.RawMention{
		mention("Mobile App", "project", map[string]string{"status": "blocked"}),
	}}
	e := newTestEngine(t, store, ext)
	ctx := context.Background()

	if _, err := e.IngestMeeting(ctx, "m1", "transcript", meetingTime); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	// Same fact restated in a later meeting.
	ext.mentions = []types.RawMention{
		mention("Mobile App", "project", map[string]string{"status": "blocked"}),
	}
	result, err := e.IngestMeeting(ctx, "m2", "transcript", meetingTime.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if result.EntitiesCreated != 0 || result.TransitionsAppended != 0 || result.EntitiesUpdated != 0 {
		t.Fatalf("restatement result = %+v", result)
	}
}

func TestIngestChangeUpdatesExistingEntity(t *testing.T) {
	store := newTestStore(t)
	ext := &stubExtractor{mentions: []types.RawMention{
		mention("Mobile App", "project", map[string]string{"status": "blocked"}),
	}}
	e := newTestEngine(t, store, ext)
	ctx := context.Background()

	if _, err := e.IngestMeeting(ctx, "m1", "transcript", meetingTime); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	ext.mentions = []types.RawMention{
		mention("Mobile App", "project", map[string]string{"status": "active"}),
	}
	result, err := e.IngestMeeting(ctx, "m2", "transcript", meetingTime.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if result.EntitiesUpdated != 1 || result.TransitionsAppended != 1 {
		t.Fatalf("change result = %+v", result)
	}

	project, _ := store.GetEntityByAlias(ctx, types.EntityTypeProject, "Mobile App")
	transitions, err := store.ListTransitions(ctx, project.ID, time.Time{})
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("history has %d transitions, want 2", len(transitions))
	}
	last := transitions[len(transitions)-1]
	if last.PreviousValue == nil || *last.PreviousValue != "blocked" {
		t.Fatalf("PreviousValue = %v, want blocked", last.PreviousValue)
	}
}

func TestIngestBatchIsAtomic(t *testing.T) {
	store := newTestStore(t)
	// Second mention is unusable and aborts the batch after the first
	// mention staged an entity.
	ext := &stubExtractor{mentions: []types.RawMention{
		mention("Payment Service", "project", map[string]string{"status": "active"}),
		mention("   ", "project", nil),
	}}
	e := newTestEngine(t, store, ext)
	ctx := context.Background()

	if _, err := e.IngestMeeting(ctx, "m1", "transcript", meetingTime); err == nil {
		t.Fatal("batch with an unusable mention must fail")
	}

	// Nothing from the failed batch is visible.
	if _, err := store.GetEntityByAlias(ctx, types.EntityTypeProject, "Payment Service"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after rollback", err)
	}
}

func TestIngestMeetingRequiresMeetingID(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, &stubExtractor{})

	if _, err := e.IngestMeeting(context.Background(), "", "transcript", meetingTime); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestIngestRecordsValidationSnapshot(t *testing.T) {
	store := newTestStore(t)
	ext := &stubExtractor{mentions: []types.RawMention{
		mention("Mobile App", "project", map[string]string{"status": "blocked"}),
	}}
	e := newTestEngine(t, store, ext)

	if e.LastValidation() != nil {
		t.Fatal("no snapshot expected before the first batch")
	}
	if _, err := e.IngestMeeting(context.Background(), "m1", "transcript", meetingTime); err != nil {
		t.Fatalf("IngestMeeting failed: %v", err)
	}

	snapshot := e.LastValidation()
	if snapshot == nil || snapshot.MeetingID != "m1" || snapshot.EntitiesChecked != 1 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestIngestCompleteCallbackFires(t *testing.T) {
	store := newTestStore(t)
	ext := &stubExtractor{mentions: []types.RawMention{
		mention("Mobile App", "project", nil),
	}}
	e := newTestEngine(t, store, ext)

	var got *types.IngestResult
	e.SetOnIngestComplete(func(result *types.IngestResult) { got = result })

	if _, err := e.IngestMeeting(context.Background(), "m1", "transcript", meetingTime); err != nil {
		t.Fatalf("IngestMeeting failed: %v", err)
	}
	if got == nil || got.MeetingID != "m1" {
		t.Fatalf("callback result = %+v", got)
	}
}

func TestConcurrentMeetingsSameAttributeLoseNoUpdate(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, &stubExtractor{})
	ctx := context.Background()

	// Many meetings observing the same entity+attribute at once, each with
	// a distinct value so every batch must append exactly one transition.
	const meetings = 16
	var wg sync.WaitGroup
	errs := make(chan error, meetings)
	for i := 0; i < meetings; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := []types.RawMention{{
				SurfaceName:        "Mobile App",
				TypeHint:           "project",
				ObservedAttributes: map[string]string{"status": fmt.Sprintf("phase-%02d", i)},
				Timestamp:          meetingTime.Add(time.Duration(i) * time.Minute),
			}}
			if _, err := e.ApplyMentions(ctx, fmt.Sprintf("m%d", i), m); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent ingest failed: %v", err)
	}

	project, err := store.GetEntityByAlias(ctx, types.EntityTypeProject, "Mobile App")
	if err != nil {
		t.Fatalf("project missing: %v", err)
	}
	transitions, err := store.ListTransitions(ctx, project.ID, time.Time{})
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(transitions) != meetings {
		t.Fatalf("history has %d transitions, want %d (updates lost or duplicated)", len(transitions), meetings)
	}

	// Cached state equals the fold of the full history.
	state, err := store.GetState(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	folded := types.Fold(transitions)
	if state.Attributes["status"] != folded["status"] {
		t.Fatalf("state %v diverged from fold %v", state.Attributes, folded)
	}

	// Previous/new values chain across the whole serialized history and
	// the (timestamp, sequence) key strictly increases.
	if transitions[0].PreviousValue != nil {
		t.Fatalf("first transition has PreviousValue %v", *transitions[0].PreviousValue)
	}
	for i := 1; i < len(transitions); i++ {
		prev, curr := transitions[i-1], transitions[i]
		if curr.PreviousValue == nil || *curr.PreviousValue != prev.NewValue {
			t.Fatalf("chain broken at %d: %v after %q", i, curr.PreviousValue, prev.NewValue)
		}
		if curr.Timestamp.Before(prev.Timestamp) ||
			(curr.Timestamp.Equal(prev.Timestamp) && curr.Sequence <= prev.Sequence) {
			t.Fatalf("ordering key not increasing at %d: (%v,%d) after (%v,%d)",
				i, curr.Timestamp, curr.Sequence, prev.Timestamp, prev.Sequence)
		}
	}
}

func TestQueuedMeetingIsProcessedByWorker(t *testing.T) {
	store := newTestStore(t)
	ext := &stubExtractor{mentions: []types.RawMention{
		mention("Data Platform", "project", map[string]string{"status": "active"}),
	}}
	e := newTestEngine(t, store, ext)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !e.QueueMeeting("m1", "transcript", meetingTime) {
		t.Fatal("QueueMeeting returned false")
	}

	// Wait for the worker to commit the batch.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.GetEntityByAlias(ctx, types.EntityTypeProject, "Data Platform"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued meeting was not ingested in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Engine no longer accepts work.
	if e.QueueMeeting("m2", "transcript", meetingTime) {
		t.Fatal("QueueMeeting must fail after shutdown")
	}
}
