// Package engine orchestrates meeting ingestion and querying. Ingestion
// extracts mentions outside any transaction, then applies resolution,
// tracking and validation for one meeting inside a single store batch, so a
// transcript lands atomically or not at all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/extract"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/resolver"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/tracker"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/validator"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// ValidationSnapshot is the last validator outcome, for the health surface.
type ValidationSnapshot struct {
	At              time.Time `json:"at"`
	MeetingID       string    `json:"meeting_id"`
	EntitiesChecked int       `json:"entities_checked"`
	StatesRepaired  int       `json:"states_repaired"`
	StatesCreated   int       `json:"states_created"`
}

// ValidationTotals accumulates validator outcomes across the engine's
// lifetime, separating silent repairs from batches aborted as fatal.
type ValidationTotals struct {
	EntitiesChecked int `json:"entities_checked"`
	StatesRepaired  int `json:"states_repaired"`
	StatesCreated   int `json:"states_created"`
	FatalBatches    int `json:"fatal_batches"`
}

// IngestionEngine turns transcripts into committed entity state. It owns a
// worker pool for queued meetings; IngestMeeting is also callable directly
// for synchronous callers.
type IngestionEngine struct {
	config    Config
	store     storage.Store
	extractor extract.Extractor
	resolver  *resolver.Resolver
	validator *validator.Validator

	// indexer receives committed entity snapshots for semantic indexing,
	// best-effort. Nil disables indexing.
	indexer storage.EntityIndexer

	queue        chan *IngestJob
	workerWG     sync.WaitGroup
	workerCtx    context.Context
	workerCancel context.CancelFunc

	started      bool
	shuttingDown bool
	mu           sync.RWMutex

	lastValidation *ValidationSnapshot
	totals         ValidationTotals

	onIngestComplete func(result *types.IngestResult)
}

// NewIngestionEngine creates an ingestion engine.
func NewIngestionEngine(store storage.Store, ext extract.Extractor, res *resolver.Resolver, cfg Config) (*IngestionEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if ext == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if res == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &IngestionEngine{
		config:    cfg,
		store:     store,
		extractor: ext,
		resolver:  res,
		validator: validator.New(),
		queue:     make(chan *IngestJob, cfg.QueueSize),
	}, nil
}

// SetIndexer wires the semantic index refresh. Call before Start.
func (e *IngestionEngine) SetIndexer(indexer storage.EntityIndexer) {
	e.indexer = indexer
}

// SetOnIngestComplete sets a callback fired after each committed batch,
// useful for WebSocket broadcasts.
func (e *IngestionEngine) SetOnIngestComplete(callback func(result *types.IngestResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIngestComplete = callback
}

// LastValidation returns the most recent validator outcome, or nil before
// the first batch.
func (e *IngestionEngine) LastValidation() *ValidationSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastValidation == nil {
		return nil
	}
	snapshot := *e.lastValidation
	return &snapshot
}

// QueueLength returns the number of meetings waiting for a worker.
func (e *IngestionEngine) QueueLength() int {
	return len(e.queue)
}

// Start launches the worker pool. Must be called before QueueMeeting.
func (e *IngestionEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	e.workerCtx, e.workerCancel = context.WithCancel(ctx)
	for i := 0; i < e.config.Workers; i++ {
		e.workerWG.Add(1)
		go e.worker(e.workerCtx, i)
	}
	e.started = true
	log.Printf("engine: started %d ingestion workers", e.config.Workers)
	return nil
}

// Shutdown closes the queue and waits for workers to drain, bounded by the
// configured shutdown timeout.
func (e *IngestionEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine not started")
	}
	e.shuttingDown = true
	e.workerCancel()
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		log.Println("engine: all ingestion workers finished")
	case <-time.After(e.config.ShutdownTimeout):
		log.Printf("engine: shutdown timeout reached, %d queued meetings may be dropped", len(e.queue))
	case <-ctx.Done():
		log.Printf("engine: shutdown cancelled, %d queued meetings may be dropped", len(e.queue))
		err = ctx.Err()
	}

	e.mu.Lock()
	e.started = false
	e.shuttingDown = false
	e.mu.Unlock()
	return err
}

// QueueMeeting enqueues a transcript for asynchronous ingestion. Returns
// false when the engine is not running or the queue is full.
func (e *IngestionEngine) QueueMeeting(meetingID, transcript string, meetingTime time.Time) bool {
	e.mu.RLock()
	canQueue := e.started && !e.shuttingDown
	e.mu.RUnlock()
	if !canQueue {
		return false
	}

	job := &IngestJob{
		MeetingID:   meetingID,
		Transcript:  transcript,
		MeetingTime: meetingTime,
		Enqueued:    time.Now(),
	}
	select {
	case e.queue <- job:
		return true
	default:
		log.Printf("engine: ingestion queue full (size=%d), dropping meeting %s", e.config.QueueSize, meetingID)
		return false
	}
}

// worker drains the meeting queue until it is closed.
func (e *IngestionEngine) worker(ctx context.Context, workerID int) {
	defer e.workerWG.Done()

	log.Printf("engine: ingestion worker %d started", workerID)
	for job := range e.queue {
		e.processJob(ctx, workerID, job)
	}
	log.Printf("engine: ingestion worker %d stopped", workerID)
}

// processJob ingests one queued meeting, requeueing transient failures with
// exponential backoff.
func (e *IngestionEngine) processJob(ctx context.Context, workerID int, job *IngestJob) {
	if job.Attempt > 0 {
		backoff := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond
		log.Printf("engine: worker %d waiting %v before retrying meeting %s (attempt %d)", workerID, backoff, job.MeetingID, job.Attempt)
		time.Sleep(backoff)
	}

	result, err := e.IngestMeeting(ctx, job.MeetingID, job.Transcript, job.MeetingTime)
	if err != nil {
		log.Printf("engine: worker %d failed to ingest meeting %s: %v", workerID, job.MeetingID, err)
		if !e.requeue(job) {
			log.Printf("engine: giving up on meeting %s after %d attempts", job.MeetingID, job.Attempt+1)
		}
		return
	}

	log.Printf("engine: worker %d ingested meeting %s (%d mentions, %d transitions)",
		workerID, job.MeetingID, result.Mentions, result.TransitionsAppended)
}

// requeue puts a failed job back on the queue unless retries are exhausted
// or shutdown is in progress.
func (e *IngestionEngine) requeue(job *IngestJob) bool {
	if e.workerCtx != nil && e.workerCtx.Err() != nil {
		return false
	}
	if job.Attempt >= e.config.MaxRetries {
		return false
	}
	job.Attempt++

	select {
	case e.queue <- job:
		return true
	case <-time.After(10 * time.Millisecond):
		return false
	}
}

// IngestMeeting runs the full pipeline for one transcript: extraction
// outside any transaction, then resolve + track + validate inside one batch.
// Write conflicts with concurrent batches are retried with backoff.
func (e *IngestionEngine) IngestMeeting(ctx context.Context, meetingID, transcript string, meetingTime time.Time) (*types.IngestResult, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("%w: meeting ID is required", storage.ErrInvalidInput)
	}

	mentions, err := e.extractor.ExtractMentions(ctx, transcript, meetingTime)
	if err != nil {
		return nil, fmt.Errorf("engine: extraction failed for meeting %s: %w", meetingID, err)
	}

	return e.ApplyMentions(ctx, meetingID, mentions)
}

// ApplyMentions commits already-extracted mentions as one batch. It is the
// transactional half of IngestMeeting, exposed for callers that bring their
// own mentions.
func (e *IngestionEngine) ApplyMentions(ctx context.Context, meetingID string, mentions []types.RawMention) (*types.IngestResult, error) {
	var (
		result *types.IngestResult
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = e.applyOnce(ctx, meetingID, mentions)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, storage.ErrWriteConflict) || attempt >= e.config.MaxRetries {
			if errors.Is(err, storage.ErrDanglingReference) || errors.Is(err, storage.ErrOrderViolation) {
				e.recordFatal()
			}
			return nil, err
		}
		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		log.Printf("engine: meeting %s lost a write conflict, retrying in %v (attempt %d/%d)",
			meetingID, backoff, attempt+1, e.config.MaxRetries)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// applyOnce runs one transactional attempt for the batch.
func (e *IngestionEngine) applyOnce(ctx context.Context, meetingID string, mentions []types.RawMention) (*types.IngestResult, error) {
	result := &types.IngestResult{MeetingID: meetingID, Mentions: len(mentions)}

	var (
		touched    []*types.Entity
		touchedIDs []string
		report     *validator.Report
	)

	err := e.store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		// Transaction retries start from scratch.
		result.EntitiesCreated = 0
		result.EntitiesUpdated = 0
		result.TransitionsAppended = 0
		touched = touched[:0]
		touchedIDs = touchedIDs[:0]

		batch := tracker.NewBatch(tx, meetingID)
		seen := make(map[string]bool, len(mentions))

		for _, mention := range mentions {
			res, err := e.resolver.Resolve(ctx, tx, mention)
			if err != nil {
				return err
			}
			if res.Created {
				result.EntitiesCreated++
			}

			if !seen[res.Entity.ID] {
				seen[res.Entity.ID] = true
				touched = append(touched, res.Entity)
				touchedIDs = append(touchedIDs, res.Entity.ID)
			}

			observations := make([]tracker.Observation, 0, len(mention.ObservedAttributes))
			for attribute, value := range mention.ObservedAttributes {
				observations = append(observations, tracker.Observation{
					Attribute:    attribute,
					Value:        value,
					Timestamp:    mention.Timestamp,
					EvidenceSpan: mention.EvidenceSpan,
				})
			}
			appended, err := batch.ObserveAll(ctx, res.Entity, observations)
			if err != nil {
				return err
			}
			if len(appended) > 0 && !res.Created {
				result.EntitiesUpdated++
			}
			result.TransitionsAppended += len(appended)
		}

		// The validator runs inside the same transaction so its repairs
		// commit atomically with the batch.
		var err error
		report, err = e.validator.ValidateEntities(ctx, tx, touchedIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if report != nil {
		result.StatesRepaired = report.StatesRepaired
		result.StatesCreated = report.StatesCreated
		e.recordValidation(meetingID, report)
	}

	// Post-commit: warm the alias cache and refresh the semantic index.
	e.resolver.CommitAliases(touched)
	e.refreshIndex(ctx, touched)

	e.mu.RLock()
	callback := e.onIngestComplete
	e.mu.RUnlock()
	if callback != nil {
		callback(result)
	}

	return result, nil
}

func (e *IngestionEngine) recordValidation(meetingID string, report *validator.Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastValidation = &ValidationSnapshot{
		At:              time.Now().UTC(),
		MeetingID:       meetingID,
		EntitiesChecked: report.EntitiesChecked,
		StatesRepaired:  report.StatesRepaired,
		StatesCreated:   report.StatesCreated,
	}
	e.totals.EntitiesChecked += report.EntitiesChecked
	e.totals.StatesRepaired += report.StatesRepaired
	e.totals.StatesCreated += report.StatesCreated
}

// recordFatal counts a batch the validator aborted.
func (e *IngestionEngine) recordFatal() {
	e.mu.Lock()
	e.totals.FatalBatches++
	e.mu.Unlock()
}

// ValidationTotals returns cumulative validator outcomes since startup.
func (e *IngestionEngine) ValidationTotals() ValidationTotals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totals
}

// ExtractionState reports the extraction provider's circuit state, or ""
// when the extractor carries no breaker.
func (e *IngestionEngine) ExtractionState() string {
	if c, ok := e.extractor.(interface{ BreakerState() string }); ok {
		return c.BreakerState()
	}
	return ""
}

// refreshIndex pushes committed entity snapshots to the semantic indexer.
// Failures only degrade ranking, so they are logged and swallowed.
func (e *IngestionEngine) refreshIndex(ctx context.Context, entities []*types.Entity) {
	if e.indexer == nil {
		return
	}
	for _, entity := range entities {
		state, err := e.store.GetState(ctx, entity.ID)
		if err != nil {
			log.Printf("engine: skipping index refresh for %s: %v", entity.ID, err)
			continue
		}
		if err := e.indexer.IndexEntity(ctx, entity, state); err != nil {
			log.Printf("engine: index refresh failed for %s: %v", entity.ID, err)
		}
	}
}
