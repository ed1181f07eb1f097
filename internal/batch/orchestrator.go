// Package batch drives the migration coordinator across all pending records
// or assets as a stoppable, crash-tolerant background job. All job state is
// persisted; a restarted process resumes from the counters and page position
// implied by the database, not from memory.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/datastore"
	"github.com/tphakala/media-migrate/internal/errors"
	"github.com/tphakala/media-migrate/internal/logging"
	"github.com/tphakala/media-migrate/internal/migration"
	"github.com/tphakala/media-migrate/internal/observability"
	"github.com/tphakala/media-migrate/internal/taskqueue"
)

// Package-level logger specific to the batch orchestrator
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "batch.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "batch", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize batch file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "batch")
		closeLogger = func() error { return nil }
	}
}

// Batch types.
const (
	TypeContent = "content"
	TypeMedia   = "media"
)

const (
	stateKeyPrefix = "migrate:batch:"
	tickTaskName   = "migrate:batch-tick"

	// per-item outcome log entries kept in the state snapshot
	maxOutcomes = 20
)

// State is the persisted job snapshot for one batch type.
type State struct {
	Type          string    `json:"type"`
	Queued        bool      `json:"queued"`
	Running       bool      `json:"running"`
	StopRequested bool      `json:"stop_requested"`
	Completed     bool      `json:"completed"`
	Tick          int       `json:"tick"`
	Success       int64     `json:"success"`
	Failed        int64     `json:"failed"`
	Total         int64     `json:"total"`
	Remaining     int64     `json:"remaining"`
	Processed     int64     `json:"processed"` // cumulative, total minus remaining
	LastOutcomes  []string  `json:"last_outcomes,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Orchestrator owns the batch state machine for both batch types.
type Orchestrator struct {
	settings *conf.MigrateSettings
	store    datastore.Interface
	coord    *migration.Coordinator
	queue    taskqueue.Queue
	metrics  *observability.Metrics
}

// New wires an orchestrator. RegisterHandlers must be called before the
// queue delivers any ticks.
func New(settings *conf.MigrateSettings, store datastore.Interface, coord *migration.Coordinator, queue taskqueue.Queue, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		settings: settings,
		store:    store,
		coord:    coord,
		queue:    queue,
		metrics:  metrics,
	}
}

// RegisterHandlers installs the tick handler on the task registry.
func (o *Orchestrator) RegisterHandlers(registry *taskqueue.Registry) {
	registry.Register(tickTaskName, func(ctx context.Context, task taskqueue.Task) error {
		return o.Tick(ctx, task.Args["type"])
	})
}

// Start begins a batch run for the given type. An already-running batch is
// left untouched and its current progress returned for polling.
func (o *Orchestrator) Start(batchType string) (*State, error) {
	if err := validType(batchType); err != nil {
		return nil, err
	}

	state := o.loadState(batchType)
	if state.Running {
		logger.Info("batch already running", "type", batchType)
		return state, nil
	}

	// Stale state from an earlier run is cleared before the fresh cycle
	total, remaining, err := o.counts(batchType)
	if err != nil {
		return nil, err
	}
	state = &State{
		Type:      batchType,
		Queued:    true,
		Running:   true,
		Total:     total,
		Remaining: remaining,
		Processed: total - remaining,
		UpdatedAt: time.Now(),
	}
	if err := o.saveState(state); err != nil {
		return nil, err
	}

	if !o.queue.Enqueue(tickTaskName, map[string]string{"type": batchType}, 0) {
		state.Running = false
		state.Queued = false
		_ = o.saveState(state)
		return nil, errors.Newf("task queue rejected the first tick").
			Category(errors.CategoryJobQueue).
			Component("batch").
			Context("type", batchType).
			Build()
	}

	logger.Info("batch started", "type", batchType, "total", total, "remaining", remaining)
	return state, nil
}

// Stop requests cooperative cessation. The running flag is cleared
// optimistically; actual cessation happens at the next tick boundary.
func (o *Orchestrator) Stop(batchType string) (*State, error) {
	if err := validType(batchType); err != nil {
		return nil, err
	}
	state := o.loadState(batchType)
	state.StopRequested = true
	state.Running = false
	state.UpdatedAt = time.Now()
	if err := o.saveState(state); err != nil {
		return nil, err
	}
	logger.Info("batch stop requested", "type", batchType)
	return state, nil
}

// Reset clears the batch's progress markers so the next run starts over.
// For content batches only the per-record done stamps are cleared; already
// migrated URLs inside bodies stay migrated. For media batches the per-asset
// markers are cleared, which makes re-uploads (and remote duplicates) likely.
func (o *Orchestrator) Reset(batchType string) error {
	if err := validType(batchType); err != nil {
		return err
	}
	state := o.loadState(batchType)
	if state.Running {
		return errors.Newf("cannot reset a running batch").
			Category(errors.CategoryConflict).
			Component("batch").
			Context("type", batchType).
			Build()
	}

	switch batchType {
	case TypeContent:
		if err := o.store.ClearRecordMigrations(); err != nil {
			return errors.Newf("clearing record markers: %w", err).
				Category(errors.CategoryDatabase).
				Component("batch").
				Build()
		}
	case TypeMedia:
		if err := o.store.ClearAssetRemotes(); err != nil {
			return errors.Newf("clearing asset markers: %w", err).
				Category(errors.CategoryDatabase).
				Component("batch").
				Build()
		}
	}

	if err := o.store.DeleteState(stateKey(batchType)); err != nil {
		return errors.Newf("clearing batch state: %w", err).
			Category(errors.CategoryState).
			Component("batch").
			Build()
	}
	logger.Info("batch reset", "type", batchType)
	return nil
}

// Progress returns the persisted snapshot refreshed with live counts.
func (o *Orchestrator) Progress(batchType string) (*State, error) {
	if err := validType(batchType); err != nil {
		return nil, err
	}
	state := o.loadState(batchType)
	total, remaining, err := o.counts(batchType)
	if err != nil {
		return nil, err
	}
	state.Total = total
	state.Remaining = remaining
	state.Processed = total - remaining
	return state, nil
}

// Tick performs one unit of batch work: check the stop flag, process one
// page, update counters, then either finish or enqueue the next tick.
// Duplicate ticks are harmless since page selection is deterministic and
// done items never re-select.
func (o *Orchestrator) Tick(ctx context.Context, batchType string) error {
	if err := validType(batchType); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.TicksTotal.WithLabelValues(batchType).Inc()
	}

	state := o.loadState(batchType)
	if state.StopRequested {
		state.StopRequested = false
		state.Running = false
		state.Queued = false
		state.UpdatedAt = time.Now()
		logger.Info("batch stopped at tick boundary", "type", batchType, "tick", state.Tick)
		return o.saveState(state)
	}

	state.Tick++
	state.Queued = false
	state.Running = true

	pageSize := o.settings.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	switch batchType {
	case TypeContent:
		o.tickContent(ctx, state, pageSize)
	case TypeMedia:
		o.tickMedia(ctx, state, pageSize)
	}

	total, remaining, err := o.counts(batchType)
	if err != nil {
		return err
	}
	state.Total = total
	state.Remaining = remaining
	state.Processed = total - remaining
	state.Completed = remaining == 0
	state.UpdatedAt = time.Now()

	if state.Completed {
		state.Running = false
		state.StopRequested = false
		logger.Info("batch completed",
			"type", batchType,
			"tick", state.Tick,
			"success", state.Success,
			"failed", state.Failed)
		return o.saveState(state)
	}

	if err := o.saveState(state); err != nil {
		return err
	}
	if !o.queue.Enqueue(tickTaskName, map[string]string{"type": batchType}, o.settings.TickDelay) {
		return errors.Newf("task queue rejected the next tick").
			Category(errors.CategoryJobQueue).
			Component("batch").
			Context("type", batchType).
			Build()
	}
	return nil
}

// tickContent runs one page of records through the coordinator.
func (o *Orchestrator) tickContent(ctx context.Context, state *State, pageSize int) {
	records, err := o.store.UnmigratedRecords(pageSize)
	if err != nil {
		logger.Error("selecting record page failed", "error", err)
		return
	}
	for i := range records {
		id := records[i].ID
		_, failed, err := o.coord.ProcessRecord(ctx, id)
		switch {
		case migration.IsBusy(err):
			// Locked by another worker; the record stays unmigrated and a
			// later tick retries it
			state.addOutcome(fmt.Sprintf("record %d: busy", id))
		case err != nil:
			state.Failed++
			state.addOutcome(fmt.Sprintf("record %d: %v", id, err))
		case failed > 0:
			state.Failed++
			state.addOutcome(fmt.Sprintf("record %d: %d references failed", id, failed))
		default:
			if _, fieldFailed, fieldErr := o.coord.ProcessRecordFields(ctx, id); fieldErr != nil || fieldFailed > 0 {
				logger.Warn("field migration incomplete", "record_id", id, "failed", fieldFailed, "error", fieldErr)
			}
			state.Success++
			state.addOutcome(fmt.Sprintf("record %d: ok", id))
		}
	}
}

// tickMedia runs one page of standalone assets through the coordinator.
func (o *Orchestrator) tickMedia(ctx context.Context, state *State, pageSize int) {
	assets, err := o.store.UnmigratedAssets(pageSize)
	if err != nil {
		logger.Error("selecting asset page failed", "error", err)
		return
	}
	for i := range assets {
		id := assets[i].ID
		if err := o.coord.ProcessAsset(ctx, id); err != nil {
			state.Failed++
			state.addOutcome(fmt.Sprintf("asset %d: %v", id, err))
			continue
		}
		state.Success++
		state.addOutcome(fmt.Sprintf("asset %d: ok", id))
	}
}

// loadState reads the persisted snapshot, returning an idle state when none
// exists or the payload is unreadable.
func (o *Orchestrator) loadState(batchType string) *State {
	value, found, err := o.store.GetState(stateKey(batchType))
	if err != nil || !found {
		return &State{Type: batchType}
	}
	var state State
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		logger.Warn("batch state unreadable, treating as idle", "type", batchType, "error", err)
		return &State{Type: batchType}
	}
	return &state
}

// saveState persists the snapshot without a TTL.
func (o *Orchestrator) saveState(state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return errors.Newf("encoding batch state: %w", err).
			Category(errors.CategoryGeneric).
			Component("batch").
			Build()
	}
	if err := o.store.SetState(stateKey(state.Type), string(payload), 0); err != nil {
		return errors.Newf("persisting batch state: %w", err).
			Category(errors.CategoryState).
			Component("batch").
			Context("type", state.Type).
			Build()
	}
	return nil
}

// counts returns live total/remaining for the batch type.
func (o *Orchestrator) counts(batchType string) (total, remaining int64, err error) {
	switch batchType {
	case TypeContent:
		total, remaining, err = o.store.CountRecords()
	case TypeMedia:
		total, remaining, err = o.store.CountAssets()
	}
	if err != nil {
		return 0, 0, errors.Newf("counting %s items: %w", batchType, err).
			Category(errors.CategoryDatabase).
			Component("batch").
			Build()
	}
	return total, remaining, nil
}

// addOutcome appends to the bounded per-item outcome log.
func (s *State) addOutcome(outcome string) {
	s.LastOutcomes = append(s.LastOutcomes, outcome)
	if len(s.LastOutcomes) > maxOutcomes {
		s.LastOutcomes = s.LastOutcomes[len(s.LastOutcomes)-maxOutcomes:]
	}
}

// validType rejects unknown batch types.
func validType(batchType string) error {
	if batchType == TypeContent || batchType == TypeMedia {
		return nil
	}
	return errors.Newf("unknown batch type %q", batchType).
		Category(errors.CategoryValidation).
		Component("batch").
		Context("type", batchType).
		Build()
}

// stateKey is the persisted snapshot key for one batch type.
func stateKey(batchType string) string {
	return stateKeyPrefix + batchType
}

// Close releases the service log file.
func (o *Orchestrator) Close() {
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing batch logger: %v", err)
		}
	}
}
