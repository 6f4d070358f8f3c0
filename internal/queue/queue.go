// Package queue provides the durable offline mutation queue: enqueue never
// touches the network, a drain applies mutations against the remote store
// in FIFO order with retry classification and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/DDChuru/inspectsync/internal/errors"
	"github.com/DDChuru/inspectsync/internal/kvstore"
	"github.com/DDChuru/inspectsync/internal/locks"
	"github.com/DDChuru/inspectsync/internal/logging"
	"github.com/DDChuru/inspectsync/internal/models"
	"github.com/DDChuru/inspectsync/internal/remote"
)

const (
	keyActive     = "mutation_queue"
	keyDeadLetter = "mutation_deadletter"
)

// Options configures a Manager.
type Options struct {
	ScopeID        string
	MaxRetries     int
	Capacity       int
	NetworkTimeout time.Duration
}

// Manager owns the active mutation queue and the dead-letter archive. Both
// live in the durable local store under their own keys; every
// read-modify-write goes through one mutex so queue state never races.
type Manager struct {
	store       kvstore.Store
	remote      remote.Store
	entityLocks *locks.KeyedMutex
	opts        Options

	mu       sync.Mutex
	draining atomic.Bool
}

// NewManager creates a Manager. The entity lock is shared with the image
// upload queue so domain-record patches from both paths serialize per
// entity.
func NewManager(store kvstore.Store, remoteStore remote.Store, entityLocks *locks.KeyedMutex, opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 30 * time.Second
	}
	return &Manager{
		store:       store,
		remote:      remoteStore,
		entityLocks: entityLocks,
		opts:        opts,
	}
}

// EnqueueRequest describes one mutation to queue.
type EnqueueRequest struct {
	EntityType models.EntityType
	Action     models.Action
	Payload    models.MutationPayload
	Priority   bool
}

// Enqueue persists a mutation and returns immediately; it never blocks on
// the network. Capacity exhaustion is surfaced to the caller rather than
// swallowed.
func (m *Manager) Enqueue(req EnqueueRequest) (*models.QueuedMutation, error) {
	mutation := models.QueuedMutation{
		ID:         uuid.New().String(),
		EntityType: req.EntityType,
		Action:     req.Action,
		Payload:    req.Payload,
		ScopeID:    m.opts.ScopeID,
		Priority:   req.Priority,
		EnqueuedAt: time.Now().Unix(),
	}

	if err := mutation.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid mutation", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.loadActive()
	if err != nil {
		return nil, err
	}
	if len(active) >= m.opts.Capacity {
		return nil, errors.New(errors.ErrQueueFull, "mutation queue is full")
	}

	active = append(active, mutation)
	if err := m.saveActive(active); err != nil {
		return nil, err
	}

	logging.Debug("mutation enqueued", map[string]interface{}{
		"mutation_id": mutation.ID,
		"entity_type": string(mutation.EntityType),
		"action":      string(mutation.Action),
		"priority":    mutation.Priority,
	})

	return &mutation, nil
}

// Active returns a copy of the active queue in enqueue order.
func (m *Manager) Active() ([]models.QueuedMutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadActive()
}

// PendingCount returns the number of active mutations.
func (m *Manager) PendingCount() int {
	active, err := m.Active()
	if err != nil {
		return 0
	}
	return len(active)
}

// DeadLetters returns the dead-letter archive.
func (m *Manager) DeadLetters() ([]models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadDeadLetters()
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Applied      int
	Retried      int
	DeadLettered int
	Skipped      int
}

// Drain applies every active mutation in FIFO order. Only one drain runs at
// a time; a drain requested while another is running fails fast with
// ErrSyncInProgress. Mutations enqueued during a drain are left for the
// next one.
func (m *Manager) Drain(ctx context.Context) (DrainResult, error) {
	return m.DrainFiltered(ctx, nil)
}

// DrainFiltered drains only mutations the filter accepts (nil accepts all).
// The orchestrator uses it to push priority mutations first.
func (m *Manager) DrainFiltered(ctx context.Context, filter func(*models.QueuedMutation) bool) (DrainResult, error) {
	if !m.draining.CompareAndSwap(false, true) {
		return DrainResult{}, errors.New(errors.ErrSyncInProgress, "drain already running")
	}
	defer m.draining.Store(false)

	// Snapshot at entry: concurrent enqueues land in the next drain, which
	// keeps the in-flight batch bounded.
	m.mu.Lock()
	snapshot, err := m.loadActive()
	m.mu.Unlock()
	if err != nil {
		return DrainResult{}, err
	}

	var result DrainResult

	// An entity whose earlier mutation stayed queued must not have later
	// mutations applied ahead of it.
	blocked := make(map[string]bool)

	for i := range snapshot {
		mutation := snapshot[i]

		if err := ctx.Err(); err != nil {
			// Connectivity lost mid-drain: stop gracefully, everything not
			// yet applied stays queued.
			return result, err
		}

		if filter != nil && !filter(&mutation) {
			result.Skipped++
			continue
		}

		entityID := mutation.EntityID()
		if blocked[entityID] {
			result.Skipped++
			continue
		}

		applyErr := m.applyWithLock(ctx, &mutation)
		if applyErr == nil {
			if err := m.removeActive(mutation.ID); err != nil {
				return result, err
			}
			result.Applied++
			continue
		}

		blocked[entityID] = true

		if errors.IsPermanent(applyErr) {
			logging.ErrorWithCode("mutation failed validation", string(errors.CodeOf(applyErr)), applyErr,
				map[string]interface{}{"mutation_id": mutation.ID})
		} else {
			logging.Warn("mutation apply failed, will retry", map[string]interface{}{
				"mutation_id": mutation.ID,
				"retry_count": mutation.RetryCount + 1,
				"error":       applyErr.Error(),
			})
		}

		deadLettered, err := m.recordFailure(mutation.ID, applyErr)
		if err != nil {
			return result, err
		}
		if deadLettered {
			result.DeadLettered++
		} else {
			result.Retried++
		}
	}

	logging.Info("mutation drain completed", map[string]interface{}{
		"applied":       result.Applied,
		"retried":       result.Retried,
		"dead_lettered": result.DeadLettered,
		"skipped":       result.Skipped,
	})

	return result, nil
}

// applyWithLock applies one mutation under the per-entity lock and a
// bounded network timeout.
func (m *Manager) applyWithLock(ctx context.Context, mutation *models.QueuedMutation) error {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.NetworkTimeout)
	defer cancel()

	return m.entityLocks.WithLock(mutation.EntityID(), func() error {
		return m.apply(callCtx, mutation)
	})
}

// apply translates the tagged payload into remote store operations. The
// switch is exhaustive over the union; Validate guarantees the matching arm
// is present.
func (m *Manager) apply(ctx context.Context, mutation *models.QueuedMutation) error {
	switch mutation.EntityType {
	case models.EntityInspection:
		return m.applyInspection(ctx, mutation)
	case models.EntityIssue:
		return m.applyIssue(ctx, mutation)
	case models.EntityGenericUpdate:
		return m.applyGenericUpdate(ctx, mutation)
	default:
		return errors.New(errors.ErrValidation, "unknown entity type")
	}
}

func (m *Manager) applyInspection(ctx context.Context, mutation *models.QueuedMutation) error {
	p := mutation.Payload.Inspection
	switch mutation.Action {
	case models.ActionCreate:
		// Set with the pre-assigned local id is an upsert, so an ambiguous
		// timeout retried later cannot create a duplicate.
		return m.remote.Set(ctx, "inspections", p.ID, toDocument(p))
	case models.ActionUpdate:
		return m.remote.Update(ctx, "inspections", p.ID, toDocument(p))
	case models.ActionDelete:
		return m.remote.Delete(ctx, "inspections", p.ID)
	default:
		return errors.New(errors.ErrValidation, "unknown action")
	}
}

func (m *Manager) applyIssue(ctx context.Context, mutation *models.QueuedMutation) error {
	p := mutation.Payload.Issue
	switch mutation.Action {
	case models.ActionCreate:
		if err := m.remote.Set(ctx, "issues", p.ID, toDocument(p)); err != nil {
			return err
		}
		// Append to the parent's issue list. ArrayUnion merges by append,
		// so concurrent creates from two offline devices both end up in the
		// list, and a retried create does not duplicate its entry.
		return m.entityLocks.WithLock(p.InspectionID, func() error {
			return m.remote.Update(ctx, "inspections", p.InspectionID,
				remote.Document{"issueIds": remote.ArrayUnion{p.ID}})
		})
	case models.ActionUpdate:
		return m.remote.Update(ctx, "issues", p.ID, toDocument(p))
	case models.ActionDelete:
		return m.remote.Delete(ctx, "issues", p.ID)
	default:
		return errors.New(errors.ErrValidation, "unknown action")
	}
}

func (m *Manager) applyGenericUpdate(ctx context.Context, mutation *models.QueuedMutation) error {
	p := mutation.Payload.Update
	switch mutation.Action {
	case models.ActionCreate:
		return m.remote.Set(ctx, p.Collection, p.DocID, remote.Document(p.Patch))
	case models.ActionUpdate:
		return m.remote.Update(ctx, p.Collection, p.DocID, remote.Document(p.Patch))
	case models.ActionDelete:
		return m.remote.Delete(ctx, p.Collection, p.DocID)
	default:
		return errors.New(errors.ErrValidation, "unknown action")
	}
}

// recordFailure bumps the retry count and promotes the mutation to the
// dead-letter archive once it reaches the ceiling. The move is performed
// under the queue mutex so the mutation is never visible in both places.
func (m *Manager) recordFailure(mutationID string, applyErr error) (deadLettered bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.loadActive()
	if err != nil {
		return false, err
	}

	idx := -1
	for i := range active {
		if active[i].ID == mutationID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	active[idx].RetryCount++
	active[idx].LastError = applyErr.Error()

	if active[idx].RetryCount < m.opts.MaxRetries {
		return false, m.saveActive(active)
	}

	entry := models.DeadLetterEntry{
		Mutation: active[idx],
		MovedAt:  time.Now().Unix(),
	}

	deadLetters, err := m.loadDeadLetters()
	if err != nil {
		return false, err
	}
	deadLetters = append(deadLetters, entry)
	if err := m.saveDeadLetters(deadLetters); err != nil {
		return false, err
	}

	active = append(active[:idx], active[idx+1:]...)
	if err := m.saveActive(active); err != nil {
		return false, err
	}

	logging.ErrorWithCode("mutation dead-lettered", string(errors.ErrRetryExhausted), applyErr,
		map[string]interface{}{
			"mutation_id": mutationID,
			"retry_count": entry.Mutation.RetryCount,
		})

	return true, nil
}

// RetryDeadLetter moves an archived mutation back into the active queue
// with a reset retry count. This is the operator-intervention path; nothing
// re-enters the queue automatically.
func (m *Manager) RetryDeadLetter(mutationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadLetters, err := m.loadDeadLetters()
	if err != nil {
		return err
	}

	idx := -1
	for i := range deadLetters {
		if deadLetters[i].Mutation.ID == mutationID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errors.New(errors.ErrNotFound, "dead letter not found")
	}

	active, err := m.loadActive()
	if err != nil {
		return err
	}
	if len(active) >= m.opts.Capacity {
		return errors.New(errors.ErrQueueFull, "mutation queue is full")
	}

	mutation := deadLetters[idx].Mutation
	mutation.RetryCount = 0
	mutation.LastError = ""

	active = append(active, mutation)
	if err := m.saveActive(active); err != nil {
		return err
	}

	deadLetters = append(deadLetters[:idx], deadLetters[idx+1:]...)
	return m.saveDeadLetters(deadLetters)
}

// DiscardDeadLetter drops an archived mutation permanently.
func (m *Manager) DiscardDeadLetter(mutationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadLetters, err := m.loadDeadLetters()
	if err != nil {
		return err
	}

	for i := range deadLetters {
		if deadLetters[i].Mutation.ID == mutationID {
			deadLetters = append(deadLetters[:i], deadLetters[i+1:]...)
			return m.saveDeadLetters(deadLetters)
		}
	}
	return errors.New(errors.ErrNotFound, "dead letter not found")
}

func (m *Manager) removeActive(mutationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.loadActive()
	if err != nil {
		return err
	}
	for i := range active {
		if active[i].ID == mutationID {
			active = append(active[:i], active[i+1:]...)
			return m.saveActive(active)
		}
	}
	return nil
}

func (m *Manager) loadActive() ([]models.QueuedMutation, error) {
	raw, ok, err := m.store.GetItem(keyActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var active []models.QueuedMutation
	if err := json.Unmarshal([]byte(raw), &active); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "decode mutation queue", err)
	}
	return active, nil
}

func (m *Manager) saveActive(active []models.QueuedMutation) error {
	data, err := json.Marshal(active)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "encode mutation queue", err)
	}
	return m.store.SetItem(keyActive, string(data))
}

func (m *Manager) loadDeadLetters() ([]models.DeadLetterEntry, error) {
	raw, ok, err := m.store.GetItem(keyDeadLetter)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entries []models.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "decode dead-letter archive", err)
	}
	return entries, nil
}

func (m *Manager) saveDeadLetters(entries []models.DeadLetterEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "encode dead-letter archive", err)
	}
	return m.store.SetItem(keyDeadLetter, string(data))
}

// toDocument converts a payload struct to a remote document through its
// JSON form, so the wire shape matches what the models declare.
func toDocument(v interface{}) remote.Document {
	data, err := json.Marshal(v)
	if err != nil {
		return remote.Document{}
	}
	var doc remote.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return remote.Document{}
	}
	return doc
}
