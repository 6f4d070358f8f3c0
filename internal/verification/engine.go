// Package verification provides the area verification progress engine: a
// per-area, per-day progressive cache of checklist item states with
// due/overdue computation, offline recording, and batched remote commits.
package verification

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/DDChuru/inspectsync/internal/errors"
	"github.com/DDChuru/inspectsync/internal/kvstore"
	"github.com/DDChuru/inspectsync/internal/logging"
	"github.com/DDChuru/inspectsync/internal/models"
	"github.com/DDChuru/inspectsync/internal/remote"
)

const (
	progressKeyPrefix  = "verification_progress:"
	referenceKeyPrefix = "refdata:"
)

// Options configures an Engine.
type Options struct {
	ScopeID         string
	CommitBatchSize int
	NetworkTimeout  time.Duration

	// Now is swappable in tests.
	Now func() time.Time
}

// areaState is one loaded area: its progress record plus the item index
// resolving an item id to its cadence without a group scan.
type areaState struct {
	progress models.LocalVerificationProgress
	index    map[string]models.Frequency
}

// Engine owns the verification progress cache. Schedule and area documents
// are immutable reference data for the session: fetched from the remote
// store at most once, then served from memory and the durable local store.
type Engine struct {
	store  kvstore.Store
	remote remote.Store
	opts   Options

	mu        sync.Mutex
	areas     map[string]*areaState
	refs      map[string]remote.Document
	firstSeen map[string]bool

	committing atomic.Bool
}

// NewEngine creates an Engine.
func NewEngine(store kvstore.Store, remoteStore remote.Store, opts Options) *Engine {
	if opts.CommitBatchSize <= 0 {
		opts.CommitBatchSize = 20
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:     store,
		remote:    remoteStore,
		opts:      opts,
		areas:     make(map[string]*areaState),
		refs:      make(map[string]remote.Document),
		firstSeen: make(map[string]bool),
	}
}

// Bootstrap loads the area's progress record for today. The durable cache
// is preferred; a stale record rolls over to today carrying only the
// unsynced offline queue; a cache miss builds the record from the remote
// area-item documents.
func (e *Engine) Bootstrap(ctx context.Context, areaID string) (*models.LocalVerificationProgress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	today := e.opts.Now()

	if state, ok := e.areas[areaID]; ok {
		e.ensureDate(state, today)
		return cloneProgress(&state.progress), nil
	}

	stored, found, err := e.loadProgress(areaID)
	if err != nil {
		return nil, err
	}
	if found {
		state, err := e.indexState(stored)
		if err != nil {
			return nil, err
		}
		e.ensureDate(state, today)
		e.areas[areaID] = state
		if err := e.saveProgress(&state.progress); err != nil {
			return nil, err
		}
		return cloneProgress(&state.progress), nil
	}

	state, err := e.buildFromRemote(ctx, areaID, today)
	if err != nil {
		return nil, err
	}
	e.areas[areaID] = state
	if err := e.saveProgress(&state.progress); err != nil {
		return nil, err
	}

	logging.Info("area progress bootstrapped", map[string]interface{}{
		"area_id":    areaID,
		"item_count": len(state.index),
	})

	return cloneProgress(&state.progress), nil
}

// buildFromRemote assembles a fresh progress record from the area's
// checklist item documents.
func (e *Engine) buildFromRemote(ctx context.Context, areaID string, today time.Time) (*areaState, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.NetworkTimeout)
	defer cancel()

	if _, err := e.reference(callCtx, "areas", areaID); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Wrap(errors.ErrAreaNotLoaded, "area not found", err)
		}
		return nil, err
	}

	// Schedule definitions are optional reference data; absence is fine.
	for _, freq := range []models.Frequency{models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly} {
		if _, err := e.reference(callCtx, "schedules", string(freq)); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
	}

	docs, err := e.remote.Query(callCtx, "areaItems", remote.Document{"areaId": areaID})
	if err != nil {
		return nil, err
	}

	progress := models.LocalVerificationProgress{
		AreaID:     areaID,
		Date:       models.DayOf(today),
		Daily:      models.ScheduleGroupProgress{Frequency: models.FrequencyDaily},
		Weekly:     models.ScheduleGroupProgress{Frequency: models.FrequencyWeekly},
		Monthly:    models.ScheduleGroupProgress{Frequency: models.FrequencyMonthly},
		SyncStatus: models.SyncStateSynced,
	}

	for _, doc := range docs {
		item := models.AreaItemProgress{
			AreaItemID:       stringField(doc, "id"),
			ItemName:         stringField(doc, "name"),
			Frequency:        models.Frequency(stringField(doc, "frequency")),
			Status:           models.VerificationPending,
			LastVerifiedDate: stringField(doc, "lastVerifiedDate"),
		}
		if item.AreaItemID == "" {
			continue
		}
		refreshItem(&item, today)

		switch item.Frequency {
		case models.FrequencyDaily:
			progress.Daily.Items = append(progress.Daily.Items, item)
		case models.FrequencyWeekly:
			progress.Weekly.Items = append(progress.Weekly.Items, item)
		default:
			// Monthly and longer cadences share the monthly bucket; each item
			// keeps its own frequency for due computation.
			progress.Monthly.Items = append(progress.Monthly.Items, item)
		}
	}

	for _, group := range progress.Groups() {
		group.Recompute()
	}

	return e.indexState(progress)
}

// indexState builds the item index, rejecting duplicate item ids across
// groups.
func (e *Engine) indexState(progress models.LocalVerificationProgress) (*areaState, error) {
	index := make(map[string]models.Frequency)
	for _, group := range progress.Groups() {
		for i := range group.Items {
			id := group.Items[i].AreaItemID
			if _, dup := index[id]; dup {
				return nil, errors.New(errors.ErrDuplicateItem, "item "+id+" appears in more than one schedule group")
			}
			index[id] = group.Items[i].Frequency
		}
	}
	return &areaState{progress: progress, index: index}, nil
}

// ensureDate refreshes derived fields, rolling a stale record over to
// today. The rollover resets statuses for the new day; verified dates and
// the unsynced offline queue carry over.
func (e *Engine) ensureDate(state *areaState, today time.Time) {
	day := models.DayOf(today)
	if state.progress.Date != day {
		for _, group := range state.progress.Groups() {
			for i := range group.Items {
				item := &group.Items[i]
				item.Status = models.VerificationPending
				item.VerifiedAt = 0
				item.IsAutoCompleted = false
				item.Notes = ""
			}
		}
		state.progress.Date = day
		if len(state.progress.OfflineQueue) > 0 {
			state.progress.SyncStatus = models.SyncStatePending
		} else {
			state.progress.SyncStatus = models.SyncStateSynced
		}
	}

	for _, group := range state.progress.Groups() {
		for i := range group.Items {
			refreshItem(&group.Items[i], today)
		}
		group.Recompute()
	}
}

// VerifyRequest records one manual verification.
type VerifyRequest struct {
	ItemID    string
	Status    models.VerificationStatus
	Notes     string
	PhotoRefs []string
}

// VerifyItem records a manual pass/fail for a checklist item. The item's
// group counters are recomputed and an offline verification is appended for
// the next remote commit. Items already verified today are rejected.
func (e *Engine) VerifyItem(ctx context.Context, areaID string, req VerifyRequest) (*models.OfflineVerification, error) {
	if req.Status != models.VerificationPass && req.Status != models.VerificationFail {
		return nil, errors.New(errors.ErrValidation, "status must be pass or fail")
	}

	first, err := e.resolveFirstInspection(ctx, areaID, req.ItemID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.areas[areaID]
	if !ok {
		return nil, errors.New(errors.ErrAreaNotLoaded, "area "+areaID+" not bootstrapped")
	}

	now := e.opts.Now()
	e.ensureDate(state, now)

	if _, known := state.index[req.ItemID]; !known {
		return nil, errors.New(errors.ErrItemNotFound, "item "+req.ItemID+" not in area "+areaID)
	}

	item, group := locateItem(&state.progress, req.ItemID)
	if item.Status.Terminal() {
		return nil, errors.New(errors.ErrItemTerminal, "item already verified today")
	}

	item.Status = req.Status
	item.VerifiedAt = now.Unix()
	item.LastVerifiedDate = models.DayOf(now)
	item.Notes = req.Notes
	item.IsAutoCompleted = false
	refreshItem(item, now)
	group.Recompute()

	record := models.OfflineVerification{
		ID:              uuid.New().String(),
		AreaID:          areaID,
		AreaItemID:      req.ItemID,
		Status:          req.Status,
		Notes:           req.Notes,
		FirstInspection: first,
		PhotoRefs:       req.PhotoRefs,
		RecordedAt:      now.Unix(),
	}
	state.progress.OfflineQueue = append(state.progress.OfflineQueue, record)
	state.progress.SyncStatus = models.SyncStatePending

	if err := e.saveProgress(&state.progress); err != nil {
		return nil, err
	}

	logging.Debug("item verified", map[string]interface{}{
		"area_id": areaID,
		"item_id": req.ItemID,
		"status":  string(req.Status),
	})

	return &record, nil
}

// resolveFirstInspection resolves whether any prior verification exists
// remotely for the item. The answer cannot change after the first
// verification ever recorded, so it is looked up once and cached; while
// offline the local verified date stands in. The remote query runs with the
// engine unlocked so a slow network never stalls progress reads.
func (e *Engine) resolveFirstInspection(ctx context.Context, areaID, itemID string) (bool, error) {
	e.mu.Lock()
	if cached, ok := e.firstSeen[itemID]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	state, ok := e.areas[areaID]
	if !ok {
		e.mu.Unlock()
		return false, errors.New(errors.ErrAreaNotLoaded, "area "+areaID+" not bootstrapped")
	}
	if _, known := state.index[itemID]; !known {
		e.mu.Unlock()
		return false, errors.New(errors.ErrItemNotFound, "item "+itemID+" not in area "+areaID)
	}
	item, _ := locateItem(&state.progress, itemID)
	neverVerifiedLocally := item.LastVerifiedDate == ""
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.opts.NetworkTimeout)
	defer cancel()

	first := neverVerifiedLocally
	docs, err := e.remote.Query(callCtx, "verifications", remote.Document{"areaItemId": itemID})
	if err == nil {
		first = len(docs) == 0
	}

	e.mu.Lock()
	e.firstSeen[itemID] = first
	e.mu.Unlock()
	return first, nil
}

// CompleteInspection finishes an inspection round for the area. With
// autoPassDaily set, every daily item still pending and due passes
// automatically. Weekly and monthly items are never auto-passed: completing
// an inspection must not satisfy longer-cycle obligations.
func (e *Engine) CompleteInspection(areaID string, autoPassDaily bool) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.areas[areaID]
	if !ok {
		return nil, errors.New(errors.ErrAreaNotLoaded, "area "+areaID+" not bootstrapped")
	}

	now := e.opts.Now()
	e.ensureDate(state, now)

	if !autoPassDaily {
		return nil, nil
	}

	var passed []string
	for i := range state.progress.Daily.Items {
		item := &state.progress.Daily.Items[i]
		if item.Status != models.VerificationPending || !item.IsDue {
			continue
		}

		first := item.LastVerifiedDate == ""

		item.Status = models.VerificationPass
		item.IsAutoCompleted = true
		item.VerifiedAt = now.Unix()
		item.LastVerifiedDate = models.DayOf(now)
		refreshItem(item, now)

		state.progress.OfflineQueue = append(state.progress.OfflineQueue, models.OfflineVerification{
			ID:              uuid.New().String(),
			AreaID:          areaID,
			AreaItemID:      item.AreaItemID,
			Status:          models.VerificationPass,
			FirstInspection: first,
			AutoCompleted:   true,
			RecordedAt:      now.Unix(),
		})
		passed = append(passed, item.AreaItemID)
	}

	if len(passed) > 0 {
		state.progress.Daily.Recompute()
		state.progress.SyncStatus = models.SyncStatePending
		if err := e.saveProgress(&state.progress); err != nil {
			return nil, err
		}
	}

	logging.Info("inspection completed", map[string]interface{}{
		"area_id":     areaID,
		"auto_passed": len(passed),
	})

	return passed, nil
}

// CommitOffline pushes the area's offline verifications to the remote
// store in bounded batches. Entries from fully committed batches are
// removed even when a later batch fails, so partial progress survives.
func (e *Engine) CommitOffline(ctx context.Context, areaID string) (int, error) {
	if !e.committing.CompareAndSwap(false, true) {
		return 0, errors.New(errors.ErrSyncInProgress, "commit already running")
	}
	defer e.committing.Store(false)

	e.mu.Lock()
	state, ok := e.areas[areaID]
	if !ok {
		e.mu.Unlock()
		return 0, errors.New(errors.ErrAreaNotLoaded, "area "+areaID+" not bootstrapped")
	}
	snapshot := append([]models.OfflineVerification(nil), state.progress.OfflineQueue...)
	if len(snapshot) == 0 {
		state.progress.SyncStatus = models.SyncStateSynced
		err := e.saveProgress(&state.progress)
		e.mu.Unlock()
		return 0, err
	}
	state.progress.SyncStatus = models.SyncStateSyncing
	if err := e.saveProgress(&state.progress); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.mu.Unlock()

	ops := make([]remote.Op, 0, len(snapshot))
	for _, v := range snapshot {
		doc := toDocument(v)
		doc["scopeId"] = e.opts.ScopeID
		doc["syncedAt"] = remote.ServerTimestamp{}
		ops = append(ops, remote.Op{
			Kind:       remote.OpSet,
			Collection: "verifications",
			ID:         v.ID,
			Doc:        doc,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.NetworkTimeout)
	defer cancel()

	committed, commitErr := remote.CommitChunked(callCtx, e.remote, ops, e.opts.CommitBatchSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	committedIDs := make(map[string]bool, committed)
	for _, v := range snapshot[:committed] {
		committedIDs[v.ID] = true
	}
	remaining := state.progress.OfflineQueue[:0]
	for _, v := range state.progress.OfflineQueue {
		if !committedIDs[v.ID] {
			remaining = append(remaining, v)
		}
	}
	state.progress.OfflineQueue = remaining

	switch {
	case commitErr != nil:
		state.progress.SyncStatus = models.SyncStateError
		logging.Warn("offline commit incomplete", map[string]interface{}{
			"area_id":   areaID,
			"committed": committed,
			"remaining": len(remaining),
			"error":     commitErr.Error(),
		})
	case len(remaining) == 0:
		state.progress.SyncStatus = models.SyncStateSynced
	default:
		state.progress.SyncStatus = models.SyncStatePending
	}

	if err := e.saveProgress(&state.progress); err != nil {
		return committed, err
	}
	return committed, commitErr
}

// Progress returns a copy of the area's progress for today, derived fields
// refreshed.
func (e *Engine) Progress(areaID string) (*models.LocalVerificationProgress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.areas[areaID]
	if !ok {
		return nil, errors.New(errors.ErrAreaNotLoaded, "area "+areaID+" not bootstrapped")
	}
	e.ensureDate(state, e.opts.Now())
	return cloneProgress(&state.progress), nil
}

// LoadedAreas returns the ids of every bootstrapped area.
func (e *Engine) LoadedAreas() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.areas))
	for id := range e.areas {
		ids = append(ids, id)
	}
	return ids
}

// PendingCount returns the number of unsynced offline verifications across
// every loaded area.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, state := range e.areas {
		total += len(state.progress.OfflineQueue)
	}
	return total
}

// reference serves an immutable reference document, fetching it from the
// remote store only on the first miss.
func (e *Engine) reference(ctx context.Context, collection, id string) (remote.Document, error) {
	cacheKey := collection + "/" + id
	if doc, ok := e.refs[cacheKey]; ok {
		return doc, nil
	}

	storeKey := referenceKeyPrefix + cacheKey
	if raw, ok, err := e.store.GetItem(storeKey); err != nil {
		return nil, err
	} else if ok {
		var doc remote.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "decode cached reference", err)
		}
		e.refs[cacheKey] = doc
		return doc, nil
	}

	doc, err := e.remote.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "encode reference", err)
	}
	if err := e.store.SetItem(storeKey, string(data)); err != nil {
		return nil, err
	}
	e.refs[cacheKey] = doc
	return doc, nil
}

// locateItem finds an item across the groups in search order: daily, then
// weekly, then monthly. First match wins.
func locateItem(progress *models.LocalVerificationProgress, itemID string) (*models.AreaItemProgress, *models.ScheduleGroupProgress) {
	for _, group := range progress.Groups() {
		for i := range group.Items {
			if group.Items[i].AreaItemID == itemID {
				return &group.Items[i], group
			}
		}
	}
	return nil, nil
}

// refreshItem recomputes the derived due fields from the cadence and the
// last verified date. A never-verified item is both due and overdue today.
func refreshItem(item *models.AreaItemProgress, now time.Time) {
	cadence := item.Frequency.DaysUntilDue()

	if item.LastVerifiedDate == "" {
		item.IsDue = true
		item.IsOverdue = true
		item.DueDate = models.DayOf(now)
		return
	}

	last, err := time.Parse("2006-01-02", item.LastVerifiedDate)
	if err != nil {
		item.IsDue = true
		item.IsOverdue = true
		item.DueDate = models.DayOf(now)
		return
	}

	today, _ := time.Parse("2006-01-02", models.DayOf(now))
	daysSince := int(today.Sub(last).Hours() / 24)

	item.IsDue = daysSince >= cadence
	item.IsOverdue = daysSince > cadence
	item.DueDate = models.DayOf(last.AddDate(0, 0, cadence))
}

func (e *Engine) loadProgress(areaID string) (models.LocalVerificationProgress, bool, error) {
	var progress models.LocalVerificationProgress
	raw, ok, err := e.store.GetItem(progressKeyPrefix + areaID)
	if err != nil || !ok {
		return progress, false, err
	}
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return progress, false, errors.Wrap(errors.ErrStorage, "decode area progress", err)
	}
	return progress, true, nil
}

func (e *Engine) saveProgress(progress *models.LocalVerificationProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "encode area progress", err)
	}
	return e.store.SetItem(progressKeyPrefix+progress.AreaID, string(data))
}

func cloneProgress(progress *models.LocalVerificationProgress) *models.LocalVerificationProgress {
	data, err := json.Marshal(progress)
	if err != nil {
		return &models.LocalVerificationProgress{}
	}
	var clone models.LocalVerificationProgress
	if err := json.Unmarshal(data, &clone); err != nil {
		return &models.LocalVerificationProgress{}
	}
	return &clone
}

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

func stringField(doc remote.Document, field string) string {
	if v, ok := doc[field].(string); ok {
		return v
	}
	return ""
}
