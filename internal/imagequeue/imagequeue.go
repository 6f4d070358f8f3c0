// Package imagequeue provides the durable image upload queue. It runs
// independently of the mutation queue: binary uploads are slower and
// flakier than document writes, so a stuck image never holds back record
// sync. Successful uploads patch the owning record's image slot in place.
package imagequeue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/DDChuru/inspectsync/internal/blob"
	"github.com/DDChuru/inspectsync/internal/errors"
	"github.com/DDChuru/inspectsync/internal/kvstore"
	"github.com/DDChuru/inspectsync/internal/locks"
	"github.com/DDChuru/inspectsync/internal/logging"
	"github.com/DDChuru/inspectsync/internal/models"
	"github.com/DDChuru/inspectsync/internal/remote"
)

const (
	keyQueue  = "image_upload_queue"
	keyFailed = "failed_uploads"
)

// Options configures a Manager.
type Options struct {
	ScopeID        string
	MaxRetries     int
	Concurrency    int
	NetworkTimeout time.Duration

	// KeepLocalFiles leaves the local bytes in place after a successful
	// upload instead of releasing them.
	KeepLocalFiles bool
}

// Manager owns the pending upload queue and the failed-upload archive.
// The entity lock is shared with the mutation queue so record patches from
// both paths serialize per entity.
type Manager struct {
	store       kvstore.Store
	blobs       blob.Store
	remote      remote.Store
	files       FileSource
	entityLocks *locks.KeyedMutex
	opts        Options

	mu         sync.Mutex
	recovered  bool
	processing atomic.Bool
}

// NewManager creates a Manager.
func NewManager(store kvstore.Store, blobs blob.Store, remoteStore remote.Store, files FileSource, entityLocks *locks.KeyedMutex, opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 30 * time.Second
	}
	return &Manager{
		store:       store,
		blobs:       blobs,
		remote:      remoteStore,
		files:       files,
		entityLocks: entityLocks,
		opts:        opts,
	}
}

// QueueRequest describes one image to upload.
type QueueRequest struct {
	LocalURI string
	Refs     models.LinkedEntityRefs

	// CapturedAt is the capture time in unix milliseconds. Zero means now.
	CapturedAt int64
}

// QueueImageUpload registers a local image for upload and returns
// immediately. The remote path is derived once at queue time and never
// changes, so a retried upload always lands on the same blob.
func (m *Manager) QueueImageUpload(req QueueRequest) (*models.PendingImageUpload, error) {
	if req.LocalURI == "" {
		return nil, errors.New(errors.ErrValidation, "local uri is required")
	}
	if req.Refs.InspectionID == "" && req.Refs.IssueID == "" {
		return nil, errors.New(errors.ErrValidation, "linked entity refs are required")
	}
	if req.Refs.Field == "" {
		return nil, errors.New(errors.ErrValidation, "image field is required")
	}

	capturedAt := req.CapturedAt
	if capturedAt == 0 {
		capturedAt = time.Now().UnixMilli()
	}

	now := time.Now().Unix()
	entry := models.PendingImageUpload{
		ID:         uuid.New().String(),
		LocalURI:   req.LocalURI,
		RemotePath: models.RemoteUploadPath(m.opts.ScopeID, req.Refs, capturedAt),
		Refs:       req.Refs,
		Status:     models.UploadStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.loadPending()
	if err != nil {
		return nil, err
	}
	pending = append(pending, entry)
	if err := m.savePending(pending); err != nil {
		return nil, err
	}

	logging.Debug("image upload queued", map[string]interface{}{
		"upload_id":   entry.ID,
		"remote_path": entry.RemotePath,
	})

	return &entry, nil
}

// Pending returns a copy of the upload queue in queue order. Entries left
// mid-upload by an earlier crash read back as pending.
func (m *Manager) Pending() ([]models.PendingImageUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadPending()
}

// PendingCount returns the number of queued uploads.
func (m *Manager) PendingCount() int {
	pending, err := m.Pending()
	if err != nil {
		return 0
	}
	return len(pending)
}

// Failed returns the failed-upload archive.
func (m *Manager) Failed() ([]models.PendingImageUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadFailed()
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Uploaded int
	Retried  int
	Archived int
}

// ProcessPending uploads every queued image with bounded concurrency. Only
// one pass runs at a time; a pass requested while another is running fails
// fast with ErrSyncInProgress.
func (m *Manager) ProcessPending(ctx context.Context) (ProcessResult, error) {
	if !m.processing.CompareAndSwap(false, true) {
		return ProcessResult{}, errors.New(errors.ErrSyncInProgress, "upload pass already running")
	}
	defer m.processing.Store(false)

	m.mu.Lock()
	snapshot, err := m.loadPending()
	m.mu.Unlock()
	if err != nil {
		return ProcessResult{}, err
	}

	var (
		resultMu sync.Mutex
		result   ProcessResult
		wg       sync.WaitGroup
		sem      = make(chan struct{}, m.opts.Concurrency)
	)

	for i := range snapshot {
		entry := snapshot[i]

		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			uploadErr := m.processOne(ctx, &entry)

			resultMu.Lock()
			defer resultMu.Unlock()
			if uploadErr == nil {
				result.Uploaded++
				return
			}

			archived, recErr := m.recordFailure(entry.ID, uploadErr)
			if recErr != nil {
				logging.ErrorWithCode("upload bookkeeping failed", string(errors.CodeOf(recErr)), recErr,
					map[string]interface{}{"upload_id": entry.ID})
				return
			}
			if archived {
				result.Archived++
			} else {
				result.Retried++
			}
		}()
	}

	wg.Wait()

	logging.Info("image upload pass completed", map[string]interface{}{
		"uploaded": result.Uploaded,
		"retried":  result.Retried,
		"archived": result.Archived,
	})

	return result, ctx.Err()
}

// processOne uploads a single entry and patches its owning record. The
// entry is marked uploading in the durable queue first so a crash mid-upload
// is visible to the next process.
func (m *Manager) processOne(ctx context.Context, entry *models.PendingImageUpload) error {
	data, err := m.files.Read(entry.LocalURI)
	if err != nil {
		return err
	}

	if err := m.setStatus(entry.ID, models.UploadStatusUploading); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.NetworkTimeout)
	defer cancel()

	url, err := m.blobs.Upload(callCtx, entry.RemotePath, data)
	if err != nil {
		return err
	}

	// Resolve the owning record's image slot in place. The read-modify-write
	// runs under the entity lock shared with the mutation queue so no document
	// write interleaves between the read and the write-back.
	err = m.entityLocks.WithLock(entry.Refs.EntityID(), func() error {
		doc, err := m.remote.Get(callCtx, entry.Refs.Collection(), entry.Refs.EntityID())
		if err != nil {
			return err
		}
		slots, _ := doc[entry.Refs.Field].([]interface{})
		return m.remote.Update(callCtx, entry.Refs.Collection(), entry.Refs.EntityID(),
			remote.Document{entry.Refs.Field: patchSlot(slots, entry, url)})
	})
	if err != nil {
		return err
	}

	if err := m.removePending(entry.ID); err != nil {
		return err
	}

	if !m.opts.KeepLocalFiles {
		if err := m.files.Remove(entry.LocalURI); err != nil {
			logging.Warn("could not release local image", map[string]interface{}{
				"upload_id": entry.ID,
				"local_uri": entry.LocalURI,
			})
		}
	}

	logging.Debug("image uploaded", map[string]interface{}{
		"upload_id":   entry.ID,
		"remote_path": entry.RemotePath,
	})
	return nil
}

// patchSlot resolves an uploaded image into the record's slot array. The
// slot at the queued index keeps its stable id and gains the blob url; the
// local uri and pending flag are cleared. A record carrying no slot at that
// index gets one appended, deduped by url, so a patch retried after an
// ambiguous timeout reproduces the same array.
func patchSlot(slots []interface{}, entry *models.PendingImageUpload, url string) []interface{} {
	out := make([]interface{}, len(slots))
	copy(out, slots)

	idx := entry.Refs.ImageIndex
	if i := slotIndex(out, idx); i >= 0 {
		slot := out[i].(map[string]interface{})
		updated := make(remote.Document, len(slot)+1)
		for k, v := range slot {
			updated[k] = v
		}
		updated["url"] = url
		updated["pendingUpload"] = false
		delete(updated, "localUri")
		out[i] = updated
		return out
	}

	for _, existing := range out {
		if slot, ok := existing.(map[string]interface{}); ok && slot["url"] == url {
			return out
		}
	}
	return append(out, remote.Document{
		"id":            entry.ID,
		"url":           url,
		"imageIndex":    idx,
		"pendingUpload": false,
	})
}

// slotIndex locates the slot for a queued image index. A slot carrying an
// explicit imageIndex key wins; otherwise the array position stands in, the
// way offline-created records lay their slots out.
func slotIndex(slots []interface{}, idx int) int {
	for i, existing := range slots {
		slot, ok := existing.(map[string]interface{})
		if !ok {
			continue
		}
		if n, ok := numberField(slot, "imageIndex"); ok && n == idx {
			return i
		}
	}
	if idx >= 0 && idx < len(slots) {
		if slot, ok := slots[idx].(map[string]interface{}); ok {
			if _, keyed := slot["imageIndex"]; !keyed {
				return idx
			}
		}
	}
	return -1
}

// numberField reads an integer field that may have passed through JSON.
func numberField(doc map[string]interface{}, field string) (int, bool) {
	switch v := doc[field].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// recordFailure bumps the retry count and archives the entry once it
// reaches the ceiling. Both queue writes happen under one lock so the entry
// is never visible in both places.
func (m *Manager) recordFailure(uploadID string, uploadErr error) (archived bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.loadPending()
	if err != nil {
		return false, err
	}

	idx := -1
	for i := range pending {
		if pending[i].ID == uploadID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	pending[idx].Status = models.UploadStatusPending
	pending[idx].RetryCount++
	pending[idx].LastError = uploadErr.Error()
	pending[idx].UpdatedAt = time.Now().Unix()

	if pending[idx].RetryCount < m.opts.MaxRetries {
		logging.Warn("image upload failed, will retry", map[string]interface{}{
			"upload_id":   uploadID,
			"retry_count": pending[idx].RetryCount,
			"error":       uploadErr.Error(),
		})
		return false, m.savePending(pending)
	}

	entry := pending[idx]
	entry.Status = models.UploadStatusFailed

	failed, err := m.loadFailed()
	if err != nil {
		return false, err
	}
	failed = append(failed, entry)
	if err := m.saveFailed(failed); err != nil {
		return false, err
	}

	pending = append(pending[:idx], pending[idx+1:]...)
	if err := m.savePending(pending); err != nil {
		return false, err
	}

	logging.ErrorWithCode("image upload archived", string(errors.ErrRetryExhausted), uploadErr,
		map[string]interface{}{
			"upload_id":   uploadID,
			"retry_count": entry.RetryCount,
		})

	return true, nil
}

// RetryFailed moves an archived upload back into the queue with a reset
// retry count. Its remote path is preserved, not re-derived.
func (m *Manager) RetryFailed(uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed, err := m.loadFailed()
	if err != nil {
		return err
	}

	idx := -1
	for i := range failed {
		if failed[i].ID == uploadID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errors.New(errors.ErrNotFound, "failed upload not found")
	}

	entry := failed[idx]
	entry.Status = models.UploadStatusPending
	entry.RetryCount = 0
	entry.LastError = ""
	entry.UpdatedAt = time.Now().Unix()

	pending, err := m.loadPending()
	if err != nil {
		return err
	}
	pending = append(pending, entry)
	if err := m.savePending(pending); err != nil {
		return err
	}

	failed = append(failed[:idx], failed[idx+1:]...)
	return m.saveFailed(failed)
}

// DiscardFailed drops an archived upload permanently and releases its local
// bytes.
func (m *Manager) DiscardFailed(uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed, err := m.loadFailed()
	if err != nil {
		return err
	}

	for i := range failed {
		if failed[i].ID == uploadID {
			uri := failed[i].LocalURI
			failed = append(failed[:i], failed[i+1:]...)
			if err := m.saveFailed(failed); err != nil {
				return err
			}
			return m.files.Remove(uri)
		}
	}
	return errors.New(errors.ErrNotFound, "failed upload not found")
}

// setStatus persists an entry's status in place.
func (m *Manager) setStatus(uploadID string, status models.UploadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.loadPending()
	if err != nil {
		return err
	}
	for i := range pending {
		if pending[i].ID == uploadID {
			pending[i].Status = status
			pending[i].UpdatedAt = time.Now().Unix()
			return m.savePending(pending)
		}
	}
	return nil
}

func (m *Manager) removePending(uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.loadPending()
	if err != nil {
		return err
	}
	for i := range pending {
		if pending[i].ID == uploadID {
			pending = append(pending[:i], pending[i+1:]...)
			return m.savePending(pending)
		}
	}
	return nil
}

func (m *Manager) loadPending() ([]models.PendingImageUpload, error) {
	raw, ok, err := m.store.GetItem(keyQueue)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.recovered = true
		return nil, nil
	}
	var pending []models.PendingImageUpload
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "decode image upload queue", err)
	}
	// On the first load of this process, entries left mid-upload by a crash
	// revert to pending. Later loads must not touch uploading markers owned
	// by an in-flight pass.
	if !m.recovered {
		m.recovered = true
		reverted := false
		for i := range pending {
			if pending[i].Status == models.UploadStatusUploading {
				pending[i].Status = models.UploadStatusPending
				reverted = true
			}
		}
		if reverted {
			if err := m.savePending(pending); err != nil {
				return nil, err
			}
		}
	}
	return pending, nil
}

func (m *Manager) savePending(pending []models.PendingImageUpload) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "encode image upload queue", err)
	}
	return m.store.SetItem(keyQueue, string(data))
}

func (m *Manager) loadFailed() ([]models.PendingImageUpload, error) {
	raw, ok, err := m.store.GetItem(keyFailed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var failed []models.PendingImageUpload
	if err := json.Unmarshal([]byte(raw), &failed); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "decode failed upload archive", err)
	}
	return failed, nil
}

func (m *Manager) saveFailed(failed []models.PendingImageUpload) error {
	data, err := json.Marshal(failed)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "encode failed upload archive", err)
	}
	return m.store.SetItem(keyFailed, string(data))
}
