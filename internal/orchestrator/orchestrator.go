// Package orchestrator sequences the sync engine: it watches connectivity,
// triggers staged sync runs, and exposes the aggregate sync status. It owns
// no domain state of its own; every stage delegates to its manager.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DDChuru/inspectsync/internal/connectivity"
	"github.com/DDChuru/inspectsync/internal/errors"
	"github.com/DDChuru/inspectsync/internal/imagequeue"
	"github.com/DDChuru/inspectsync/internal/logging"
	"github.com/DDChuru/inspectsync/internal/models"
	"github.com/DDChuru/inspectsync/internal/queue"
	"github.com/DDChuru/inspectsync/internal/verification"
)

// SyncStatus is the aggregate view surfaced to callers.
type SyncStatus struct {
	IsOnline             bool     `json:"isOnline"`
	Syncing              bool     `json:"syncing"`
	PendingMutations     int      `json:"pendingMutations"`
	PendingUploads       int      `json:"pendingUploads"`
	PendingVerifications int      `json:"pendingVerifications"`
	DeadLetters          int      `json:"deadLetters"`
	LastSync             int64    `json:"lastSync,omitempty"`
	Errors               []string `json:"errors,omitempty"`
}

// Orchestrator drives sync runs. A run has four stages in fixed order:
// priority mutations, remaining mutations, verification commits, image
// uploads. Stages are isolated: a failing stage records its error and the
// next stage still runs, so a stuck document write never starves binary
// uploads.
type Orchestrator struct {
	mutations     *queue.Manager
	uploads       *imagequeue.Manager
	verifications *verification.Engine
	monitor       connectivity.Monitor

	running atomic.Bool

	mu        sync.Mutex
	lastSync  int64
	lastErrs  []string
	runCancel context.CancelFunc

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates an Orchestrator over the three managers and a connectivity
// monitor.
func New(mutations *queue.Manager, uploads *imagequeue.Manager, verifications *verification.Engine, monitor connectivity.Monitor) *Orchestrator {
	return &Orchestrator{
		mutations:     mutations,
		uploads:       uploads,
		verifications: verifications,
		monitor:       monitor,
		trigger:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

// Start launches the connectivity loop. Each offline-to-online transition
// and each explicit trigger starts a sync run; going offline cancels the
// run in flight.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	states := o.monitor.Subscribe()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.monitor.Unsubscribe(states)

		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case state, ok := <-states:
				if !ok {
					return
				}
				if state == connectivity.StateOnline {
					o.launchRun(ctx)
				} else {
					o.cancelRun()
				}
			case <-o.trigger:
				if o.monitor.Online() {
					o.launchRun(ctx)
				}
			}
		}
	}()
}

// TriggerSync requests a sync run. The request is coalesced: triggering
// during a pending trigger is a no-op, and a run already in flight absorbs
// it.
func (o *Orchestrator) TriggerSync() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels any run in flight and waits for the loop to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	o.cancelRun()
	close(o.stop)
	o.wg.Wait()
}

func (o *Orchestrator) launchRun(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Run(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
			logging.Warn("sync run aborted", map[string]interface{}{"error": err.Error()})
		}
	}()
}

func (o *Orchestrator) cancelRun() {
	o.mu.Lock()
	cancel := o.runCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes one staged sync pass. Only one run executes at a time; a
// second request fails fast with ErrSyncInProgress. Work committed before a
// cancellation stays committed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New(errors.ErrSyncInProgress, "sync already running")
	}
	defer o.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.runCancel = cancel
	o.mu.Unlock()

	var errs []string
	record := func(stage string, err error) {
		if err == nil || errors.Is(err, errors.ErrSyncInProgress) {
			return
		}
		errs = append(errs, stage+": "+err.Error())
		logging.Warn("sync stage failed", map[string]interface{}{
			"stage": stage,
			"error": err.Error(),
		})
	}

	logging.Info("sync run started", nil)

	// Stage 1: escalation-relevant mutations jump the line.
	_, err := o.mutations.DrainFiltered(runCtx, func(m *models.QueuedMutation) bool { return m.Priority })
	record("priority_mutations", err)

	// Stage 2: the rest of the mutation queue.
	if runCtx.Err() == nil {
		_, err = o.mutations.Drain(runCtx)
		record("mutations", err)
	}

	// Stage 3: offline verification commits, per bootstrapped area.
	if runCtx.Err() == nil {
		for _, areaID := range o.verifications.LoadedAreas() {
			if runCtx.Err() != nil {
				break
			}
			_, err = o.verifications.CommitOffline(runCtx, areaID)
			record("verifications/"+areaID, err)
		}
	}

	// Stage 4: image uploads run last and regardless of document failures.
	if runCtx.Err() == nil {
		_, err = o.uploads.ProcessPending(runCtx)
		record("image_uploads", err)
	}

	o.mu.Lock()
	o.runCancel = nil
	o.lastSync = time.Now().Unix()
	o.lastErrs = errs
	o.mu.Unlock()

	logging.Info("sync run finished", map[string]interface{}{
		"stage_errors": len(errs),
	})

	if err := runCtx.Err(); err != nil {
		return err
	}
	return nil
}

// Status returns the aggregate sync status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	lastSync := o.lastSync
	errs := append([]string(nil), o.lastErrs...)
	o.mu.Unlock()

	deadLetters, err := o.mutations.DeadLetters()
	if err != nil {
		deadLetters = nil
	}

	return SyncStatus{
		IsOnline:             o.monitor.Online(),
		Syncing:              o.running.Load(),
		PendingMutations:     o.mutations.PendingCount(),
		PendingUploads:       o.uploads.PendingCount(),
		PendingVerifications: o.verifications.PendingCount(),
		DeadLetters:          len(deadLetters),
		LastSync:             lastSync,
		Errors:               errs,
	}
}
