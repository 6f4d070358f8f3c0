package main

import (
	"github.com/DDChuru/inspectsync/internal/blob"
	"github.com/DDChuru/inspectsync/internal/config"
	"github.com/DDChuru/inspectsync/internal/connectivity"
	"github.com/DDChuru/inspectsync/internal/imagequeue"
	"github.com/DDChuru/inspectsync/internal/kvstore"
	"github.com/DDChuru/inspectsync/internal/locks"
	"github.com/DDChuru/inspectsync/internal/orchestrator"
	"github.com/DDChuru/inspectsync/internal/queue"
	"github.com/DDChuru/inspectsync/internal/remote"
	"github.com/DDChuru/inspectsync/internal/verification"
)

// settableMonitor is a connectivity monitor whose state can also be pushed
// by a command, as `drain` does to force a pass.
type settableMonitor interface {
	connectivity.Monitor
	Set(online bool)
}

// App wires the engine from configuration. Commands construct it, use the
// managers they need, and Close it.
type App struct {
	Config        *config.Config
	Store         kvstore.Store
	Remote        remote.Store
	Blobs         blob.Store
	Monitor       settableMonitor
	Mutations     *queue.Manager
	Uploads       *imagequeue.Manager
	Verifications *verification.Engine
	Orchestrator  *orchestrator.Orchestrator
}

func buildApp() (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := kvstore.OpenSQLite(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	var blobs blob.Store
	if cfg.BlobBaseURL != "" {
		blobs = blob.NewHTTPStore(&blob.HTTPConfig{
			BaseURL: cfg.BlobBaseURL,
			Token:   cfg.BlobToken,
			Timeout: cfg.NetworkTimeout,
		})
	} else {
		blobs = blob.NewMemoryStore()
	}

	var monitor settableMonitor
	if cfg.ConnectivityFeedURL != "" {
		monitor = connectivity.NewFeedMonitor(cfg.ConnectivityFeedURL)
	} else {
		monitor = connectivity.NewManualMonitor(false)
	}

	remoteStore := remote.NewMemoryStore(cfg.RemoteBatchLimit)
	entityLocks := locks.NewKeyedMutex()

	mutations := queue.NewManager(store, remoteStore, entityLocks, queue.Options{
		ScopeID:        cfg.ScopeID,
		MaxRetries:     cfg.MaxRetries,
		Capacity:       cfg.QueueCapacity,
		NetworkTimeout: cfg.NetworkTimeout,
	})
	uploads := imagequeue.NewManager(store, blobs, remoteStore, imagequeue.OSFileSource{}, entityLocks, imagequeue.Options{
		ScopeID:        cfg.ScopeID,
		MaxRetries:     cfg.MaxRetries,
		Concurrency:    cfg.UploadConcurrency,
		NetworkTimeout: cfg.NetworkTimeout,
	})
	verifications := verification.NewEngine(store, remoteStore, verification.Options{
		ScopeID:         cfg.ScopeID,
		CommitBatchSize: cfg.VerificationBatchSize,
		NetworkTimeout:  cfg.NetworkTimeout,
	})

	return &App{
		Config:        cfg,
		Store:         store,
		Remote:        remoteStore,
		Blobs:         blobs,
		Monitor:       monitor,
		Mutations:     mutations,
		Uploads:       uploads,
		Verifications: verifications,
		Orchestrator:  orchestrator.New(mutations, uploads, verifications, monitor),
	}, nil
}

// Close releases the monitor and the durable store.
func (a *App) Close() {
	a.Monitor.Close()
	a.Store.Close()
}
