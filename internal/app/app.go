// Package app wires the core together: keystore, replicated store,
// transports, pairing and the sync coordinator, owned by one explicit App
// value with an init/teardown lifecycle. Consumers (CLI, UI layers) hold an
// App and call its surface; nothing in the system lives in package-level
// state.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/linkmesh/linkmesh/internal/config"
	"github.com/linkmesh/linkmesh/internal/keys"
	"github.com/linkmesh/linkmesh/internal/pairing"
	"github.com/linkmesh/linkmesh/internal/store"
	"github.com/linkmesh/linkmesh/internal/syncer"
	"github.com/linkmesh/linkmesh/internal/transport"
	"github.com/linkmesh/linkmesh/internal/transport/locallog"
	"github.com/linkmesh/linkmesh/internal/transport/peer"
	"github.com/linkmesh/linkmesh/internal/transport/relay"
)

// App is the application root. Create with New, bring up with Init, and
// always Shutdown.
type App struct {
	cfg    *config.Config
	logger *log.Logger

	keystore    *keys.Keystore
	store       *store.Store
	relayClient *relay.Client
	coordinator *syncer.Coordinator
	monitor     *syncer.Monitor

	mu         sync.Mutex
	oplog      *locallog.Log
	peerLink   *peer.Peer
	relayLink  *relay.Transport
	transports []transport.Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an App bound to the given configuration. No I/O happens until
// Init.
func New(cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[linkmesh] ", log.LstdFlags)
	}

	ks, err := keys.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	monitor := syncer.NewMonitor(syncer.MonitorConfig{
		SlowThreshold: cfg.Sync.SlowThreshold,
		MaxBatchSize:  cfg.Sync.BatchSize * 5,
		MinBatchSize:  cfg.Sync.BatchSize / 2,
	})

	return &App{
		cfg:      cfg,
		logger:   logger,
		keystore: ks,
		store:    store.New(cfg.DeviceName, store.Config{}),
		monitor:  monitor,
		coordinator: syncer.NewCoordinator(syncer.CoordinatorConfig{
			LargeThreshold: cfg.Sync.LargeThreshold,
			FirstPageSize:  cfg.Sync.FirstPageSize,
			PageSize:       cfg.Sync.PageSize,
			Thresholds: syncer.Thresholds{
				RecentWindow: cfg.Sync.RecentWindow,
				MediumWindow: cfg.Sync.MediumWindow,
				HighTagCount: cfg.Sync.HighTagCount,
			},
			Logger: logger,
		}, monitor),
	}, nil
}

// Init brings the App up: it starts the relay client, and if the device is
// paired (holds a root secret), replays the local log and starts every
// replication transport. An unpaired device comes up with only the relay
// client running, enough to complete pairing.
func (a *App) Init(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	var identity *keys.Identity
	if a.keystore.HasRoot() {
		root, err := a.keystore.Export()
		if err != nil {
			return fmt.Errorf("failed to export root secret: %w", err)
		}
		identity, err = keys.RelayIdentity(root)
		if err != nil {
			return fmt.Errorf("failed to derive relay identity: %w", err)
		}
	}

	a.relayClient = relay.NewClient(relay.Config{
		URLs:     a.cfg.Relays,
		Sender:   a.cfg.DeviceName,
		Identity: identity,
		Logger:   a.logger,
	})
	if err := a.relayClient.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start relay client: %w", err)
	}
	a.feedLatencies()

	if a.keystore.HasRoot() {
		if err := a.startReplication(a.ctx); err != nil {
			return err
		}
	} else {
		a.logger.Printf("no root secret installed; pairing required before sync")
	}
	return nil
}

// startReplication derives the per-transport keys and brings up the local
// log, peer channel and relay transport. The log is loaded before anything
// else starts; the device does not count as synced until that completes.
func (a *App) startReplication(ctx context.Context) error {
	sealKey, err := a.keystore.DeriveFor(keys.PurposeLogSeal)
	if err != nil {
		return fmt.Errorf("failed to derive log sealing key: %w", err)
	}
	roomKey, err := a.keystore.DeriveFor(keys.PurposeReplicationRoom)
	if err != nil {
		return fmt.Errorf("failed to derive replication room key: %w", err)
	}

	oplog, err := locallog.Open(filepath.Join(a.cfg.DataDir, "oplog.db"), sealKey, a.store, a.store.ApplyRemote, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open local log: %w", err)
	}
	if err := oplog.Load(ctx); err != nil {
		_ = oplog.Stop()
		return fmt.Errorf("failed to replay local log: %w", err)
	}
	if err := oplog.Start(ctx); err != nil {
		_ = oplog.Stop()
		return fmt.Errorf("failed to start local log: %w", err)
	}

	peerLink := peer.New(a.store, a.store.ApplyRemote, peer.Config{
		URL:    a.cfg.PeerURL,
		Key:    roomKey,
		Logger: a.logger,
	})
	if err := peerLink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start peer transport: %w", err)
	}

	relayLink := relay.NewTransport(a.relayClient, a.store, a.store.ApplyRemote, roomKey, a.logger)
	if err := relayLink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay transport: %w", err)
	}

	a.mu.Lock()
	a.oplog = oplog
	a.peerLink = peerLink
	a.relayLink = relayLink
	a.transports = []transport.Transport{oplog, peerLink, relayLink}
	a.mu.Unlock()
	return nil
}

// feedLatencies streams measured relay latencies into the network monitor.
func (a *App) feedLatencies() {
	events, unsubscribe := a.relayClient.Events()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-a.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Latency > 0 {
					a.monitor.Record(ev.Latency)
				}
			}
		}
	}()
}

// Shutdown stops everything Init started, in reverse order. Idempotent.
func (a *App) Shutdown() {
	a.coordinator.Shutdown()

	a.mu.Lock()
	transports := a.transports
	a.transports = nil
	a.mu.Unlock()

	for i := len(transports) - 1; i >= 0; i-- {
		if err := transports[i].Stop(); err != nil {
			a.logger.Printf("WARNING: failed to stop %s transport: %v", transports[i].Name(), err)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.relayClient != nil {
		_ = a.relayClient.Stop()
	}
	a.wg.Wait()
	a.store.Close()
}

// Store exposes the replicated bookmark store.
func (a *App) Store() *store.Store { return a.store }

// Keystore exposes the device keystore.
func (a *App) Keystore() *keys.Keystore { return a.keystore }

// Coordinator exposes the sync coordinator.
func (a *App) Coordinator() *syncer.Coordinator { return a.coordinator }

// RelayClient exposes the relay client, shared by pairing and replication.
func (a *App) RelayClient() *relay.Client { return a.relayClient }

// PeerHandler returns the HTTP handler serving inbound peer connections, or
// nil while the device is unpaired.
func (a *App) PeerHandler() http.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peerLink == nil {
		return nil
	}
	return a.peerLink.Handler()
}

// StartPairingAsInitiator begins a pairing attempt on this (already paired)
// device. The returned engine reports progress via States; the code and
// payload go to the human and the QR renderer.
func (a *App) StartPairingAsInitiator(ctx context.Context) (*pairing.Engine, pairing.Code, string, error) {
	engine := pairing.NewEngine(a.keystore, a.relayClient, pairing.Config{
		DeviceName: a.cfg.DeviceName,
		Logger:     a.logger,
	})
	code, payload, err := engine.StartAsInitiator(ctx)
	if err != nil {
		return nil, pairing.Code{}, "", err
	}
	return engine, code, payload, nil
}

// CompletePairingAsResponder runs the responder side to completion and, on
// success, brings the replication transports up with the freshly imported
// root secret.
func (a *App) CompletePairingAsResponder(ctx context.Context, codeText, payload string) error {
	engine := pairing.NewEngine(a.keystore, a.relayClient, pairing.Config{
		DeviceName: a.cfg.DeviceName,
		Logger:     a.logger,
	})
	defer engine.Close()

	if err := engine.CompleteAsResponder(ctx, codeText, payload); err != nil {
		return err
	}
	return a.startReplication(a.ctx)
}

// Undo reverts the most recent local undo group.
func (a *App) Undo() bool { return a.store.Undo() }

// Redo reapplies the most recently undone group.
func (a *App) Redo() bool { return a.store.Redo() }

// SyncStatus reports per-transport state, including the per-relay breakdown.
func (a *App) SyncStatus() SyncStatus {
	a.mu.Lock()
	transports := append([]transport.Transport(nil), a.transports...)
	a.mu.Unlock()

	status := SyncStatus{Paired: a.keystore.HasRoot()}
	for _, t := range transports {
		status.Transports = append(status.Transports, t.Status())
	}
	if a.relayClient != nil {
		status.Relays = a.relayClient.Statuses()
	}
	if p, ok := a.coordinator.SyncProgress(); ok {
		status.InitialSync = &p
	}
	return status
}

// SyncStatus aggregates the state of every sync channel.
type SyncStatus struct {
	Paired      bool
	Transports  []transport.Status
	Relays      []relay.RelayStatus
	InitialSync *syncer.Progress
}

// ProcessInitialSync pushes the whole collection through onPage, prioritized
// and paginated when the collection is large.
func (a *App) ProcessInitialSync(ctx context.Context, onPage func(page []store.Bookmark) error) (syncer.Progress, error) {
	return a.coordinator.InitialSync(ctx, a.store.All(), onPage)
}

// Reset destroys the root secret and detaches this device from its lineage.
// Replicated data on other devices is untouched.
func (a *App) Reset() error {
	return a.keystore.Destroy()
}
