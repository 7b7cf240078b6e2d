// Package controlplane assembles the engine: one store, one queue, one
// controller per resource kind, the API server and the optional history
// archiver, all from a single configuration document.
package controlplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"

	"github.com/cloudforge/anvil/pkg/api"
	"github.com/cloudforge/anvil/pkg/archive"
	"github.com/cloudforge/anvil/pkg/clients"
	"github.com/cloudforge/anvil/pkg/config"
	"github.com/cloudforge/anvil/pkg/controller"
	"github.com/cloudforge/anvil/pkg/enqueuer"
	"github.com/cloudforge/anvil/pkg/events"
	"github.com/cloudforge/anvil/pkg/lifecycle"
	"github.com/cloudforge/anvil/pkg/log"
	"github.com/cloudforge/anvil/pkg/metrics"
	"github.com/cloudforge/anvil/pkg/queue"
	"github.com/cloudforge/anvil/pkg/store"
)

// ControlPlane owns the lifecycle of every engine component.
type ControlPlane struct {
	cfg         *config.Config
	store       store.Store
	queue       queue.Queue
	broker      *events.Broker
	controllers []*controller.Controller
	collector   *metrics.Collector
	archiver    *archive.Archiver
	apiServer   *api.Server

	boltDB    *bolt.DB
	apiErr    chan error
	auditSub  events.Subscriber
	auditDone chan struct{}
}

// New builds the control plane. The external clients are injected so
// deployments can swap real Redfish/fabric/DHCP integrations for others.
func New(cfg *config.Config, cl clients.Set) (*ControlPlane, error) {
	cp := &ControlPlane{cfg: cfg, apiErr: make(chan error, 1)}

	if err := cp.initBackends(); err != nil {
		return nil, err
	}

	defs := lifecycle.Definitions()
	handlers := lifecycle.Handlers()

	cp.broker = events.NewBroker()
	cp.collector = metrics.NewCollector(cp.store, cp.queue, defs, 15*time.Second)

	for kind, def := range defs {
		ctrl := controller.New(kind, def, handlers[kind],
			cp.store, cp.queue, cp.broker, cl, cfg.ForKind(kind))
		cp.controllers = append(cp.controllers, ctrl)
	}

	enq := enqueuer.New(cp.store, cp.queue, cp.broker)
	cp.apiServer = api.NewServer(cp.store, enq, defs)

	if cfg.Archive.Enabled {
		archiver, err := archive.New(cfg.Archive, cp.store)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archiver: %w", err)
		}
		cp.archiver = archiver
	}

	return cp, nil
}

// auditEvents drains one broker subscription into the structured log, so
// the audit trail of the whole fleet is greppable in a single stream. It
// exits when the subscription channel is closed.
func auditEvents(sub events.Subscriber, done chan struct{}) {
	defer close(done)
	logger := log.WithComponent("audit")
	for event := range sub {
		logger.Info().
			Str("event", string(event.Type)).
			Str("resource_kind", string(event.Kind)).
			Str("resource_id", event.ResourceID).
			Str("message", event.Message).
			Time("at", event.Timestamp).
			Msg("Lifecycle event")
	}
}

func (cp *ControlPlane) initBackends() error {
	switch cp.cfg.Store.Backend {
	case "memory":
		cp.store = store.NewMemoryStore()
		cp.queue = queue.NewMemoryQueue()

	case "bolt":
		if err := os.MkdirAll(cp.cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := bolt.Open(filepath.Join(cp.cfg.DataDir, "anvil.db"), 0600, nil)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		cp.boltDB = db
		boltStore, err := store.NewBoltStoreFromDB(db)
		if err != nil {
			return err
		}
		boltQueue, err := queue.NewBoltQueueFromDB(db)
		if err != nil {
			return err
		}
		cp.store = boltStore
		cp.queue = boltQueue

	case "postgres":
		pgStore, err := store.NewPostgresStore(cp.cfg.Store.DSN)
		if err != nil {
			return err
		}
		// The database may still be starting; retry with backoff before
		// giving up.
		connect := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return pgStore.Ping(ctx)
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)
		if err := backoff.Retry(connect, policy); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		cp.store = pgStore
		cp.queue = queue.NewPostgresQueue(pgStore.DB())

	default:
		return fmt.Errorf("unknown store backend %q", cp.cfg.Store.Backend)
	}

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("queue", true, "")
	return nil
}

// Start launches every component. The API serves asynchronously; a listen
// failure surfaces through Err.
func (cp *ControlPlane) Start() {
	logger := log.WithComponent("controlplane")
	logger.Info().
		Str("backend", cp.cfg.Store.Backend).
		Int("controllers", len(cp.controllers)).
		Msg("Starting control plane")

	cp.broker.Start()
	cp.auditSub = cp.broker.Subscribe()
	cp.auditDone = make(chan struct{})
	go auditEvents(cp.auditSub, cp.auditDone)
	cp.collector.Start()
	for _, ctrl := range cp.controllers {
		ctrl.Start()
	}
	if cp.archiver != nil {
		cp.archiver.Start()
	}
	go func() {
		cp.apiErr <- cp.apiServer.Start(cp.cfg.API.ListenAddr)
	}()
}

// Err reports a fatal API server error.
func (cp *ControlPlane) Err() <-chan error {
	return cp.apiErr
}

// Stop shuts everything down in dependency order: stop accepting work,
// drain the controllers, then close the backends.
func (cp *ControlPlane) Stop(ctx context.Context) {
	logger := log.WithComponent("controlplane")

	if err := cp.apiServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
	for _, ctrl := range cp.controllers {
		ctrl.Stop()
	}
	if cp.archiver != nil {
		cp.archiver.Stop()
	}
	cp.collector.Stop()
	if cp.auditSub != nil {
		// Unsubscribe closes the channel, which ends the audit loop.
		cp.broker.Unsubscribe(cp.auditSub)
		<-cp.auditDone
	}
	cp.broker.Stop()

	if cp.boltDB != nil {
		// Store and queue share the handle; close it once.
		if err := cp.boltDB.Close(); err != nil {
			logger.Error().Err(err).Msg("Database close failed")
		}
	} else {
		if err := cp.queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Queue close failed")
		}
		if err := cp.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Store close failed")
		}
	}

	logger.Info().Msg("Control plane stopped")
}
