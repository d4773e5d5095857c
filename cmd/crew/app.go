package main

import (
	"fmt"
	"log/slog"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/executor"
	"github.com/aamat-dev/crew-ia/internal/mqtt"
	"github.com/aamat-dev/crew-ia/internal/natsbus"
	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/aamat-dev/crew-ia/internal/plan"
	"github.com/aamat-dev/crew-ia/internal/postgres"
	"github.com/aamat-dev/crew-ia/internal/runfs"
	"github.com/aamat-dev/crew-ia/internal/runsvc"
	"github.com/aamat-dev/crew-ia/internal/store"
	"github.com/aamat-dev/crew-ia/internal/vault"
	"github.com/aamat-dev/crew-ia/internal/worker"
)

// app holds the components shared by run and serve.
type app struct {
	cfg     *config.Config
	db      *store.Store
	runs    *runfs.Dir
	bus     *natsbus.Bus
	nc      *natsbus.Client
	pg      *postgres.Backend
	mq      *mqtt.EventPublisher
	exec    *executor.Executor
	svc     *runsvc.Service
	closers []func()
}

// newApp wires storage, event publishing and workers. withBus starts the
// embedded NATS server when it is enabled in the config.
func newApp(cfg *config.Config, withBus bool) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	runs, err := runfs.New(cfg.Executor.RunsRoot)
	if err != nil {
		return nil, err
	}
	a.runs = runs
	backends := []persist.Backend{runs}

	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() { db.Close() })
	backends = append(backends, db)
	slog.Info("store initialized", "path", cfg.Store.Path)

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.pg = pg
		a.closers = append(a.closers, func() { pg.Close() })
		backends = append(backends, pg)
		slog.Info("postgres backend enabled")
	}

	if withBus && cfg.NATS.Enabled {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("init nats: %w", err)
		}
		a.bus = bus
		a.closers = append(a.closers, bus.Close)
		nc, err := natsbus.NewClient(bus)
		if err != nil {
			return nil, fmt.Errorf("nats client: %w", err)
		}
		a.nc = nc
		a.closers = append(a.closers, nc.Close)
		backends = append(backends, natsbus.NewEventPublisher(nc))
		slog.Info("nats started", "port", bus.Port())
	}

	if cfg.MQTT.Enabled {
		mq, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("init mqtt: %w", err)
		}
		a.mq = mq
		a.closers = append(a.closers, mq.Close)
		backends = append(backends, mq)
		slog.Info("mqtt publisher connected", "broker", cfg.MQTT.Broker)
	}

	var resolve worker.KeyResolver
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return nil, err
		}
		resolve = vault.NewSecrets(v, db).Get
	}
	runner := worker.FromConfig(cfg.Worker, resolve)

	a.exec = executor.New(executor.ConfigFrom(cfg), persist.NewFanout(backends...), runs, runner)
	a.svc = runsvc.New(a.exec, plan.NewRegistry(cfg.Plans.Dir))
	ok = true
	return a, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
