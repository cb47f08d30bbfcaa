package main

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/blockflow/analyzer"
	"github.com/songzhibin97/blockflow/config"
	"github.com/songzhibin97/blockflow/events"
	"github.com/songzhibin97/blockflow/kernel"
	"github.com/songzhibin97/blockflow/session"
	"github.com/songzhibin97/blockflow/storage"
	"github.com/songzhibin97/blockflow/workflow"
)

// app wires the engine and everything it depends on from the config.
type app struct {
	engine   *workflow.Engine
	sessions *session.Manager
	bus      *events.EventBus
	closers  []func() error
}

func newApp(cfg config.Config, opts ...workflow.Option) (*app, error) {
	generate := generator.NewSnowflake(time.Now().Add(-time.Second), 1)

	var factory kernel.Factory
	switch cfg.Kernel.Backend {
	case config.KernelPython:
		factory = kernel.NewPythonFactory(
			kernel.WithPythonBinary(cfg.Kernel.PythonBinary),
			kernel.WithInterruptGrace(cfg.Kernel.InterruptGrace.Std()),
			kernel.WithWorkDir(cfg.Kernel.WorkDir),
			kernel.WithPythonLogger(logger),
		)
	default:
		factory = kernel.NewExprFactory(kernel.WithExprLogger(logger))
	}

	sessions, err := session.NewManager(generate, factory,
		session.WithLogger(logger),
		session.WithIdleTimeout(cfg.Session.IdleTimeout.Std()),
		session.WithReapInterval(cfg.Session.ReapInterval.Std()),
	)
	if err != nil {
		return nil, err
	}
	a := &app{
		sessions: sessions,
		bus:      events.NewEventBus(events.WithBufferSize(cfg.Engine.EventBuffer), events.WithLogger(logger)),
	}

	var store storage.Storage
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		rs, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Storage.Redis.Addr,
			Password:     cfg.Storage.Redis.Password,
			DB:           cfg.Storage.Redis.DB,
			PoolSize:     cfg.Storage.Redis.PoolSize,
			MinIdleConns: cfg.Storage.Redis.MinIdleConns,
			IdleTimeout:  cfg.Storage.Redis.IdleTimeout.Std(),
		})
		if err != nil {
			a.bus.Stop()
			_ = sessions.Close()
			return nil, err
		}
		store = rs
		a.closers = append(a.closers, rs.Close)
	default:
		store = storage.NewMemoryStorage()
	}

	base := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithNodeTimeout(cfg.Engine.NodeTimeout.Std()),
		workflow.WithAnalyzer(analyzer.New(
			analyzer.WithLogger(logger),
			analyzer.WithMaxSourceSize(cfg.Analyzer.MaxSourceSize),
		)),
		workflow.WithEventBus(a.bus),
	}
	engine, err := workflow.NewEngine(generate, store, sessions, fileSource{}, append(base, opts...)...)
	if err != nil {
		a.closeAll()
		a.bus.Stop()
		_ = sessions.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

func (a *app) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

// Close stops the engine, then the sessions and storage behind it.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	if a.engine != nil {
		if err := a.engine.Stop(ctx); err != nil {
			firstErr = fmt.Errorf("failed to stop engine: %w", err)
		}
	}
	if err := a.sessions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.closeAll()
	return firstErr
}
