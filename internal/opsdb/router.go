package opsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	pooledCoreConns     = 2
	pooledOverflowConns = 3
	pooledConnLifetime  = 5 * time.Minute
	connectProbeTimeout = 5 * time.Second
)

// Engine is a cached handle to one tenant database: the shared *sql.DB plus
// the classification computed when the DSN was first seen.
type Engine struct {
	DSN     string
	Policy  PoolingPolicy
	Dialect Dialect
	DB      *sql.DB
}

type engineBuilder func(ctx context.Context, tgt target) (*sql.DB, error)

// Router is the process-wide DSN → engine cache. Engines are created lazily,
// exactly once per distinct DSN string, and live until DisposeAll. One
// Router is constructed at process start and passed to every collaborator.
type Router struct {
	mu      sync.RWMutex
	engines map[string]*Engine

	// creationMu guards the per-DSN lock table. First-time construction is
	// serialized per DSN, not globally, so a cold connect to one tenant's
	// database never stalls another tenant.
	creationMu sync.Mutex
	creating   map[string]*sync.Mutex

	builders map[PoolingPolicy]engineBuilder
	log      *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		engines:  make(map[string]*Engine),
		creating: make(map[string]*sync.Mutex),
		builders: map[PoolingPolicy]engineBuilder{
			PolicySingleConnection: buildSingleConnection,
			PolicyPooled:           buildPooled,
		},
		log: log,
	}
}

// Get returns the cached engine for dsn, constructing it on first use.
// Repeated calls with the same DSN string return the identical engine.
func (r *Router) Get(ctx context.Context, dsn string) (*Engine, error) {
	r.mu.RLock()
	eng, ok := r.engines[dsn]
	r.mu.RUnlock()
	if ok {
		return eng, nil
	}

	tgt, err := classifyDSN(dsn)
	if err != nil {
		return nil, &ConnectivityError{DSN: MaskDSN(dsn), Err: err}
	}

	lock := r.creationLock(dsn)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have finished construction while we waited.
	r.mu.RLock()
	eng, ok = r.engines[dsn]
	r.mu.RUnlock()
	if ok {
		return eng, nil
	}

	db, err := r.builders[tgt.policy](ctx, tgt)
	if err != nil {
		return nil, &ConnectivityError{DSN: MaskDSN(dsn), Err: err}
	}

	eng = &Engine{DSN: dsn, Policy: tgt.policy, Dialect: tgt.dialect, DB: db}
	r.mu.Lock()
	r.engines[dsn] = eng
	r.mu.Unlock()

	r.log.Debug("opened operational database", "dsn", MaskDSN(dsn), "policy", tgt.policy.String())
	return eng, nil
}

func (r *Router) creationLock(dsn string) *sync.Mutex {
	r.creationMu.Lock()
	defer r.creationMu.Unlock()
	lock, ok := r.creating[dsn]
	if !ok {
		lock = &sync.Mutex{}
		r.creating[dsn] = lock
	}
	return lock
}

// Count reports how many engines are currently cached.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// DisposeAll closes every cached engine and clears the cache. Used at
// process shutdown and in test teardown; the next Get for any DSN builds a
// fresh engine.
func (r *Router) DisposeAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for dsn, eng := range r.engines {
		if err := eng.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", MaskDSN(dsn), err))
		}
	}
	r.engines = make(map[string]*Engine)

	r.creationMu.Lock()
	r.creating = make(map[string]*sync.Mutex)
	r.creationMu.Unlock()

	return errors.Join(errs...)
}

// buildSingleConnection opens a file-backed store on one shared connection.
// database/sql serializes access to it, which is what embedded stores need.
func buildSingleConnection(_ context.Context, tgt target) (*sql.DB, error) {
	db, err := sql.Open(tgt.driver, tgt.driverDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// buildPooled opens a networked store with a small bounded pool and probes
// liveness up front so a dead target fails construction instead of the first
// query.
func buildPooled(ctx context.Context, tgt target) (*sql.DB, error) {
	db, err := sql.Open(tgt.driver, tgt.driverDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(pooledCoreConns + pooledOverflowConns)
	db.SetMaxIdleConns(pooledCoreConns)
	db.SetConnMaxLifetime(pooledConnLifetime)

	probeCtx, cancel := context.WithTimeout(ctx, connectProbeTimeout)
	defer cancel()
	if err := db.PingContext(probeCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
