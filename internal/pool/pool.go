package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driplinehq/dripline/internal/errs"
	"github.com/driplinehq/dripline/internal/logging"
	"github.com/driplinehq/dripline/internal/metrics"
)

// Conn is the slice of pgxpool.Pool the engine needs from a tenant
// connection. Tests swap in fakes through a custom Connector.
type Conn interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connector opens a connection for a tenant. It must return
// errs.ErrTenantNotFound when the tenant's database does not exist and
// errs.ErrInfraUnavailable for transient connection failures.
type Connector func(ctx context.Context, tenantID string) (Conn, error)

type entry struct {
	conn      Conn
	createdAt time.Time
}

// TenantPools caches per-tenant database connections, bounded to max
// entries. When full, the oldest-inserted entry is evicted and closed in
// the background. Eviction order is insertion order, not usage order.
type TenantPools struct {
	mu           sync.Mutex
	max          int
	probeTimeout time.Duration
	connect      Connector
	log          *logging.Logger

	entries map[string]entry
	order   []string // insertion order, oldest first
}

// New builds a TenantPools with the given capacity and connector.
func New(max int, probeTimeout time.Duration, connect Connector, log *logging.Logger) *TenantPools {
	if max < 1 {
		max = 1
	}
	return &TenantPools{
		max:          max,
		probeTimeout: probeTimeout,
		connect:      connect,
		log:          log,
		entries:      make(map[string]entry),
	}
}

// Acquire returns the tenant's connection, creating it on first use. A
// cached connection is probed before being handed out; a failed probe
// drops the entry and surfaces tenant-not-found so callers do not retry
// connection creation indefinitely.
func (p *TenantPools) Acquire(ctx context.Context, tenantID string) (Conn, error) {
	p.mu.Lock()
	if e, ok := p.entries[tenantID]; ok {
		p.mu.Unlock()
		probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		err := e.conn.Ping(probeCtx)
		cancel()
		if err != nil {
			p.log.Plain().WithTenant(tenantID).WithError(err).Warn("tenant connection probe failed, dropping")
			p.drop(tenantID)
			return nil, fmt.Errorf("probe tenant %s: %w", tenantID, errs.ErrTenantNotFound)
		}
		return e.conn, nil
	}

	// Evict before insert so the capacity bound is never exceeded, even
	// transiently.
	if len(p.entries) >= p.max {
		p.evictOldestLocked()
	}
	p.mu.Unlock()

	conn, err := p.connect(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	// A concurrent Acquire may have inserted while we connected.
	if e, ok := p.entries[tenantID]; ok {
		p.mu.Unlock()
		go conn.Close()
		return e.conn, nil
	}
	if len(p.entries) >= p.max {
		p.evictOldestLocked()
	}
	p.entries[tenantID] = entry{conn: conn, createdAt: time.Now()}
	p.order = append(p.order, tenantID)
	size := len(p.entries)
	p.mu.Unlock()

	metrics.UpdatePoolSize(size)
	p.log.Plain().WithTenant(tenantID).WithField("pool_size", size).Debug("tenant connection created")
	return conn, nil
}

// Len returns the number of cached connections.
func (p *TenantPools) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close releases all cached connections.
func (p *TenantPools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		e.conn.Close()
		delete(p.entries, id)
	}
	p.order = nil
	metrics.UpdatePoolSize(0)
}

// drop removes a tenant entry and closes it in the background.
func (p *TenantPools) drop(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[tenantID]
	if !ok {
		return
	}
	delete(p.entries, tenantID)
	p.removeFromOrderLocked(tenantID)
	go e.conn.Close()
	metrics.UpdatePoolSize(len(p.entries))
}

// evictOldestLocked removes the oldest-inserted entry. Closing is
// best-effort and asynchronous; a close failure only logs.
func (p *TenantPools) evictOldestLocked() {
	for len(p.order) > 0 {
		oldest := p.order[0]
		p.order = p.order[1:]
		e, ok := p.entries[oldest]
		if !ok {
			continue // already dropped
		}
		delete(p.entries, oldest)
		metrics.RecordEviction()
		p.log.Plain().WithTenant(oldest).WithField("age", time.Since(e.createdAt).String()).Info("evicting tenant connection")
		go func(c Conn, tenant string) {
			defer func() {
				if r := recover(); r != nil {
					p.log.Plain().WithTenant(tenant).WithField("panic", r).Error("tenant connection close panicked")
				}
			}()
			c.Close()
		}(e.conn, oldest)
		return
	}
}

func (p *TenantPools) removeFromOrderLocked(tenantID string) {
	for i, id := range p.order {
		if id == tenantID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// PGConnector returns a Connector that opens a pgx pool against the
// tenant's database. dsn maps a tenant id to its DSN. Asynchronous
// connection-level errors are logged through the handler registered on
// each connection instead of crashing the process.
func PGConnector(dsn func(tenantID string) string, log *logging.Logger) Connector {
	return func(ctx context.Context, tenantID string) (Conn, error) {
		cfg, err := pgxpool.ParseConfig(dsn(tenantID))
		if err != nil {
			return nil, fmt.Errorf("parse tenant dsn: %w", err)
		}
		cfg.MaxConns = 4
		cfg.ConnConfig.OnPgError = func(_ *pgconn.PgConn, pgErr *pgconn.PgError) bool {
			log.Plain().WithTenant(tenantID).WithField("sqlstate", pgErr.Code).WithError(pgErr).Error("async tenant connection error")
			return true // keep the connection; pgx closes it on fatal errors regardless
		}

		pgPool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, classifyConnectErr(tenantID, err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pgPool.Ping(pingCtx); err != nil {
			pgPool.Close()
			return nil, classifyConnectErr(tenantID, err)
		}
		return pgPool, nil
	}
}

// classifyConnectErr maps connection failures onto the error taxonomy:
// a missing database means the tenant was never provisioned (permanent),
// anything else is transient infrastructure trouble.
func classifyConnectErr(tenantID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 3D000 invalid_catalog_name: the tenant database does not exist.
		if pgErr.Code == "3D000" {
			return fmt.Errorf("tenant %s: %w", tenantID, errs.ErrTenantNotFound)
		}
	}
	return fmt.Errorf("connect tenant %s: %v: %w", tenantID, err, errs.ErrInfraUnavailable)
}
