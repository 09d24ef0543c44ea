package core

import (
	"context"
	"log/slog"
	"sync"
)

// Pool is the process-wide registry of live kernel connections keyed
// by session record id. It also holds the subscription tier detected
// after authentication. Construct with NewPool and pass the handle to
// components; there is no package-level instance.
type Pool struct {
	mu    sync.Mutex
	conns map[string]KernelConnection
	tier  Tier
	log   *slog.Logger
}

// NewPool returns an empty pool with the free tier assumed until
// SetTier is called.
func NewPool() *Pool {
	return &Pool{
		conns: make(map[string]KernelConnection),
		tier:  TierFree,
		log:   slog.Default().With("component", "pool"),
	}
}

// Get returns the live connection for a session id, if any.
func (p *Pool) Get(sessionID string) (KernelConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[sessionID]
	return conn, ok
}

// Put registers a live connection for a session id, replacing and
// shutting down any previous one.
func (p *Pool) Put(ctx context.Context, sessionID string, conn KernelConnection) {
	p.mu.Lock()
	prev := p.conns[sessionID]
	p.conns[sessionID] = conn
	p.mu.Unlock()

	if prev != nil && prev != conn {
		if err := prev.Shutdown(ctx, false); err != nil {
			p.log.Warn("failed to shut down replaced connection", "session", sessionID, "error", err)
		}
	}
}

// Remove shuts down and deregisters the connection for a session id.
func (p *Pool) Remove(ctx context.Context, sessionID string) {
	p.mu.Lock()
	conn, ok := p.conns[sessionID]
	delete(p.conns, sessionID)
	p.mu.Unlock()

	if ok {
		if err := conn.Shutdown(ctx, false); err != nil {
			p.log.Warn("failed to shut down connection", "session", sessionID, "error", err)
		}
	}
}

// Size returns the number of live connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Tier returns the detected subscription tier.
func (p *Pool) Tier() Tier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tier
}

// SetTier records the subscription tier detected from ccu-info.
func (p *Pool) SetTier(tier Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tier = tier
}

// Shutdown closes every live connection. Called once at process exit
// so no WebSocket or kernel reference outlives the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]KernelConnection)
	p.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Shutdown(ctx, false); err != nil {
			p.log.Warn("failed to shut down connection", "session", id, "error", err)
		}
	}
}
