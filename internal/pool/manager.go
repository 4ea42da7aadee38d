package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/cjgratacos/dynamopool/pkg/endpoint"
)

// Manager owns one Pool per configured endpoint. It is the top-level entry
// point an application embeds: callers acquire by endpoint ID rather than
// holding a *Pool directly, so a Manager can be handed a fresh endpoint
// list at startup without its callers needing to know how many endpoints
// exist.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// FactoryBuilder produces the Factory/Validator pair for one endpoint. It
// is the seam between the generic pool core and internal/dynamo's
// AWS-SDK-backed implementation.
type FactoryBuilder func(ep endpoint.Config) (Factory, Validator, error)

// NewManager builds a Pool for every endpoint in endpoints, using build to
// construct each endpoint's factory and validator. If any endpoint fails
// to initialize, every pool already created is closed before the error is
// returned.
func NewManager(ctx context.Context, endpoints []endpoint.Config, build FactoryBuilder, opts ...Option) (*Manager, error) {
	m := &Manager{pools: make(map[string]*Pool, len(endpoints))}

	for _, ep := range endpoints {
		factory, validator, err := build(ep)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("building factory for endpoint %s: %w", ep.ID, err)
		}

		pl, err := New(ctx, ep.ID, poolConfigFromEndpoint(ep), factory, validator, opts...)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("initializing pool for endpoint %s: %w", ep.ID, err)
		}
		m.pools[ep.ID] = pl
	}

	return m, nil
}

// poolConfigFromEndpoint lifts the pool-sizing fields carried on
// endpoint.Config into a pool.Config.
func poolConfigFromEndpoint(ep endpoint.Config) Config {
	return Config{
		MinSize:                ep.MinSize,
		MaxSize:                ep.MaxSize,
		InitialSize:            ep.InitialSize,
		ConnectTimeout:         ep.ConnectTimeout,
		IdleTimeout:            ep.IdleTimeout,
		MaxLifetime:            ep.MaxLifetime,
		ValidationTimeout:      ep.ValidationTimeout,
		EvictionInterval:       ep.EvictionInterval,
		MaxWait:                ep.MaxWait,
		TestOnBorrow:           ep.TestOnBorrow,
		TestOnReturn:           ep.TestOnReturn,
		TestWhileIdle:          ep.TestWhileIdle,
		NumTestsPerEvictionRun: ep.NumTestsPerEvictionRun,
		BlockWhenExhausted:     ep.BlockWhenExhausted,
		Ordering:               Ordering(ep.Ordering),
		ConnectionProperties:   ep.ConnectionProperties,
	}
}

// Borrow acquires a session from the named endpoint's pool.
func (m *Manager) Borrow(ctx context.Context, endpointID string) (*Handle, error) {
	m.mu.RLock()
	pl, ok := m.pools[endpointID]
	m.mu.RUnlock()
	if !ok {
		return nil, newError(ErrConfigurationInvalid, fmt.Sprintf("unknown endpoint: %s", endpointID), nil)
	}
	return pl.Borrow(ctx)
}

// Pool returns the Pool for a given endpoint ID.
func (m *Manager) Pool(endpointID string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pl, ok := m.pools[endpointID]
	return pl, ok
}

// Stats returns an occupancy snapshot for every managed endpoint.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, pl := range m.pools {
		stats = append(stats, pl.Stats())
	}
	return stats
}

// Close shuts down every managed pool, collecting the first error
// encountered but always attempting to close all of them.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, pl := range m.pools {
		if err := pl.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", id, err)
		}
	}
	m.pools = nil
	return firstErr
}
