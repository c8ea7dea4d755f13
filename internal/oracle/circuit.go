package oracle

import (
	"context"
	"sync"
	"time"
)

// CircuitConfig tunes OracleCircuit: a staleness/cool-off shape gating
// trust in the block-hash oracle the same way a breaker gates trust in
// any other flaky collaborator.
type CircuitConfig struct {
	// StaleThreshold is the maximum age of a successful oracle query
	// before that chain is considered untrusted.
	StaleThreshold time.Duration

	// CoolOff is how long a chain must stay healthy after a failed query,
	// and after its first successful query, before CanTrust reports it
	// trusted.
	CoolOff time.Duration
}

// DefaultCircuitConfig returns production-tuned defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		StaleThreshold: 2 * time.Minute,
		CoolOff:        30 * time.Second,
	}
}

type chainState struct {
	lastSuccess time.Time
	recoveredAt time.Time
	healthy     bool
}

// OracleCircuit wraps a BlockHashOracle and gates CanTrust() on query
// freshness, recording a cool-off window after any failure so a chain
// that was recently unreliable can't be leaned on again instantly.
// ethtx can be given an OracleCircuit as its BlockHashOracle, but it only
// calls GetBlockHash and never consults CanTrust; the underlying
// BlockHashOracle semantics are unchanged.
type OracleCircuit struct {
	inner BlockHashOracle
	cfg   CircuitConfig

	mu     sync.RWMutex
	chains map[uint64]*chainState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time
}

// NewOracleCircuit wraps inner with freshness gating per cfg.
func NewOracleCircuit(inner BlockHashOracle, cfg CircuitConfig) *OracleCircuit {
	return &OracleCircuit{
		inner:   inner,
		cfg:     cfg,
		chains:  make(map[uint64]*chainState),
		nowFunc: time.Now,
	}
}

// GetBlockHash delegates to the wrapped oracle, recording success/failure
// for freshness tracking.
func (c *OracleCircuit) GetBlockHash(ctx context.Context, chainID, blockNumber uint64) ([32]byte, error) {
	hash, err := c.inner.GetBlockHash(ctx, chainID, blockNumber)
	c.record(chainID, err == nil)
	return hash, err
}

func (c *OracleCircuit) record(chainID uint64, success bool) {
	now := c.nowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.chains[chainID]
	if !ok {
		st = &chainState{}
		c.chains[chainID] = st
	}

	wasHealthy := st.healthy
	if success {
		st.lastSuccess = now
		st.healthy = true
		if !wasHealthy {
			st.recoveredAt = now
		}
	} else {
		st.healthy = false
	}
}

// CanTrust reports whether the most recent oracle query for chainID
// succeeded within StaleThreshold, no manual halt is active, and any
// post-failure cool-off has elapsed.
func (c *OracleCircuit) CanTrust(chainID uint64) bool {
	c.haltMu.RLock()
	halted := c.halted
	c.haltMu.RUnlock()
	if halted {
		return false
	}

	now := c.nowFunc()

	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.chains[chainID]
	if !ok {
		return false
	}
	if !st.healthy {
		return false
	}
	if now.Sub(st.lastSuccess) > c.cfg.StaleThreshold {
		return false
	}
	if !st.recoveredAt.IsZero() && now.Sub(st.recoveredAt) < c.cfg.CoolOff {
		return false
	}
	return true
}

// Halt forces CanTrust to return false for every chain until Resume.
func (c *OracleCircuit) Halt() {
	c.haltMu.Lock()
	c.halted = true
	c.haltMu.Unlock()
}

// Resume clears a manual Halt.
func (c *OracleCircuit) Resume() {
	c.haltMu.Lock()
	c.halted = false
	c.haltMu.Unlock()
}

var _ BlockHashOracle = (*OracleCircuit)(nil)
