package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liquefaction-labs/liquefaction/internal/oracle"
)

type fakeOracle struct {
	hash [32]byte
	err  error
}

func (f *fakeOracle) GetBlockHash(_ context.Context, _, _ uint64) ([32]byte, error) {
	return f.hash, f.err
}

func TestOracleCircuit_UntrustedBeforeFirstQuery(t *testing.T) {
	c := oracle.NewOracleCircuit(&fakeOracle{}, oracle.DefaultCircuitConfig())
	if c.CanTrust(1) {
		t.Fatal("expected CanTrust to be false before any query")
	}
}

func TestOracleCircuit_TrustedAfterCoolOff(t *testing.T) {
	cfg := oracle.CircuitConfig{StaleThreshold: time.Hour, CoolOff: 0}
	c := oracle.NewOracleCircuit(&fakeOracle{}, cfg)

	if _, err := c.GetBlockHash(context.Background(), 1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.CanTrust(1) {
		t.Fatal("expected CanTrust to be true immediately with zero cool-off")
	}
}

func TestOracleCircuit_FailureThenUntrusted(t *testing.T) {
	boom := errors.New("boom")
	c := oracle.NewOracleCircuit(&fakeOracle{err: boom}, oracle.DefaultCircuitConfig())

	if _, err := c.GetBlockHash(context.Background(), 1, 10); err == nil {
		t.Fatal("expected error to propagate")
	}
	if c.CanTrust(1) {
		t.Fatal("expected CanTrust to be false after a failed query")
	}
}

func TestOracleCircuit_ManualHalt(t *testing.T) {
	cfg := oracle.CircuitConfig{StaleThreshold: time.Hour, CoolOff: 0}
	c := oracle.NewOracleCircuit(&fakeOracle{}, cfg)
	_, _ = c.GetBlockHash(context.Background(), 1, 10)

	c.Halt()
	if c.CanTrust(1) {
		t.Fatal("expected CanTrust to be false while halted")
	}
	c.Resume()
	if !c.CanTrust(1) {
		t.Fatal("expected CanTrust to recover after Resume")
	}
}
