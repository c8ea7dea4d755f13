package cell_test

import (
	"errors"
	"testing"

	"github.com/liquefaction-labs/liquefaction/internal/cell"
)

func TestUpdateTo_SameBlockRejected(t *testing.T) {
	c := cell.New("addrA", 10)

	if err := c.UpdateTo("addrB", 10); !errors.Is(err, cell.ErrSameBlockWrite) {
		t.Fatalf("expected ErrSameBlockWrite, got %v", err)
	}
}

func TestUpdateTo_LaterBlockAccepted(t *testing.T) {
	c := cell.New("addrA", 10)

	if err := c.UpdateTo("addrB", 11); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFinalized_PendingInSameBlock(t *testing.T) {
	c := cell.New("addrA", 10)

	if _, err := c.Finalized(10); !errors.Is(err, cell.ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}

	v, err := c.Finalized(11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "addrA" {
		t.Fatalf("expected addrA, got %s", v)
	}
}

func TestIsFinalizedEqualTo_PendingIsFalseNotError(t *testing.T) {
	c := cell.New(42, 5)

	eq := func(a, b int) bool { return a == b }

	if c.IsFinalizedEqualTo(42, 5, eq) {
		t.Fatal("expected false while pending, same block")
	}
	if !c.IsFinalizedEqualTo(42, 6, eq) {
		t.Fatal("expected true once finalized")
	}
	if c.IsFinalizedEqualTo(99, 6, eq) {
		t.Fatal("expected false for mismatched value")
	}
}

func TestUpdateTo_TwiceAcrossBlocksThenSameBlockFails(t *testing.T) {
	c := cell.New(0, 1)
	if err := c.UpdateTo(1, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.UpdateTo(2, 2); !errors.Is(err, cell.ErrSameBlockWrite) {
		t.Fatalf("expected ErrSameBlockWrite on second same-block write, got %v", err)
	}
}
