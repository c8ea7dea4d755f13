package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/liquefaction-labs/liquefaction/internal/policy"
)

func TestTable_RegisterAndLookup(t *testing.T) {
	table := policy.NewTable()

	called := false
	table.Register("0xpolicy", policy.Func(func(_ context.Context, n policy.EnrollmentNotice) error {
		called = true
		if n.Manager != "0xmanager" {
			t.Fatalf("unexpected manager: %s", n.Manager)
		}
		return nil
	}))

	p, ok := table.Lookup("0xpolicy")
	if !ok {
		t.Fatal("expected policy to be registered")
	}

	if err := p.NotifyEnrollment(context.Background(), policy.EnrollmentNotice{Manager: "0xmanager"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected callback to be invoked")
	}
}

func TestTable_LookupMissing(t *testing.T) {
	table := policy.NewTable()
	if _, ok := table.Lookup("0xghost"); ok {
		t.Fatal("expected lookup of unregistered principal to fail")
	}
}

func TestFunc_VetoPropagates(t *testing.T) {
	errVeto := errors.New("missing required asset")
	f := policy.Func(func(_ context.Context, _ policy.EnrollmentNotice) error {
		return errVeto
	})

	if err := f.NotifyEnrollment(context.Background(), policy.EnrollmentNotice{}); !errors.Is(err, errVeto) {
		t.Fatalf("expected veto error to propagate, got %v", err)
	}
}
