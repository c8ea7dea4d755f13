// Package policy defines the policy SPI: the single inbound hook every
// policy and sub-policy implements so the wallet registry can notify it
// synchronously of a new enrollment, with veto power. This is a
// type-erased callback resolved at enrollment time, not an inheritance
// hierarchy.
package policy

import "context"

// EnrollmentNotice describes an enrollment a policy is being asked to
// accept.
type EnrollmentNotice struct {
	Manager    string   // the access manager granting this lease
	Account    string   // the wallet address
	Assets     [][32]byte
	Expiration uint64
	Data       []byte // opaque enrollment-time metadata, policy-defined
}

// NotifyEnrollment is the single inbound hook a policy implements. It is
// called synchronously during enter_encumbrance; returning an error vetoes
// the enrollment and unwinds the lease the registry was about to install.
type NotifyEnrollment interface {
	NotifyEnrollment(ctx context.Context, notice EnrollmentNotice) error
}

// Func adapts a plain function to NotifyEnrollment, avoiding a full
// struct for trivial policies.
type Func func(ctx context.Context, notice EnrollmentNotice) error

func (f Func) NotifyEnrollment(ctx context.Context, notice EnrollmentNotice) error {
	return f(ctx, notice)
}

// Table resolves a principal (the policy's own address) to its
// NotifyEnrollment callback: the kernel holds a lookup table of
// (principal -> policy-callback), resolved synchronously at enrollment.
type Table struct {
	policies map[string]NotifyEnrollment
}

// NewTable creates an empty policy table.
func NewTable() *Table {
	return &Table{policies: make(map[string]NotifyEnrollment)}
}

// Register associates principal with a policy callback. Re-registering a
// principal replaces its callback.
func (t *Table) Register(principal string, p NotifyEnrollment) {
	t.policies[principal] = p
}

// Lookup returns the callback registered for principal, if any.
func (t *Table) Lookup(principal string) (NotifyEnrollment, bool) {
	p, ok := t.policies[principal]
	return p, ok
}
