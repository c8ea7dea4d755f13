package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/liquefaction-labs/liquefaction/internal/eventbus"
)

// AuditSink persists every audit Event under a monotonically increasing
// key, so the kernel's PersistingSubscriber (internal/eventbus) durably
// records the trail described in SPEC_FULL.md §10.2 instead of just
// fanning it out in memory. Keys carry a zero-padded sequence number, so
// sorting the keys Scan("audit:") returns gives publish order; Scan itself
// returns them unordered.
type AuditSink struct {
	store Store
	seq   uint64
}

// NewAuditSink creates an AuditSink writing through store.
func NewAuditSink(store Store) *AuditSink {
	return &AuditSink{store: store}
}

type auditRecord struct {
	Kind      eventbus.Kind     `json:"kind"`
	Principal string            `json:"principal"`
	Subject   string            `json:"subject"`
	Block     uint64            `json:"block"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	WrittenAt int64             `json:"written_at"`
}

// Write serializes e and persists it under a fresh sequence key.
func (a *AuditSink) Write(ctx context.Context, e eventbus.Event) error {
	n := atomic.AddUint64(&a.seq, 1)
	key := fmt.Sprintf("audit:%020d", n)

	rec := auditRecord{
		Kind:      e.Kind,
		Principal: e.Principal,
		Subject:   e.Subject,
		Block:     e.Block,
		Attrs:     e.Attrs,
		WrittenAt: time.Now().UnixNano(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: audit: marshal event: %w", err)
	}
	return a.store.Put(ctx, key, payload)
}

var _ eventbus.Sink = (*AuditSink)(nil)
