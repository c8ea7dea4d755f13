// Package eventbus is the kernel's audit trail: a many-to-many pub/sub hub
// that fans out typed Events emitted by the kernel's wallet creation,
// ownership transfer, lease grant, signature issuance, deposit credit and
// inclusion proof operations (deposit and transaction commitments, local
// funds and commitment releases emit none) to any number of subscribers — an
// audit-log writer, a metrics sink, or a test assertion. Adapted from the
// teacher's market-data Broadcaster: same non-blocking, drop-on-full-
// buffer fan-out, now carrying kernel audit events instead of order-book
// updates.
package eventbus

import (
	"context"
	"log"
	"sync"
)

// Kind identifies the category of an audit Event.
type Kind string

const (
	WalletCreated        Kind = "wallet_created"
	OwnershipTransferred Kind = "ownership_transferred"
	LeaseGranted         Kind = "lease_granted"
	SignatureIssued      Kind = "signature_issued"
	KeyExportRequested   Kind = "key_export_requested"
	KeyExported          Kind = "key_exported"
	KeyDestroyed         Kind = "key_destroyed"
	SubLeaseGranted      Kind = "sub_lease_granted"
	DepositCommitted     Kind = "deposit_committed"
	DepositCredited      Kind = "deposit_credited"
	TransactionCommitted Kind = "transaction_committed"
	TransactionSigned    Kind = "transaction_signed"
	InclusionProved      Kind = "inclusion_proved"
)

// Event is one audit-trail entry. Fields are populated selectively
// depending on Kind; Attrs carries kind-specific detail so the bus itself
// stays oblivious to the full variety of payload shapes, mirroring how the
// teacher's BookUpdate stayed a single flat struct shared by every
// exchange adapter.
type Event struct {
	Kind      Kind
	Principal string
	Subject   string // wallet address, sub-policy id, or tx hash, depending on Kind
	Block     uint64
	Attrs     map[string]string
}

// Bus is a many-to-many hub: any number of producers call Publish, any
// number of subscribers call Subscribe.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel receiving every published Event.
// The caller must drain it promptly: a slow subscriber has events dropped
// rather than blocking the kernel's dispatch loop.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans e out to every current subscriber, non-blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Printf("eventbus: dropping event %s for slow subscriber", e.Kind)
		}
	}
}

// PersistingSubscriber drains a Bus subscription and writes each Event to
// a Sink until ctx is cancelled. It is the audit-log half of the ambient
// logging story described in SPEC_FULL.md §10.2.
type PersistingSubscriber struct {
	events <-chan Event
	sink   Sink
}

// Sink persists one audit event. Implemented by the storage-backed audit
// writer wired in cmd/kerneld.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// NewPersistingSubscriber creates a subscriber that writes every event it
// receives on bus to sink.
func NewPersistingSubscriber(bus *Bus, sink Sink) *PersistingSubscriber {
	return &PersistingSubscriber{events: bus.Subscribe(), sink: sink}
}

// Run drains events until ctx is cancelled.
func (p *PersistingSubscriber) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-p.events:
			if !ok {
				return
			}
			if err := p.sink.Write(ctx, e); err != nil {
				log.Printf("eventbus: audit sink write failed: %v", err)
			}
		}
	}
}
