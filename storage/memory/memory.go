// Package memory provides an in-memory implementation of the lexbill.Store
// and lexbill.EventLog interfaces. This implementation is primarily
// intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// Store implements lexbill.Store using in-memory maps.
type Store struct {
	mu      sync.RWMutex
	records map[string]*lexbill.TenantBillingRecord
	grants  map[string]*lexbill.SignatureCreditGrant
	usage   map[string]int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*lexbill.TenantBillingRecord),
		grants:  make(map[string]*lexbill.SignatureCreditGrant),
		usage:   make(map[string]int64),
	}
}

// GetRecord implements lexbill.Store.
func (s *Store) GetRecord(_ context.Context, tenantID string) (*lexbill.TenantBillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[tenantID]
	if !ok {
		return nil, lexbill.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// FindRecordByCustomer implements lexbill.Store.
func (s *Store) FindRecordByCustomer(_ context.Context, customerID string) (*lexbill.TenantBillingRecord, error) {
	return s.findRecord(func(r *lexbill.TenantBillingRecord) bool {
		return customerID != "" && r.ExternalCustomerID == customerID
	})
}

// FindRecordBySubscription implements lexbill.Store.
func (s *Store) FindRecordBySubscription(_ context.Context, subscriptionID string) (*lexbill.TenantBillingRecord, error) {
	return s.findRecord(func(r *lexbill.TenantBillingRecord) bool {
		return subscriptionID != "" && r.ExternalSubscriptionID == subscriptionID
	})
}

// FindRecordByItem implements lexbill.Store.
func (s *Store) FindRecordByItem(_ context.Context, itemID string) (*lexbill.TenantBillingRecord, error) {
	return s.findRecord(func(r *lexbill.TenantBillingRecord) bool {
		return itemID != "" && r.ExternalItemID == itemID
	})
}

// FindRecordByEmail implements lexbill.Store.
func (s *Store) FindRecordByEmail(_ context.Context, email string) (*lexbill.TenantBillingRecord, error) {
	return s.findRecord(func(r *lexbill.TenantBillingRecord) bool {
		return email != "" && r.BillingEmail == email
	})
}

func (s *Store) findRecord(match func(*lexbill.TenantBillingRecord) bool) (*lexbill.TenantBillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if match(rec) {
			return rec.Clone(), nil
		}
	}
	return nil, lexbill.ErrRecordNotFound
}

// ListRecordsWithoutSubscription implements lexbill.Store.
func (s *Store) ListRecordsWithoutSubscription(_ context.Context) ([]*lexbill.TenantBillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*lexbill.TenantBillingRecord
	for _, rec := range s.records {
		if rec.ExternalSubscriptionID == "" {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// UpsertRecord implements lexbill.Store. The write applies only when the
// incoming LastEventAt is strictly newer than the stored one; the check and
// the write happen under one lock, mirroring the single-statement
// conditional upsert of the Postgres implementation.
func (s *Store) UpsertRecord(_ context.Context, rec *lexbill.TenantBillingRecord) (bool, error) {
	if rec == nil || rec.TenantID == "" {
		return false, fmt.Errorf("invalid record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.TenantID]; ok {
		if !rec.LastEventAt.After(existing.LastEventAt) {
			return false, nil
		}
	}
	s.records[rec.TenantID] = rec.Clone()
	return true, nil
}

// InsertCreditGrant implements lexbill.Store. Grants are append-only and
// keyed on DedupKey; a duplicate key is a no-op.
func (s *Store) InsertCreditGrant(_ context.Context, grant *lexbill.SignatureCreditGrant) (bool, error) {
	if grant == nil || grant.DedupKey == "" {
		return false, fmt.Errorf("invalid grant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[grant.DedupKey]; ok {
		return false, nil
	}
	cp := *grant
	s.grants[grant.DedupKey] = &cp
	return true, nil
}

// CreditBalance implements lexbill.Store.
func (s *Store) CreditBalance(_ context.Context, cabinetID, memberID string, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.creditBalanceLocked(cabinetID, memberID, now), nil
}

func (s *Store) creditBalanceLocked(cabinetID, memberID string, now time.Time) int64 {
	var total int64
	for _, g := range s.grants {
		if g.CabinetID == cabinetID && g.MemberID == memberID && !g.Expired(now) {
			total += g.Quantity
		}
	}
	return total
}

// AddSignatureUsage implements lexbill.Store.
func (s *Store) AddSignatureUsage(_ context.Context, tenantID string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage[tenantID] += n
	return s.usage[tenantID], nil
}

// ConsumeSignature implements lexbill.Store. The allowance check and the
// increment happen under one lock, so concurrent consumers racing for the
// last signature see each other's increments.
func (s *Store) ConsumeSignature(_ context.Context, tenantID, memberID string, limit int64, now time.Time) (lexbill.SignatureConsumption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.usage[tenantID]
	balance := s.creditBalanceLocked(tenantID, memberID, now)
	res := lexbill.SignatureConsumption{Used: used, CreditBalance: balance}

	switch {
	case limit == lexbill.Unlimited || used < limit:
	case balance > used-limit:
		res.FromCredits = true
	default:
		return res, nil
	}

	s.usage[tenantID] = used + 1
	res.Consumed = true
	res.Used = used + 1
	return res, nil
}

// SignatureUsage implements lexbill.Store.
func (s *Store) SignatureUsage(_ context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usage[tenantID], nil
}

// ResetSignatureUsage implements lexbill.Store.
func (s *Store) ResetSignatureUsage(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage[tenantID] = 0
	return nil
}

// EventLog is an in-memory lexbill.EventLog for tests and single-process
// deployments.
type EventLog struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewEventLog creates a new in-memory event log.
func NewEventLog() *EventLog {
	return &EventLog{seen: make(map[string]time.Time)}
}

// MarkProcessed implements lexbill.EventLog.
func (l *EventLog) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expiry, ok := l.seen[eventID]; ok && now.Before(expiry) {
		return false, nil
	}
	l.seen[eventID] = now.Add(ttl)
	return true, nil
}
