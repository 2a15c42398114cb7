// Package firestore provides a Firestore implementation of the
// lexbill.Store interface, for deployments that keep billing state in
// Google Cloud Firestore instead of Postgres.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// Store implements lexbill.Store using Google Cloud Firestore.
type Store struct {
	client            *firestore.Client
	recordsCollection string
	grantsCollection  string
	usageCollection   string
}

// Config holds Firestore store configuration.
type Config struct {
	// RecordsCollection is the Firestore collection for tenant billing
	// records. Default: "billing_records"
	RecordsCollection string

	// GrantsCollection is the Firestore collection for signature credit
	// grants. Default: "signature_credit_grants"
	GrantsCollection string

	// UsageCollection is the Firestore collection for per-cycle signature
	// usage counters. Default: "signature_usage"
	UsageCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.RecordsCollection == "" {
		config.RecordsCollection = "billing_records"
	}
	if config.GrantsCollection == "" {
		config.GrantsCollection = "signature_credit_grants"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "signature_usage"
	}

	return &Store{
		client:            client,
		recordsCollection: config.RecordsCollection,
		grantsCollection:  config.GrantsCollection,
		usageCollection:   config.UsageCollection,
	}, nil
}

// GetRecord implements lexbill.Store.
func (s *Store) GetRecord(ctx context.Context, tenantID string) (*lexbill.TenantBillingRecord, error) {
	doc := s.client.Collection(s.recordsCollection).Doc(tenantID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, lexbill.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get billing record: %w", err)
	}
	if !snap.Exists() {
		return nil, lexbill.ErrRecordNotFound
	}

	return recordFromData(snap.Data()), nil
}

// FindRecordByCustomer implements lexbill.Store.
func (s *Store) FindRecordByCustomer(ctx context.Context, customerID string) (*lexbill.TenantBillingRecord, error) {
	return s.findOne(ctx, "externalCustomerId", customerID)
}

// FindRecordBySubscription implements lexbill.Store.
func (s *Store) FindRecordBySubscription(ctx context.Context, subscriptionID string) (*lexbill.TenantBillingRecord, error) {
	return s.findOne(ctx, "externalSubscriptionId", subscriptionID)
}

// FindRecordByItem implements lexbill.Store.
func (s *Store) FindRecordByItem(ctx context.Context, itemID string) (*lexbill.TenantBillingRecord, error) {
	return s.findOne(ctx, "externalItemId", itemID)
}

// FindRecordByEmail implements lexbill.Store.
func (s *Store) FindRecordByEmail(ctx context.Context, email string) (*lexbill.TenantBillingRecord, error) {
	return s.findOne(ctx, "billingEmail", email)
}

func (s *Store) findOne(ctx context.Context, field, value string) (*lexbill.TenantBillingRecord, error) {
	if value == "" {
		return nil, lexbill.ErrRecordNotFound
	}

	iter := s.client.Collection(s.recordsCollection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, lexbill.ErrRecordNotFound
		}
		// iterator.Done also lands here: no document matched.
		return nil, lexbill.ErrRecordNotFound
	}

	return recordFromData(snap.Data()), nil
}

// ListRecordsWithoutSubscription implements lexbill.Store.
func (s *Store) ListRecordsWithoutSubscription(ctx context.Context) ([]*lexbill.TenantBillingRecord, error) {
	iter := s.client.Collection(s.recordsCollection).
		Where("externalSubscriptionId", "==", "").
		Documents(ctx)
	defer iter.Stop()

	var records []*lexbill.TenantBillingRecord
	for {
		snap, err := iter.Next()
		if err != nil {
			break
		}
		records = append(records, recordFromData(snap.Data()))
	}

	return records, nil
}

// UpsertRecord implements lexbill.Store. The event-time guard runs inside a
// Firestore transaction so concurrent webhook deliveries serialize on the
// record document.
func (s *Store) UpsertRecord(ctx context.Context, rec *lexbill.TenantBillingRecord) (bool, error) {
	if rec == nil || rec.TenantID == "" {
		return false, fmt.Errorf("invalid billing record")
	}

	doc := s.client.Collection(s.recordsCollection).Doc(rec.TenantID)
	applied := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if err == nil && snap.Exists() {
			stored := getTime(snap.Data(), "lastEventAt")
			if !rec.LastEventAt.After(stored) {
				return nil // stale event, keep the newer state
			}
		}

		applied = true
		return tx.Set(doc, recordToData(rec))
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert billing record: %w", err)
	}

	return applied, nil
}

// InsertCreditGrant implements lexbill.Store. The grant document id is the
// dedup key, so tx.Create fails with AlreadyExists on a redelivery.
func (s *Store) InsertCreditGrant(ctx context.Context, grant *lexbill.SignatureCreditGrant) (bool, error) {
	if grant == nil || grant.DedupKey == "" {
		return false, fmt.Errorf("invalid credit grant")
	}

	doc := s.client.Collection(s.grantsCollection).Doc(grant.DedupKey)
	inserted := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			return nil // already granted for this session
		}

		inserted = true
		return tx.Create(doc, map[string]interface{}{
			"dedupKey":       grant.DedupKey,
			"cabinetId":      grant.CabinetID,
			"memberId":       grant.MemberID,
			"quantity":       grant.Quantity,
			"unitPriceCents": grant.UnitPriceCents,
			"grantedAt":      grant.GrantedAt,
			"expiresAt":      grant.ExpiresAt,
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert credit grant: %w", err)
	}

	return inserted, nil
}

// CreditBalance implements lexbill.Store.
func (s *Store) CreditBalance(ctx context.Context, cabinetID, memberID string, now time.Time) (int64, error) {
	iter := s.client.Collection(s.grantsCollection).
		Where("cabinetId", "==", cabinetID).
		Where("memberId", "==", memberID).
		Documents(ctx)
	defer iter.Stop()

	var balance int64
	for {
		snap, err := iter.Next()
		if err != nil {
			break
		}
		data := snap.Data()
		expiresAt := getTime(data, "expiresAt")
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			continue
		}
		balance += getInt64(data, "quantity")
	}

	return balance, nil
}

// AddSignatureUsage implements lexbill.Store.
func (s *Store) AddSignatureUsage(ctx context.Context, tenantID string, n int64) (int64, error) {
	doc := s.client.Collection(s.usageCollection).Doc(tenantID)
	var newUsed int64

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var used int64
		if err == nil && snap.Exists() {
			used = getInt64(snap.Data(), "used")
		}

		newUsed = used + n
		return tx.Set(doc, map[string]interface{}{
			"used":      newUsed,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add signature usage: %w", err)
	}

	return newUsed, nil
}

// ConsumeSignature implements lexbill.Store. The counter read, the grant
// sum and the conditional increment all run inside one Firestore
// transaction; a concurrent increment retries the transaction, so the
// combined allowance can never be overshot.
func (s *Store) ConsumeSignature(ctx context.Context, tenantID, memberID string, limit int64, now time.Time) (lexbill.SignatureConsumption, error) {
	doc := s.client.Collection(s.usageCollection).Doc(tenantID)
	grants := s.client.Collection(s.grantsCollection).
		Where("cabinetId", "==", tenantID).
		Where("memberId", "==", memberID)

	var res lexbill.SignatureConsumption

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var used int64
		if err == nil && snap.Exists() {
			used = getInt64(snap.Data(), "used")
		}

		var balance int64
		iter := tx.Documents(grants)
		defer iter.Stop()
		for {
			grantSnap, err := iter.Next()
			if err != nil {
				break
			}
			data := grantSnap.Data()
			expiresAt := getTime(data, "expiresAt")
			if !expiresAt.IsZero() && !now.Before(expiresAt) {
				continue
			}
			balance += getInt64(data, "quantity")
		}

		res = lexbill.SignatureConsumption{Used: used, CreditBalance: balance}
		switch {
		case limit == lexbill.Unlimited || used < limit:
		case balance > used-limit:
			res.FromCredits = true
		default:
			return nil
		}

		res.Consumed = true
		res.Used = used + 1
		return tx.Set(doc, map[string]interface{}{
			"used":      used + 1,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return lexbill.SignatureConsumption{}, fmt.Errorf("failed to consume signature: %w", err)
	}

	return res, nil
}

// SignatureUsage implements lexbill.Store.
func (s *Store) SignatureUsage(ctx context.Context, tenantID string) (int64, error) {
	doc := s.client.Collection(s.usageCollection).Doc(tenantID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil // no usage yet is not an error
		}
		return 0, fmt.Errorf("failed to get signature usage: %w", err)
	}
	if !snap.Exists() {
		return 0, nil
	}

	return getInt64(snap.Data(), "used"), nil
}

// ResetSignatureUsage implements lexbill.Store.
func (s *Store) ResetSignatureUsage(ctx context.Context, tenantID string) error {
	doc := s.client.Collection(s.usageCollection).Doc(tenantID)
	_, err := doc.Set(ctx, map[string]interface{}{
		"used":      int64(0),
		"updatedAt": time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to reset signature usage: %w", err)
	}

	return nil
}

func recordToData(rec *lexbill.TenantBillingRecord) map[string]interface{} {
	return map[string]interface{}{
		"tenantId":               rec.TenantID,
		"billingEmail":           rec.BillingEmail,
		"planId":                 string(rec.PlanID),
		"seatQuantity":           rec.SeatQuantity,
		"status":                 string(rec.Status),
		"interval":               string(rec.Interval),
		"externalCustomerId":     rec.ExternalCustomerID,
		"externalSubscriptionId": rec.ExternalSubscriptionID,
		"externalItemId":         rec.ExternalItemID,
		"commitmentStartAt":      rec.CommitmentStartAt,
		"commitmentEndAt":        rec.CommitmentEndAt,
		"currentPeriodStartAt":   rec.CurrentPeriodStartAt,
		"currentPeriodEndAt":     rec.CurrentPeriodEndAt,
		"paymentMethodType":      rec.PaymentMethodType,
		"paymentMethodBrand":     rec.PaymentMethodBrand,
		"paymentMethodLast4":     rec.PaymentMethodLast4,
		"lastEventAt":            rec.LastEventAt,
		"updatedAt":              rec.UpdatedAt,
	}
}

func recordFromData(data map[string]interface{}) *lexbill.TenantBillingRecord {
	return &lexbill.TenantBillingRecord{
		TenantID:               getString(data, "tenantId"),
		BillingEmail:           getString(data, "billingEmail"),
		PlanID:                 lexbill.PlanID(getString(data, "planId")),
		SeatQuantity:           getInt64(data, "seatQuantity"),
		Status:                 lexbill.SubscriptionStatus(getString(data, "status")),
		Interval:               lexbill.BillingInterval(getString(data, "interval")),
		ExternalCustomerID:     getString(data, "externalCustomerId"),
		ExternalSubscriptionID: getString(data, "externalSubscriptionId"),
		ExternalItemID:         getString(data, "externalItemId"),
		CommitmentStartAt:      getTime(data, "commitmentStartAt"),
		CommitmentEndAt:        getTime(data, "commitmentEndAt"),
		CurrentPeriodStartAt:   getTime(data, "currentPeriodStartAt"),
		CurrentPeriodEndAt:     getTime(data, "currentPeriodEndAt"),
		PaymentMethodType:      getString(data, "paymentMethodType"),
		PaymentMethodBrand:     getString(data, "paymentMethodBrand"),
		PaymentMethodLast4:     getString(data, "paymentMethodLast4"),
		LastEventAt:            getTime(data, "lastEventAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data.

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
