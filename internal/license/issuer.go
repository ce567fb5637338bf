// Package license implements license issuance, validation, and
// administrative operations on top of the registry.
package license

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate-io/keygate/internal/keycodec"
	"github.com/keygate-io/keygate/internal/licensing"
	"github.com/keygate-io/keygate/internal/metrics"
	"github.com/keygate-io/keygate/internal/registry"
	"github.com/keygate-io/keygate/internal/signing"
)

// maxIssueAttempts bounds nonce regeneration when a generated key collides
// with an existing key hash.
const maxIssueAttempts = 5

// Actor identifies who initiated an audited operation.
type Actor struct {
	Type registry.ActorType
	ID   string
	IP   string
}

// SystemActor is the actor for internally triggered operations.
var SystemActor = Actor{Type: registry.ActorSystem}

// Issuer mints license keys and persists license records.
type Issuer struct {
	reg  *registry.Registry
	sign *signing.Context

	// Overridable in tests to force deterministic keys.
	nonce func() (uint16, error)
	now   func() time.Time
}

// NewIssuer creates a license issuer.
func NewIssuer(reg *registry.Registry, sign *signing.Context) *Issuer {
	return &Issuer{
		reg:   reg,
		sign:  sign,
		nonce: keycodec.NewNonce,
		now:   time.Now,
	}
}

// Issue creates a license for the customer and returns the persisted record
// together with the one-time plaintext key. The key is not retrievable again
// through this component.
func (i *Issuer) Issue(ctx context.Context, customerID int64, tier licensing.Tier, expiresAt *time.Time, notes, subscriptionID string, actor Actor) (*registry.License, string, error) {
	customer, err := i.reg.GetCustomer(customerID)
	if err != nil {
		return nil, "", fmt.Errorf("lookup customer: %w", err)
	}
	if customer == nil {
		return nil, "", fmt.Errorf("customer %d not found", customerID)
	}

	var lastErr error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		nonce, err := i.nonce()
		if err != nil {
			return nil, "", err
		}

		payload := keycodec.Payload{
			CustomerID: uint32(customerID),
			Tier:       tier,
			CreatedAt:  i.now().UTC(),
			ExpiresAt:  expiresAt,
			Nonce:      nonce,
		}
		record, err := keycodec.MarshalRecord(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal key payload: %w", err)
		}

		rawKey, err := keycodec.Encode(payload, i.sign.Sign(record))
		if err != nil {
			return nil, "", fmt.Errorf("encode key: %w", err)
		}

		id, err := registry.GenerateLicenseID()
		if err != nil {
			return nil, "", err
		}

		lic := &registry.License{
			ID:             id,
			KeyHash:        keycodec.KeyHash(rawKey),
			CustomerID:     customerID,
			Tier:           tier,
			Status:         licensing.LicenseActive,
			SubscriptionID: subscriptionID,
			ExpiresAt:      expiresAt,
			Notes:          notes,
		}

		if err := i.reg.CreateLicense(lic); err != nil {
			if registry.IsUniqueViolation(err) {
				// Nonce collision on the key hash. Regenerate and retry.
				lastErr = err
				continue
			}
			return nil, "", err
		}

		metrics.LicensesIssuedTotal.WithLabelValues(string(tier)).Inc()
		i.audit(lic, actor)
		log.Info().
			Str("license_id", lic.ID).
			Int64("customer_id", customerID).
			Str("tier", string(tier)).
			Msg("License issued")
		return lic, rawKey, nil
	}
	return nil, "", fmt.Errorf("issue license: key collision persisted after %d attempts: %w", maxIssueAttempts, lastErr)
}

func (i *Issuer) audit(lic *registry.License, actor Actor) {
	entry := &registry.AuditEntry{
		EntityType: "license",
		EntityID:   lic.ID,
		Action:     "license.created",
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		IPAddress:  actor.IP,
		Details:    fmt.Sprintf("tier=%s customer=%d", lic.Tier, lic.CustomerID),
	}
	if err := i.reg.AppendAudit(entry); err != nil {
		log.Error().Err(err).Str("license_id", lic.ID).Msg("Failed to write audit entry for issuance")
	}
}
