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
)

// Snapshot is the entitlement view returned to a deployment that validated
// its key successfully.
type Snapshot struct {
	Valid        bool               `json:"valid"`
	Tier         licensing.Tier     `json:"tier"`
	ExpiresAt    *time.Time         `json:"expiresAt"`
	Limits       licensing.Limits   `json:"limits"`
	Features     licensing.Features `json:"features"`
	Organization string             `json:"organization,omitempty"`
	ValidatedAt  time.Time          `json:"validatedAt"`
}

// Validator resolves presented keys to entitlement snapshots.
type Validator struct {
	reg *registry.Registry
}

// NewValidator creates a license validator.
func NewValidator(reg *registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// Validate resolves the presented key. An undecodable or unknown key is
// indistinguishable from a missing one: both fail with LICENSE_NOT_FOUND.
// Validation is re-entrant; any number of instances may validate the same
// key concurrently while it is active.
func (v *Validator) Validate(ctx context.Context, presentedKey, instanceID, hostname, ipAddress string) (*Snapshot, error) {
	lic, err := v.reg.GetLicenseByHash(keycodec.KeyHash(presentedKey))
	if err != nil {
		return nil, fmt.Errorf("lookup license: %w", err)
	}
	if lic == nil {
		metrics.ValidationsTotal.WithLabelValues(string(licensing.ReasonNotFound)).Inc()
		return nil, licensing.NewError(licensing.ReasonNotFound)
	}

	if reason, ok := statusFailure(lic.Status); ok {
		metrics.ValidationsTotal.WithLabelValues(string(reason)).Inc()
		return nil, licensing.NewError(reason)
	}

	now := time.Now().UTC()
	if lic.ExpiresAt != nil && lic.ExpiresAt.Before(now) {
		// Persist the transition before failing so a concurrent caller
		// observes consistent state. Losing the race means someone else
		// already moved it to expired, which is the same outcome.
		moved, err := v.reg.TransitionStatus(lic.ID, licensing.LicenseActive, licensing.LicenseExpired, "")
		if err != nil {
			return nil, fmt.Errorf("expire license: %w", err)
		}
		if moved {
			// Only the winner writes the entry; the loser's transition
			// was already audited by whoever won.
			v.auditExpired(lic)
		}
		metrics.ValidationsTotal.WithLabelValues(string(licensing.ReasonExpired)).Inc()
		return nil, licensing.NewError(licensing.ReasonExpired)
	}

	recorded, err := v.reg.RecordValidation(lic.ID, instanceID, hostname, now)
	if err != nil {
		return nil, fmt.Errorf("record validation: %w", err)
	}
	if !recorded {
		// Status changed between the read and the telemetry update. Re-read
		// and report the current failure reason.
		current, err := v.reg.GetLicense(lic.ID)
		if err != nil {
			return nil, fmt.Errorf("re-read license: %w", err)
		}
		reason := licensing.ReasonNotFound
		if current != nil {
			if r, ok := statusFailure(current.Status); ok {
				reason = r
			}
		}
		metrics.ValidationsTotal.WithLabelValues(string(reason)).Inc()
		return nil, licensing.NewError(reason)
	}

	organization := ""
	if customer, err := v.reg.GetCustomer(lic.CustomerID); err == nil && customer != nil {
		organization = customer.Name
	}

	v.audit(lic, instanceID, hostname, ipAddress)
	metrics.ValidationsTotal.WithLabelValues("valid").Inc()

	return &Snapshot{
		Valid:        true,
		Tier:         lic.Tier,
		ExpiresAt:    lic.ExpiresAt,
		Limits:       licensing.TierLimits(lic.Tier),
		Features:     licensing.TierFeatures(lic.Tier),
		Organization: organization,
		ValidatedAt:  now,
	}, nil
}

func statusFailure(status licensing.LicenseStatus) (licensing.Reason, bool) {
	switch status {
	case licensing.LicenseRevoked:
		return licensing.ReasonRevoked, true
	case licensing.LicenseSuspended:
		return licensing.ReasonSuspended, true
	case licensing.LicenseExpired:
		return licensing.ReasonExpired, true
	}
	return "", false
}

func (v *Validator) auditExpired(lic *registry.License) {
	entry := &registry.AuditEntry{
		EntityType: "license",
		EntityID:   lic.ID,
		Action:     "license.expired",
		ActorType:  registry.ActorSystem,
		Details:    fmt.Sprintf("expired_at=%s", lic.ExpiresAt.UTC().Format(time.RFC3339)),
	}
	if err := v.reg.AppendAudit(entry); err != nil {
		log.Error().Err(err).Str("license_id", lic.ID).Msg("Failed to write audit entry for expiry")
	}
}

func (v *Validator) audit(lic *registry.License, instanceID, hostname, ipAddress string) {
	entry := &registry.AuditEntry{
		EntityType: "license",
		EntityID:   lic.ID,
		Action:     "license.validated",
		ActorType:  registry.ActorCustomer,
		Details:    fmt.Sprintf("instance=%s hostname=%s", instanceID, hostname),
		IPAddress:  ipAddress,
	}
	if err := v.reg.AppendAudit(entry); err != nil {
		log.Error().Err(err).Str("license_id", lic.ID).Msg("Failed to write audit entry for validation")
	}
}
