package license

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate-io/keygate/internal/licensing"
	"github.com/keygate-io/keygate/internal/registry"
)

// ErrNotFound indicates the referenced license does not exist.
var ErrNotFound = fmt.Errorf("license not found")

// Admin performs administrative license transitions. Every operation is
// audited with the acting administrator.
type Admin struct {
	reg *registry.Registry
}

// NewAdmin creates the administrative service.
func NewAdmin(reg *registry.Registry) *Admin {
	return &Admin{reg: reg}
}

// Revoke terminally revokes a license. A revoked license can never be
// reactivated; the administrator must issue a new one.
func (a *Admin) Revoke(ctx context.Context, id, reason string, actor Actor) (*registry.License, error) {
	lic, err := a.reg.GetLicense(id)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNotFound
	}

	next, changed := licensing.NextLicenseStatus(licensing.LicenseInput{Status: lic.Status, SuspendReason: lic.SuspendReason}, licensing.EventAdminRevoke)
	if !changed || next != licensing.LicenseRevoked {
		return nil, fmt.Errorf("license %s cannot be revoked from status %s", id, lic.Status)
	}

	if _, err := a.reg.RevokeLicense(id, reason); err != nil {
		return nil, err
	}
	a.audit(id, "license.revoked", fmt.Sprintf("reason=%s", reason), actor)
	return a.reg.GetLicense(id)
}

// Reactivate returns a suspended license to active. Only valid from
// suspended; revoked and expired licenses are rejected.
func (a *Admin) Reactivate(ctx context.Context, id string, actor Actor) (*registry.License, error) {
	lic, err := a.reg.GetLicense(id)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNotFound
	}

	if lic.Status != licensing.LicenseSuspended {
		return nil, fmt.Errorf("license %s is %s, reactivate requires suspended", id, lic.Status)
	}

	ok, err := a.reg.TransitionStatus(id, licensing.LicenseSuspended, licensing.LicenseActive, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("license %s changed concurrently, reactivate aborted", id)
	}
	a.audit(id, "license.reactivated", "", actor)
	return a.reg.GetLicense(id)
}

// Extend moves the expiry forward. An expired license becomes active again;
// a revoked license is rejected.
func (a *Admin) Extend(ctx context.Context, id string, newExpiresAt *time.Time, actor Actor) (*registry.License, error) {
	lic, err := a.reg.GetLicense(id)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNotFound
	}
	if lic.Status == licensing.LicenseRevoked {
		return nil, fmt.Errorf("license %s is revoked and cannot be extended", id)
	}

	ok, err := a.reg.ExtendLicense(id, newExpiresAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("license %s changed concurrently, extend aborted", id)
	}

	details := "expiry=never"
	if newExpiresAt != nil {
		details = fmt.Sprintf("expiry=%s", newExpiresAt.UTC().Format(time.RFC3339))
	}
	a.audit(id, "license.extended", details, actor)
	return a.reg.GetLicense(id)
}

func (a *Admin) audit(licenseID, action, details string, actor Actor) {
	entry := &registry.AuditEntry{
		EntityType: "license",
		EntityID:   licenseID,
		Action:     action,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		IPAddress:  actor.IP,
		Details:    details,
	}
	if err := a.reg.AppendAudit(entry); err != nil {
		log.Error().Err(err).Str("license_id", licenseID).Str("action", action).Msg("Failed to write audit entry")
	}
}
