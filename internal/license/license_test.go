package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/internal/keycodec"
	"github.com/keygate-io/keygate/internal/licensing"
	"github.com/keygate-io/keygate/internal/registry"
	"github.com/keygate-io/keygate/internal/signing"
)

type testEnv struct {
	reg       *registry.Registry
	issuer    *Issuer
	validator *Validator
	admin     *Admin
	customer  *registry.Customer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sign, err := signing.NewEphemeral()
	require.NoError(t, err)

	c := &registry.Customer{Email: "acme@example.com", Name: "Acme Corp"}
	require.NoError(t, reg.CreateCustomer(c))

	return &testEnv{
		reg:       reg,
		issuer:    NewIssuer(reg, sign),
		validator: NewValidator(reg),
		admin:     NewAdmin(reg),
		customer:  c,
	}
}

func (e *testEnv) issue(t *testing.T, tier licensing.Tier, expiresAt *time.Time) (*registry.License, string) {
	t.Helper()
	lic, rawKey, err := e.issuer.Issue(context.Background(), e.customer.ID, tier, expiresAt, "", "", SystemActor)
	require.NoError(t, err)
	return lic, rawKey
}

func reasonOf(t *testing.T, err error) licensing.Reason {
	t.Helper()
	require.Error(t, err)
	reason, ok := licensing.ReasonOf(err)
	require.True(t, ok, "expected a license error, got %v", err)
	return reason
}

func TestIssueProducesValidKey(t *testing.T) {
	env := newTestEnv(t)
	exp := time.Now().UTC().Add(365 * 24 * time.Hour)
	lic, rawKey, err := env.issuer.Issue(context.Background(), env.customer.ID, licensing.TierTeam, &exp, "annual", "sub_1", Actor{Type: registry.ActorAdmin, ID: "ops"})
	require.NoError(t, err)

	assert.Equal(t, licensing.LicenseActive, lic.Status)
	assert.Equal(t, "sub_1", lic.SubscriptionID)
	assert.Equal(t, keycodec.KeyHash(rawKey), lic.KeyHash)

	payload, err := keycodec.Decode(rawKey)
	require.NoError(t, err)
	assert.Equal(t, licensing.TierTeam, payload.Tier)
	assert.Equal(t, uint32(env.customer.ID), payload.CustomerID)

	// The plaintext key never lands in storage.
	stored, err := env.reg.GetLicense(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, lic.KeyHash, stored.KeyHash)
	assert.NotEqual(t, rawKey, stored.KeyHash)

	entries, err := env.reg.ListAuditForEntity("license", lic.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "license.created", entries[0].Action)
	assert.Equal(t, registry.ActorAdmin, entries[0].ActorType)
}

func TestIssueUnknownCustomer(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.issuer.Issue(context.Background(), 9999, licensing.TierTeam, nil, "", "", SystemActor)
	assert.Error(t, err)
}

func TestValidateActiveLicense(t *testing.T) {
	env := newTestEnv(t)
	_, rawKey := env.issue(t, licensing.TierCommunity, nil)

	snap, err := env.validator.Validate(context.Background(), rawKey, "inst-1", "build-server", "198.51.100.7")
	require.NoError(t, err)

	assert.True(t, snap.Valid)
	assert.Equal(t, licensing.TierCommunity, snap.Tier)
	assert.Nil(t, snap.ExpiresAt)
	assert.Equal(t, licensing.Limits{MaxUsers: 5, MaxInstances: 10, MaxConcurrentSessions: 3}, snap.Limits)
	assert.True(t, snap.Features.APIAccess)
	assert.False(t, snap.Features.SSO)
	assert.Equal(t, "Acme Corp", snap.Organization)
	assert.WithinDuration(t, time.Now(), snap.ValidatedAt, 5*time.Second)
}

func TestValidateRecordsTelemetry(t *testing.T) {
	env := newTestEnv(t)
	lic, rawKey := env.issue(t, licensing.TierTeam, nil)

	for i := 0; i < 3; i++ {
		_, err := env.validator.Validate(context.Background(), rawKey, "inst-9", "prod-host", "")
		require.NoError(t, err)
	}

	got, err := env.reg.GetLicense(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ValidationCount)
	assert.Equal(t, "inst-9", got.LastInstanceID)
	assert.Equal(t, "prod-host", got.LastHostname)
	assert.NotNil(t, got.LastValidatedAt)
}

func TestValidateUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.validator.Validate(context.Background(), "TEAM-AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDD", "", "", "")
	assert.Equal(t, licensing.ReasonNotFound, reasonOf(t, err))

	// Garbage input fails identically to a missing key.
	_, err = env.validator.Validate(context.Background(), "not a key at all", "", "", "")
	assert.Equal(t, licensing.ReasonNotFound, reasonOf(t, err))
}

func TestValidateRevokedPrecedence(t *testing.T) {
	env := newTestEnv(t)
	exp := time.Now().UTC().Add(-time.Hour)
	lic, rawKey := env.issue(t, licensing.TierTeam, &exp)

	_, err := env.admin.Revoke(context.Background(), lic.ID, "chargeback", SystemActor)
	require.NoError(t, err)

	// Revoked wins even though the license is also past its expiry.
	_, err = env.validator.Validate(context.Background(), rawKey, "", "", "")
	assert.Equal(t, licensing.ReasonRevoked, reasonOf(t, err))
}

func TestValidateSuspended(t *testing.T) {
	env := newTestEnv(t)
	lic, rawKey := env.issue(t, licensing.TierTeam, nil)

	ok, err := env.reg.TransitionStatus(lic.ID, licensing.LicenseActive, licensing.LicenseSuspended, licensing.SuspendReasonPayment)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.validator.Validate(context.Background(), rawKey, "", "", "")
	assert.Equal(t, licensing.ReasonSuspended, reasonOf(t, err))
}

func TestValidateLazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	exp := time.Now().UTC().Add(-time.Minute)
	lic, rawKey := env.issue(t, licensing.TierTeam, &exp)

	before, err := env.reg.GetLicense(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseActive, before.Status, "expiry is lazy")

	_, err = env.validator.Validate(context.Background(), rawKey, "", "", "")
	assert.Equal(t, licensing.ReasonExpired, reasonOf(t, err))

	// The transition is persisted, not just reported.
	after, err := env.reg.GetLicense(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseExpired, after.Status)
	assert.Equal(t, int64(0), after.ValidationCount, "telemetry never advanced")

	// And the failure is sticky on subsequent validations.
	_, err = env.validator.Validate(context.Background(), rawKey, "", "", "")
	assert.Equal(t, licensing.ReasonExpired, reasonOf(t, err))

	// The transition itself is audited, once, by whoever moved the status.
	entries, err := env.reg.ListAuditForEntity("license", lic.ID, 10)
	require.NoError(t, err)
	var expired int
	for _, e := range entries {
		if e.Action == "license.expired" {
			expired++
			assert.Equal(t, registry.ActorSystem, e.ActorType)
		}
	}
	assert.Equal(t, 1, expired)
}

func TestValidateReentrant(t *testing.T) {
	env := newTestEnv(t)
	_, rawKey := env.issue(t, licensing.TierEnterprise, nil)

	// Distinct instances validating the same key all succeed.
	for _, inst := range []string{"inst-a", "inst-b", "inst-c"} {
		snap, err := env.validator.Validate(context.Background(), rawKey, inst, inst+".local", "")
		require.NoError(t, err)
		assert.True(t, snap.Valid)
		assert.Equal(t, licensing.Limits{}, snap.Limits)
	}
}

func TestAdminRevoke(t *testing.T) {
	env := newTestEnv(t)
	lic, _ := env.issue(t, licensing.TierTeam, nil)

	got, err := env.admin.Revoke(context.Background(), lic.ID, "abuse", Actor{Type: registry.ActorAdmin, ID: "ops", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseRevoked, got.Status)
	assert.Equal(t, "abuse", got.RevokedReason)

	// Terminal: a second revoke is rejected.
	_, err = env.admin.Revoke(context.Background(), lic.ID, "again", SystemActor)
	assert.Error(t, err)

	_, err = env.admin.Revoke(context.Background(), "lic-MISSING000", "x", SystemActor)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminReactivateRequiresSuspended(t *testing.T) {
	env := newTestEnv(t)
	lic, _ := env.issue(t, licensing.TierTeam, nil)

	_, err := env.admin.Reactivate(context.Background(), lic.ID, SystemActor)
	assert.Error(t, err, "active license cannot be reactivated")

	ok, err := env.reg.TransitionStatus(lic.ID, licensing.LicenseActive, licensing.LicenseSuspended, "manual hold")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := env.admin.Reactivate(context.Background(), lic.ID, Actor{Type: registry.ActorAdmin, ID: "ops"})
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseActive, got.Status)
	assert.Empty(t, got.SuspendReason)
}

func TestAdminExtend(t *testing.T) {
	env := newTestEnv(t)
	exp := time.Now().UTC().Add(-time.Hour)
	lic, rawKey := env.issue(t, licensing.TierTeam, &exp)

	// Trip the lazy expiry first.
	_, err := env.validator.Validate(context.Background(), rawKey, "", "", "")
	assert.Equal(t, licensing.ReasonExpired, reasonOf(t, err))

	newExp := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	got, err := env.admin.Extend(context.Background(), lic.ID, &newExp, Actor{Type: registry.ActorAdmin, ID: "ops"})
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseActive, got.Status)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, newExp.Unix(), got.ExpiresAt.Unix())

	// The key validates again after the extension.
	snap, err := env.validator.Validate(context.Background(), rawKey, "inst-1", "", "")
	require.NoError(t, err)
	assert.True(t, snap.Valid)
}

func TestAdminExtendRejectsRevoked(t *testing.T) {
	env := newTestEnv(t)
	lic, _ := env.issue(t, licensing.TierTeam, nil)

	_, err := env.admin.Revoke(context.Background(), lic.ID, "fraud", SystemActor)
	require.NoError(t, err)

	newExp := time.Now().UTC().Add(time.Hour)
	_, err = env.admin.Extend(context.Background(), lic.ID, &newExp, SystemActor)
	assert.Error(t, err)
}

func TestIssuedKeysAreUnique(t *testing.T) {
	env := newTestEnv(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		_, rawKey := env.issue(t, licensing.TierTeam, nil)
		assert.False(t, seen[rawKey], "duplicate key issued")
		seen[rawKey] = true
	}
}

func TestIssueRetriesOnKeyCollision(t *testing.T) {
	env := newTestEnv(t)

	// With a fixed clock the key is a pure function of the nonce, so
	// replaying a nonce reproduces the exact same key and trips the
	// key_hash unique constraint.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nonces := []uint16{7, 7, 8}
	var calls int
	env.issuer.now = func() time.Time { return fixed }
	env.issuer.nonce = func() (uint16, error) {
		n := nonces[calls]
		calls++
		return n, nil
	}

	first, firstKey, err := env.issuer.Issue(context.Background(), env.customer.ID, licensing.TierTeam, nil, "", "", SystemActor)
	require.NoError(t, err)

	second, secondKey, err := env.issuer.Issue(context.Background(), env.customer.ID, licensing.TierTeam, nil, "", "", SystemActor)
	require.NoError(t, err)

	assert.Equal(t, 3, calls, "expected one collision and one retry")
	assert.NotEqual(t, firstKey, secondKey)
	assert.NotEqual(t, first.KeyHash, second.KeyHash)
}

func TestIssueFailsAfterPersistentCollision(t *testing.T) {
	env := newTestEnv(t)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.issuer.now = func() time.Time { return fixed }
	env.issuer.nonce = func() (uint16, error) { return 7, nil }

	_, _, err := env.issuer.Issue(context.Background(), env.customer.ID, licensing.TierTeam, nil, "", "", SystemActor)
	require.NoError(t, err)

	_, _, err = env.issuer.Issue(context.Background(), env.customer.ID, licensing.TierTeam, nil, "", "", SystemActor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key collision")
}
