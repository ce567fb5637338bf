package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/internal/billing"
	"github.com/keygate-io/keygate/internal/config"
	"github.com/keygate-io/keygate/internal/license"
	"github.com/keygate-io/keygate/internal/licensing"
	"github.com/keygate-io/keygate/internal/notify"
	"github.com/keygate-io/keygate/internal/registry"
	"github.com/keygate-io/keygate/internal/signing"
)

const testAdminKey = "test-admin-key"

type serverEnv struct {
	mux    *http.ServeMux
	reg    *registry.Registry
	issuer *license.Issuer
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sign, err := signing.NewEphemeral()
	require.NoError(t, err)

	cfg := &config.Config{
		Environment: "development",
		AdminKey:    testAdminKey,
	}
	issuer := license.NewIssuer(reg, sign)
	deps := &Deps{
		Config:     cfg,
		Registry:   reg,
		Issuer:     issuer,
		Validator:  license.NewValidator(reg),
		Admin:      license.NewAdmin(reg),
		Reconciler: billing.NewReconciler(reg, issuer, &notify.LogSender{}, "billing@keygate.example"),
		Version:    "test",
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return &serverEnv{mux: mux, reg: reg, issuer: issuer}
}

func (e *serverEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *serverEnv) issueLicense(t *testing.T) (*registry.License, string) {
	t.Helper()
	c := &registry.Customer{Email: fmt.Sprintf("c-%s@example.com", uuid.NewString()[:8]), Name: "Acme Corp"}
	require.NoError(t, e.reg.CreateCustomer(c))
	lic, rawKey, err := e.issuer.Issue(context.Background(), c.ID, licensing.TierTeam, nil, "", "", license.SystemActor)
	require.NoError(t, err)
	return lic, rawKey
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestValidateEndpoint(t *testing.T) {
	env := newServerEnv(t)
	_, rawKey := env.issueLicense(t)

	rr := env.do(t, http.MethodPost, "/api/v1/licenses/validate", map[string]string{
		"licenseKey": rawKey,
		"instanceId": uuid.NewString(),
		"hostname":   "prod-host",
	}, false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	snap := decodeBody[license.Snapshot](t, rr)
	assert.True(t, snap.Valid)
	assert.Equal(t, licensing.TierTeam, snap.Tier)
	assert.Equal(t, 25, snap.Limits.MaxUsers)
	assert.Equal(t, "Acme Corp", snap.Organization)
}

func TestValidateEndpointFailures(t *testing.T) {
	env := newServerEnv(t)

	// Unknown key yields the machine-readable reason code.
	rr := env.do(t, http.MethodPost, "/api/v1/licenses/validate", map[string]string{
		"licenseKey": "TEAM-AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDD",
		"instanceId": uuid.NewString(),
	}, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	fail := decodeBody[struct {
		Valid bool   `json:"valid"`
		Code  string `json:"code"`
	}](t, rr)
	assert.False(t, fail.Valid)
	assert.Equal(t, "LICENSE_NOT_FOUND", fail.Code)

	// Missing key.
	rr = env.do(t, http.MethodPost, "/api/v1/licenses/validate", map[string]string{
		"instanceId": uuid.NewString(),
	}, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// instanceId must be a UUID.
	rr = env.do(t, http.MethodPost, "/api/v1/licenses/validate", map[string]string{
		"licenseKey": "TEAM-AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDD",
		"instanceId": "not-a-uuid",
	}, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusEndpointSkipsTelemetry(t *testing.T) {
	env := newServerEnv(t)
	lic, rawKey := env.issueLicense(t)

	rr := env.do(t, http.MethodPost, "/api/v1/licenses/status", map[string]string{"licenseKey": rawKey}, false)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decodeBody[struct {
		Valid  bool   `json:"valid"`
		Tier   string `json:"tier"`
		Status string `json:"status"`
	}](t, rr)
	assert.True(t, status.Valid)
	assert.Equal(t, "team", status.Tier)
	assert.Equal(t, "active", status.Status)

	got, err := env.reg.GetLicense(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ValidationCount, "status checks are not validations")

	// Unknown key: valid=false, still 200.
	rr = env.do(t, http.MethodPost, "/api/v1/licenses/status", map[string]string{"licenseKey": "nope"}, false)
	require.Equal(t, http.StatusOK, rr.Code)
	status = decodeBody[struct {
		Valid  bool   `json:"valid"`
		Tier   string `json:"tier"`
		Status string `json:"status"`
	}](t, rr)
	assert.False(t, status.Valid)
}

func TestAdminAuthRequired(t *testing.T) {
	env := newServerEnv(t)

	rr := env.do(t, http.MethodGet, "/admin/licenses", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Wrong key.
	req := httptest.NewRequest(http.MethodGet, "/admin/licenses", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bearer form works too.
	req = httptest.NewRequest(http.MethodGet, "/admin/licenses", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminLicenseFlow(t *testing.T) {
	env := newServerEnv(t)

	rr := env.do(t, http.MethodPost, "/admin/customers", map[string]string{
		"email": "flow@example.com",
		"name":  "Flow Inc",
	}, true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	customer := decodeBody[registry.Customer](t, rr)
	require.NotZero(t, customer.ID)

	// Duplicate email conflicts.
	rr = env.do(t, http.MethodPost, "/admin/customers", map[string]string{"email": "flow@example.com"}, true)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/admin/licenses", map[string]any{
		"customerId": customer.ID,
		"tier":       "enterprise",
		"notes":      "manual deal",
	}, true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[struct {
		License registry.License `json:"license"`
		Key     string           `json:"key"`
	}](t, rr)
	assert.NotEmpty(t, created.Key)
	assert.Regexp(t, `^ENTERPRISE-`, created.Key)

	rr = env.do(t, http.MethodGet, "/admin/licenses", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decodeBody[struct {
		Count int `json:"count"`
	}](t, rr)
	assert.Equal(t, 1, listed.Count)

	// Revoke, then verify the key stops validating.
	rr = env.do(t, http.MethodPost, "/admin/licenses/"+created.License.ID+"/revoke", map[string]string{"reason": "test"}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/api/v1/licenses/validate", map[string]string{
		"licenseKey": created.Key,
		"instanceId": uuid.NewString(),
	}, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	fail := decodeBody[struct {
		Code string `json:"code"`
	}](t, rr)
	assert.Equal(t, "LICENSE_REVOKED", fail.Code)

	// Unknown license is a 404.
	rr = env.do(t, http.MethodPost, "/admin/licenses/lic-MISSING000/revoke", map[string]string{"reason": "x"}, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminReactivateAndExtend(t *testing.T) {
	env := newServerEnv(t)
	lic, rawKey := env.issueLicense(t)

	ok, err := env.reg.TransitionStatus(lic.ID, licensing.LicenseActive, licensing.LicenseSuspended, "manual hold")
	require.NoError(t, err)
	require.True(t, ok)

	rr := env.do(t, http.MethodPost, "/admin/licenses/"+lic.ID+"/reactivate", nil, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	exp := time.Now().UTC().Add(90 * 24 * time.Hour).Truncate(time.Second)
	rr = env.do(t, http.MethodPost, "/admin/licenses/"+lic.ID+"/extend", map[string]any{"expiresAt": exp}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	extended := decodeBody[registry.License](t, rr)
	require.NotNil(t, extended.ExpiresAt)
	assert.Equal(t, exp.Unix(), extended.ExpiresAt.Unix())

	rr = env.do(t, http.MethodPost, "/api/v1/licenses/validate", map[string]string{
		"licenseKey": rawKey,
		"instanceId": uuid.NewString(),
	}, false)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuditEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.issueLicense(t)

	rr := env.do(t, http.MethodGet, "/admin/audit", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	audit := decodeBody[struct {
		Count   int                   `json:"count"`
		Entries []registry.AuditEntry `json:"entries"`
	}](t, rr)
	require.GreaterOrEqual(t, audit.Count, 1)
	assert.Equal(t, "license.created", audit.Entries[0].Action)
}

func TestProbeEndpoints(t *testing.T) {
	env := newServerEnv(t)

	rr := env.do(t, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/readyz", nil, false)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "limits are per IP")
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterEvictsIdleIPs(t *testing.T) {
	rl := NewRateLimiter(5, 10*time.Millisecond)
	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.2"))

	time.Sleep(20 * time.Millisecond)
	require.True(t, rl.Allow("10.0.0.3"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.attempts, 1, "idle IPs should be swept from the map")
	assert.Contains(t, rl.attempts, "10.0.0.3")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestAdminNotConfigured(t *testing.T) {
	h := AdminKeyMiddleware("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/licenses", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
