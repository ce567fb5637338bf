package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keygate-io/keygate/internal/auditlog"
	"github.com/keygate-io/keygate/internal/keycodec"
	"github.com/keygate-io/keygate/internal/license"
	"github.com/keygate-io/keygate/internal/licensing"
	"github.com/keygate-io/keygate/internal/registry"
)

// --- Validation API ---

type validateRequest struct {
	LicenseKey string `json:"licenseKey"`
	InstanceID string `json:"instanceId"`
	Hostname   string `json:"hostname"`
}

type validateFailure struct {
	Valid bool             `json:"valid"`
	Code  licensing.Reason `json:"code"`
}

// HandleValidate resolves a presented key to an entitlement snapshot.
func HandleValidate(validator *license.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.LicenseKey) == "" {
			writeError(w, http.StatusBadRequest, "licenseKey is required")
			return
		}
		instanceID, err := uuid.Parse(strings.TrimSpace(req.InstanceID))
		if err != nil {
			writeError(w, http.StatusBadRequest, "instanceId must be a UUID")
			return
		}

		snapshot, err := validator.Validate(r.Context(), req.LicenseKey, instanceID.String(), strings.TrimSpace(req.Hostname), auditlog.ClientIP(r))
		if err != nil {
			if reason, ok := licensing.ReasonOf(err); ok {
				writeJSON(w, http.StatusBadRequest, validateFailure{Code: reason})
				return
			}
			log.Error().Err(err).Msg("License validation failed internally")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

type statusRequest struct {
	LicenseKey string `json:"licenseKey"`
}

type statusResponse struct {
	Valid     bool                    `json:"valid"`
	Tier      licensing.Tier          `json:"tier,omitempty"`
	Status    licensing.LicenseStatus `json:"status,omitempty"`
	ExpiresAt *time.Time              `json:"expiresAt,omitempty"`
}

// HandleStatus reports a license's status without recording telemetry. It
// requires no authentication and sits behind the rate limiter.
func HandleStatus(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.LicenseKey) == "" {
			writeError(w, http.StatusBadRequest, "licenseKey is required")
			return
		}

		lic, err := reg.GetLicenseByHash(keycodec.KeyHash(req.LicenseKey))
		if err != nil {
			log.Error().Err(err).Msg("License status lookup failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if lic == nil {
			writeJSON(w, http.StatusOK, statusResponse{Valid: false})
			return
		}

		valid := lic.Status == licensing.LicenseActive &&
			(lic.ExpiresAt == nil || lic.ExpiresAt.After(time.Now()))
		writeJSON(w, http.StatusOK, statusResponse{
			Valid:     valid,
			Tier:      lic.Tier,
			Status:    lic.Status,
			ExpiresAt: lic.ExpiresAt,
		})
	}
}

// --- Admin API ---

func adminActor(r *http.Request) license.Actor {
	return license.Actor{
		Type: registry.ActorAdmin,
		ID:   auditlog.ActorID(r),
		IP:   auditlog.ClientIP(r),
	}
}

type createCustomerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// HandleCreateCustomer registers a customer for manual license issuance.
func HandleCreateCustomer(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCustomerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
			writeError(w, http.StatusBadRequest, "email is required")
			return
		}

		c := &registry.Customer{Email: req.Email, Name: strings.TrimSpace(req.Name)}
		if err := reg.CreateCustomer(c); err != nil {
			if registry.IsUniqueViolation(err) {
				writeError(w, http.StatusConflict, "customer already exists")
				return
			}
			log.Error().Err(err).Msg("Create customer failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

type generateLicenseRequest struct {
	CustomerID int64      `json:"customerId"`
	Tier       string     `json:"tier"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

type generateLicenseResponse struct {
	License *registry.License `json:"license"`
	// Key is shown exactly once; it is not stored and cannot be recovered.
	Key string `json:"key"`
}

// HandleGenerateLicense mints a license for an existing customer.
func HandleGenerateLicense(issuer *license.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateLicenseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		tier, ok := licensing.ParseTier(req.Tier)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown tier")
			return
		}
		if req.CustomerID <= 0 {
			writeError(w, http.StatusBadRequest, "customerId is required")
			return
		}

		lic, rawKey, err := issuer.Issue(r.Context(), req.CustomerID, tier, req.ExpiresAt, strings.TrimSpace(req.Notes), "", adminActor(r))
		if err != nil {
			log.Error().Err(err).Int64("customer_id", req.CustomerID).Msg("License generation failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, generateLicenseResponse{License: lic, Key: rawKey})
	}
}

// HandleListLicenses lists all licenses.
func HandleListLicenses(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		licenses, err := reg.ListLicenses()
		if err != nil {
			log.Error().Err(err).Msg("List licenses failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if licenses == nil {
			licenses = []*registry.License{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"licenses": licenses,
			"count":    len(licenses),
		})
	}
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// HandleRevokeLicense terminally revokes a license.
func HandleRevokeLicense(admin *license.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req revokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
			writeError(w, http.StatusBadRequest, "reason is required")
			return
		}

		lic, err := admin.Revoke(r.Context(), r.PathValue("id"), strings.TrimSpace(req.Reason), adminActor(r))
		if err != nil {
			respondAdminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lic)
	}
}

// HandleReactivateLicense restores a suspended license.
func HandleReactivateLicense(admin *license.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lic, err := admin.Reactivate(r.Context(), r.PathValue("id"), adminActor(r))
		if err != nil {
			respondAdminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lic)
	}
}

type extendRequest struct {
	ExpiresAt *time.Time `json:"expiresAt"`
}

// HandleExtendLicense pushes a license expiry forward.
func HandleExtendLicense(admin *license.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		lic, err := admin.Extend(r.Context(), r.PathValue("id"), req.ExpiresAt, adminActor(r))
		if err != nil {
			respondAdminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lic)
	}
}

// HandleListAudit returns recent audit entries.
func HandleListAudit(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := reg.ListRecentAudit(200)
		if err != nil {
			log.Error().Err(err).Msg("List audit entries failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if entries == nil {
			entries = []*registry.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func respondAdminError(w http.ResponseWriter, err error) {
	if err == license.ErrNotFound {
		writeError(w, http.StatusNotFound, "license not found")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// --- Probes ---

// HandleHealthz is a liveness probe.
func HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: the registry must be reachable.
func HandleReadyz(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := reg.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "registry unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
