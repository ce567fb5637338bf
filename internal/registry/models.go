package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/keygate-io/keygate/internal/licensing"
)

// Customer is the owner of licenses and subscriptions.
type Customer struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// License is a persisted license record. The plaintext key is never stored;
// KeyHash is the only lookup value.
type License struct {
	ID             string                  `json:"id"`
	KeyHash        string                  `json:"-"`
	CustomerID     int64                   `json:"customer_id"`
	Tier           licensing.Tier          `json:"tier"`
	Status         licensing.LicenseStatus `json:"status"`
	SubscriptionID string                  `json:"subscription_id,omitempty"` // external billing subscription ID
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	RevokedAt      *time.Time              `json:"revoked_at,omitempty"`
	RevokedReason  string                  `json:"revoked_reason,omitempty"`
	SuspendReason  string                  `json:"suspend_reason,omitempty"`

	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	ValidationCount int64      `json:"validation_count"`
	LastInstanceID  string     `json:"last_instance_id,omitempty"`
	LastHostname    string     `json:"last_hostname,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription mirrors the billing provider's subscription. Exactly one row
// exists per external subscription ID.
type Subscription struct {
	ExternalID         string                       `json:"external_id"`
	CustomerID         int64                        `json:"customer_id"`
	Tier               licensing.Tier               `json:"tier"`
	Status             licensing.SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time                   `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time                   `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool                         `json:"cancel_at_period_end"`
	CanceledAt         *time.Time                   `json:"canceled_at,omitempty"`
	PriceID            string                       `json:"price_id,omitempty"`
	ProductID          string                       `json:"product_id,omitempty"`
	BillingCycle       string                       `json:"billing_cycle,omitempty"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at"`
}

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorAdmin    ActorType = "admin"
	ActorSystem   ActorType = "system"
	ActorBilling  ActorType = "billing-provider"
)

// AuditEntry is a write-once record of a state-changing action.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	ActorType  ActorType `json:"actor_type"`
	ActorID    string    `json:"actor_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateLicenseID returns a license ID of the form "lic-" followed by 10
// random Crockford base32 characters (50 bits of entropy).
func GenerateLicenseID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate license id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("lic-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
