// Package billing consumes billing provider lifecycle events and reconciles
// them into subscription and license state.
package billing

import (
	"strings"
	"time"

	"github.com/keygate-io/keygate/internal/licensing"
)

// CheckoutSession is a minimal representation of a provider
// checkout.session event.
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Email resolves the customer email from either field the provider fills.
func (s *CheckoutSession) Email() string {
	if e := strings.ToLower(strings.TrimSpace(s.CustomerEmail)); e != "" {
		return e
	}
	return strings.ToLower(strings.TrimSpace(s.CustomerDetails.Email))
}

// Subscription is a minimal representation of a provider subscription event.
type Subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Product   string `json:"product"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPrice returns the price from the first subscription item.
func (s *Subscription) FirstPrice() (priceID, productID, interval string, metadata map[string]string) {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id, item.Price.Product, item.Price.Recurring.Interval, item.Price.Metadata
		}
	}
	return "", "", "", nil
}

// PeriodStart returns the current period start, if the provider sent one.
func (s *Subscription) PeriodStart() *time.Time {
	return unixPtr(s.CurrentPeriodStart)
}

// PeriodEnd returns the current period end, if the provider sent one.
func (s *Subscription) PeriodEnd() *time.Time {
	return unixPtr(s.CurrentPeriodEnd)
}

// Invoice is a minimal representation of a provider invoice event.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// tierFromMetadata resolves the license tier for a subscription. Paid
// checkouts default to team when the price carries no tier metadata.
func tierFromMetadata(sources ...map[string]string) licensing.Tier {
	for _, m := range sources {
		if m == nil {
			continue
		}
		if t, ok := licensing.ParseTier(m["tier"]); ok && t.IsPaid() {
			return t
		}
	}
	return licensing.TierTeam
}

func unixPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
