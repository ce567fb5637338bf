package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate-io/keygate/internal/license"
	"github.com/keygate-io/keygate/internal/licensing"
	"github.com/keygate-io/keygate/internal/notify"
	"github.com/keygate-io/keygate/internal/registry"
)

// Reconciler maps billing lifecycle events onto subscription and license
// transitions. Events are delivered at-least-once with no ordering
// guarantee, so every handler is safe to apply twice.
type Reconciler struct {
	reg       *registry.Registry
	issuer    *license.Issuer
	sender    notify.Sender
	emailFrom string
}

// NewReconciler creates a billing event reconciler.
func NewReconciler(reg *registry.Registry, issuer *license.Issuer, sender notify.Sender, emailFrom string) *Reconciler {
	return &Reconciler{reg: reg, issuer: issuer, sender: sender, emailFrom: emailFrom}
}

// HandleCheckoutCompleted provisions a subscription and issues its license.
// A repeat delivery for an already-known subscription is a no-op: the raw
// key is delivered exactly once, on first processing.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, session CheckoutSession) error {
	subID := strings.TrimSpace(session.Subscription)
	if subID == "" {
		return fmt.Errorf("checkout session %s has no subscription", session.ID)
	}

	existing, err := r.reg.GetSubscription(subID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if existing != nil {
		log.Info().
			Str("subscription_id", subID).
			Str("session_id", session.ID).
			Msg("Subscription already provisioned, skipping duplicate checkout event")
		return nil
	}

	email := session.Email()
	if email == "" {
		return fmt.Errorf("checkout session %s has no customer email", session.ID)
	}

	customer, err := r.reg.EnsureCustomer(email, strings.TrimSpace(session.CustomerDetails.Name))
	if err != nil {
		return fmt.Errorf("ensure customer: %w", err)
	}

	tier := tierFromMetadata(session.Metadata)
	sub := &registry.Subscription{
		ExternalID: subID,
		CustomerID: customer.ID,
		Tier:       tier,
		Status:     licensing.SubscriptionActive,
	}
	if err := r.reg.UpsertSubscription(sub); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	lic, rawKey, err := r.issuer.Issue(ctx, customer.ID, tier, nil, "", subID, license.Actor{Type: registry.ActorBilling})
	if err != nil {
		return fmt.Errorf("issue license for subscription %s: %w", subID, err)
	}

	r.audit(subID, "subscription.created", fmt.Sprintf("customer=%d tier=%s license=%s", customer.ID, tier, lic.ID))

	// The one and only delivery of the plaintext key.
	msg := notify.LicenseKeyMessage(r.emailFrom, customer.Email, rawKey, string(tier))
	if err := r.sender.Send(ctx, msg); err != nil {
		log.Error().Err(err).
			Str("license_id", lic.ID).
			Str("customer_email", customer.Email).
			Msg("Failed to deliver license key email")
	}

	log.Info().
		Str("subscription_id", subID).
		Str("license_id", lic.ID).
		Str("tier", string(tier)).
		Msg("Checkout provisioned")
	return nil
}

// HandleSubscriptionUpdated syncs provider-sourced fields onto the stored
// subscription. With cancel_at_period_end set, the linked license gets a
// soft expiry at the period end without a status change.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, sub Subscription) error {
	stored, err := r.reg.GetSubscription(sub.ID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if stored == nil {
		// Updated event arrived before (or without) the checkout event.
		// There is no local customer to attach it to; leave it for the
		// checkout handler and let the provider's retries resync later.
		return fmt.Errorf("subscription %s not known locally", sub.ID)
	}

	wasCancelPending := stored.CancelAtPeriodEnd

	next, _ := licensing.NextSubscriptionStatus(stored.Status, licensing.EventSubscriptionUpdated, licensing.NormalizeSubscriptionStatus(sub.Status))
	stored.Status = next
	stored.CurrentPeriodStart = sub.PeriodStart()
	stored.CurrentPeriodEnd = sub.PeriodEnd()
	stored.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.CanceledAt != 0 {
		stored.CanceledAt = unixPtr(sub.CanceledAt)
	}
	priceID, productID, interval, priceMeta := sub.FirstPrice()
	if priceID != "" {
		stored.PriceID = priceID
		stored.ProductID = productID
		stored.BillingCycle = interval
		stored.Tier = tierFromMetadata(priceMeta, sub.Metadata)
	}

	if err := r.reg.UpsertSubscription(stored); err != nil {
		return fmt.Errorf("sync subscription %s: %w", sub.ID, err)
	}

	switch {
	case sub.CancelAtPeriodEnd:
		if end := sub.PeriodEnd(); end != nil {
			lic, err := r.reg.GetLicenseBySubscription(sub.ID)
			if err != nil {
				return fmt.Errorf("lookup license for subscription %s: %w", sub.ID, err)
			}
			if lic != nil {
				if err := r.reg.SetLicenseExpiry(lic.ID, end); err != nil {
					return err
				}
				log.Info().
					Str("license_id", lic.ID).
					Time("expires_at", *end).
					Msg("Soft cancellation: license expiry set to period end")
			}
		}
	case wasCancelPending:
		// The customer reversed the cancellation. Clear the soft expiry,
		// which also reactivates a license that already lapsed.
		lic, err := r.reg.GetLicenseBySubscription(sub.ID)
		if err != nil {
			return fmt.Errorf("lookup license for subscription %s: %w", sub.ID, err)
		}
		if lic != nil {
			if _, err := r.reg.ExtendLicense(lic.ID, nil); err != nil {
				return err
			}
			log.Info().
				Str("license_id", lic.ID).
				Msg("Cancellation reversed: license expiry cleared")
		}
	}
	return nil
}

// HandleSubscriptionDeleted cancels the subscription and expires its
// license immediately.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, sub Subscription) error {
	stored, err := r.reg.GetSubscription(sub.ID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if stored == nil {
		log.Info().Str("subscription_id", sub.ID).Msg("Deletion event for unknown subscription, ignoring")
		return nil
	}

	now := time.Now().UTC()
	if stored.Status != licensing.SubscriptionCanceled {
		if _, err := r.reg.TransitionSubscriptionStatus(sub.ID, stored.Status, licensing.SubscriptionCanceled, &now); err != nil {
			return err
		}
	}

	lic, err := r.reg.GetLicenseBySubscription(sub.ID)
	if err != nil {
		return fmt.Errorf("lookup license for subscription %s: %w", sub.ID, err)
	}
	if lic != nil {
		expired, err := r.reg.ExpireLicense(lic.ID, now)
		if err != nil {
			return err
		}
		if expired {
			r.audit(sub.ID, "subscription.canceled", fmt.Sprintf("license=%s expired", lic.ID))
		}
	} else {
		r.audit(sub.ID, "subscription.canceled", "")
	}
	return nil
}

// HandlePaymentFailed suspends the subscription's license and notifies the
// customer.
func (r *Reconciler) HandlePaymentFailed(ctx context.Context, invoice Invoice) error {
	subID := strings.TrimSpace(invoice.Subscription)
	if subID == "" {
		log.Info().Str("invoice_id", invoice.ID).Msg("Payment failure without subscription, ignoring")
		return nil
	}

	stored, err := r.reg.GetSubscription(subID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if stored == nil {
		return fmt.Errorf("subscription %s not known locally", subID)
	}

	if next, changed := licensing.NextSubscriptionStatus(stored.Status, licensing.EventPaymentFailed, ""); changed {
		if _, err := r.reg.TransitionSubscriptionStatus(subID, stored.Status, next, nil); err != nil {
			return err
		}
	}

	lic, err := r.reg.GetLicenseBySubscription(subID)
	if err != nil {
		return fmt.Errorf("lookup license for subscription %s: %w", subID, err)
	}
	if lic == nil {
		return nil
	}

	in := licensing.LicenseInput{Status: lic.Status, SuspendReason: lic.SuspendReason}
	if next, changed := licensing.NextLicenseStatus(in, licensing.EventPaymentFailed); changed {
		suspended, err := r.reg.TransitionStatus(lic.ID, lic.Status, next, licensing.SuspendReasonPayment)
		if err != nil {
			return err
		}
		if suspended {
			r.audit(subID, "subscription.payment_failed", fmt.Sprintf("license=%s suspended", lic.ID))
			r.notifyPaymentFailed(ctx, lic.CustomerID)
		}
	}
	return nil
}

// HandlePaymentSucceeded restores a past-due subscription. Only a license
// suspended for non-payment is reactivated; revoked or administratively
// suspended licenses stay untouched.
func (r *Reconciler) HandlePaymentSucceeded(ctx context.Context, invoice Invoice) error {
	subID := strings.TrimSpace(invoice.Subscription)
	if subID == "" {
		return nil
	}

	stored, err := r.reg.GetSubscription(subID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if stored == nil || stored.Status != licensing.SubscriptionPastDue {
		// Routine renewal payment; nothing to recover.
		return nil
	}

	if _, err := r.reg.TransitionSubscriptionStatus(subID, licensing.SubscriptionPastDue, licensing.SubscriptionActive, nil); err != nil {
		return err
	}

	lic, err := r.reg.GetLicenseBySubscription(subID)
	if err != nil {
		return fmt.Errorf("lookup license for subscription %s: %w", subID, err)
	}
	if lic == nil {
		return nil
	}

	in := licensing.LicenseInput{Status: lic.Status, SuspendReason: lic.SuspendReason}
	if next, changed := licensing.NextLicenseStatus(in, licensing.EventPaymentSucceeded); changed {
		restored, err := r.reg.TransitionStatus(lic.ID, licensing.LicenseSuspended, next, "")
		if err != nil {
			return err
		}
		if restored {
			r.audit(subID, "subscription.payment_recovered", fmt.Sprintf("license=%s reactivated", lic.ID))
		}
	}
	return nil
}

func (r *Reconciler) notifyPaymentFailed(ctx context.Context, customerID int64) {
	customer, err := r.reg.GetCustomer(customerID)
	if err != nil || customer == nil {
		log.Error().Err(err).Int64("customer_id", customerID).Msg("Cannot resolve customer for payment-failure notice")
		return
	}
	if err := r.sender.Send(ctx, notify.PaymentFailedMessage(r.emailFrom, customer.Email)); err != nil {
		log.Error().Err(err).Str("customer_email", customer.Email).Msg("Failed to send payment-failure notice")
	}
}

func (r *Reconciler) audit(subscriptionID, action, details string) {
	entry := &registry.AuditEntry{
		EntityType: "subscription",
		EntityID:   subscriptionID,
		Action:     action,
		ActorType:  registry.ActorBilling,
		Details:    details,
	}
	if err := r.reg.AppendAudit(entry); err != nil {
		log.Error().Err(err).Str("subscription_id", subscriptionID).Str("action", action).Msg("Failed to write audit entry")
	}
}
