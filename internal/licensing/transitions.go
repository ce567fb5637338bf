package licensing

// LicenseStatus is the lifecycle state of a license.
type LicenseStatus string

const (
	LicenseActive    LicenseStatus = "active"
	LicenseSuspended LicenseStatus = "suspended"
	LicenseRevoked   LicenseStatus = "revoked"
	LicenseExpired   LicenseStatus = "expired"
)

// SubscriptionStatus mirrors the billing provider's canonical lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// NormalizeSubscriptionStatus maps a provider status string onto the closed
// local enum. Unknown provider statuses collapse to incomplete.
func NormalizeSubscriptionStatus(s string) SubscriptionStatus {
	switch SubscriptionStatus(s) {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue,
		SubscriptionCanceled, SubscriptionIncomplete:
		return SubscriptionStatus(s)
	}
	return SubscriptionIncomplete
}

// EventKind enumerates every billing or administrative event that can drive a
// state transition. The set is closed: the webhook layer maps provider event
// types onto it, and anything outside the set is ignored upstream.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentFailed       EventKind = "payment_failed"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventAdminRevoke         EventKind = "admin_revoke"
	EventAdminReactivate     EventKind = "admin_reactivate"
	EventAdminExtend         EventKind = "admin_extend"
)

// SuspendReasonPayment marks a suspension caused by a failed payment, as
// opposed to an administrative suspension. Only payment suspensions are
// cleared automatically when payment recovers.
const SuspendReasonPayment = "payment failed"

// LicenseInput is the slice of license state a transition depends on.
type LicenseInput struct {
	Status        LicenseStatus
	SuspendReason string
}

// NextLicenseStatus computes the license status after applying event to the
// current state. Revoked is terminal for everything except nothing: no event
// leaves it, billing or administrative. The second return reports whether the
// status changed.
func NextLicenseStatus(in LicenseInput, event EventKind) (LicenseStatus, bool) {
	cur := in.Status
	if cur == LicenseRevoked {
		return cur, false
	}

	switch event {
	case EventSubscriptionDeleted:
		return change(cur, LicenseExpired)
	case EventPaymentFailed:
		if cur == LicenseActive {
			return LicenseSuspended, true
		}
	case EventPaymentSucceeded:
		if cur == LicenseSuspended && in.SuspendReason == SuspendReasonPayment {
			return LicenseActive, true
		}
	case EventAdminRevoke:
		return change(cur, LicenseRevoked)
	case EventAdminReactivate:
		if cur == LicenseSuspended {
			return LicenseActive, true
		}
	case EventAdminExtend:
		if cur == LicenseExpired {
			return LicenseActive, true
		}
	}
	return cur, false
}

// NextSubscriptionStatus computes the subscription status after applying
// event. providerStatus carries the status reported by the billing provider
// and is consulted only for EventSubscriptionUpdated.
func NextSubscriptionStatus(current SubscriptionStatus, event EventKind, providerStatus SubscriptionStatus) (SubscriptionStatus, bool) {
	switch event {
	case EventCheckoutCompleted:
		return change(current, SubscriptionActive)
	case EventSubscriptionUpdated:
		return change(current, providerStatus)
	case EventSubscriptionDeleted:
		return change(current, SubscriptionCanceled)
	case EventPaymentFailed:
		return change(current, SubscriptionPastDue)
	case EventPaymentSucceeded:
		return change(current, SubscriptionActive)
	}
	return current, false
}

func change[T comparable](cur, next T) (T, bool) {
	return next, cur != next
}
