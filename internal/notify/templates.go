package notify

import "fmt"

// LicenseKeyMessage builds the one-time key delivery email. The key appears
// only here; it is never stored or sent again.
func LicenseKeyMessage(from, to, rawKey, tier string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: "Your Keygate license key",
		Text: fmt.Sprintf(`Thanks for subscribing to the %s plan.

Your license key:

    %s

Enter it in your deployment's settings to activate your entitlements.
Keep it safe: this key is shown only once and cannot be recovered. If you
lose it, contact support to have a replacement issued.
`, tier, rawKey),
	}
}

// PaymentFailedMessage builds the payment-failure notice.
func PaymentFailedMessage(from, to string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: "Payment failed - your Keygate license is suspended",
		Text: `A payment for your subscription failed, and your license has been
suspended. Your deployments will fail validation until payment succeeds.

Update your payment method in the billing portal to restore access.
Access resumes automatically once payment goes through.
`,
	}
}
