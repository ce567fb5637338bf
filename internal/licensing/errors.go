package licensing

import "errors"

// Reason identifies why a license failed validation.
type Reason string

const (
	ReasonNotFound  Reason = "LICENSE_NOT_FOUND"
	ReasonRevoked   Reason = "LICENSE_REVOKED"
	ReasonSuspended Reason = "LICENSE_SUSPENDED"
	ReasonExpired   Reason = "LICENSE_EXPIRED"
)

// Error is a validation failure with a machine-readable reason code.
// Callers must treat every reason as "not entitled".
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return string(e.Reason)
}

// NewError returns a license error for the given reason.
func NewError(reason Reason) *Error {
	return &Error{Reason: reason}
}

// ReasonOf extracts the failure reason from err, if it is a license error.
func ReasonOf(err error) (Reason, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Reason, true
	}
	return "", false
}
