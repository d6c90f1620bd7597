// Package events provides the typed, synchronous domain-event bus the
// core publishes to. Listener failures are contained at the bus boundary
// and never abort the operation that triggered the event.
package events

import "time"

// Event is implemented by every domain event.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

type base struct {
	At time.Time `json:"at"`
}

func (b base) OccurredAt() time.Time { return b.At }

func newBase(at time.Time) base { return base{At: at} }

// LicenseCreated is emitted once per qualifying purchase event.
type LicenseCreated struct {
	base
	LicenseID string `json:"license_id"`
	OwnerID   string `json:"owner_id"`
	ProductID string `json:"product_id"`
	MaskedKey string `json:"masked_key"`
}

func (LicenseCreated) EventName() string { return "license.created" }

// LicenseActivated is emitted when a domain binds to a license,
// including idempotent re-activations.
type LicenseActivated struct {
	base
	LicenseID string `json:"license_id"`
	Domain    string `json:"domain"`
	Developer bool   `json:"developer"`
}

func (LicenseActivated) EventName() string { return "license.activated" }

// LicenseDeactivated is emitted when an activation slot is freed.
type LicenseDeactivated struct {
	base
	LicenseID string `json:"license_id"`
	Domain    string `json:"domain"`
	Reason    string `json:"reason"`
}

func (LicenseDeactivated) EventName() string { return "license.deactivated" }

// LicenseValidated is emitted on every successful validation call.
type LicenseValidated struct {
	base
	LicenseID string `json:"license_id"`
	Domain    string `json:"domain"`
	Status    string `json:"status"`
}

func (LicenseValidated) EventName() string { return "license.validated" }

// LicenseExpired is emitted when the lazy status recomputation or the
// sweep moves a license into the expired state.
type LicenseExpired struct {
	base
	LicenseID string `json:"license_id"`
}

func (LicenseExpired) EventName() string { return "license.expired" }

// LicenseRevoked is emitted on the first transition into revoked.
type LicenseRevoked struct {
	base
	LicenseID string `json:"license_id"`
	Reason    string `json:"reason"`
}

func (LicenseRevoked) EventName() string { return "license.revoked" }

// SecurityIPBlocked is emitted when the failed-attempt threshold promotes
// an identity onto the durable block list, or on a manual block.
type SecurityIPBlocked struct {
	base
	IdentityKey string `json:"identity_key"`
	Reason      string `json:"reason"`
}

func (SecurityIPBlocked) EventName() string { return "security.ip_blocked" }

// SecurityRateLimitExceeded is emitted when a fixed-window counter
// overflows its limit.
type SecurityRateLimitExceeded struct {
	base
	IdentityKey string `json:"identity_key"`
	Limit       int    `json:"limit"`
}

func (SecurityRateLimitExceeded) EventName() string { return "security.rate_limit_exceeded" }

// NewLicenseCreated and friends stamp the event with its occurrence time.
func NewLicenseCreated(at time.Time, licenseID, ownerID, productID, maskedKey string) LicenseCreated {
	return LicenseCreated{base: newBase(at), LicenseID: licenseID, OwnerID: ownerID, ProductID: productID, MaskedKey: maskedKey}
}

func NewLicenseActivated(at time.Time, licenseID, domain string, developer bool) LicenseActivated {
	return LicenseActivated{base: newBase(at), LicenseID: licenseID, Domain: domain, Developer: developer}
}

func NewLicenseDeactivated(at time.Time, licenseID, domain, reason string) LicenseDeactivated {
	return LicenseDeactivated{base: newBase(at), LicenseID: licenseID, Domain: domain, Reason: reason}
}

func NewLicenseValidated(at time.Time, licenseID, domain, status string) LicenseValidated {
	return LicenseValidated{base: newBase(at), LicenseID: licenseID, Domain: domain, Status: status}
}

func NewLicenseExpired(at time.Time, licenseID string) LicenseExpired {
	return LicenseExpired{base: newBase(at), LicenseID: licenseID}
}

func NewLicenseRevoked(at time.Time, licenseID, reason string) LicenseRevoked {
	return LicenseRevoked{base: newBase(at), LicenseID: licenseID, Reason: reason}
}

func NewSecurityIPBlocked(at time.Time, identityKey, reason string) SecurityIPBlocked {
	return SecurityIPBlocked{base: newBase(at), IdentityKey: identityKey, Reason: reason}
}

func NewSecurityRateLimitExceeded(at time.Time, identityKey string, limit int) SecurityRateLimitExceeded {
	return SecurityRateLimitExceeded{base: newBase(at), IdentityKey: identityKey, Limit: limit}
}
