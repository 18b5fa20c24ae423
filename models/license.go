package models

import "time"

// License is an opaque capability token owned by a user. The plaintext
// key is kept only for one-time display; all lookups go through KeyHash.
//
// IsActive and IsSuspended are independent administrative switches. They
// can block access a subscription would otherwise permit, but can never
// grant access a subscription forbids.
type License struct {
	ID      string
	Key     string
	KeyHash string
	UserID  string

	IsActive    bool
	IsSuspended bool

	CreatedAt     time.Time
	LastValidated *time.Time
	// ExpiresAt is informational only. Gating decisions use the owning
	// subscription's effective expiry, never this field.
	ExpiresAt *time.Time

	ExtensionVersion  string
	DeviceFingerprint string
	LastIP            string
	ValidationCount   int64
}
