package models

import "time"

// APILog is an append-only audit record of a validation attempt. It is
// never consulted for decisions; failures writing it must not surface.
type APILog struct {
	ID             int64
	LicenseKeyHash string
	Endpoint       string
	Method         string
	Outcome        string
	IPAddress      string
	UserAgent      string
	Timestamp      time.Time
}
