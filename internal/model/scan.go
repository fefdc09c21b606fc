package model

import "encoding/json"

type ScanType string

const (
	ScanUserProfile        ScanType = "user_profile"
	ScanEventCheckin       ScanType = "event_checkin"
	ScanCustomEventMessage ScanType = "custom_event_message"
	ScanUnknown            ScanType = "unknown"
)

// ScanPayload is the decoded content of a QR code. It is never persisted,
// only matched against the roster.
type ScanPayload struct {
	Type    ScanType `json:"type"`
	UserID  string   `json:"userId,omitempty"`
	Email   string   `json:"email,omitempty"`
	Version string   `json:"version,omitempty"`
}

// ParseScanPayload decodes the raw string a QR scanner yields. Garbage or
// unrecognized types come back as ScanUnknown rather than an error; the
// caller decides how to report an unusable scan.
func ParseScanPayload(raw string) ScanPayload {
	var p ScanPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ScanPayload{Type: ScanUnknown}
	}
	switch p.Type {
	case ScanUserProfile, ScanEventCheckin, ScanCustomEventMessage:
		return p
	default:
		p.Type = ScanUnknown
		return p
	}
}
