package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Severity ranks how urgently an alert needs attention.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Well-known alert types. Alerts are observability signals only; no control
// flow may depend on an alert being delivered.
const (
	AlertConnectionFailure = "connection_failure"
	AlertSourceFailover    = "source_failover"
	AlertSourceDegraded    = "source_degraded"
	AlertCachePerformance  = "cache_performance"
	AlertValidationAnomaly = "validation_anomaly"
	AlertCircuitOpen       = "circuit_open"
)

// Alert is a point-in-time operational event raised by pipeline components.
type Alert struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	TS       time.Time `json:"ts"`
	Resolved bool      `json:"resolved"`
}

// NewAlert builds an alert with an ID derived from the type and
// creation time.
func NewAlert(alertType string, severity Severity, message string) Alert {
	now := time.Now().UTC()
	return Alert{
		ID:       alertType + "-" + strconv.FormatInt(now.UnixNano(), 10),
		Type:     alertType,
		Severity: severity,
		Message:  message,
		TS:       now,
	}
}

// JSON returns the JSON-encoded alert.
func (a *Alert) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}
