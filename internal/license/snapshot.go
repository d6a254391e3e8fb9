package license

import (
	"strings"
	"time"
)

// Status is the overall license state reported by the licensing authority.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusNoLicense    Status = "no_license"
	StatusActive       Status = "active"
	StatusExpiringSoon Status = "expiring_soon"
	StatusExpired      Status = "expired"
)

// ParseStatus maps a wire status string onto a Status. Unrecognized values
// become StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusNoLicense:
		return StatusNoLicense
	case StatusActive:
		return StatusActive
	case StatusExpiringSoon:
		return StatusExpiringSoon
	case StatusExpired:
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// IsValid reports whether the status grants access on its own.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusExpiringSoon
}

// Entitlement is the licensing decision for a single feature or module.
type Entitlement struct {
	Licensed bool   `json:"is_licensed"`
	Message  string `json:"message"`
}

// Snapshot is the last known license state. It is an immutable value:
// every refresh produces a new Snapshot and the old one is never modified.
type Snapshot struct {
	Status        Status                 `json:"status"`
	Valid         bool                   `json:"is_valid"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	DaysRemaining int                    `json:"days_remaining"`
	Message       string                 `json:"message"`
	Features      map[string]Entitlement `json:"features"`
	Modules       map[string]Entitlement `json:"modules"`
	CheckedAt     time.Time              `json:"checked_at"`
}

// NewSnapshot builds a snapshot whose validity is derived from status.
func NewSnapshot(status Status, expiresAt *time.Time, daysRemaining int, message string, features, modules map[string]Entitlement) Snapshot {
	return Snapshot{
		Status:        status,
		Valid:         status.IsValid(),
		ExpiresAt:     copyTime(expiresAt),
		DaysRemaining: daysRemaining,
		Message:       message,
		Features:      copyEntitlements(features),
		Modules:       copyEntitlements(modules),
		CheckedAt:     time.Now(),
	}
}

// UnknownSnapshot is the state before the first fetch resolves.
func UnknownSnapshot() Snapshot {
	return Snapshot{
		Status:   StatusUnknown,
		Message:  "License status has not been checked yet",
		Features: map[string]Entitlement{},
		Modules:  map[string]Entitlement{},
	}
}

// FailOpenSnapshot is substituted when the authority cannot be reached.
// It is the only snapshot that is valid with an Unknown status.
func FailOpenSnapshot(reason string) Snapshot {
	msg := "License server unreachable; access allowed until the next successful check"
	if reason != "" {
		msg = msg + " (" + reason + ")"
	}
	return Snapshot{
		Status:    StatusUnknown,
		Valid:     true,
		Message:   msg,
		Features:  map[string]Entitlement{},
		Modules:   map[string]Entitlement{},
		CheckedAt: time.Now(),
	}
}

// activatedSnapshot is the optimistic snapshot installed after a successful
// activation. Feature and module entitlements are carried over from prev
// until the next poll replaces them.
func activatedSnapshot(prev Snapshot, res ActivationResult) Snapshot {
	return NewSnapshot(StatusActive, res.ExpiresAt, res.DaysRemaining, res.Message, prev.Features, prev.Modules)
}

// Feature returns the entitlement for key and whether the authority knows it.
func (s Snapshot) Feature(key string) (Entitlement, bool) {
	e, ok := s.Features[key]
	return e, ok
}

// Module returns the entitlement for key and whether the authority knows it.
func (s Snapshot) Module(key string) (Entitlement, bool) {
	e, ok := s.Modules[key]
	return e, ok
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyEntitlements(in map[string]Entitlement) map[string]Entitlement {
	out := make(map[string]Entitlement, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
