package ingestion

import (
	"time"
)

// TimeSyncValidator checks device timestamps against the receive time.
// A nil MaxDrift disables the check; a zero MaxDrift rejects any difference.
type TimeSyncValidator struct {
	MaxDrift *time.Duration
}

// DriftFromSeconds converts the configured drift in seconds. Zero disables
// the check, matching MAX_CLOCK_DRIFT_SECONDS; a zero-tolerance validator is
// built with an explicit MaxDrift instead.
func DriftFromSeconds(secs int) *time.Duration {
	if secs <= 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

// Enabled reports whether observations are checked at all.
func (v TimeSyncValidator) Enabled() bool {
	return v.MaxDrift != nil
}

// Validate returns a *DriftError when effective deviates from received by
// more than MaxDrift. Observations without a timestamp always pass.
func (v TimeSyncValidator) Validate(index int, code string, effective *time.Time, received time.Time) error {
	if v.MaxDrift == nil || effective == nil {
		return nil
	}
	drift := effective.Sub(received)
	if drift < 0 {
		drift = -drift
	}
	if drift > *v.MaxDrift {
		return &DriftError{
			Index:         index,
			Code:          code,
			EffectiveTime: effective.UTC(),
			ReceivedAt:    received.UTC(),
			Drift:         drift,
			MaxDrift:      *v.MaxDrift,
		}
	}
	return nil
}
