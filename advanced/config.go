package advanced

import (
	"time"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/pkg/retry"
)

// CacheConfig bounds the publication cache. Samples are retained per key in
// a ring of the MaxSamples most recent publications; distinct keys are
// bounded by MaxKeys, least-recently-written evicted first.
type CacheConfig struct {
	MaxSamples int `json:"max_samples"`
	// MaxKeys bounds distinct cached keys. Zero means DefaultMaxKeys.
	MaxKeys int `json:"max_keys,omitempty"`
}

// DefaultMaxKeys is the cached-key bound applied when CacheConfig.MaxKeys
// is zero.
const DefaultMaxKeys = 1024

// Validate checks the cache bounds.
func (c CacheConfig) Validate() error {
	if c.MaxSamples <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CacheConfig", "Validate",
			"max_samples must be positive")
	}
	if c.MaxKeys < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CacheConfig", "Validate",
			"max_keys cannot be negative")
	}
	return nil
}

func (c CacheConfig) maxKeys() int {
	if c.MaxKeys == 0 {
		return DefaultMaxKeys
	}
	return c.MaxKeys
}

// MissDetection selects how a publisher announces its latest sequence
// numbers. Exactly one of the two variants applies; the interface is
// sealed so both cannot be configured at once.
type MissDetection interface {
	heartbeatPeriod() time.Duration
	sporadic() bool
}

// PeriodicHeartbeat announces the latest sequence number per key at a
// fixed interval, whether or not anything was published.
type PeriodicHeartbeat struct {
	Period time.Duration
}

func (h PeriodicHeartbeat) heartbeatPeriod() time.Duration { return h.Period }
func (h PeriodicHeartbeat) sporadic() bool                 { return false }

// SporadicHeartbeat announces only when a sequence number has changed
// since the last period. The announcement is sent with BLOCK congestion
// control so it survives congestion.
type SporadicHeartbeat struct {
	Period time.Duration
}

func (h SporadicHeartbeat) heartbeatPeriod() time.Duration { return h.Period }
func (h SporadicHeartbeat) sporadic() bool                 { return true }

func validateMissDetection(md MissDetection) error {
	if md == nil {
		return nil
	}
	if md.heartbeatPeriod() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MissDetection", "Validate",
			"heartbeat period must be positive")
	}
	return nil
}

// RecoveryMode selects how a subscriber retrieves samples it detected as
// missing. Exactly one of the two variants applies; the interface is
// sealed so both cannot be configured at once.
type RecoveryMode interface {
	queryTimeout() time.Duration
	validate() error
}

// PeriodicQueries polls the publishers' caches at a fixed interval for any
// sequence numbers still missing. Failed polls back off per Retry.
type PeriodicQueries struct {
	Interval     time.Duration
	QueryTimeout time.Duration
	Retry        retry.Config
}

func (r PeriodicQueries) queryTimeout() time.Duration {
	if r.QueryTimeout <= 0 {
		return 5 * time.Second
	}
	return r.QueryTimeout
}

func (r PeriodicQueries) validate() error {
	if r.Interval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PeriodicQueries", "Validate",
			"interval must be positive")
	}
	return nil
}

// HeartbeatDriven reacts to the publishers' heartbeat announcements,
// querying the cache as soon as a gap is announced. Requires the
// publishers to run miss detection.
type HeartbeatDriven struct {
	QueryTimeout time.Duration
}

func (r HeartbeatDriven) queryTimeout() time.Duration {
	if r.QueryTimeout <= 0 {
		return 5 * time.Second
	}
	return r.QueryTimeout
}

func (r HeartbeatDriven) validate() error { return nil }

// HistoryConfig fetches cached publications when the subscriber starts,
// and optionally again whenever a new caching publisher appears.
type HistoryConfig struct {
	// MaxSamples bounds fetched history per key. Zero means the
	// publisher's cache bound applies alone.
	MaxSamples int `json:"max_samples,omitempty"`
	// MaxAge discards fetched samples older than the window. Zero means
	// no age bound.
	MaxAge time.Duration `json:"max_age,omitempty"`
	// DetectLatePublishers watches liveliness for caching publishers
	// declared after this subscriber and fetches their history too.
	DetectLatePublishers bool `json:"detect_late_publishers,omitempty"`
}

// Validate checks the history bounds.
func (c HistoryConfig) Validate() error {
	if c.MaxSamples < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "HistoryConfig", "Validate",
			"max_samples cannot be negative")
	}
	if c.MaxAge < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "HistoryConfig", "Validate",
			"max_age cannot be negative")
	}
	return nil
}
