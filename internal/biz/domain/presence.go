package domain

import (
	"fmt"
	"time"
)

// PresenceRecord is the last heartbeat known for a subject
type PresenceRecord struct {
	SubjectID  string    `json:"subject_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// IsOnline derives online status; a record older than threshold reads as offline
func (r PresenceRecord) IsOnline(now time.Time, threshold time.Duration) bool {
	return IsFresh(r.LastSeenAt, now, threshold)
}

// Merge returns the record with the newest LastSeenAt so late deliveries never regress
func (r PresenceRecord) Merge(other PresenceRecord) PresenceRecord {
	return PresenceRecord{
		SubjectID:  r.SubjectID,
		LastSeenAt: Latest(r.LastSeenAt, other.LastSeenAt),
	}
}

// PresenceConfig represents presence timing (value object)
type PresenceConfig struct {
	HeartbeatInterval time.Duration
	OfflineThreshold  time.Duration
	RefreshInterval   time.Duration // Re-query interval for watched subjects
}

// DefaultPresenceConfig returns the stock presence timing
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		HeartbeatInterval: 30 * time.Second,
		OfflineThreshold:  60 * time.Second,
		RefreshInterval:   30 * time.Second,
	}
}

// Validate checks the threshold tolerates normal heartbeat jitter
func (c PresenceConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.OfflineThreshold < 2*c.HeartbeatInterval {
		return fmt.Errorf("offline threshold %v must be at least twice the heartbeat interval %v",
			c.OfflineThreshold, c.HeartbeatInterval)
	}
	return nil
}
