package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tables carrying row-level change notifications
const (
	TablePresence = "presence"
	TableTyping   = "typing_status"
)

// ChangeType is the kind of row change
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
)

// ChangeFilter scopes a subscription to a table and optionally one column value
type ChangeFilter struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Topic returns a stable name for the subscription
func (f ChangeFilter) Topic() string {
	if f.Column == "" {
		return f.Table
	}
	return fmt.Sprintf("%s:%s=eq.%s", f.Table, f.Column, f.Value)
}

// Matches reports whether a decoded row passes the filter
func (f ChangeFilter) Matches(table string, row map[string]any) bool {
	if table != f.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// ChangeEvent is one row-level change delivered by the realtime channel
type ChangeEvent struct {
	Table  string          `json:"table"`
	Type   ChangeType      `json:"type"`
	Record json.RawMessage `json:"record"`
}

// Credential is the caller identity and bearer token supplied by the auth layer
type Credential struct {
	Token     string
	SubjectID string
	ExpiresAt time.Time // Zero when the token carries no expiry
}

// Expired reports whether the credential is past its expiry at now
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
