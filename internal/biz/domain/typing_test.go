package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingState_IsCurrentlyTyping(t *testing.T) {
	now := time.Now()
	timeout := 3 * time.Second

	active := TypingState{IsTyping: true, LastTypedAt: now.Add(-time.Second)}
	assert.True(t, active.IsCurrentlyTyping(now, timeout))

	stale := TypingState{IsTyping: true, LastTypedAt: now.Add(-timeout)}
	assert.False(t, stale.IsCurrentlyTyping(now, timeout), "a stale true must expire on its own")

	stopped := TypingState{IsTyping: false, LastTypedAt: now}
	assert.False(t, stopped.IsCurrentlyTyping(now, timeout))
}

func TestActiveTypers(t *testing.T) {
	now := time.Now()
	timeout := 3 * time.Second
	records := []TypingState{
		{ConversationID: "c1", SubjectID: "me", DisplayName: "Me", IsTyping: true, LastTypedAt: now},
		{ConversationID: "c1", SubjectID: "u2", DisplayName: "Bob", IsTyping: true, LastTypedAt: now},
		{ConversationID: "c1", SubjectID: "u3", DisplayName: "Alice", IsTyping: true, LastTypedAt: now.Add(-time.Second)},
		{ConversationID: "c1", SubjectID: "u4", DisplayName: "Carol", IsTyping: true, LastTypedAt: now.Add(-10 * time.Second)},
		{ConversationID: "c1", SubjectID: "u5", DisplayName: "Dan", IsTyping: false, LastTypedAt: now},
		{ConversationID: "c2", SubjectID: "u6", DisplayName: "Eve", IsTyping: true, LastTypedAt: now},
		{ConversationID: "c1", SubjectID: "u7", IsTyping: true, LastTypedAt: now},
	}

	typers := ActiveTypers(records, "c1", "me", now, timeout)

	assert.Equal(t, []string{"Alice", "Bob", "u7"}, typers)

	// Idempotent recomputation
	assert.Equal(t, typers, ActiveTypers(records, "c1", "me", now, timeout))
}
