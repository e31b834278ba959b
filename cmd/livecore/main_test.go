package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumline/livecore/internal/conf"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(conf.LogConfig{Level: "warn", Format: "json"}, &buf).Info("[TEST] hidden")
	assert.Empty(t, buf.String())

	newLogger(conf.LogConfig{Level: "debug", Format: "json"}, &buf).Debug("[TEST] shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"[TEST] shown"`)

	buf.Reset()
	newLogger(conf.LogConfig{Level: "info", Format: "text"}, &buf).Info("[TEST] text")
	assert.Contains(t, buf.String(), "msg=\"[TEST] text\"")
}

func TestSessionConfig(t *testing.T) {
	c := &conf.Config{Tuning: conf.DefaultTuningConfig()}
	c.Tuning.Feed.PageLimit = 7

	sc := sessionConfig(c, "me", "Me")
	assert.Equal(t, "me", sc.SubjectID)
	assert.Equal(t, "Me", sc.DisplayName)
	assert.Equal(t, 7, sc.Usecases.PageLimit)
	assert.Equal(t, 3*time.Second, sc.TypingTimeout)
	assert.Equal(t, 400, sc.Usecases.NearTopOffset)
	require.NoError(t, sc.Usecases.Presence.Validate())

	sc = sessionConfig(&conf.Config{}, "me", "")
	assert.Equal(t, conf.DefaultTuningConfig().Feed.PageLimit, sc.Usecases.PageLimit)
}

func TestDemoItems(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	items := demoItems(now)
	require.NotEmpty(t, items)

	seen := map[string]bool{}
	pinned := 0
	for _, it := range items {
		assert.False(t, seen[it.ID], "duplicate id %s", it.ID)
		seen[it.ID] = true
		assert.NotEmpty(t, it.Title)
		assert.True(t, it.CreatedAt.Before(now))
		if it.Pinned {
			pinned++
		}
	}
	assert.Equal(t, 1, pinned)
}
