package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Tracker", "hidden %d", 1)
	l.Warn("Tracker", "shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [Tracker] shown 2")
}

func TestSilentSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Queue", "boom")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, WARN, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestThrottleLetsFirstMessageThrough(t *testing.T) {
	var buf bytes.Buffer
	Init(DEBUG, &buf, false)

	th := Every("Scheduler", time.Hour)
	for i := 0; i < 5; i++ {
		th.Debug("skipped frame %d", i)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "skipped frame"))
	assert.Contains(t, buf.String(), "skipped frame 0")
}
