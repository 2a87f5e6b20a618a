package activity

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestLogAppendsInOrder(t *testing.T) {
	log := NewLog(zerolog.Nop(), 0)
	log.now = fixedClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	log.Add("Console started.")
	log.Addf("Start Collection (interval: %ds)", 2)
	log.Warn("Read Once failed: HTTP 503")

	entries := log.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "Console started.", entries[0].Message)
	require.Equal(t, "Start Collection (interval: 2s)", entries[1].Message)
	require.True(t, entries[2].Warning)
	require.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
	require.Equal(t, "[2024-05-01 12:00:01] Console started.", entries[0].Format(time.UTC))
	require.Equal(t, "[2024-05-01 08:00:01] Console started.", entries[0].Format(time.FixedZone("EDT", -4*3600)))
}

func TestLogCapacityDropsOldest(t *testing.T) {
	log := NewLog(zerolog.Nop(), 2)
	log.Add("a")
	log.Add("b")
	log.Add("c")

	entries := log.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].Message)
	require.Equal(t, "c", entries[1].Message)
}

func TestLogClear(t *testing.T) {
	log := NewLog(zerolog.Nop(), 0)
	log.Add("a")
	log.Clear()
	require.Equal(t, 0, log.Len())
	log.Add("b")
	require.Equal(t, 1, log.Len())
}

func TestLogMirrorsToZerolog(t *testing.T) {
	var buf bytes.Buffer
	log := NewLog(zerolog.New(&buf), 0)
	log.Add("Camera: Disconnected")
	log.Warn("API offline (health check failed).")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"level":"info"`)
	require.Contains(t, lines[0], `"component":"activity"`)
	require.Contains(t, lines[0], "Camera: Disconnected")
	require.Contains(t, lines[1], `"level":"warn"`)
}

func TestLogSubscribe(t *testing.T) {
	log := NewLog(zerolog.Nop(), 0)
	log.Add("before")

	ch, cancel := log.Subscribe(4)
	log.Add("after")

	select {
	case entry := <-ch:
		require.Equal(t, "after", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("expected entry on subscription")
	}

	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	log.Add("ignored")
}

func TestNilLogIsSafe(t *testing.T) {
	var log *Log
	log.Add("x")
	log.Warn("y")
	log.Clear()
	require.Nil(t, log.Entries())
	require.Zero(t, log.Len())
	ch, cancel := log.Subscribe(1)
	cancel()
	_, ok := <-ch
	require.False(t, ok)
}
