package state

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToDisplayUnit(t *testing.T) {
	for _, c := range []float64{-40, -17.5, 0, 21.5, 37, 100, 1e6} {
		require.Equal(t, c, ToDisplayUnit(c, Celsius))
		require.InDelta(t, c*9/5+32, ToDisplayUnit(c, Fahrenheit), 1e-9)
	}
	require.InDelta(t, -40.0, ToDisplayUnit(-40, Fahrenheit), 1e-9)
}

func TestParseUnit(t *testing.T) {
	cases := map[string]Unit{
		"c":          Celsius,
		" F ":        Fahrenheit,
		"celsius":    Celsius,
		"Fahrenheit": Fahrenheit,
	}
	for raw, want := range cases {
		got, err := ParseUnit(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got)
	}
	_, err := ParseUnit("K")
	require.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	require.Equal(t, "21.50", FormatValue(21.5))
	require.Equal(t, "70.70", FormatValue(70.7))
	require.Equal(t, "-3.13", FormatValue(-3.125))
	require.Equal(t, "0.00", FormatValue(0))
}

func TestStoreDisplayEmpty(t *testing.T) {
	store := NewStore()
	display := store.Display(Celsius, time.UTC)
	require.Equal(t, NoValue, display.Value)
	require.Equal(t, NoTimestamp, display.Timestamp)
	require.Equal(t, "°C", display.Unit)
	require.Empty(t, display.Age)
}

func TestStoreDisplayConvertsUnits(t *testing.T) {
	store := NewStore()
	store.Set(Reading{Celsius: 21.5, Timestamp: "2024-01-01T00:00:00Z", ReceivedAt: time.Now()})

	celsius := store.Display(Celsius, time.UTC)
	require.Equal(t, "21.50", celsius.Value)
	require.Equal(t, "2024-01-01 00:00:00", celsius.Timestamp)
	require.NotEmpty(t, celsius.Age)

	fahrenheit := store.Display(Fahrenheit, time.UTC)
	require.Equal(t, "70.70", fahrenheit.Value)
	require.Equal(t, "°F", fahrenheit.Unit)
}

func TestFormatTimestamp(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	require.Equal(t, "2024-01-01 01:00:00", FormatTimestamp("2024-01-01T00:00:00Z", berlin))
	require.Equal(t, "2024-03-05 10:11:12", FormatTimestamp("2024-03-05T10:11:12.123456", time.UTC))
	require.Equal(t, NoTimestamp, FormatTimestamp("", time.UTC))
	require.Equal(t, NoTimestamp, FormatTimestamp("yesterday", time.UTC))
}

func TestStoreConcurrentSetKeepsReadingsWhole(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Set(Reading{Celsius: float64(i), Timestamp: time.Unix(int64(i), 0).UTC().Format(time.RFC3339)})
		}(i)
	}
	wg.Wait()

	reading, ok := store.Current()
	require.True(t, ok)
	ts, err := time.Parse(time.RFC3339, reading.Timestamp)
	require.NoError(t, err)
	require.Equal(t, int64(reading.Celsius), ts.Unix())
	require.False(t, math.IsNaN(reading.Celsius))
}
