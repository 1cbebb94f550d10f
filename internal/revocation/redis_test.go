package revocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUntil_MillisecondPrecision(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)

	assert.Equal(t, "1767225610.000", formatUntil(at))
	assert.Equal(t, "1767225610.200", formatUntil(at.Add(200*time.Millisecond)))
	assert.Equal(t, "1767225610.005", formatUntil(at.Add(5*time.Millisecond+700*time.Microsecond)))
}

func TestParseUntil(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)

	got, err := parseUntil(formatUntil(at.Add(800 * time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, at.Add(800*time.Millisecond).UnixMilli(), got.UnixMilli())

	got, err = parseUntil("1767225610")
	require.NoError(t, err)
	assert.True(t, got.Equal(at), "whole seconds are still accepted")

	_, err = parseUntil("revoked")
	assert.Error(t, err)
}

func TestFormatUntil_OrdersWithinSecond(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	earlier, err := parseUntil(formatUntil(base.Add(200 * time.Millisecond)))
	require.NoError(t, err)
	later, err := parseUntil(formatUntil(base.Add(800 * time.Millisecond)))
	require.NoError(t, err)

	assert.True(t, later.After(earlier))
}
