package monitoring_test

import (
	"testing"
	"time"

	"vision-backend/internal/monitoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		d        time.Duration
		expected string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h 3m 4s"},
		{26*time.Hour + 3*time.Minute, "1d 2h 3m 0s"},
		{-time.Minute, "0s"},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, monitoring.FormatUptime(c.d), c.d.String())
	}
}

func TestCollect(t *testing.T) {
	collector := monitoring.NewCollector()

	metrics, err := collector.Collect()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, metrics.CPUPercent, 0.0)
	assert.LessOrEqual(t, metrics.CPUPercent, 100.0)
	assert.Greater(t, metrics.MemoryPercent, 0.0)
	assert.Greater(t, metrics.DiskPercent, 0.0)
	assert.NotEmpty(t, metrics.Uptime)
}
