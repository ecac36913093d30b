package sensor

import (
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"groupsync/pkg/metrics"
)

func TestLowDiskAlertAndRecovery(t *testing.T) {
	s := NewSensor(MonitorConfig{Path: "/data", PollInterval: time.Hour, LowDiskBytes: 100, RecoveryWindow: time.Minute})
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	free := uint64(50)
	s.statfs = func(string) (uint64, uint64, error) { return free, 1000, nil }

	s.check()
	require.True(t, s.LowDisk())
	require.Equal(t, float64(50), promtest.ToFloat64(metrics.StoreFreeBytes))

	free = 500
	s.check()
	require.True(t, s.LowDisk(), "still inside the recovery window")
	now = now.Add(30 * time.Second)
	s.check()
	require.True(t, s.LowDisk())

	// Dipping again restarts the window.
	free = 10
	s.check()
	free = 500
	now = now.Add(45 * time.Second)
	s.check()
	require.True(t, s.LowDisk())
	now = now.Add(time.Minute)
	s.check()
	require.False(t, s.LowDisk())
}

func TestStatfsErrorKeepsState(t *testing.T) {
	s := NewSensor(MonitorConfig{Path: "/data", PollInterval: time.Hour, LowDiskBytes: 100})
	s.statfs = func(string) (uint64, uint64, error) { return 0, 0, errors.New("gone") }
	s.check()
	require.False(t, s.LowDisk())
}

func TestStartStopOnRealPath(t *testing.T) {
	s := NewSensor(MonitorConfig{Path: t.TempDir(), PollInterval: 10 * time.Millisecond, LowDiskBytes: 1, RecoveryWindow: time.Second})
	s.Start()
	require.Greater(t, promtest.ToFloat64(metrics.StoreFreeBytes), float64(0))
	s.Stop()
	s.Stop()
}
