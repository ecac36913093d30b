// Package sensor watches free space on the filesystem holding the local store.
package sensor

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"groupsync/pkg/logger"
	"groupsync/pkg/metrics"
)

// MonitorConfig tunes the disk monitor.
type MonitorConfig struct {
	Path           string
	PollInterval   time.Duration
	LowDiskBytes   uint64
	RecoveryWindow time.Duration
}

// Sensor polls statfs and raises a low-disk alert that clears only after
// space has stayed above the threshold for the recovery window.
type Sensor struct {
	config   MonitorConfig
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
	statfs   func(path string) (free, total uint64, err error)

	mu           sync.Mutex
	diskAlert    bool
	recoverSince time.Time
}

func NewSensor(config MonitorConfig) *Sensor {
	return &Sensor{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
		statfs: statfs,
	}
}

func statfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), stat.Blocks * uint64(stat.Bsize), nil
}

// Start checks once and then polls in the background.
func (s *Sensor) Start() {
	s.check()
	go s.run()
}

// Stop ends polling and waits for the loop to exit. Idempotent.
func (s *Sensor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// LowDisk reports whether the low-disk alert is raised.
func (s *Sensor) LowDisk() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskAlert
}

func (s *Sensor) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sensor) check() {
	free, total, err := s.statfs(s.config.Path)
	if err != nil {
		logger.Warn("sensor_statfs_failed", "path", s.config.Path, "error", err)
		return
	}
	metrics.StoreFreeBytes.Set(float64(free))

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if free < s.config.LowDiskBytes {
		s.recoverSince = time.Time{}
		if !s.diskAlert {
			s.diskAlert = true
			logger.Warn("disk_space_low", "path", s.config.Path, "free", humanize.IBytes(free), "total", humanize.IBytes(total), "threshold", humanize.IBytes(s.config.LowDiskBytes))
		}
		return
	}
	if !s.diskAlert {
		return
	}
	if s.recoverSince.IsZero() {
		s.recoverSince = now
	}
	if now.Sub(s.recoverSince) >= s.config.RecoveryWindow {
		s.diskAlert = false
		s.recoverSince = time.Time{}
		logger.Info("disk_space_recovered", "path", s.config.Path, "free", humanize.IBytes(free), "window", s.config.RecoveryWindow)
	}
}
