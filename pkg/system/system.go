// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtprec/pkg/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrNoCPUUsage cpu usage could not be read.
var ErrNoCPUUsage = errors.New("no cpu usage value")

// Status stores system status.
type Status struct {
	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`
	Streams            int    `json:"streams"`
}

type (
	cpuFunc     func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc     func() (*mem.VirtualMemoryStat, error)
	diskFunc    func(string) (*disk.UsageStat, error)
	streamsFunc func() int
)

// System tracks host resource usage.
type System struct {
	cpu     cpuFunc
	ram     ramFunc
	disk    diskFunc
	streams streamsFunc

	recordDir string
	status    Status
	duration  time.Duration

	logger log.ILogger
	mu     sync.Mutex
	o      sync.Once
}

// New returns new System, disk usage is reported for recordDir.
func New(recordDir string, streams func() int, logger log.ILogger) *System {
	return &System{
		cpu:     cpu.PercentWithContext,
		ram:     mem.VirtualMemory,
		disk:    disk.Usage,
		streams: streams,

		recordDir: recordDir,
		duration:  10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("get cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return ErrNoCPUUsage
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("get ram usage: %w", err)
	}
	diskUsage, err := s.disk(s.recordDir)
	if err != nil {
		return fmt.Errorf("get disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          int(diskUsage.UsedPercent),
		DiskUsageFormatted: formatBytes(diskUsage.Used),
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	s.o.Do(func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.update(ctx); err != nil && ctx.Err() == nil {
				s.logger.Log(log.Entry{
					Level: log.LevelError,
					Src:   "app",
					Msg:   fmt.Sprintf("could not update system status: %v", err),
				})
				select {
				case <-ctx.Done():
				case <-time.After(s.duration):
				}
			}
		}
	})
}

// Status returns cpu, ram and disk usage and the number of live streams.
func (s *System) Status() Status {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	if s.streams != nil {
		status.Streams = s.streams()
	}
	return status
}

// formatBytes 1500000000 -> "1.5GB"
func formatBytes(n uint64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	value := fmt.Sprintf("%.1f", float64(n)/float64(div))
	if value[len(value)-2:] == ".0" {
		value = value[:len(value)-2]
	}
	return value + string("kMGTPE"[exp]) + "B"
}
