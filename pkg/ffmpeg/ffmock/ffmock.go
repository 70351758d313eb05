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

package ffmock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rtprec/pkg/ffmpeg"
)

// ErrMock mock transcoder error.
var ErrMock = errors.New("mock")

// MockProcessConfig scripts the processes started by a launcher.
type MockProcessConfig struct {
	Stderr    []string      // Lines emitted after the started event.
	Sleep     time.Duration // Time before the terminal event, zero waits for kill.
	ReturnErr bool          // Terminal event is an error instead of end.
}

// Launcher records jobs and returns mock processes.
type Launcher struct {
	config *MockProcessConfig

	mu        sync.Mutex
	jobs      []ffmpeg.Job
	processes []*Process
}

// NewLauncher returns a launcher whose processes follow config.
func NewLauncher(c MockProcessConfig) *Launcher {
	return &Launcher{config: &c}
}

// NewManualLauncher returns a launcher whose
// processes only emit the events sent by the test.
func NewManualLauncher() *Launcher {
	return &Launcher{}
}

// Launch implements ffmpeg.Launcher.
func (l *Launcher) Launch(job ffmpeg.Job) ffmpeg.Process {
	p := NewProcess()

	l.mu.Lock()
	l.jobs = append(l.jobs, job)
	l.processes = append(l.processes, p)
	l.mu.Unlock()

	if l.config != nil {
		go p.script(*l.config)
	}
	return p
}

// Jobs returns launched jobs.
func (l *Launcher) Jobs() []ffmpeg.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ffmpeg.Job(nil), l.jobs...)
}

// Last returns the most recently launched process or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.processes) == 0 {
		return nil
	}
	return l.processes[len(l.processes)-1]
}

// Process mock process.
type Process struct {
	events chan ffmpeg.Event
	kill   chan struct{}
	kills  int32

	mu     sync.Mutex
	closed bool
}

// NewProcess returns process without events.
func NewProcess() *Process {
	return &Process{
		events: make(chan ffmpeg.Event, 64),
		kill:   make(chan struct{}),
	}
}

// Events implements ffmpeg.Process.
func (p *Process) Events() <-chan ffmpeg.Event {
	return p.events
}

// Kill implements ffmpeg.Process.
func (p *Process) Kill() {
	if atomic.AddInt32(&p.kills, 1) == 1 {
		close(p.kill)
	}
}

// Kills returns number of Kill calls.
func (p *Process) Kills() int {
	return int(atomic.LoadInt32(&p.kills))
}

// Killed is closed on the first Kill.
func (p *Process) Killed() <-chan struct{} {
	return p.kill
}

// Emit sends event. The channel is closed after a
// terminal event and later events are dropped.
func (p *Process) Emit(e ffmpeg.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.events <- e
	if e.Type.Terminal() {
		p.closed = true
		close(p.events)
	}
}

// Started emits started event.
func (p *Process) Started() {
	p.Emit(ffmpeg.Event{Type: ffmpeg.EventStarted, CommandLine: "ffmpeg -i pipe:0"})
}

// Fail emits error event.
func (p *Process) Fail(err error, stderr ...string) {
	p.Emit(ffmpeg.Event{Type: ffmpeg.EventError, Err: err, Stderr: stderr})
}

// End emits end event.
func (p *Process) End() {
	p.Emit(ffmpeg.Event{Type: ffmpeg.EventEnd})
}

func (p *Process) script(c MockProcessConfig) {
	p.Started()
	for _, line := range c.Stderr {
		p.Emit(ffmpeg.Event{Type: ffmpeg.EventStderr, Line: line})
	}

	var timeout <-chan time.Time
	if c.Sleep != 0 {
		timeout = time.After(c.Sleep)
	}
	select {
	case <-timeout:
	case <-p.kill:
		p.End()
		return
	}

	if c.ReturnErr {
		p.Fail(ErrMock, c.Stderr...)
		return
	}
	p.End()
}
