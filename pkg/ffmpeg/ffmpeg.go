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

package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventType process event type.
type EventType uint8

// Process events. Started, progress and stderr may occur
// before the single terminal event, error or end.
const (
	EventStarted EventType = iota + 1
	EventProgress
	EventStderr
	EventError
	EventEnd
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventStderr:
		return "stderr"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	}
	return "unknown"
}

// Terminal returns true for error and end.
func (t EventType) Terminal() bool {
	return t == EventError || t == EventEnd
}

// Progress transcoder progress report.
type Progress struct {
	Frames      uint64  `json:"frames"`
	BitrateKbps float64 `json:"bitrateKbps"`
}

// Event process lifecycle event.
type Event struct {
	Type EventType

	CommandLine string   // Started.
	Progress    Progress // Progress.
	Line        string   // Stderr.

	// Error.
	Err    error
	Stdout []string
	Stderr []string
}

// Job describes a transcoder run. The session description
// is written to stdin and read by ffmpeg as "pipe:0".
type Job struct {
	SDP        []byte
	InputArgs  []string
	OutputArgs []string
	Output     string
}

// Process handle to a launched transcoder.
type Process interface {
	// Events is closed after the terminal event.
	Events() <-chan Event

	// Kill stops the process, safe to call multiple
	// times and after the process has exited.
	Kill()
}

// Launcher starts transcoder processes.
type Launcher interface {
	Launch(Job) Process
}

// Defaults.
const (
	DefaultTimeout  = 1000 * time.Millisecond
	DefaultLogLevel = "error"
	defaultTailSize = 20
	eventBufferSize = 64
)

// FFMPEG stores ffmpeg binary location.
type FFMPEG struct {
	command  func(...string) *exec.Cmd
	timeout  time.Duration
	logLevel string
}

// New returns FFMPEG.
func New(bin string) *FFMPEG {
	command := func(args ...string) *exec.Cmd {
		return exec.Command(bin, args...)
	}
	return &FFMPEG{
		command:  command,
		timeout:  DefaultTimeout,
		logLevel: DefaultLogLevel,
	}
}

// Timeout sets the time between interrupt and kill signals.
func (f *FFMPEG) Timeout(timeout time.Duration) *FFMPEG {
	f.timeout = timeout
	return f
}

// LogLevel sets the ffmpeg "-loglevel" flag.
func (f *FFMPEG) LogLevel(level string) *FFMPEG {
	f.logLevel = level
	return f
}

// Args returns the full argument list for job.
func (f *FFMPEG) Args(job Job) []string {
	args := []string{"-hide_banner", "-loglevel", f.logLevel, "-stats"}
	args = append(args, job.InputArgs...)
	args = append(args, "-i", "pipe:0")
	args = append(args, job.OutputArgs...)
	args = append(args, job.Output)
	return args
}

// Launch starts ffmpeg in the background. Spawn
// failures are reported as an error event.
func (f *FFMPEG) Launch(job Job) Process {
	cmd := f.command(f.Args(job)...)
	cmd.Stdin = bytes.NewReader(job.SDP)

	p := &process{
		cmd:     cmd,
		timeout: f.timeout,
		events:  make(chan Event, eventBufferSize),
		kill:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// process manages a single subprocess.
type process struct {
	cmd     *exec.Cmd
	timeout time.Duration

	events   chan Event
	kill     chan struct{}
	killOnce sync.Once
	done     chan struct{}
}

func (p *process) Events() <-chan Event {
	return p.events
}

func (p *process) Kill() {
	p.killOnce.Do(func() { close(p.kill) })
}

func (p *process) killed() bool {
	select {
	case <-p.kill:
		return true
	default:
		return false
	}
}

// send drops the event if the buffer is full.
func (p *process) send(e Event) {
	select {
	case p.events <- e:
	default:
	}
}

func (p *process) run() {
	defer close(p.events)

	stdoutPipe, err := p.cmd.StdoutPipe()
	if err != nil {
		p.events <- Event{Type: EventError, Err: fmt.Errorf("stdout pipe: %w", err)}
		return
	}
	stderrPipe, err := p.cmd.StderrPipe()
	if err != nil {
		p.events <- Event{Type: EventError, Err: fmt.Errorf("stderr pipe: %w", err)}
		return
	}

	if err := p.cmd.Start(); err != nil {
		p.events <- Event{Type: EventError, Err: fmt.Errorf("start: %w", err)}
		return
	}
	p.events <- Event{Type: EventStarted, CommandLine: p.cmd.String()}

	go func() {
		select {
		case <-p.done:
		case <-p.kill:
			p.stop()
		}
	}()

	stdout := newTail(defaultTailSize)
	stdoutDone := make(chan struct{})
	go func() {
		scanOutput(stdoutPipe, func(line string) { stdout.add(line) })
		close(stdoutDone)
	}()

	stderr := newTail(defaultTailSize)
	scanOutput(stderrPipe, func(line string) {
		if progress, ok := parseProgress(line); ok {
			p.send(Event{Type: EventProgress, Progress: progress})
			return
		}
		stderr.add(line)
		p.send(Event{Type: EventStderr, Line: line})
	})
	<-stdoutDone

	err = p.cmd.Wait()
	close(p.done)

	if err == nil || p.killed() || isNormalExit(err) {
		p.events <- Event{Type: EventEnd}
		return
	}
	p.events <- Event{
		Type:   EventError,
		Err:    err,
		Stdout: stdout.lines(),
		Stderr: stderr.lines(),
	}
}

// FFmpeg seems to return 255 on normal exit.
func isNormalExit(err error) bool {
	return err.Error() == "exit status 255"
}

// Note, can't use CommandContext to stop process as it would
// kill the process before it has a chance to exit on its own.
func (p *process) stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
	}
}

func scanOutput(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			onLine(line)
		}
	}
	// Drain the pipe so the process never blocks on a full buffer.
	io.Copy(io.Discard, r) //nolint:errcheck
}

// scanLines splits on both '\r' and '\n', ffmpeg
// terminates progress lines with a carriage return.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var (
	frameRegex   = regexp.MustCompile(`frame=\s*(\d+)`)
	bitrateRegex = regexp.MustCompile(`bitrate=\s*([\d.]+)kbits/s`)
)

// parseProgress parses ffmpeg stats lines.
// Input "frame=  120 fps= 20 q=-1.0 size=  512kB time=00:00:06.00 bitrate= 698.9kbits/s speed=1x"
// Output {120 698.9}
func parseProgress(line string) (Progress, bool) {
	if !strings.Contains(line, "bitrate=") || !strings.Contains(line, "time=") {
		return Progress{}, false
	}

	var progress Progress
	if m := frameRegex.FindStringSubmatch(line); m != nil {
		frames, err := strconv.ParseUint(m[1], 10, 64)
		if err == nil {
			progress.Frames = frames
		}
	}
	if m := bitrateRegex.FindStringSubmatch(line); m != nil {
		bitrate, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			progress.BitrateKbps = bitrate
		}
	}
	return progress, true
}

// tail keeps the last n lines.
type tail struct {
	mu  sync.Mutex
	buf []string
	n   int
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}

// WaitForEvent reads events until one of type typ is received.
// Returns false if the channel is closed or the context is canceled first.
func WaitForEvent(ctx context.Context, events <-chan Event, typ EventType) (Event, bool) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return Event{}, false
			}
			if e.Type == typ {
				return e, true
			}
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
