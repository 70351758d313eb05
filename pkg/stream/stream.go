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

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rtprec/pkg/ffmpeg"
	"rtprec/pkg/log"
	"rtprec/pkg/port"
	"rtprec/pkg/sdp"

	"github.com/looplab/fsm"
)

// State stream lifecycle state.
type State uint8

// States. Closed is terminal.
const (
	StateReady State = iota + 1
	StateStarted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func parseState(s string) State {
	switch s {
	case "ready":
		return StateReady
	case "started":
		return StateStarted
	case "closed":
		return StateClosed
	}
	return 0
}

// FSM events.
const (
	eventStart = "start"
	eventClose = "close"
)

func newFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateReady.String(),
		fsm.Events{
			{Name: eventStart, Src: []string{StateReady.String()}, Dst: StateStarted.String()},
			{Name: eventClose, Src: []string{StateReady.String(), StateStarted.String()}, Dst: StateClosed.String()},
		},
		fsm.Callbacks{},
	)
}

// EventType stream event type.
type EventType uint8

// Stream events.
const (
	EventCreated EventType = iota + 1
	EventStarted
	EventProgress
	EventStderr
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventStderr:
		return "stderr"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event stream event delivered to observers.
type Event struct {
	Type     EventType        `json:"type"`
	StreamID string           `json:"streamID"`
	Info     Info             `json:"info"`
	Command  string           `json:"command,omitempty"`  // Started.
	Progress *ffmpeg.Progress `json:"progress,omitempty"` // Progress.
	Line     string           `json:"line,omitempty"`     // Stderr.
	Reason   error            `json:"-"`                  // Closed, nil on graceful end.
}

// Observer is called synchronously, in event order.
// Observers must not call Close on the same stream.
type Observer func(Event)

// Info stream snapshot.
type Info struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Mode      string          `json:"mode"`
	Output    string          `json:"output"`
	Audio     *sdp.Codec      `json:"audio,omitempty"`
	Video     *sdp.Codec      `json:"video,omitempty"`
	AudioPort int             `json:"audioPort,omitempty"`
	VideoPort int             `json:"videoPort,omitempty"`
	Progress  ffmpeg.Progress `json:"progress"`
	CreatedAt time.Time       `json:"createdAt"`
	StartedAt time.Time       `json:"startedAt"` // Zero until started.
	ClosedAt  time.Time       `json:"closedAt"`
	Reason    string          `json:"reason,omitempty"`
}

// PortAllocator allocates even RTP ports.
type PortAllocator interface {
	AllocateEvenPort(context.Context) (int, error)
}

// Stream a single recording or restreaming session.
type Stream struct {
	id        string
	mode      OutputMode
	output    string
	allocator PortAllocator
	launcher  ffmpeg.Launcher
	logger    log.ILogger

	mu        sync.Mutex
	fsm       *fsm.FSM
	session   *sdp.Session
	audio     *sdp.Codec
	video     *sdp.Codec
	audioPort int
	videoPort int
	process   ffmpeg.Process
	exited    chan struct{} // Closed after the transcoder has exited.
	progress  ffmpeg.Progress
	reason    error
	createdAt time.Time
	startedAt time.Time
	closedAt  time.Time

	// Held while a state change is being published,
	// keeps observer notifications in order.
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers []Observer
}

type streamConfig struct {
	id        string
	host      string
	mode      OutputMode
	output    string
	allocator PortAllocator
	launcher  ffmpeg.Launcher
	logger    log.ILogger
}

func newStream(c streamConfig) *Stream {
	return &Stream{
		id:        c.id,
		mode:      c.mode,
		output:    c.output,
		allocator: c.allocator,
		launcher:  c.launcher,
		logger:    c.logger,
		fsm:       newFSM(),
		session:   sdp.NewSession(c.host),
		createdAt: time.Now(),
	}
}

// ID returns stream id.
func (s *Stream) ID() string {
	return s.id
}

// Output returns the resolved output file path or url.
func (s *Stream) Output() string {
	return s.output
}

// OnEvent registers observer.
func (s *Stream) OnEvent(fn Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Stream) notify(e Event) {
	s.obsMu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.Unlock()

	for _, fn := range observers {
		fn(e)
	}
}

func (s *Stream) logf(level log.Level, format string, a ...interface{}) {
	s.logger.Log(log.Entry{
		Level:    level,
		Src:      "stream",
		StreamID: s.id,
		Msg:      fmt.Sprintf(format, a...),
	})
}

// State returns lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Stream) state() State {
	return parseState(s.fsm.Current())
}

// AudioPort returns the audio RTP port, zero if audio is not enabled.
func (s *Stream) AudioPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioPort
}

// VideoPort returns the video RTP port, zero if video is not enabled.
func (s *Stream) VideoPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoPort
}

// Info returns stream snapshot.
func (s *Stream) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info()
}

func (s *Stream) info() Info {
	info := Info{
		ID:        s.id,
		State:     s.state(),
		Mode:      ModeName(s.mode),
		Output:    s.output,
		AudioPort: s.audioPort,
		VideoPort: s.videoPort,
		Progress:  s.progress,
		CreatedAt: s.createdAt,
		StartedAt: s.startedAt,
		ClosedAt:  s.closedAt,
	}
	if s.audio != nil {
		audio := *s.audio
		info.Audio = &audio
	}
	if s.video != nil {
		video := *s.video
		info.Video = &video
	}
	if s.reason != nil {
		info.Reason = s.reason.Error()
	}
	return info
}

// SDP returns the session description in SDP format.
func (s *Stream) SDP() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Marshal()
}

// EnableAudio allocates a port for the audio codec and adds it to the session.
func (s *Stream) EnableAudio(ctx context.Context, codec sdp.Codec) error {
	return s.enable(ctx, sdp.KindAudio, codec)
}

// EnableVideo allocates a port for the video codec and adds it to the session.
func (s *Stream) EnableVideo(ctx context.Context, codec sdp.Codec) error {
	return s.enable(ctx, sdp.KindVideo, codec)
}

func (s *Stream) enable(ctx context.Context, kind sdp.Kind, codec sdp.Codec) error {
	if codec.Kind == 0 {
		codec.Kind = kind
	}
	if codec.Kind != kind {
		return fmt.Errorf("%w: %v codec enabled as %v", ErrInvalidCodec, codec.Kind, kind)
	}
	if err := codec.Validate(); err != nil {
		return err
	}

	rtpPort, err := s.addMedia(ctx, kind, codec)
	if err != nil {
		return err
	}

	s.logf(log.LevelDebug, "%v enabled: %v on port %v, rtcp %v",
		kind, codec.Name(), rtpPort, port.RTCPPort(rtpPort))
	return nil
}

func (s *Stream) addMedia(ctx context.Context, kind sdp.Kind, codec sdp.Codec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state := s.state(); state != StateReady {
		return 0, fmt.Errorf("%w: enable %v: %v", ErrInvalidState, kind, state)
	}
	if s.session.Lookup(kind) != nil {
		return 0, fmt.Errorf("%w: %v", ErrAlreadyEnabled, kind)
	}

	rtpPort, err := s.allocator.AllocateEvenPort(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate %v port: %w", kind, err)
	}

	if _, err := s.session.AddMedia(codec, rtpPort); err != nil {
		return 0, err
	}

	switch kind {
	case sdp.KindAudio:
		s.audio = &codec
		s.audioPort = rtpPort
	case sdp.KindVideo:
		s.video = &codec
		s.videoPort = rtpPort
	}
	return rtpPort, nil
}

// Start launches the transcoder. The stream transitions to
// started when the transcoder confirms the process has started.
// Transcoder failures are reported through the closed event.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state := s.state(); state != StateReady {
		return fmt.Errorf("%w: start: %v", ErrInvalidState, state)
	}
	if s.process != nil {
		return fmt.Errorf("%w: start: already starting", ErrInvalidState)
	}
	if len(s.session.Media) == 0 {
		return ErrNoMediaEnabled
	}

	sdpText, err := s.session.Marshal()
	if err != nil {
		return fmt.Errorf("marshal sdp: %w", err)
	}

	job := newJob(s.mode, s.output, sdpText, s.audio, s.video)
	process := s.launcher.Launch(job)
	s.process = process
	s.exited = make(chan struct{})

	go s.supervise(process, s.exited)
	return nil
}

// supervise translates process events into state transitions.
func (s *Stream) supervise(process ffmpeg.Process, exited chan struct{}) {
	defer close(exited)
	for e := range process.Events() {
		switch e.Type {
		case ffmpeg.EventStarted:
			s.onStarted(process, e.CommandLine)
		case ffmpeg.EventProgress:
			s.onProgress(process, e.Progress)
		case ffmpeg.EventStderr:
			s.onStderr(process, e.Line)
		case ffmpeg.EventError:
			s.Close(&TranscoderError{Err: e.Err, Stderr: e.Stderr})
		case ffmpeg.EventEnd:
			s.Close(nil)
		}
	}
	// No-op if the terminal event closed the stream.
	s.Close(nil)
}

func (s *Stream) onStarted(process ffmpeg.Process, commandLine string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	// Closed while starting.
	if s.process != process || s.state() != StateReady {
		s.mu.Unlock()
		return
	}
	if err := s.fsm.Event(context.Background(), eventStart); err != nil {
		s.mu.Unlock()
		s.logf(log.LevelError, "start transition: %v", err)
		return
	}
	s.startedAt = time.Now()
	info := s.info()
	s.mu.Unlock()

	s.logf(log.LevelInfo, "started: %v", commandLine)
	s.notify(Event{
		Type:     EventStarted,
		StreamID: s.id,
		Info:     info,
		Command:  commandLine,
	})
}

func (s *Stream) onProgress(process ffmpeg.Process, progress ffmpeg.Progress) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.process != process || s.state() != StateStarted {
		s.mu.Unlock()
		return
	}
	s.progress = progress
	info := s.info()
	s.mu.Unlock()

	s.notify(Event{
		Type:     EventProgress,
		StreamID: s.id,
		Info:     info,
		Progress: &progress,
	})
}

func (s *Stream) onStderr(process ffmpeg.Process, line string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.process != process {
		s.mu.Unlock()
		return
	}
	info := s.info()
	s.mu.Unlock()

	s.logger.Log(log.Entry{
		Level:    log.LevelDebug,
		Src:      "ffmpeg",
		StreamID: s.id,
		Msg:      line,
	})
	s.notify(Event{
		Type:     EventStderr,
		StreamID: s.id,
		Info:     info,
		Line:     line,
	})
}

// Wait blocks until the transcoder has exited or ctx is canceled.
// Returns immediately if the transcoder was never launched.
func (s *Stream) Wait(ctx context.Context) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	if exited == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close kills the transcoder and closes the stream. A nil reason
// is a graceful end. Only the first call has any effect.
func (s *Stream) Close(reason error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state() == StateClosed {
		s.mu.Unlock()
		return
	}
	if err := s.fsm.Event(context.Background(), eventClose); err != nil {
		s.mu.Unlock()
		s.logf(log.LevelError, "close transition: %v", err)
		return
	}
	s.reason = reason
	s.closedAt = time.Now()
	process := s.process
	s.process = nil
	info := s.info()
	s.mu.Unlock()

	if process != nil {
		process.Kill()
	}

	if reason != nil {
		s.logf(log.LevelError, "closed: %v", reason)
	} else {
		s.logf(log.LevelInfo, "closed")
	}

	s.notify(Event{
		Type:     EventClosed,
		StreamID: s.id,
		Info:     info,
		Reason:   reason,
	})
}
