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
	"sort"
	"strings"
	"sync"

	"rtprec/pkg/ffmpeg"
	"rtprec/pkg/log"
)

// RegistryConfig in-process configuration shared by all streams.
type RegistryConfig struct {
	Host         string // Address the transcoder receives RTP on.
	RecordDir    string
	RestreamBase string

	Allocator PortAllocator
	Launcher  ffmpeg.Launcher
	Logger    log.ILogger
}

// Registry tracks live streams by id. Streams are
// removed when they close, never directly.
type Registry struct {
	config RegistryConfig

	mu      sync.Mutex
	streams map[string]*Stream

	obsMu     sync.Mutex
	observers []Observer

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewRegistry returns empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	return &Registry{
		config:  config,
		streams: make(map[string]*Stream),
		subs:    make(map[chan Event]struct{}),
	}
}

// RestreamEnabled returns true if a restream base url is configured.
func (r *Registry) RestreamEnabled() bool {
	return r.config.RestreamBase != ""
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStreamID)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidStreamID, id)
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return fmt.Errorf("%w: contains spaces: %q", ErrInvalidStreamID, id)
	}
	return nil
}

// Create creates a stream in the ready state.
// Fails before any port is allocated if the id is
// taken or the output mode cannot be resolved.
func (r *Registry) Create(id string, mode OutputMode) (*Stream, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if mode == nil {
		mode = Record{}
	}

	output, err := resolveOutput(id, mode, r.config.RecordDir, r.config.RestreamBase)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.streams[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrDuplicateStreamID, id)
	}

	s := newStream(streamConfig{
		id:        id,
		host:      r.config.Host,
		mode:      mode,
		output:    output,
		allocator: r.config.Allocator,
		launcher:  r.config.Launcher,
		logger:    r.config.Logger,
	})
	s.OnEvent(func(e Event) {
		if e.Type == EventClosed {
			r.remove(s)
		}
		r.publish(e)
	})
	r.streams[id] = s
	r.mu.Unlock()

	r.config.Logger.Log(log.Entry{
		Level:    log.LevelInfo,
		Src:      "registry",
		StreamID: id,
		Msg:      fmt.Sprintf("created: %v %v", ModeName(mode), output),
	})
	r.publish(Event{Type: EventCreated, StreamID: id, Info: s.Info()})

	return s, nil
}

func (r *Registry) remove(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// The id may have been reused after close.
	if r.streams[s.id] == s {
		delete(r.streams, s.id)
	}
}

// Get returns live stream by id.
func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, exists := r.streams[id]
	return s, exists
}

// Len returns number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *Registry) list() []*Stream {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].id < streams[j].id
	})
	return streams
}

// List returns snapshots of live streams sorted by id.
func (r *Registry) List() []Info {
	streams := r.list()
	infos := make([]Info, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.Info())
	}
	return infos
}

// CloseAll closes every live stream with reason.
func (r *Registry) CloseAll(reason error) {
	for _, s := range r.list() {
		s.Close(reason)
	}
}

// Shutdown closes every live stream with reason and waits for
// the transcoders to exit so the output files are finalized.
func (r *Registry) Shutdown(ctx context.Context, reason error) error {
	streams := r.list()
	for _, s := range streams {
		s.Close(reason)
	}
	for _, s := range streams {
		if err := s.Wait(ctx); err != nil {
			return fmt.Errorf("wait for transcoder %v: %w", s.id, err)
		}
	}
	return nil
}

// OnEvent registers an observer for events of all streams.
func (r *Registry) OnEvent(fn Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// CancelFunc cancels subscription.
type CancelFunc func()

// Subscribe returns a feed of events from all streams. Events
// are dropped if the subscriber does not keep up.
func (r *Registry) Subscribe() (<-chan Event, CancelFunc) {
	feed := make(chan Event, 64)

	r.subMu.Lock()
	r.subs[feed] = struct{}{}
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, exists := r.subs[feed]; exists {
			delete(r.subs, feed)
			close(feed)
		}
	}
	return feed, cancel
}

func (r *Registry) publish(e Event) {
	r.obsMu.Lock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.Unlock()

	for _, fn := range observers {
		fn(e)
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for feed := range r.subs {
		select {
		case feed <- e:
		default:
		}
	}
}
