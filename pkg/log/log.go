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

package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// ParseLevel parses level from its name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warning":
		return LevelWarning, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// ErrInvalidLevel invalid log level.
var ErrInvalidLevel = errors.New("invalid log level")

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return "unknown"
}

// UnixMicro time in microseconds.
type UnixMicro uint64

// Entry defines log entry.
type Entry struct {
	Level    Level     `json:"level"`
	Time     UnixMicro `json:"time"` // Timestamp.
	Src      string    `json:"src"`  // Source.
	StreamID string    `json:"streamID,omitempty"`
	Msg      string    `json:"msg"`
}

// ILogger interface for the logger, used by every package that logs.
type ILogger interface {
	Log(Entry)
}

// Logger logs.
type Logger struct {
	feed  chan Entry      // feed of logs.
	sub   chan chan Entry // subscribe requests.
	unsub chan chan Entry // unsubscribe requests.

	wg  *sync.WaitGroup
	Ctx context.Context
}

// NewLogger returns logger. Start must be called before use.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(chan Entry),
		sub:   make(chan chan Entry),
		unsub: make(chan chan Entry),
		wg:    wg,
		Ctx:   context.Background(),
	}
}

// NewMockLogger returns a started logger without subscribers.
func NewMockLogger() *Logger {
	logger := NewLogger(&sync.WaitGroup{})
	logger.Start(context.Background())
	return logger
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.Ctx = ctx
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		subs := map[chan Entry]struct{}{}
		for {
			select {
			case <-ctx.Done():
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					// Drop entry if the subscriber is behind.
					select {
					case ch <- entry:
					default:
					}
				}
			}
		}
	}()
}

// Log sends entry to the feed. Blocks until the logger
// accepts the entry or the logger context is canceled.
func (l *Logger) Log(entry Entry) {
	if entry.Time == 0 {
		entry.Time = UnixMicro(time.Now().UnixMicro())
	}
	select {
	case l.feed <- entry:
	case <-l.Ctx.Done():
	}
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Entries buffered per subscriber before new entries are dropped.
const subscriberBuffer = 100

// Subscribe returns a new chan with log feed and a CancelFunc.
// Entries are dropped if the subscriber does not keep up.
func (l *Logger) Subscribe() (<-chan Entry, CancelFunc) {
	feed := make(chan Entry, subscriberBuffer)
	select {
	case l.sub <- feed:
	case <-l.Ctx.Done():
		close(feed)
		return feed, func() {}
	}

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed chan Entry) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		case <-l.Ctx.Done():
			return
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context, level Level) {
	l.LogToWriter(ctx, os.Stdout, level)
}

// LogToWriter prints entries at or above the severity
// of level to writer until context is canceled.
func (l *Logger) LogToWriter(ctx context.Context, w io.Writer, level Level) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry, ok := <-feed:
			if !ok {
				return
			}
			if entry.Level > level {
				continue
			}
			fmt.Fprintln(w, formatEntry(entry))
		case <-ctx.Done():
			return
		}
	}
}

func formatEntry(entry Entry) string {
	var output string

	switch entry.Level {
	case LevelError:
		output += "[ERROR] "
	case LevelWarning:
		output += "[WARNING] "
	case LevelInfo:
		output += "[INFO] "
	case LevelDebug:
		output += "[DEBUG] "
	}

	if entry.StreamID != "" {
		output += entry.StreamID + ": "
	}
	if entry.Src != "" {
		output += strings.ToUpper(entry.Src[:1]) + entry.Src[1:] + ": "
	}

	output += entry.Msg
	return output
}

// LevelInLevels returns true if level is in levels or levels is nil.
func LevelInLevels(level Level, levels []Level) bool {
	if levels == nil {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

// StringInStrings returns true if s is in list or list is nil.
func StringInStrings(s string, list []string) bool {
	if list == nil {
		return true
	}
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
