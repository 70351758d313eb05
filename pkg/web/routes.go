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

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"rtprec/pkg/history"
	"rtprec/pkg/log"
	"rtprec/pkg/sdp"
	"rtprec/pkg/stream"
	"rtprec/pkg/system"

	"github.com/gorilla/websocket"
)

const (
	jsonContentType = "application/json"
	sdpContentType  = "application/sdp"
)

// ErrUnknownStream stream id not found.
var ErrUnknownStream = errors.New("unknown stream")

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrDuplicateStreamID),
		errors.Is(err, stream.ErrInvalidState),
		errors.Is(err, stream.ErrAlreadyEnabled),
		errors.Is(err, stream.ErrDuplicateMediaKind):
		return http.StatusConflict
	case errors.Is(err, stream.ErrInvalidStreamID),
		errors.Is(err, stream.ErrMissingRestreamTarget),
		errors.Is(err, stream.ErrInvalidRecordDir),
		errors.Is(err, stream.ErrInvalidCodec),
		errors.Is(err, stream.ErrNoMediaEnabled),
		errors.Is(err, sdp.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrPortExhaustion):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), httpStatus(err))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func getStream(r *http.Request, registry *stream.Registry) (*stream.Stream, error) {
	id := r.URL.Query().Get("id")
	if id == "" {
		return nil, fmt.Errorf("%w: id missing", stream.ErrInvalidStreamID)
	}
	s, exists := registry.Get(id)
	if !exists {
		return nil, fmt.Errorf("%w: %v", ErrUnknownStream, id)
	}
	return s, nil
}

func parseMode(r *http.Request) (stream.OutputMode, error) {
	query := r.URL.Query()
	switch query.Get("mode") {
	case "", "record":
		return stream.Record{Dir: query.Get("dir")}, nil
	case "restream":
		return stream.Restream{Path: query.Get("path")}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidMode, query.Get("mode"))
}

// ErrInvalidMode unknown output mode.
var ErrInvalidMode = errors.New("invalid output mode")

// StreamCreate creates a stream in the ready state.
func StreamCreate(registry *stream.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		mode, err := parseMode(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s, err := registry.Create(r.URL.Query().Get("id"), mode)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, s.Info())
	})
}

// StreamEnable enables audio or video on a stream.
// The request body is a json codec, its kind selects the media.
func StreamEnable(registry *stream.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		s, err := getStream(r, registry)
		if err != nil {
			writeError(w, err)
			return
		}

		var codec sdp.Codec
		if err := json.NewDecoder(r.Body).Decode(&codec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch codec.Kind {
		case sdp.KindAudio:
			err = s.EnableAudio(r.Context(), codec)
		case sdp.KindVideo:
			err = s.EnableVideo(r.Context(), codec)
		default:
			err = fmt.Errorf("%w: kind missing", stream.ErrInvalidCodec)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, s.Info())
	})
}

// StreamStart launches the transcoder of a stream.
func StreamStart(registry *stream.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		s, err := getStream(r, registry)
		if err != nil {
			writeError(w, err)
			return
		}

		if err := s.Start(); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// StreamClose closes a stream.
func StreamClose(registry *stream.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		s, err := getStream(r, registry)
		if err != nil {
			writeError(w, err)
			return
		}
		s.Close(nil)
	})
}

// StreamList returns all live streams in json format.
func StreamList(registry *stream.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, registry.List())
	})
}

// StreamSDP returns the session description of a stream.
func StreamSDP(registry *stream.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		s, err := getStream(r, registry)
		if err != nil {
			writeError(w, err)
			return
		}

		b, err := s.SDP()
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", sdpContentType)
		w.Write(b) //nolint:errcheck
	})
}

// HistoryQuerier queries closed streams.
type HistoryQuerier interface {
	Query(limit int) ([]history.Record, error)
}

// History returns the most recently closed streams in json format.
func History(db HistoryQuerier, logger log.ILogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit := r.URL.Query().Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		limitInt, err := strconv.Atoi(limit)
		if err != nil || limitInt < 1 {
			http.Error(w, fmt.Sprintf("invalid limit: %q", limit), http.StatusBadRequest)
			return
		}

		records, err := db.Query(limitInt)
		if err != nil {
			logger.Log(log.Entry{
				Level: log.LevelError,
				Src:   "app",
				Msg:   fmt.Sprintf("history: could not process query: %v", err),
			})
			http.Error(w, "could not process history query", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
	})
}

// StatusGetter returns system status.
type StatusGetter interface {
	Status() system.Status
}

// SystemStatus returns system status in json format.
func SystemStatus(sys StatusGetter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, sys.Status())
	})
}

// StreamFeed opens a websocket with stream events.
// Optional "id" query parameter limits the feed to one stream.
func StreamFeed(ctx context.Context, registry *stream.Registry, a *BasicAuth) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")

		feed, unsub := registry.Subscribe()
		defer unsub()

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		ctx2, cancel := context.WithCancel(ctx)
		defer cancel()

		// Detect client disconnect.
		go func() {
			defer cancel()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			var e stream.Event
			select {
			case e = <-feed:
			case <-ctx2.Done():
				return
			}

			if id != "" && e.StreamID != id {
				continue
			}

			// Validate auth before each message.
			if !a.ValidateRequest(r) {
				return
			}

			if err := c.WriteJSON(e); err != nil {
				return
			}
		}
	})
}

// LogFeed opens a websocket with system logs. Optional "levels"
// and "sources" query parameters are comma separated filters.
func LogFeed(logger *log.Logger, a *BasicAuth) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		var levels []log.Level
		if levelsCSV := query.Get("levels"); levelsCSV != "" {
			for _, levelStr := range strings.Split(levelsCSV, ",") {
				level, err := log.ParseLevel(levelStr)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				levels = append(levels, level)
			}
		}

		var sources []string
		if sourcesCSV := query.Get("sources"); sourcesCSV != "" {
			sources = strings.Split(sourcesCSV, ",")
		}

		feed, cancel := logger.Subscribe()
		defer cancel()

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			var entry log.Entry
			select {
			case e, ok := <-feed:
				if !ok {
					return
				}
				entry = e
			case <-closed:
				return
			case <-logger.Ctx.Done():
				return
			}

			if !log.LevelInLevels(entry.Level, levels) {
				continue
			}
			if !log.StringInStrings(entry.Src, sources) {
				continue
			}

			// Validate auth before each message.
			if !a.ValidateRequest(r) {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}
