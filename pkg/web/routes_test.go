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
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rtprec/pkg/ffmpeg/ffmock"
	"rtprec/pkg/history"
	"rtprec/pkg/log"
	"rtprec/pkg/port"
	"rtprec/pkg/sdp"
	"rtprec/pkg/stream"
	"rtprec/pkg/system"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const opusBody = `{"kind":"audio","encodingName":"opus",` +
	`"payloadType":100,"clockRate":48000,"channels":2}`

var opus = sdp.Codec{
	Kind:         sdp.KindAudio,
	EncodingName: "opus",
	PayloadType:  100,
	ClockRate:    48000,
	Channels:     2,
}

func newTestRegistry(t *testing.T, restreamBase string) (*stream.Registry, *ffmock.Launcher) {
	t.Helper()
	var mu sync.Mutex
	next := 6000
	source := port.SourceFunc(func() (int, error) {
		mu.Lock()
		defer mu.Unlock()
		p := next
		next += 2
		return p, nil
	})
	launcher := ffmock.NewManualLauncher()
	registry := stream.NewRegistry(stream.RegistryConfig{
		Host:         "127.0.0.1",
		RecordDir:    t.TempDir(),
		RestreamBase: restreamBase,
		Allocator:    port.NewAllocator(source),
		Launcher:     launcher,
		Logger:       log.NewMockLogger(),
	})
	t.Cleanup(func() { registry.CloseAll(nil) })
	return registry, launcher
}

func do(h http.Handler, method string, target string, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&m))
	return m
}

func TestStreamCreate(t *testing.T) {
	cases := map[string]struct {
		target   string
		restream string
		expected int
	}{
		"record":         {"/?id=s1", "", http.StatusCreated},
		"recordDir":      {"/?id=s1&mode=record&dir=x", "", http.StatusCreated},
		"recordAbsolute": {"/?id=s1&mode=record&dir=/x", "", http.StatusBadRequest},
		"recordParent":   {"/?id=s1&mode=record&dir=../x", "", http.StatusBadRequest},
		"recordEscape":   {"/?id=s1&mode=record&dir=x/%2E%2E/%2E%2E/y", "", http.StatusBadRequest},
		"restream":       {"/?id=s1&mode=restream", "rtmp://h/live", http.StatusCreated},
		"restreamNoBase": {"/?id=s1&mode=restream", "", http.StatusBadRequest},
		"invalidMode":    {"/?id=s1&mode=x", "", http.StatusBadRequest},
		"invalidID":      {"/?id=a/b", "", http.StatusBadRequest},
		"missingID":      {"/", "", http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			registry, _ := newTestRegistry(t, tc.restream)
			w := do(StreamCreate(registry), http.MethodPost, tc.target, "")
			require.Equal(t, tc.expected, w.Code, w.Body.String())
		})
	}
	t.Run("output", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "rtmp://h/live/")
		w := do(StreamCreate(registry), http.MethodPost, "/?id=s1&mode=restream&path=p", "")
		require.Equal(t, http.StatusCreated, w.Code)
		require.Equal(t, jsonContentType, w.Header().Get("Content-Type"))

		info := decodeMap(t, w)
		require.Equal(t, "rtmp://h/live/p", info["output"])
		require.Equal(t, "ready", info["state"])
	})
	t.Run("recordOutput", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		w := do(StreamCreate(registry), http.MethodPost, "/?id=s1&dir=a/b", "")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		output, ok := decodeMap(t, w)["output"].(string)
		require.True(t, ok)
		require.True(t, filepath.IsAbs(output))
		require.True(t, strings.HasSuffix(output, filepath.Join("a", "b", "s1.mkv")), output)
		require.Equal(t, 1, registry.Len())
	})
	t.Run("recordEscapeNotCreated", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		w := do(StreamCreate(registry), http.MethodPost, "/?id=s1&dir=../../etc", "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Zero(t, registry.Len())
	})
	t.Run("duplicate", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		h := StreamCreate(registry)
		require.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/?id=s1", "").Code)
		require.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/?id=s1", "").Code)
	})
	t.Run("invalidMethod", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		w := do(StreamCreate(registry), http.MethodGet, "/?id=s1", "")
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestStreamEnable(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		_, err := registry.Create("s1", nil)
		require.NoError(t, err)

		w := do(StreamEnable(registry), http.MethodPost, "/?id=s1", opusBody)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Equal(t, float64(6000), decodeMap(t, w)["audioPort"])
	})
	t.Run("twice", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		_, err := registry.Create("s1", nil)
		require.NoError(t, err)

		h := StreamEnable(registry)
		require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/?id=s1", opusBody).Code)
		require.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/?id=s1", opusBody).Code)
	})
	t.Run("unknownStream", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		w := do(StreamEnable(registry), http.MethodPost, "/?id=x", opusBody)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("invalidBody", func(t *testing.T) {
		registry, _ := newTestRegistry(t, "")
		_, err := registry.Create("s1", nil)
		require.NoError(t, err)

		h := StreamEnable(registry)
		require.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/?id=s1", "{").Code)
		require.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/?id=s1", "{}").Code)

		noClock := `{"kind":"video","encodingName":"vp8","payloadType":110}`
		require.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/?id=s1", noClock).Code)
	})
}

func TestStreamLifecycle(t *testing.T) {
	registry, launcher := newTestRegistry(t, "")
	_, err := registry.Create("s1", nil)
	require.NoError(t, err)

	w := do(StreamStart(registry), http.MethodPost, "/?id=s1", "")
	require.Equal(t, http.StatusBadRequest, w.Code, "no media enabled")

	w = do(StreamEnable(registry), http.MethodPost, "/?id=s1", opusBody)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(StreamSDP(registry), http.MethodGet, "/?id=s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, sdpContentType, w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "m=audio 6000 RTP/AVP 100\r\n")
	require.Contains(t, w.Body.String(), "a=rtpmap:100 opus/48000/2\r\n")

	w = do(StreamStart(registry), http.MethodPost, "/?id=s1", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, launcher.Jobs(), 1)

	w = do(StreamStart(registry), http.MethodPost, "/?id=s1", "")
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(StreamList(registry), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	require.Equal(t, "s1", list[0]["id"])

	w = do(StreamClose(registry), http.MethodPost, "/?id=s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, launcher.Last().Kills())

	w = do(StreamClose(registry), http.MethodPost, "/?id=s1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

type mockHistory struct {
	limit int
	err   error
}

func (h *mockHistory) Query(limit int) ([]history.Record, error) {
	h.limit = limit
	if h.err != nil {
		return nil, h.err
	}
	return []history.Record{{StreamID: "a"}}, nil
}

func TestHistory(t *testing.T) {
	cases := map[string]struct {
		target   string
		err      error
		expected int
	}{
		"ok":           {"/?limit=5", nil, http.StatusOK},
		"missingLimit": {"/", nil, http.StatusBadRequest},
		"invalidLimit": {"/?limit=x", nil, http.StatusBadRequest},
		"zeroLimit":    {"/?limit=0", nil, http.StatusBadRequest},
		"queryErr":     {"/?limit=5", errors.New("mock"), http.StatusInternalServerError}, //nolint:goerr113
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			db := &mockHistory{err: tc.err}
			w := do(History(db, log.NewMockLogger()), http.MethodGet, tc.target, "")
			require.Equal(t, tc.expected, w.Code)
		})
	}
	t.Run("limit", func(t *testing.T) {
		db := &mockHistory{}
		w := do(History(db, log.NewMockLogger()), http.MethodGet, "/?limit=5", "")
		require.Equal(t, 5, db.limit)

		var records []history.Record
		require.NoError(t, json.NewDecoder(w.Body).Decode(&records))
		require.Equal(t, "a", records[0].StreamID)
	})
}

type mockStatus struct{}

func (mockStatus) Status() system.Status {
	return system.Status{CPUUsage: 10, Streams: 2}
}

func TestSystemStatus(t *testing.T) {
	w := do(SystemStatus(mockStatus{}), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status system.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	require.Equal(t, system.Status{CPUUsage: 10, Streams: 2}, status)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]struct {
		err      error
		expected int
	}{
		"unknown":   {ErrUnknownStream, http.StatusNotFound},
		"duplicate": {stream.ErrDuplicateStreamID, http.StatusConflict},
		"state":     {stream.ErrInvalidState, http.StatusConflict},
		"enabled":   {stream.ErrAlreadyEnabled, http.StatusConflict},
		"codec":     {stream.ErrInvalidCodec, http.StatusBadRequest},
		"target":    {stream.ErrMissingRestreamTarget, http.StatusBadRequest},
		"recordDir": {stream.ErrInvalidRecordDir, http.StatusBadRequest},
		"ports":     {stream.ErrPortExhaustion, http.StatusServiceUnavailable},
		"other":     {errors.New("x"), http.StatusInternalServerError}, //nolint:goerr113
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.expected, httpStatus(tc.err))
		})
	}
}

func TestStreamFeed(t *testing.T) {
	registry, launcher := newTestRegistry(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewBasicAuth("", "", log.NewMockLogger())
	server := httptest.NewServer(StreamFeed(ctx, registry, a))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?id=s1"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	// Filtered.
	_, err = registry.Create("s0", nil)
	require.NoError(t, err)

	s, err := registry.Create("s1", nil)
	require.NoError(t, err)
	require.NoError(t, s.EnableAudio(ctx, opus))
	require.NoError(t, s.Start())
	launcher.Last().Started()

	readType := func() string {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		var e map[string]interface{}
		require.NoError(t, c.ReadJSON(&e))
		require.Equal(t, "s1", e["streamID"])
		return e["type"].(string)
	}
	require.Equal(t, "created", readType())
	require.Equal(t, "started", readType())

	s.Close(nil)
	require.Equal(t, "closed", readType())
}

func TestLogFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.NewLogger(&sync.WaitGroup{})
	logger.Start(ctx)

	a := NewBasicAuth("", "", logger)
	server := httptest.NewServer(LogFeed(logger, a))
	defer server.Close()

	t.Run("invalidLevel", func(t *testing.T) {
		res, err := http.Get(server.URL + "/?levels=x") //nolint:noctx
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
	})
	t.Run("filter", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?levels=error&sources=stream"
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer c.Close()

		logger.Log(log.Entry{Level: log.LevelInfo, Src: "stream", Msg: "level"})
		logger.Log(log.Entry{Level: log.LevelError, Src: "app", Msg: "source"})
		logger.Log(log.Entry{Level: log.LevelError, Src: "stream", StreamID: "s1", Msg: "ok"})

		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		var entry log.Entry
		require.NoError(t, c.ReadJSON(&entry))
		require.Equal(t, "ok", entry.Msg)
		require.Equal(t, "s1", entry.StreamID)
	})
}
