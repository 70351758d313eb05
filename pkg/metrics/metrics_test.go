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

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"rtprec/pkg/ffmpeg"
	"rtprec/pkg/ffmpeg/ffmock"
	"rtprec/pkg/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Observe(stream.Event{Type: stream.EventCreated, StreamID: "a"})
	m.Observe(stream.Event{Type: stream.EventCreated, StreamID: "b"})
	m.Observe(stream.Event{Type: stream.EventStarted, StreamID: "a"})
	m.Observe(stream.Event{
		Type:     stream.EventProgress,
		StreamID: "a",
		Progress: &ffmpeg.Progress{Frames: 40, BitrateKbps: 512},
	})

	require.Equal(t, float64(2), testutil.ToFloat64(m.active))
	require.Equal(t, float64(2), testutil.ToFloat64(m.created))
	require.Equal(t, float64(1), testutil.ToFloat64(m.started))
	require.Equal(t, float64(40), testutil.ToFloat64(m.frames.WithLabelValues("a")))
	require.Equal(t, float64(512), testutil.ToFloat64(m.bitrate.WithLabelValues("a")))

	m.Observe(stream.Event{Type: stream.EventClosed, StreamID: "a"})
	m.Observe(stream.Event{Type: stream.EventClosed, StreamID: "b", Reason: ffmock.ErrMock})

	require.Equal(t, float64(0), testutil.ToFloat64(m.active))
	require.Equal(t, float64(1), testutil.ToFloat64(m.closed.WithLabelValues(ResultGraceful)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.closed.WithLabelValues(ResultError)))
	require.Equal(t, 0, testutil.CollectAndCount(m.frames))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Observe(stream.Event{Type: stream.EventCreated, StreamID: "a"})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "rtprec_streams_active 1")
	require.Contains(t, string(body), "rtprec_streams_created_total 1")
}
