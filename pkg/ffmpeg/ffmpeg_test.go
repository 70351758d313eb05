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
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeProcess(t *testing.T) {
	if os.Getenv("GO_TEST_PROCESS") != "1" {
		return
	}

	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	fmt.Fprintf(os.Stderr, "input %v\n", line)
	fmt.Fprintf(os.Stdout, "%v\n", "out")

	if os.Getenv("SLEEP") == "1" {
		time.Sleep(1 * time.Hour)
	}

	fmt.Fprint(os.Stderr, "frame=   40 fps= 20 q=-1.0 size=  256kB time=00:00:02.00 bitrate= 512.5kbits/s speed=1x\r")
	fmt.Fprintf(os.Stderr, "%v\n", "err")

	code, _ := strconv.Atoi(os.Getenv("EXIT"))
	os.Exit(code)
}

func fakeFFMPEG(env ...string) *FFMPEG {
	f := New("")
	f.command = func(...string) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestFakeProcess")
		cmd.Env = append([]string{"GO_TEST_PROCESS=1"}, env...)
		return cmd
	}
	return f.Timeout(100 * time.Millisecond)
}

var testJob = Job{
	SDP:    []byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"),
	Output: "out.mkv",
}

func collect(t *testing.T, p Process) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("timeout")
		}
	}
}

func eventTypes(events []Event) []EventType {
	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestLaunch(t *testing.T) {
	t.Run("end", func(t *testing.T) {
		p := fakeFFMPEG().Launch(testJob)
		events := collect(t, p)

		require.Equal(t, []EventType{
			EventStarted, EventStderr, EventProgress, EventStderr, EventEnd,
		}, eventTypes(events))

		require.NotEmpty(t, events[0].CommandLine)
		require.Equal(t, "input v=0", events[1].Line)
		require.Equal(t, Progress{Frames: 40, BitrateKbps: 512.5}, events[2].Progress)
		require.Equal(t, "err", events[3].Line)
	})
	t.Run("exit255", func(t *testing.T) {
		p := fakeFFMPEG("EXIT=255").Launch(testJob)
		events := collect(t, p)
		require.Equal(t, EventEnd, events[len(events)-1].Type)
	})
	t.Run("error", func(t *testing.T) {
		p := fakeFFMPEG("EXIT=1").Launch(testJob)
		events := collect(t, p)

		last := events[len(events)-1]
		require.Equal(t, EventError, last.Type)
		require.Error(t, last.Err)
		require.Equal(t, []string{"input v=0", "err"}, last.Stderr)
		require.Equal(t, []string{"out"}, last.Stdout)
	})
	t.Run("spawnError", func(t *testing.T) {
		f := New("/nonexistent/ffmpeg")
		events := collect(t, f.Launch(testJob))

		require.Len(t, events, 1)
		require.Equal(t, EventError, events[0].Type)
		require.Error(t, events[0].Err)
	})
	t.Run("kill", func(t *testing.T) {
		p := fakeFFMPEG("SLEEP=1").Launch(testJob)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, ok := WaitForEvent(ctx, p.Events(), EventStarted)
		require.True(t, ok)

		p.Kill()
		p.Kill()

		events := collect(t, p)
		require.Equal(t, EventEnd, events[len(events)-1].Type)
	})
	t.Run("killAfterExit", func(t *testing.T) {
		p := fakeFFMPEG().Launch(testJob)
		collect(t, p)
		p.Kill()
		p.Kill()
	})
	t.Run("killBeforeStart", func(t *testing.T) {
		p := fakeFFMPEG("SLEEP=1").Launch(testJob)
		p.Kill()
		events := collect(t, p)
		require.Equal(t, EventEnd, events[len(events)-1].Type)
	})
}

func TestArgs(t *testing.T) {
	f := New("ffmpeg").LogLevel("warning")
	job := Job{
		InputArgs:  []string{"-f", "sdp"},
		OutputArgs: []string{"-c", "copy"},
		Output:     "a.mkv",
	}
	expected := []string{
		"-hide_banner", "-loglevel", "warning", "-stats",
		"-f", "sdp", "-i", "pipe:0", "-c", "copy", "a.mkv",
	}
	require.Equal(t, expected, f.Args(job))
}

func TestParseProgress(t *testing.T) {
	cases := map[string]struct {
		input    string
		expected Progress
		ok       bool
	}{
		"video": {
			"frame=  120 fps= 20 q=-1.0 size=  512kB time=00:00:06.00 bitrate= 698.9kbits/s speed=1x",
			Progress{Frames: 120, BitrateKbps: 698.9},
			true,
		},
		"audioOnly": {
			"size=      12kB time=00:00:01.00 bitrate=  98.3kbits/s speed=1x",
			Progress{BitrateKbps: 98.3},
			true,
		},
		"bitrateNA": {
			"frame=    0 fps=0.0 q=0.0 size=       0kB time=00:00:00.00 bitrate=N/A speed=N/A",
			Progress{},
			true,
		},
		"notProgress": {
			"Input #0, sdp, from 'pipe:0':",
			Progress{},
			false,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			progress, ok := parseProgress(tc.input)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.expected, progress)
		})
	}
}

func TestScanLines(t *testing.T) {
	var lines []string
	input := "a\rb\nc\r\n\rd"
	r := bufio.NewScanner(strings.NewReader(input))
	r.Split(scanLines)
	for r.Scan() {
		lines = append(lines, r.Text())
	}
	require.Equal(t, []string{"a", "b", "c", "", "", "d"}, lines)
}

func TestTail(t *testing.T) {
	tl := newTail(2)
	require.Empty(t, tl.lines())
	tl.add("1")
	tl.add("2")
	tl.add("3")
	require.Equal(t, []string{"2", "3"}, tl.lines())
}
