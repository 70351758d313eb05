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
	"fmt"
	"path/filepath"
	"strings"

	"rtprec/pkg/ffmpeg"
	"rtprec/pkg/sdp"
)

// OutputMode where the transcoder writes, Record or Restream.
type OutputMode interface {
	outputMode() string
}

// Record copies the media into a matroska file.
type Record struct {
	Dir string // Subdirectory of the registry record directory, may be empty.
}

// Restream pushes the media to the restream server.
type Restream struct {
	Path string // Appended to the base url, empty uses the stream id.
}

func (Record) outputMode() string   { return "record" }
func (Restream) outputMode() string { return "restream" }

// ModeName returns "record" or "restream".
func ModeName(mode OutputMode) string {
	return mode.outputMode()
}

// Output policy constants.
const (
	RecordExt          = ".mkv"
	analyzeDuration    = "11000000"
	probeSize          = "11000000"
	frameRate          = "20"
	restreamVideoCodec = "h264"
	restreamSampleRate = "44100"
)

// resolveOutput returns the file path or url the transcoder writes to.
func resolveOutput(id string, mode OutputMode, recordDir string, restreamBase string) (string, error) {
	switch m := mode.(type) {
	case Record:
		if recordDir == "" {
			recordDir = "."
		}
		dir, err := recordSubDir(recordDir, m.Dir)
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, id+RecordExt), nil

	case Restream:
		if restreamBase == "" {
			return "", ErrMissingRestreamTarget
		}
		name := m.Path
		if name == "" {
			name = id
		}
		return strings.TrimSuffix(restreamBase, "/") + "/" + strings.TrimPrefix(name, "/"), nil
	}
	return "", fmt.Errorf("unknown output mode: %T", mode) //nolint:goerr113
}

// recordSubDir joins sub to base and rejects paths outside of base.
func recordSubDir(base string, sub string) (string, error) {
	if sub == "" {
		return base, nil
	}
	if filepath.IsAbs(sub) {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidRecordDir, sub)
	}
	dir := filepath.Join(base, sub)
	rel, err := filepath.Rel(base, dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRecordDir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes record directory", ErrInvalidRecordDir, sub)
	}
	return dir, nil
}

// newJob builds the transcoder job for the enabled codecs.
func newJob(mode OutputMode, output string, sdpText []byte, audio *sdp.Codec, video *sdp.Codec) ffmpeg.Job {
	job := ffmpeg.Job{
		SDP:       sdpText,
		InputArgs: inputArgs(audio),
		Output:    output,
	}
	switch mode.(type) {
	case Record:
		job.OutputArgs = recordArgs()
	case Restream:
		job.OutputArgs = restreamArgs(audio, video)
	}
	return job
}

func inputArgs(audio *sdp.Codec) []string {
	args := []string{
		"-protocol_whitelist", "file,pipe,udp,rtp",
		"-f", "sdp",
		"-analyzeduration", analyzeDuration,
		"-probesize", probeSize,
	}
	if audio != nil && audio.Name() == "opus" {
		args = append(args, "-c:a", "libopus")
	}
	return args
}

func recordArgs() []string {
	return []string{
		"-y",
		"-r:v", frameRate,
		"-copyts",
		"-vsync", "1",
		"-c", "copy",
		"-f", "matroska",
	}
}

func restreamArgs(audio *sdp.Codec, video *sdp.Codec) []string {
	var args []string
	if video != nil {
		if video.Name() == restreamVideoCodec {
			args = append(args, "-c:v", "copy")
		} else {
			args = append(args,
				"-c:v", "libx264",
				"-preset", "ultrafast",
				"-tune", "zerolatency",
				"-r:v", frameRate,
			)
		}
	}
	if audio != nil {
		args = append(args, "-c:a", "aac", "-ar", restreamSampleRate)
	}
	return append(args,
		"-copyts",
		"-copytb", "1",
		"-f", "flv",
		"-max_muxing_queue_size", "400",
	)
}
