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
	"errors"
	"strings"

	"rtprec/pkg/port"
	"rtprec/pkg/sdp"
)

// Errors.
var (
	ErrInvalidState          = errors.New("invalid state")
	ErrAlreadyEnabled        = errors.New("media kind already enabled")
	ErrNoMediaEnabled        = errors.New("no media enabled")
	ErrMissingRestreamTarget = errors.New("restream base url not configured")
	ErrDuplicateStreamID     = errors.New("stream id already exists")
	ErrInvalidStreamID       = errors.New("invalid stream id")
	ErrTranscoderFailure     = errors.New("transcoder failure")
	ErrInvalidRecordDir      = errors.New("invalid record directory")

	ErrDuplicateMediaKind = sdp.ErrDuplicateMediaKind
	ErrInvalidCodec       = sdp.ErrInvalidCodec
	ErrPortExhaustion     = port.ErrPortExhaustion
)

// TranscoderError the transcoder exited with an error.
type TranscoderError struct {
	Err    error
	Stderr []string // Last lines of stderr.
}

func (e *TranscoderError) Error() string {
	msg := ErrTranscoderFailure.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Stderr) != 0 {
		msg += ": " + strings.Join(e.Stderr, "; ")
	}
	return msg
}

// Unwrap returns the process error.
func (e *TranscoderError) Unwrap() error {
	return e.Err
}

// Is matches ErrTranscoderFailure.
func (e *TranscoderError) Is(target error) bool {
	return target == ErrTranscoderFailure //nolint:errorlint
}
