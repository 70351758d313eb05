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

package sdp

import (
	"errors"
	"fmt"
	"strings"
)

// Kind media kind.
type Kind uint8

// Media kinds.
const (
	KindAudio Kind = iota + 1
	KindVideo
)

// ErrInvalidKind invalid media kind.
var ErrInvalidKind = errors.New("invalid media kind")

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	}
	return "unknown"
}

// ParseKind parses "audio" or "video".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "audio":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindAudio && k != KindVideo {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Feedback RTCP feedback mechanism, becomes "a=rtcp-fb".
type Feedback struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

// Codec describes the RTP payload of a single media kind.
type Codec struct {
	Kind         Kind              `json:"kind"`
	EncodingName string            `json:"encodingName"`
	PayloadType  uint8             `json:"payloadType"`
	ClockRate    uint32            `json:"clockRate"`
	Channels     uint16            `json:"channels,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Feedback     []Feedback        `json:"feedback,omitempty"`
}

// ErrInvalidCodec invalid codec descriptor.
var ErrInvalidCodec = errors.New("invalid codec")

// Name returns the lower case encoding name without mime type prefix.
// "audio/OPUS" -> "opus"
func (c Codec) Name() string {
	name := strings.ToLower(strings.TrimSpace(c.EncodingName))
	name = strings.TrimPrefix(name, "audio/")
	name = strings.TrimPrefix(name, "video/")
	return name
}

// Validate codec.
func (c Codec) Validate() error {
	switch c.Kind {
	case KindAudio, KindVideo:
	default:
		return fmt.Errorf("%w: %w", ErrInvalidCodec, ErrInvalidKind)
	}
	if c.Name() == "" {
		return fmt.Errorf("%w: empty encoding name", ErrInvalidCodec)
	}
	if strings.ContainsAny(c.Name(), " /\r\n") {
		return fmt.Errorf("%w: encoding name: %q", ErrInvalidCodec, c.EncodingName)
	}
	if c.PayloadType > 127 {
		return fmt.Errorf("%w: payload type out of range: %d", ErrInvalidCodec, c.PayloadType)
	}
	if c.ClockRate == 0 {
		return fmt.Errorf("%w: clock rate must be positive", ErrInvalidCodec)
	}
	if c.Kind == KindVideo && c.Channels != 0 {
		return fmt.Errorf("%w: channels on video codec", ErrInvalidCodec)
	}
	for _, fb := range c.Feedback {
		if fb.Type == "" {
			return fmt.Errorf("%w: empty feedback type", ErrInvalidCodec)
		}
	}
	return nil
}

// kebabCase converts camelCase to kebab-case.
// "profileLevelId" -> "profile-level-id"
func kebabCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i != 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
