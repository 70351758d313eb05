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
	"net"
	"sort"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// Fixed session fields.
const (
	Username    = "-"
	SessionName = "-"
	Protocol    = "RTP/AVP"
)

// Errors.
var (
	ErrDuplicateMediaKind = errors.New("media kind already in session")
	ErrInvalidPort        = errors.New("invalid port")
	ErrInvalidSDP         = errors.New("invalid sdp")
)

// RTPMap payload type to encoding mapping, "a=rtpmap".
type RTPMap struct {
	PayloadType  uint8
	EncodingName string
	ClockRate    uint32
	Channels     uint16
}

// String returns the attribute value. "100 opus/48000/2"
func (m RTPMap) String() string {
	s := strconv.Itoa(int(m.PayloadType)) + " " +
		m.EncodingName + "/" + strconv.Itoa(int(m.ClockRate))
	if m.Channels != 0 {
		s += "/" + strconv.Itoa(int(m.Channels))
	}
	return s
}

// Media SDP media section.
type Media struct {
	Kind     Kind
	Port     int
	Protocol string
	RTPMap   RTPMap
	Fmtp     string // "k=v;k=v" without payload type.
	Feedback []Feedback
}

// Codec returns the codec described by the media section.
func (m Media) Codec() Codec {
	c := Codec{
		Kind:         m.Kind,
		EncodingName: m.RTPMap.EncodingName,
		PayloadType:  m.RTPMap.PayloadType,
		ClockRate:    m.RTPMap.ClockRate,
		Channels:     m.RTPMap.Channels,
		Feedback:     m.Feedback,
	}
	if m.Fmtp != "" {
		c.Parameters = make(map[string]string)
		for _, param := range strings.Split(m.Fmtp, ";") {
			k, v, _ := strings.Cut(strings.TrimSpace(param), "=")
			if k != "" {
				c.Parameters[k] = v
			}
		}
	}
	return c
}

// Session description of a single stream. At most
// one media section of each kind, in insertion order.
type Session struct {
	OriginAddress string
	Media         []*Media
}

// NewSession returns session without media.
func NewSession(originAddress string) *Session {
	return &Session{OriginAddress: originAddress}
}

// Lookup returns the media section of kind or nil.
func (s *Session) Lookup(kind Kind) *Media {
	for _, m := range s.Media {
		if m.Kind == kind {
			return m
		}
	}
	return nil
}

// AddMedia builds a media section from codec and port and appends it.
func (s *Session) AddMedia(codec Codec, port int) (*Media, error) {
	if err := codec.Validate(); err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if s.Lookup(codec.Kind) != nil {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateMediaKind, codec.Kind)
	}

	m := &Media{
		Kind:     codec.Kind,
		Port:     port,
		Protocol: Protocol,
		RTPMap: RTPMap{
			PayloadType:  codec.PayloadType,
			EncodingName: codec.Name(),
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
		},
		Fmtp: formatParameters(codec.Parameters),
	}
	if len(codec.Feedback) != 0 {
		m.Feedback = append([]Feedback(nil), codec.Feedback...)
	}

	s.Media = append(s.Media, m)
	return m, nil
}

// formatParameters returns "k=v;k=v" with kebab-case
// keys sorted by name. Empty if there are no parameters.
func formatParameters(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	configs := make([]string, 0, len(params))
	for k, v := range params {
		configs = append(configs, kebabCase(k)+"="+v)
	}
	sort.Strings(configs)
	return strings.Join(configs, ";")
}

func addressType(address string) string {
	ip := net.ParseIP(address)
	if ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// Marshal returns the session in SDP format.
func (s *Session) Marshal() ([]byte, error) {
	addrType := addressType(s.OriginAddress)

	sd := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       Username,
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: s.OriginAddress,
		},
		SessionName: psdp.SessionName(SessionName),
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &psdp.Address{Address: s.OriginAddress},
		},
		TimeDescriptions: []psdp.TimeDescription{{
			Timing: psdp.Timing{StartTime: 0, StopTime: 0},
		}},
	}

	for _, m := range s.Media {
		sd.MediaDescriptions = append(sd.MediaDescriptions, m.mediaDescription())
	}

	return sd.Marshal()
}

func (m Media) mediaDescription() *psdp.MediaDescription {
	typ := strconv.Itoa(int(m.RTPMap.PayloadType))

	attributes := []psdp.Attribute{
		{
			Key:   "rtpmap",
			Value: m.RTPMap.String(),
		},
	}
	if m.Fmtp != "" {
		attributes = append(attributes, psdp.Attribute{
			Key:   "fmtp",
			Value: typ + " " + m.Fmtp,
		})
	}
	for _, fb := range m.Feedback {
		value := typ + " " + fb.Type
		if fb.Subtype != "" {
			value += " " + fb.Subtype
		}
		attributes = append(attributes, psdp.Attribute{
			Key:   "rtcp-fb",
			Value: value,
		})
	}

	return &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   m.Kind.String(),
			Port:    psdp.RangedPort{Value: m.Port},
			Protos:  strings.Split(m.Protocol, "/"),
			Formats: []string{typ},
		},
		Attributes: attributes,
	}
}

// Unmarshal parses SDP produced by Marshal.
func Unmarshal(byts []byte) (*Session, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(byts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSDP, err)
	}
	// pion accepts input without any lines.
	if sd.Origin.UnicastAddress == "" {
		return nil, fmt.Errorf("%w: origin missing", ErrInvalidSDP)
	}

	s := NewSession(sd.Origin.UnicastAddress)
	for i, md := range sd.MediaDescriptions {
		m, err := parseMediaDescription(md)
		if err != nil {
			return nil, fmt.Errorf("media %d: %w", i+1, err)
		}
		if s.Lookup(m.Kind) != nil {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateMediaKind, m.Kind)
		}
		s.Media = append(s.Media, m)
	}
	return s, nil
}

func parseMediaDescription(md *psdp.MediaDescription) (*Media, error) {
	kind, err := ParseKind(md.MediaName.Media)
	if err != nil {
		return nil, err
	}
	if len(md.MediaName.Formats) != 1 {
		return nil, fmt.Errorf("%w: expected one format: %v", ErrInvalidSDP, md.MediaName.Formats)
	}
	typ := md.MediaName.Formats[0]

	rtpmap, exist := md.Attribute("rtpmap")
	if !exist {
		return nil, fmt.Errorf("%w: rtpmap missing", ErrInvalidSDP)
	}
	rtpMap, err := parseRTPMap(rtpmap)
	if err != nil {
		return nil, err
	}
	if strconv.Itoa(int(rtpMap.PayloadType)) != typ {
		return nil, fmt.Errorf("%w: rtpmap payload type mismatch: %v", ErrInvalidSDP, rtpmap)
	}

	m := &Media{
		Kind:     kind,
		Port:     md.MediaName.Port.Value,
		Protocol: strings.Join(md.MediaName.Protos, "/"),
		RTPMap:   rtpMap,
	}

	for _, attr := range md.Attributes {
		switch attr.Key {
		case "fmtp":
			_, config, _ := strings.Cut(attr.Value, " ")
			m.Fmtp = config
		case "rtcp-fb":
			fields := strings.Fields(attr.Value)
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: rtcp-fb: %q", ErrInvalidSDP, attr.Value)
			}
			fb := Feedback{Type: fields[1]}
			if len(fields) > 2 {
				fb.Subtype = strings.Join(fields[2:], " ")
			}
			m.Feedback = append(m.Feedback, fb)
		}
	}
	return m, nil
}

// "100 opus/48000/2"
func parseRTPMap(value string) (RTPMap, error) {
	typ, encoding, found := strings.Cut(value, " ")
	if !found {
		return RTPMap{}, fmt.Errorf("%w: rtpmap: %q", ErrInvalidSDP, value)
	}
	pt, err := strconv.ParseUint(typ, 10, 8)
	if err != nil {
		return RTPMap{}, fmt.Errorf("%w: rtpmap payload type: %w", ErrInvalidSDP, err)
	}

	parts := strings.Split(encoding, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return RTPMap{}, fmt.Errorf("%w: rtpmap: %q", ErrInvalidSDP, value)
	}
	clockRate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return RTPMap{}, fmt.Errorf("%w: rtpmap clock rate: %w", ErrInvalidSDP, err)
	}

	m := RTPMap{
		PayloadType:  uint8(pt),
		EncodingName: parts[0],
		ClockRate:    uint32(clockRate),
	}
	if len(parts) == 3 {
		channels, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return RTPMap{}, fmt.Errorf("%w: rtpmap channels: %w", ErrInvalidSDP, err)
		}
		m.Channels = uint16(channels)
	}
	return m, nil
}
