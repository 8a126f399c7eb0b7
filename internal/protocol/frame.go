// Package protocol defines the framed wire format spoken between the
// broker and the guest agent.
//
// Every frame starts with a 6-byte header:
//
//	[type: uint8] [version: uint8] [length: uint32 big-endian]
//
// followed by length bytes of CBOR payload. The type tag selects the
// payload schema and the version byte guards against decoding a payload
// written by an incompatible peer. A frame with an unknown type or an
// unsupported version is refused rather than guessed at, and the stream is
// not resynchronized afterwards.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the schema version written into every frame. Bump it on any
// backward-incompatible payload change.
const Version uint8 = 1

// HeaderLength is the size of the fixed frame header.
const HeaderLength = 6

// MaxPayloadLength bounds a single frame. Sync blobs larger than this are
// split across several read responses by the agent.
const MaxPayloadLength = 16 * 1024 * 1024

var (
	ErrUnknownType        = errors.New("unknown frame type")
	ErrUnsupportedVersion = errors.New("unsupported frame version")
	ErrPayloadTooLarge    = errors.New("frame payload too large")
)

// Type is the frame type tag.
type Type uint8

const (
	TypeCapabilitiesRequest  Type = 0x01
	TypeCapabilitiesResponse Type = 0x02

	TypeExecuteRequest Type = 0x10
	TypeExecuteOutput  Type = 0x11
	TypeExecuteExit    Type = 0x12

	TypePtyOpen   Type = 0x20
	TypePtyData   Type = 0x21
	TypePtyResize Type = 0x22
	TypePtyClose  Type = 0x23
	TypePtyExit   Type = 0x24

	TypeSyncSnapshotRequest  Type = 0x30
	TypeSyncSnapshotResponse Type = 0x31
	TypeSyncReadRequest      Type = 0x32
	TypeSyncReadResponse     Type = 0x33
	TypeSyncApplyRequest     Type = 0x34
	TypeSyncApplyResponse    Type = 0x35

	TypeCancel Type = 0x40
	TypeError  Type = 0x7f
)

// Family groups frame types into the four message families plus control.
type Family string

const (
	FamilyCapabilities Family = "capabilities"
	FamilyExecute      Family = "execute"
	FamilyPty          Family = "pty"
	FamilySync         Family = "sync"
	FamilyControl      Family = "control"
)

var typeNames = map[Type]string{
	TypeCapabilitiesRequest:  "capabilities_request",
	TypeCapabilitiesResponse: "capabilities_response",
	TypeExecuteRequest:       "execute_request",
	TypeExecuteOutput:        "execute_output",
	TypeExecuteExit:          "execute_exit",
	TypePtyOpen:              "pty_open",
	TypePtyData:              "pty_data",
	TypePtyResize:            "pty_resize",
	TypePtyClose:             "pty_close",
	TypePtyExit:              "pty_exit",
	TypeSyncSnapshotRequest:  "sync_snapshot_request",
	TypeSyncSnapshotResponse: "sync_snapshot_response",
	TypeSyncReadRequest:      "sync_read_request",
	TypeSyncReadResponse:     "sync_read_response",
	TypeSyncApplyRequest:     "sync_apply_request",
	TypeSyncApplyResponse:    "sync_apply_response",
	TypeCancel:               "cancel",
	TypeError:                "error",
}

// Known reports whether t is a defined frame type.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// Family returns the message family of t.
func (t Type) Family() Family {
	switch {
	case t >= 0x01 && t <= 0x0f:
		return FamilyCapabilities
	case t >= 0x10 && t <= 0x1f:
		return FamilyExecute
	case t >= 0x20 && t <= 0x2f:
		return FamilyPty
	case t >= 0x30 && t <= 0x3f:
		return FamilySync
	default:
		return FamilyControl
	}
}

// Frame is one decoded wire frame.
type Frame struct {
	Type    Type
	Version uint8
	Payload []byte
}

// WriteFrame writes f to w. A zero Version is written as the current
// Version.
func WriteFrame(w io.Writer, f Frame) error {
	if !f.Type.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownType, f.Type)
	}
	if len(f.Payload) > MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(f.Payload), MaxPayloadLength)
	}
	version := f.Version
	if version == 0 {
		version = Version
	}

	buf := make([]byte, HeaderLength+len(f.Payload))
	buf[0] = byte(f.Type)
	buf[1] = version
	binary.BigEndian.PutUint32(buf[2:HeaderLength], uint32(len(f.Payload)))
	copy(buf[HeaderLength:], f.Payload)

	// One write per frame so concurrent writers serialized by the caller
	// never interleave partial headers.
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("truncated frame header: %w", err)
		}
		return Frame{}, err
	}

	t := Type(header[0])
	version := header[1]
	length := binary.BigEndian.Uint32(header[2:HeaderLength])

	if !t.Known() {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if version != Version {
		return Frame{}, fmt.Errorf("%w: %s frame has version %d, supported %d", ErrUnsupportedVersion, t, version, Version)
	}
	if length > MaxPayloadLength {
		return Frame{}, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, length, MaxPayloadLength)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("truncated %s payload: %w", t, err)
	}
	return Frame{Type: t, Version: version, Payload: payload}, nil
}

// IsProtocolError reports whether err came from rejecting a frame rather
// than from the underlying stream.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrDecode)
}
