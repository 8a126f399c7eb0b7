package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/faize-ai/world/internal/fsdiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := ExecuteRequest{ID: "e1", Cmd: "echo hello world", Cwd: "/tmp", Env: map[string]string{"A": "1"}}

	f, err := Encode(TypeExecuteRequest, req)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, f))

	assert.Equal(t, byte(TypeExecuteRequest), buf.Bytes()[0])
	assert.Equal(t, Version, buf.Bytes()[1])
	assert.Equal(t, uint32(len(f.Payload)), binary.BigEndian.Uint32(buf.Bytes()[2:6]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)

	var decoded ExecuteRequest
	require.NoError(t, Decode(got, TypeExecuteRequest, &decoded))
	assert.Equal(t, req, decoded)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyncReadResponseLargeBlob(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1<<17)
	resp := SyncReadResponse{
		ID:    "r1",
		Blobs: []Blob{{Path: "big.bin", Mode: 0644, RawSize: len(data), Data: data, EOF: true}},
		Final: true,
	}

	var buf bytes.Buffer
	f, err := Encode(TypeSyncReadResponse, resp)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)

	var decoded SyncReadResponse
	require.NoError(t, Decode(got, TypeSyncReadResponse, &decoded))
	require.Len(t, decoded.Blobs, 1)
	assert.Equal(t, data, decoded.Blobs[0].Data)
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	raw := []byte{0x55, Version, 0, 0, 0, 0}
	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.True(t, IsProtocolError(err))
}

func TestReadFrameRejectsUnsupportedVersion(t *testing.T) {
	raw := []byte{byte(TypeCancel), Version + 1, 0, 0, 0, 0}
	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	raw := make([]byte, HeaderLength)
	raw[0] = byte(TypePtyData)
	raw[1] = Version
	binary.BigEndian.PutUint32(raw[2:], MaxPayloadLength+1)
	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{byte(TypeCancel), Version}))
	require.Error(t, err)
	assert.False(t, IsProtocolError(err))

	raw := []byte{byte(TypeCancel), Version, 0, 0, 0, 10, 1, 2}
	_, err = ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteFrameRejectsUnknownType(t *testing.T) {
	err := WriteFrame(io.Discard, Frame{Type: Type(0x66)})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeWrongType(t *testing.T) {
	f, err := Encode(TypeCancel, Cancel{ID: "x"})
	require.NoError(t, err)

	var out PtyClose
	err = Decode(f, TypePtyClose, &out)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeGarbage(t *testing.T) {
	var out Cancel
	err := Decode(Frame{Type: TypeCancel, Version: Version, Payload: []byte{0xff, 0x00}}, TypeCancel, &out)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestExecuteExitCarriesDiff(t *testing.T) {
	exit := ExecuteExit{
		ID:       "e1",
		ExitCode: 0,
		Diff: &fsdiff.Diff{Root: "/w", Changes: []fsdiff.Change{
			{Path: "a.txt", Kind: fsdiff.Created, Hash: "abc", Size: 3},
		}},
	}
	f, err := Encode(TypeExecuteExit, exit)
	require.NoError(t, err)

	var got ExecuteExit
	require.NoError(t, Decode(f, TypeExecuteExit, &got))
	require.NotNil(t, got.Diff)
	assert.Equal(t, exit.Diff.Changes, got.Diff.Changes)
}

func TestTypeFamily(t *testing.T) {
	assert.Equal(t, FamilyCapabilities, TypeCapabilitiesResponse.Family())
	assert.Equal(t, FamilyExecute, TypeExecuteOutput.Family())
	assert.Equal(t, FamilyPty, TypePtyResize.Family())
	assert.Equal(t, FamilySync, TypeSyncApplyRequest.Family())
	assert.Equal(t, FamilyControl, TypeCancel.Family())
	assert.Equal(t, "pty_resize", TypePtyResize.String())
	assert.Equal(t, "type(0x66)", Type(0x66).String())
}

func TestCompressRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("hello world "), 1000)
	data, c := Compress(text)
	assert.Equal(t, CompressionZstd, c)
	assert.Less(t, len(data), len(text))

	out, err := Decompress(data, c, len(text))
	require.NoError(t, err)
	assert.Equal(t, text, out)

	tiny := []byte{0x01}
	data, c = Compress(tiny)
	assert.Equal(t, CompressionNone, c)
	out, err = Decompress(data, c, 1)
	require.NoError(t, err)
	assert.Equal(t, tiny, out)

	_, err = Decompress(data, c, 2)
	assert.Error(t, err)
}

func TestCapabilitiesHas(t *testing.T) {
	c := Capabilities{Features: []string{FeatureExecute, FeaturePty}}
	assert.True(t, c.Has(FeaturePty))
	assert.False(t, c.Has(FeatureSync))
}
