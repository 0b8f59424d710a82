package snapshot

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRoundTrip(t *testing.T) {
	header := &Header{
		Version:  Version,
		Encoding: EncodingZstd,
		Digest:   "blake3:deadbeef",
		Size:     13,
		SavedAt:  1_746_350_000_000,
		Entries:  4,
	}
	bodyData := []byte("hello, world!")

	var buf bytes.Buffer
	err := WriteFrame(&buf, header, bodyData)
	require.NoError(t, err)

	readHeader, bodyReader, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, header, readHeader)

	readBody, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, bodyData, readBody)
}

func TestFrameNegativeSavedAt(t *testing.T) {
	header := &Header{Version: Version, SavedAt: -5}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, header, nil))

	readHeader, _, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(-5), readHeader.SavedAt)
	require.Empty(t, readHeader.Digest)
}

func TestHeaderSkipsUnknownFields(t *testing.T) {
	b, err := (&Header{Version: Version, Size: 9}).MarshalBinary()
	require.NoError(t, err)

	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	b = protowire.AppendTag(b, 43, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	var h Header
	require.NoError(t, h.UnmarshalBinary(b))
	require.Equal(t, uint32(Version), h.Version)
	require.Equal(t, uint64(9), h.Size)
}

func TestHeaderRejectsTruncatedField(t *testing.T) {
	b := protowire.AppendTag(nil, fieldDigest, protowire.BytesType)
	b = protowire.AppendVarint(b, 10) // claims 10 bytes, none follow

	var h Header
	require.Error(t, h.UnmarshalBinary(b))
}

func TestIsFramed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Header{Version: Version}, []byte("x")))

	require.True(t, IsFramed(buf.Bytes()))
	require.False(t, IsFramed([]byte(`{"entries":{}}`)))
	require.False(t, IsFramed([]byte("PW")))
}

func TestReadFrameInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX") // wrong magic
	err := binary.Write(&buf, binary.BigEndian, uint32(2))
	require.NoError(t, err)
	buf.Write([]byte{0x08, 0x01})

	_, _, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFrameHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	err := binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1))
	require.NoError(t, err)

	_, _, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestWriteFrameHeaderTooLarge(t *testing.T) {
	header := &Header{
		Version: Version,
		Digest:  string(bytes.Repeat([]byte("x"), MaxHeaderSize)),
	}

	var buf bytes.Buffer
	err := WriteFrame(&buf, header, nil)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestEncodingString(t *testing.T) {
	require.Equal(t, "identity", EncodingIdentity.String())
	require.Equal(t, "zstd", EncodingZstd.String())
	require.Equal(t, "encoding(9)", Encoding(9).String())
}
