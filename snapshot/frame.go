package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// MagicBytes is the 4-byte prefix of every stored snapshot.
	MagicBytes = []byte("PWS1")

	// ErrInvalidMagic is returned when data doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected PWS1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the encoded header (64 KiB).
const MaxHeaderSize = 64 * 1024

// Encoding identifies how the frame body is stored.
type Encoding uint32

const (
	EncodingIdentity Encoding = 0
	EncodingZstd     Encoding = 1
)

func (e Encoding) String() string {
	switch e {
	case EncodingIdentity:
		return "identity"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("encoding(%d)", uint32(e))
	}
}

// Header describes a frame body.
type Header struct {
	Version  uint32
	Encoding Encoding
	// Digest is the canonical digest of the uncompressed body.
	Digest string
	// Size is the uncompressed body length.
	Size uint64
	// SavedAt is the snapshot time in Unix milliseconds.
	SavedAt int64
	// Entries is the number of entries in the snapshot.
	Entries uint64
}

// Header field numbers.
const (
	fieldVersion  protowire.Number = 1
	fieldEncoding protowire.Number = 2
	fieldDigest   protowire.Number = 3
	fieldSize     protowire.Number = 4
	fieldSavedAt  protowire.Number = 5
	fieldEntries  protowire.Number = 6
)

// MarshalBinary encodes the header in protobuf wire format.
func (h *Header) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Version))
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Encoding))
	if h.Digest != "" {
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendString(b, h.Digest)
	}
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, h.Size)
	b = protowire.AppendTag(b, fieldSavedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(h.SavedAt))
	b = protowire.AppendTag(b, fieldEntries, protowire.VarintType)
	b = protowire.AppendVarint(b, h.Entries)
	return b, nil
}

// UnmarshalBinary decodes a header. Unknown fields are skipped.
func (h *Header) UnmarshalBinary(b []byte) error {
	*h = Header{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("parsing header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("parsing header digest: %w", protowire.ParseError(n))
			}
			h.Digest = v
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldVersion && num <= fieldEntries:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("parsing header field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				h.Version = uint32(v) //nolint:gosec // versions are small
			case fieldEncoding:
				h.Encoding = Encoding(v) //nolint:gosec // validated by the codec
			case fieldSize:
				h.Size = v
			case fieldSavedAt:
				h.SavedAt = protowire.DecodeZigZag(v)
			case fieldEntries:
				h.Entries = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skipping header field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// WriteFrame writes a framed body to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (protobuf) | BODYBYTES
func WriteFrame(w io.Writer, header *Header, body []byte) error {
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFrame reads a framed body from the reader.
// Returns the parsed header and a reader for the body.
func ReadFrame(r io.Reader) (*Header, io.Reader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header Header
	if err := header.UnmarshalBinary(headerBytes); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, r, nil
}

// IsFramed reports whether data starts with the snapshot magic bytes.
func IsFramed(data []byte) bool {
	return bytes.HasPrefix(data, MagicBytes)
}
