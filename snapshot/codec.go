package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	pawcache "github.com/Hamidon94/ultra.dogwalking-sub001"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller bodies.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed body size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

var (
	// ErrCorrupt wraps every decode failure. Callers treat a corrupt
	// snapshot as empty.
	ErrCorrupt = errors.New("corrupt snapshot")

	// ErrPayloadTooLarge is returned when the body exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrDigestMismatch is returned when body digest verification fails.
	ErrDigestMismatch = errors.New("payload digest mismatch")

	// ErrUnsupportedVersion is returned for snapshots written by an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Codec encodes snapshots into frames with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes a snapshot into a frame.
func (c *Codec) Encode(s *Snapshot) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}

	payload, encoding, digest, err := c.encodePayload(body)
	if err != nil {
		return nil, err
	}

	header := &Header{
		Version:  Version,
		Encoding: encoding,
		Digest:   digest,
		Size:     uint64(len(body)),
		SavedAt:  s.SavedAt,
		Entries:  uint64(len(s.Entries)),
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + 128)
	if err := WriteFrame(&buf, header, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode. Every failure wraps ErrCorrupt.
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	header, body, err := c.DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing body: %w", ErrCorrupt, err)
	}
	if s.Version != int(header.Version) {
		return nil, fmt.Errorf("%w: body version %d does not match header version %d", ErrCorrupt, s.Version, header.Version)
	}
	if s.Entries == nil {
		s.Entries = make(map[string]Entry)
	}
	return &s, nil
}

// DecodeHeader verifies a frame and returns its header and uncompressed body.
func (c *Codec) DecodeHeader(data []byte) (*Header, []byte, error) {
	header, r, err := ReadFrame(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if header.Version != Version {
		return nil, nil, fmt.Errorf("%w: %w: %d", ErrCorrupt, ErrUnsupportedVersion, header.Version)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading body: %w", ErrCorrupt, err)
	}

	body, err := c.decodePayload(payload, header.Encoding, header.Digest, header.Size)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return header, body, nil
}

// encodePayload compresses the body if beneficial and returns the stored
// bytes, their encoding and the digest of the original body.
func (c *Codec) encodePayload(data []byte) ([]byte, Encoding, string, error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, "", ErrPayloadTooLarge
	}

	digest := pawcache.HashBytes(data).Digest()

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

func (c *Codec) decodePayload(payload []byte, encoding Encoding, expectedDigest string, expectedSize uint64) ([]byte, error) {
	var body []byte
	switch encoding {
	case EncodingIdentity:
		body = payload
	case EncodingZstd:
		if expectedSize > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if uint64(len(decompressed)) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		body = decompressed
	default:
		return nil, fmt.Errorf("unsupported encoding: %v", encoding)
	}

	if uint64(len(body)) != expectedSize {
		return nil, fmt.Errorf("body size %d does not match header size %d", len(body), expectedSize)
	}
	if expectedDigest != "" {
		want, err := pawcache.ParseDigest(expectedDigest)
		if err != nil {
			return nil, err
		}
		if pawcache.HashBytes(body) != want {
			return nil, ErrDigestMismatch
		}
	}
	return body, nil
}
