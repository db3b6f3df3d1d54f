// Package protocol encodes, decodes and validates envelopes. The pipeline
// is payload -> optional compression -> optional encryption -> checksum ->
// frame metadata; decoding reverses it and rejects anything that fails
// validation before any state is touched.
package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"

	"github.com/andybalholm/brotli"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
)

// Algorithm tags carried in frame metadata.
const (
	CompressionBrotli = "brotli"
	EncryptionAESGCM  = "aes-gcm"
)

// Frame is the wire form of an envelope. The payload bytes are opaque:
// possibly compressed, possibly encrypted, always checksummed.
type Frame struct {
	ID          string             `json:"id"`
	Type        common.MessageType `json:"type"`
	From        string             `json:"from,omitempty"`
	To          string             `json:"to,omitempty"`
	Room        string             `json:"room,omitempty"`
	Priority    int                `json:"priority"`
	Timestamp   int64              `json:"timestamp"`
	ExpiresAt   int64              `json:"expires_at,omitempty"`
	Compression string             `json:"compression,omitempty"`
	Encryption  string             `json:"encryption,omitempty"`
	Checksum    uint32             `json:"checksum"`
	Payload     []byte             `json:"payload,omitempty"`
}

// ParseFrame unmarshals frame metadata without touching the payload.
// Relays route on this; only endpoints run the full Decode.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &common.ProtocolError{Reason: "malformed frame", Err: err}
	}
	if !f.Type.Valid() {
		return nil, &common.ProtocolError{Reason: fmt.Sprintf("unknown type %q", f.Type), Err: common.ErrUnknownMessageType}
	}
	return &f, nil
}

// Codec encodes and decodes envelopes with pluggable compression and
// encryption stages.
type Codec struct {
	compression string
	aead        cipher.AEAD
	maxPayload  int
	logger      *slog.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCompression enables the named compression algorithm. Only "brotli"
// is recognized.
func WithCompression(alg string) CodecOption {
	return func(c *Codec) { c.compression = alg }
}

// WithEncryptionKey enables AES-GCM with the given key (16, 24 or 32
// bytes). Key management is the caller's concern.
func WithEncryptionKey(key []byte) CodecOption {
	return func(c *Codec) {
		block, err := aes.NewCipher(key)
		if err != nil {
			c.logger.Error("invalid encryption key", "error", err)
			return
		}
		c.aead, _ = cipher.NewGCM(block)
	}
}

// WithMaxPayload caps the decoded payload size accepted by Decode.
func WithMaxPayload(n int) CodecOption {
	return func(c *Codec) { c.maxPayload = n }
}

// NewCodec creates a codec. With no options it passes payloads through
// uncompressed and unencrypted, checksummed only.
func NewCodec(logger *slog.Logger, opts ...CodecOption) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Codec{
		maxPayload: 10 * 1024 * 1024,
		logger:     logger.With("component", "protocol"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode runs the envelope through the outbound pipeline and returns the
// framed wire bytes.
func (c *Codec) Encode(env *common.Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, &common.ProtocolError{Reason: fmt.Sprintf("unknown type %q", env.Type), Err: common.ErrUnknownMessageType}
	}

	payload := env.Payload
	frame := Frame{
		ID:        env.ID,
		Type:      env.Type,
		From:      env.From,
		To:        env.To,
		Room:      env.Room,
		Priority:  env.Priority,
		Timestamp: env.Timestamp,
		ExpiresAt: env.ExpiresAt,
	}

	if c.compression == CompressionBrotli && len(payload) > 0 {
		compressed, err := compressBrotli(payload)
		if err != nil {
			return nil, &common.ProtocolError{Reason: "compress", Err: err}
		}
		payload = compressed
		frame.Compression = CompressionBrotli
	}

	if c.aead != nil && len(payload) > 0 {
		sealed, err := c.seal(payload)
		if err != nil {
			return nil, &common.ProtocolError{Reason: "encrypt", Err: err}
		}
		payload = sealed
		frame.Encryption = EncryptionAESGCM
	}

	frame.Checksum = crc32.ChecksumIEEE(payload)
	frame.Payload = payload

	return json.Marshal(frame)
}

// Decode validates and unwraps wire bytes into an envelope. A checksum
// mismatch, unknown type tag or oversized payload rejects the whole
// envelope with a ProtocolError.
func (c *Codec) Decode(data []byte) (*common.Envelope, error) {
	frame, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}
	return c.DecodeFrame(frame)
}

// DecodeFrame finishes decoding a parsed frame.
func (c *Codec) DecodeFrame(frame *Frame) (*common.Envelope, error) {
	if crc32.ChecksumIEEE(frame.Payload) != frame.Checksum {
		return nil, &common.ProtocolError{Reason: "checksum", Err: common.ErrChecksumMismatch}
	}

	payload := frame.Payload

	switch frame.Encryption {
	case "":
	case EncryptionAESGCM:
		if c.aead == nil {
			return nil, &common.ProtocolError{Reason: "encrypted frame without key"}
		}
		opened, err := c.open(payload)
		if err != nil {
			return nil, &common.ProtocolError{Reason: "decrypt", Err: err}
		}
		payload = opened
	default:
		return nil, &common.ProtocolError{Reason: fmt.Sprintf("unknown encryption %q", frame.Encryption)}
	}

	switch frame.Compression {
	case "":
	case CompressionBrotli:
		decompressed, err := decompressBrotli(payload, c.maxPayload)
		if err != nil {
			return nil, &common.ProtocolError{Reason: "decompress", Err: err}
		}
		payload = decompressed
	default:
		return nil, &common.ProtocolError{Reason: fmt.Sprintf("unknown compression %q", frame.Compression)}
	}

	if c.maxPayload > 0 && len(payload) > c.maxPayload {
		return nil, &common.ProtocolError{Reason: "oversized payload", Err: common.ErrPayloadTooLarge}
	}

	return &common.Envelope{
		ID:        frame.ID,
		Type:      frame.Type,
		From:      frame.From,
		To:        frame.To,
		Room:      frame.Room,
		Payload:   payload,
		Priority:  frame.Priority,
		Timestamp: frame.Timestamp,
		ExpiresAt: frame.ExpiresAt,
		Status:    common.DeliveryDelivered,
	}, nil
}

func (c *Codec) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *Codec) open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

func compressBrotli(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBrotli(data []byte, limit int) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	if limit <= 0 {
		return io.ReadAll(r)
	}
	// Read one byte past the limit so oversized payloads are detected
	// without buffering them whole.
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, common.ErrPayloadTooLarge
	}
	return out, nil
}
