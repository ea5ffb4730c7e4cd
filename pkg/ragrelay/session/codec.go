package session

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// envelopeVersion is bumped when the stored layout changes.
const envelopeVersion = 1

// maxPayloadSize caps the decompressed session size.
const maxPayloadSize = 256 << 20

// envelope is the stored representation of a Session.
type envelope struct {
	Version    uint8    `cbor:"1,keyasint"`
	ClientID   string   `cbor:"2,keyasint"`
	CapturedAt int64    `cbor:"3,keyasint"`
	Size       uint64   `cbor:"4,keyasint"`
	Sum        [32]byte `cbor:"5,keyasint"`
	Data       []byte   `cbor:"6,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("session: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("session: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = newDecoder(maxPayloadSize)
	if err != nil {
		panic("session: zstd decoder initialization failed: " + err.Error())
	}
}

// newDecoder returns a zstd decoder that refuses to inflate past limit
// bytes, whatever the envelope declares.
func newDecoder(limit uint64) (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))
}

// Encode serializes s into a compressed, checksummed CBOR envelope.
func Encode(s *Session) ([]byte, error) {
	env := envelope{
		Version:    envelopeVersion,
		ClientID:   s.ClientID,
		CapturedAt: s.CapturedAt.UnixMilli(),
		Size:       uint64(len(s.Payload)),
		Sum:        blake3.Sum256(s.Payload),
		Data:       zstdEncoder.EncodeAll(s.Payload, nil),
	}
	return encMode.Marshal(env)
}

// Decode reverses Encode. Every failure wraps ErrCorrupt.
func Decode(blob []byte) (*Session, error) {
	var env envelope
	if err := decMode.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupt, env.Version)
	}

	if env.Size > maxPayloadSize {
		return nil, fmt.Errorf("%w: declared size %d exceeds limit", ErrCorrupt, env.Size)
	}

	payload, err := zstdDecoder.DecodeAll(env.Data, make([]byte, 0, env.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if uint64(len(payload)) != env.Size {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrCorrupt, len(payload), env.Size)
	}
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], env.Sum[:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	return &Session{
		ClientID:   env.ClientID,
		Payload:    payload,
		CapturedAt: time.UnixMilli(env.CapturedAt),
	}, nil
}
