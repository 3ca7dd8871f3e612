package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame header bytes written in front of every MarshalCompressed payload.
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

var (
	encoderPools [5]sync.Pool
	decoderPool  sync.Pool
)

// MarshalCompressed encodes v to msgpack and compresses it with zstd.
// Level follows the store configuration scale: 0 disables compression,
// 1 (fastest) through 4 (best compression).
func MarshalCompressed(v interface{}, level int) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	if level <= 0 {
		out := make([]byte, 0, len(raw)+1)
		out = append(out, frameRaw)
		return append(out, raw...), nil
	}

	if level > 4 {
		level = 4
	}

	enc, err := getEncoder(level)
	if err != nil {
		return nil, err
	}
	defer encoderPools[level].Put(enc)

	out := make([]byte, 1, len(raw)/2+1)
	out[0] = frameZstd
	return enc.EncodeAll(raw, out), nil
}

// UnmarshalCompressed reverses MarshalCompressed.
func UnmarshalCompressed(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}

	switch data[0] {
	case frameRaw:
		return Unmarshal(data[1:], v)
	case frameZstd:
		dec, err := getDecoder()
		if err != nil {
			return err
		}
		raw, err := dec.DecodeAll(data[1:], nil)
		decoderPool.Put(dec)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", err)
		}
		return Unmarshal(raw, v)
	default:
		return fmt.Errorf("unknown frame type %d", data[0])
	}
}

func getEncoder(level int) (*zstd.Encoder, error) {
	if enc, ok := encoderPools[level].Get().(*zstd.Encoder); ok {
		return enc, nil
	}
	return zstd.NewWriter(nil,
		zstd.WithEncoderLevel(levelToZstd(level)),
		zstd.WithEncoderConcurrency(1))
}

func getDecoder() (*zstd.Decoder, error) {
	if dec, ok := decoderPool.Get().(*zstd.Decoder); ok {
		return dec, nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// levelToZstd maps config levels (1-4) to zstd.EncoderLevel
func levelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
