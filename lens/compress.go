package lens

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// blobCodec is the leading byte of every archived blob.
type blobCodec byte

const (
	codecRaw    blobCodec = 'r'
	codecZstd   blobCodec = 'z'
	codecSnappy blobCodec = 's'
)

// blobs smaller than this are stored raw, compression headers would outweigh any savings
const minCompressSize = 64

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// EncodeAll and DecodeAll may be used concurrently on a shared encoder and decoder.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		var err error
		zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			panic(err) // theoretically not possible
		}
		zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			panic(err)
		}
	})
	return zstdEncoder, zstdDecoder
}

// ZstdCompress compresses a byte slice using zstd, appending to dst.
func ZstdCompress(dst, data []byte) []byte {
	enc, _ := zstdCoders()
	return enc.EncodeAll(data, dst)
}

// ZstdDecompress decompresses a zstd-compressed byte slice, appending to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	_, dec := zstdCoders()
	return dec.DecodeAll(data, dst)
}

// SnappyCompress compresses a byte slice using snappy. Source text compresses quickly and decodes fast.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappyBest(dst, data)
}

// SnappyDecompress decompresses a snappy-compressed byte slice.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}

var errCorruptBlob = errors.New("corrupt archive blob")

// encodeBlob compresses data with codec and prefixes the codec byte.
func encodeBlob(codec blobCodec, data []byte) []byte {
	if len(data) < minCompressSize {
		codec = codecRaw
	}
	out := []byte{byte(codec)}
	switch codec {
	case codecZstd:
		return ZstdCompress(out, data)
	case codecSnappy:
		// snappy.Decode requires the whole buffer, the header is appended separately
		return append(out, SnappyCompress(nil, data)...)
	default:
		return append(out, data...)
	}
}

// decodeBlob reverses encodeBlob.
func decodeBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errCorruptBlob
	}
	switch blobCodec(blob[0]) {
	case codecRaw:
		return blob[1:], nil
	case codecZstd:
		return ZstdDecompress(nil, blob[1:])
	case codecSnappy:
		return SnappyDecompress(nil, blob[1:])
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", errCorruptBlob, blob[0])
	}
}
