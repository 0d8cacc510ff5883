package lens

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCompressAppends(t *testing.T) {
	t.Parallel()

	src := []byte(strings.Repeat("\treturn x + 1\n", 20))
	prefix := []byte("hdr")

	zst := ZstdCompress(bytes.Clone(prefix), src)
	require.True(t, bytes.HasPrefix(zst, prefix))
	out, err := ZstdDecompress([]byte("ok:"), zst[len(prefix):])
	require.NoError(t, err)
	assert.Equal(t, "ok:"+string(src), string(out))

	snp := SnappyCompress(nil, src)
	out, err = SnappyDecompress(nil, snp)
	require.NoError(t, err)
	assert.Equal(t, src, out)

	_, err = ZstdDecompress(nil, []byte{0x42, 0x43, 0x44})
	assert.Error(t, err)
	_, err = SnappyDecompress(nil, []byte{0x99, 0x88, 0x77})
	assert.Error(t, err)
}

func TestEncodeBlob(t *testing.T) {
	t.Parallel()

	source := []byte(strings.Repeat("func f(x int) int {\n\treturn x + 1\n}\n", 30))
	tests := []struct {
		name  string
		codec blobCodec
		input []byte
		want  blobCodec
	}{
		{"zstd_events", codecZstd, source, codecZstd},
		{"snappy_source", codecSnappy, source, codecSnappy},
		{"raw", codecRaw, source, codecRaw},
		{"small_header", codecZstd, []byte("run-a"), codecRaw},
		{"empty", codecSnappy, nil, codecRaw},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			blob := encodeBlob(tc.codec, tc.input)
			require.NotEmpty(t, blob)
			assert.Equal(t, byte(tc.want), blob[0])
			if tc.want != codecRaw {
				assert.Less(t, len(blob), len(tc.input))
			}
			out, err := decodeBlob(blob)
			require.NoError(t, err)
			assert.Equal(t, string(tc.input), string(out))
		})
	}
}

func TestEncodeBlobProperty(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}

	rapid.Check(t, func(t *rapid.T) {
		codec := rapid.SampledFrom([]blobCodec{codecRaw, codecZstd, codecSnappy}).Draw(t, "codec")
		data := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "data")
		out, err := decodeBlob(encodeBlob(codec, data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		} else if !bytes.Equal(data, out) {
			t.Fatalf("got %x, want %x", out, data)
		}
	})
}

func TestDecodeBlobCorrupt(t *testing.T) {
	t.Parallel()

	_, err := decodeBlob(nil)
	assert.ErrorIs(t, err, errCorruptBlob)
	_, err = decodeBlob([]byte{'x', 1, 2})
	assert.ErrorIs(t, err, errCorruptBlob)
	_, err = decodeBlob([]byte{byte(codecZstd), 0x42, 0x43})
	assert.Error(t, err)
	_, err = decodeBlob([]byte{byte(codecSnappy), 0xff})
	assert.Error(t, err)
}
