package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression of a snapshot body.
type Compression uint8

const (
	// CompressionNone stores blocks verbatim.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD (better ratio, good for archived runs).
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrFormat, s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block format: [UncompressedSize uint32][CompressedSize uint32][Data...]
// A CompressedSize of 0 marks a block stored verbatim.
const (
	blockHeaderSize  = 8
	defaultBlockSize = 256 * 1024
)

func compressBlock(data []byte, c Compression) ([]byte, error) {
	var (
		compressed []byte
		err        error
	)
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var n int
		n, err = lz4.CompressBlock(data, buf, nil)
		compressed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}
	if err != nil {
		return nil, err
	}

	// store verbatim when compression does not pay off
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		out := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		copy(out[blockHeaderSize:], data)
		return out, nil
	}

	out := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[blockHeaderSize:], compressed)
	return out, nil
}

// blockWriter buffers a stream into compressed blocks.
type blockWriter struct {
	w         io.Writer
	c         Compression
	blockSize int
	buffer    *bytes.Buffer
	written   int64
}

func newBlockWriter(w io.Writer, c Compression, blockSize int) *blockWriter {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &blockWriter{
		w:         w,
		c:         c,
		blockSize: blockSize,
		buffer:    bytes.NewBuffer(make([]byte, 0, blockSize)),
	}
}

func (b *blockWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := b.blockSize - b.buffer.Len()
		if space <= 0 {
			if err := b.flushBlock(); err != nil {
				return total, err
			}
			space = b.blockSize
		}
		n, _ := b.buffer.Write(p[:min(len(p), space)])
		total += n
		p = p[n:]
	}
	return total, nil
}

func (b *blockWriter) flushBlock() error {
	if b.buffer.Len() == 0 {
		return nil
	}
	block, err := compressBlock(b.buffer.Bytes(), b.c)
	if err != nil {
		return err
	}
	n, err := b.w.Write(block)
	b.written += int64(n)
	if err != nil {
		return err
	}
	b.buffer.Reset()
	return nil
}

// decompressAll decodes every block of body.
func decompressAll(body []byte, c Compression) ([]byte, error) {
	var out []byte
	for off := 0; off < len(body); {
		if off+blockHeaderSize > len(body) {
			return nil, errors.New("truncated block header")
		}
		rawSize := int(binary.LittleEndian.Uint32(body[off:]))
		storedSize := int(binary.LittleEndian.Uint32(body[off+4:]))
		off += blockHeaderSize

		if storedSize == 0 {
			if off+rawSize > len(body) {
				return nil, errors.New("block extends beyond data")
			}
			out = append(out, body[off:off+rawSize]...)
			off += rawSize
			continue
		}

		if off+storedSize > len(body) {
			return nil, errors.New("compressed block extends beyond data")
		}
		stored := body[off : off+storedSize]
		off += storedSize

		start := len(out)
		out = append(out, make([]byte, rawSize)...)
		switch c {
		case CompressionLZ4:
			n, err := lz4.UncompressBlock(stored, out[start:])
			if err != nil {
				return nil, err
			}
			if n != rawSize {
				return nil, errors.New("decompressed size mismatch")
			}
		case CompressionZSTD:
			dec := getZstdDecoder()
			decoded, err := dec.DecodeAll(stored, out[start:start])
			zstdDecoderPool.Put(dec)
			if err != nil {
				return nil, err
			}
			if len(decoded) != rawSize {
				return nil, errors.New("decompressed size mismatch")
			}
		default:
			return nil, fmt.Errorf("compressed block in %s snapshot", c)
		}
	}
	return out, nil
}
