package transport

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Scheme identifies a payload compression scheme.
type Scheme byte

const (
	SchemeNone Scheme = iota
	SchemeDeflate
	SchemeSnappy
	SchemeLZ4
	SchemeZstd
)

func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "none"
	case SchemeDeflate:
		return "deflate"
	case SchemeSnappy:
		return "snappy"
	case SchemeLZ4:
		return "lz4"
	case SchemeZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Compressed payloads open with a 4-byte scheme magic, then pages of
// [4B BE compressed size][4B BE uncompressed size][compressed bytes].
// Pages are compressed independently so the receiver can decompress as
// bytes arrive, holding at most one page in memory.
const (
	schemeMagicSize = 4
	pageHeaderSize  = 8

	// compressionPageSize is the max uncompressed input per page on the
	// sending side.
	compressionPageSize = 64 << 10

	// maxPageSize caps declared page sizes on the receiving side before
	// any memory is committed to a corrupt or hostile page header.
	maxPageSize = 8 << 20
)

var schemeMagics = map[Scheme][4]byte{
	SchemeDeflate: {'D', 'F', 'L', '0'},
	SchemeSnappy:  {'S', 'N', 'P', '0'},
	SchemeLZ4:     {'L', 'Z', '4', '0'},
	SchemeZstd:    {'Z', 'S', 'T', '0'},
}

func schemeForMagic(magic [4]byte) (Scheme, bool) {
	for s, m := range schemeMagics {
		if m == magic {
			return s, true
		}
	}
	return SchemeNone, false
}

// Compress encodes payload under the given scheme into the paged wire
// format. SchemeNone returns the payload unchanged.
func Compress(scheme Scheme, payload []byte) ([]byte, error) {
	if scheme == SchemeNone {
		return payload, nil
	}
	magic, ok := schemeMagics[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported compression scheme %d", scheme)
	}

	var zstdEnc *zstd.Encoder
	if scheme == SchemeZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		zstdEnc = enc
		defer zstdEnc.Close()
	}

	var out bytes.Buffer
	out.Write(magic[:])

	for start := 0; start < len(payload) || start == 0; start += compressionPageSize {
		end := start + compressionPageSize
		if end > len(payload) {
			end = len(payload)
		}
		page := payload[start:end]

		block, err := compressPage(scheme, zstdEnc, page)
		if err != nil {
			return nil, err
		}

		var hdr [pageHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(len(block)))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(page)))
		out.Write(hdr[:])
		out.Write(block)

		if len(payload) == 0 {
			break
		}
	}

	return out.Bytes(), nil
}

func compressPage(scheme Scheme, zstdEnc *zstd.Encoder, page []byte) ([]byte, error) {
	switch scheme {
	case SchemeDeflate:
		var b bytes.Buffer
		w, err := flate.NewWriter(&b, flate.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating deflate writer: %w", err)
		}
		if _, err := w.Write(page); err != nil {
			return nil, fmt.Errorf("deflate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("deflate close: %w", err)
		}
		return b.Bytes(), nil

	case SchemeSnappy:
		return snappy.Encode(nil, page), nil

	case SchemeLZ4:
		var b bytes.Buffer
		w := lz4.NewWriter(&b)
		if _, err := w.Write(page); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return b.Bytes(), nil

	case SchemeZstd:
		return zstdEnc.EncodeAll(page, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression scheme %d", scheme)
	}
}
