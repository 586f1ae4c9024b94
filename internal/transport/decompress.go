package transport

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// pageDecompressor incrementally decompresses a paged compressed payload.
// It is bound 1:1 to one in-flight message: created when the first payload
// bytes arrive, disposed exactly once whether the message finalizes, is
// short-circuited, or the connection is torn down.
//
// The scheme is not known until the 4-byte magic has been staged, so the
// concrete codec is bound lazily.
type pageDecompressor struct {
	scheme     Scheme
	haveScheme bool
	in         []byte
	zstdDec    *zstd.Decoder
	closed     bool
}

func newPageDecompressor() *pageDecompressor {
	return &pageDecompressor{}
}

// feed stages raw compressed bytes. The input slice is copied; callers may
// reuse their buffers.
func (d *pageDecompressor) feed(p []byte) {
	d.in = append(d.in, p...)
}

// next returns the next fully decompressed page, or nil when more input is
// needed. Errors are stream corruption and fatal to the connection.
func (d *pageDecompressor) next() ([]byte, error) {
	if d.closed {
		panic("transport: decompressor used after close")
	}

	if !d.haveScheme {
		if len(d.in) < schemeMagicSize {
			return nil, nil
		}
		var magic [4]byte
		copy(magic[:], d.in[:schemeMagicSize])
		scheme, ok := schemeForMagic(magic)
		if !ok {
			return nil, fmt.Errorf("%w: unknown compression magic %q", ErrCorruptedStream, magic[:])
		}
		d.scheme = scheme
		d.haveScheme = true
		d.in = d.in[schemeMagicSize:]
	}

	if len(d.in) < pageHeaderSize {
		return nil, nil
	}
	compLen := int(int32(binary.BigEndian.Uint32(d.in[0:4])))
	rawLen := int(int32(binary.BigEndian.Uint32(d.in[4:8])))
	if compLen < 0 || rawLen < 0 {
		return nil, fmt.Errorf("%w: negative compression page size", ErrCorruptedStream)
	}
	if compLen > maxPageSize || rawLen > maxPageSize {
		return nil, fmt.Errorf("%w: compression page size %d/%d exceeds limit %d",
			ErrCorruptedStream, compLen, rawLen, maxPageSize)
	}
	if len(d.in) < pageHeaderSize+compLen {
		return nil, nil
	}

	block := d.in[pageHeaderSize : pageHeaderSize+compLen]
	page, err := d.decompressPage(block, rawLen)
	if err != nil {
		return nil, err
	}
	if len(page) != rawLen {
		return nil, fmt.Errorf("%w: page decompressed to %d bytes, declared %d",
			ErrCorruptedStream, len(page), rawLen)
	}

	d.in = d.in[pageHeaderSize+compLen:]
	return page, nil
}

func (d *pageDecompressor) decompressPage(block []byte, rawLen int) ([]byte, error) {
	switch d.scheme {
	case SchemeDeflate:
		fr := flate.NewReader(bytes.NewReader(block))
		page, err := io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("%w: deflate page: %v", ErrCorruptedStream, err)
		}
		if err := fr.Close(); err != nil {
			return nil, fmt.Errorf("%w: deflate page: %v", ErrCorruptedStream, err)
		}
		return page, nil

	case SchemeSnappy:
		page, err := snappy.Decode(make([]byte, rawLen), block)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy page: %v", ErrCorruptedStream, err)
		}
		return page, nil

	case SchemeLZ4:
		page, err := io.ReadAll(lz4.NewReader(bytes.NewReader(block)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 page: %v", ErrCorruptedStream, err)
		}
		return page, nil

	case SchemeZstd:
		if d.zstdDec == nil {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, fmt.Errorf("creating zstd decoder: %w", err)
			}
			d.zstdDec = dec
		}
		page, err := d.zstdDec.DecodeAll(block, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd page: %v", ErrCorruptedStream, err)
		}
		return page, nil

	default:
		return nil, fmt.Errorf("%w: no compression scheme bound", ErrCorruptedStream)
	}
}

// pendingBytes reports staged input not yet decompressed into a page.
func (d *pageDecompressor) pendingBytes() int {
	return len(d.in)
}

// close releases codec resources. Safe to call once per decompressor; the
// aggregator guarantees exactly one call across all exit paths.
func (d *pageDecompressor) close() {
	if d.closed {
		panic("transport: decompressor closed twice")
	}
	d.closed = true
	d.in = nil
	if d.zstdDec != nil {
		d.zstdDec.Close()
		d.zstdDec = nil
	}
}
