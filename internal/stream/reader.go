// Package stream reads newline-delimited text out of compressed files
// without materializing the decompressed payload.
//
// Seekable zstd archives are ordinary multi-frame zstd with a trailing
// skippable frame holding the seek table, so a forward-only zstd decoder reads
// them as-is. Gzip is accepted too.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	billy "github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultMaxLine bounds a single line. Catalog descriptions can be long.
	DefaultMaxLine = 16 << 20

	readBufferSize = 1 << 20
)

// ErrFormat reports input that is not a supported compressed container,
// or whose compressed data is corrupt.
var ErrFormat = errors.New("unsupported or corrupt compressed stream")

// IOError is a failure of the underlying file, not of the compressed data.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Codec identifies the container format detected by Open.
type Codec int

const (
	CodecZstd Codec = iota + 1
	CodecGzip
)

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecGzip:
		return "gzip"
	}
	return "unknown"
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxLine overrides DefaultMaxLine.
func WithMaxLine(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxLine = n
		}
	}
}

// Reader decodes a compressed file into lines.
type Reader struct {
	path    string
	file    billy.File
	src     *countingReader
	codec   Codec
	size    int64
	maxLine int

	zr *zstd.Decoder
	gr *gzip.Reader
	br *bufio.Reader

	buf []byte // reassembly buffer for lines longer than the read buffer
}

// Open opens path on fsys and sets up the decompressor. The caller must Close
// the Reader; Each does that on every exit path.
func Open(fsys billy.Filesystem, path string, opts ...Option) (*Reader, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	r := &Reader{
		path:    path,
		file:    f,
		maxLine: DefaultMaxLine,
	}
	for _, o := range opts {
		o(r)
	}

	if info, err := fsys.Stat(path); err == nil {
		r.size = info.Size()
	}

	r.src = &countingReader{r: f}
	head := bufio.NewReaderSize(r.src, 64<<10)
	magic, err := head.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = f.Close()
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	var plain io.Reader
	switch {
	case isZstd(magic):
		// Single-goroutine, low-memory decoding: the pipeline is bound by
		// SQLite, not by decompression.
		zr, err := zstd.NewReader(head,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
		)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
		}
		r.zr, r.codec, plain = zr, CodecZstd, zr
	case isGzip(magic):
		gr, err := gzip.NewReader(head)
		if err != nil {
			_ = f.Close()
			return nil, r.classify(err)
		}
		r.gr, r.codec, plain = gr, CodecGzip, gr
	default:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: unrecognized magic %x", ErrFormat, path, magic)
	}

	r.br = bufio.NewReaderSize(plain, readBufferSize)
	return r, nil
}

func isZstd(m []byte) bool {
	if len(m) < 4 {
		return false
	}
	if bytes.Equal(m, []byte{0x28, 0xB5, 0x2F, 0xFD}) {
		return true
	}
	// Skippable frames: 0x184D2A50..0x184D2A5F, little endian.
	return m[0]&0xF0 == 0x50 && m[1] == 0x2A && m[2] == 0x4D && m[3] == 0x18
}

func isGzip(m []byte) bool {
	return len(m) >= 2 && m[0] == 0x1F && m[1] == 0x8B
}

// Codec returns the detected container format.
func (r *Reader) Codec() Codec { return r.codec }

// Progress returns compressed bytes consumed so far and the file size
// (0 when the filesystem cannot stat it).
func (r *Reader) Progress() (read, total int64) {
	return r.src.n.Load(), r.size
}

// Lines calls fn for every line of the decompressed stream, in order, with
// its 1-based line number. Trailing "\r\n" or "\n" is stripped. The slice is
// only valid until fn returns.
//
// A line longer than the configured maximum is consumed and passed to fn as
// nil so the caller can count it as malformed.
//
// Lines stops at the first error returned by fn, at ctx cancellation, or at
// end of stream.
func (r *Reader) Lines(ctx context.Context, fn func(lineNo int64, line []byte) error) error {
	var lineNo int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		lineNo++
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
}

// next returns the next line, nil for an over-long one, or io.EOF.
func (r *Reader) next() ([]byte, error) {
	r.buf = r.buf[:0]
	tooLong := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
			return nil, r.classify(err)
		}
		eof := errors.Is(err, io.EOF)
		if eof && !tooLong && len(r.buf) == 0 && len(chunk) == 0 {
			return nil, io.EOF
		}
		if !tooLong {
			switch {
			case len(r.buf)+len(chunk) > r.maxLine+2: // room for "\r\n"
				tooLong = true
				r.buf = r.buf[:0]
			case err == nil && len(r.buf) == 0:
				// Fast path: the whole line sits in the read buffer.
				line := trimEOL(chunk)
				if len(line) > r.maxLine {
					return nil, nil
				}
				return line, nil
			default:
				r.buf = append(r.buf, chunk...)
			}
		}
		if err == nil || eof {
			if tooLong {
				return nil, nil
			}
			line := trimEOL(r.buf)
			if len(line) > r.maxLine {
				return nil, nil
			}
			return line, nil
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}

// classify separates file read failures from corrupt compressed data.
func (r *Reader) classify(err error) error {
	if ioErr := r.src.failure(); ioErr != nil {
		return &IOError{Op: "read", Path: r.path, Err: ioErr}
	}
	var ce flate.CorruptInputError
	if errors.As(err, &ce) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader) || r.codec == CodecZstd {
		return fmt.Errorf("%w: %s: %v", ErrFormat, r.path, err)
	}
	return &IOError{Op: "decompress", Path: r.path, Err: err}
}

// Close releases the decoder and the file. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
		r.zr = nil
	}
	if r.gr != nil {
		_ = r.gr.Close()
		r.gr = nil
	}
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return &IOError{Op: "close", Path: r.path, Err: err}
	}
	return nil
}

// Each opens path, feeds every line to fn and closes the stream whatever
// happens.
func Each(ctx context.Context, fsys billy.Filesystem, path string, fn func(lineNo int64, line []byte) error, opts ...Option) error {
	r, err := Open(fsys, path, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }() // read-only handle
	return r.Lines(ctx, fn)
}
