package archive

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec compresses archive objects.
type Codec interface {
	// Name is stored on the batch row.
	Name() string
	// Ext is the object key suffix.
	Ext() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Codec names.
const (
	CodecGzip   = "gzip"
	CodecSnappy = "snappy"
)

// CodecFor returns the codec with the given name. Empty selects gzip.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecGzip:
		return gzipCodec{level: gzip.DefaultCompression}, nil
	case CodecSnappy:
		return snappyCodec{}, nil
	default:
		return nil, fmt.Errorf("archive: unknown codec %q", name)
	}
}

// GzipCodec returns a gzip codec at the given level.
func GzipCodec(level int) (Codec, error) {
	if _, err := gzip.NewWriterLevel(io.Discard, level); err != nil {
		return nil, fmt.Errorf("archive: invalid gzip level %d: %w", level, err)
	}
	return gzipCodec{level: level}, nil
}

type gzipCodec struct{ level int }

func (gzipCodec) Name() string { return CodecGzip }
func (gzipCodec) Ext() string  { return ".jsonl.gz" }

func (c gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw, err := gzip.NewWriterLevel(w, c.level)
	if err != nil {
		return nil, err
	}
	// Fixed header time keeps identical input byte-identical.
	zw.ModTime = time.Time{}
	return zw, nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("archive: open gzip stream: %w", err)
	}
	return zr, nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return CodecSnappy }
func (snappyCodec) Ext() string  { return ".jsonl.sz" }

func (snappyCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}
