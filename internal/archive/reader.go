package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// RecordReader yields the records of one archive object in line order.
type RecordReader struct {
	zr    io.ReadCloser
	br    *bufio.Reader
	codec Codec
	line  int
	eof   bool
}

// NewRecordReader decompresses r with codec. The caller closes the reader; r
// itself is left open.
func NewRecordReader(r io.Reader, codec Codec) (*RecordReader, error) {
	zr, err := codec.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &RecordReader{zr: zr, br: bufio.NewReaderSize(zr, 64*1024), codec: codec}, nil
}

// Next returns the next record, or io.EOF after the last one. Lines may be of
// any length; blank lines are skipped.
func (rr *RecordReader) Next() (*Record, error) {
	for !rr.eof {
		raw, readErr := rr.br.ReadBytes('\n')
		rr.line++
		switch {
		case readErr == io.EOF:
			rr.eof = true
		case readErr != nil:
			return nil, fmt.Errorf("archive: read %s stream: %w", rr.codec.Name(), readErr)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("archive: line %d: %w", rr.line, err)
		}
		return &rec, nil
	}
	return nil, io.EOF
}

// Close releases the decompressor.
func (rr *RecordReader) Close() error {
	return rr.zr.Close()
}

// ReadRecords decompresses an archive object and calls fn for each line in order.
func ReadRecords(ctx context.Context, r io.Reader, codec Codec, fn func(*Record) error) error {
	rr, err := NewRecordReader(r, codec)
	if err != nil {
		return err
	}
	defer rr.Close()

	for n := 0; ; n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Digest streams r and returns its SHA-256 (hex) and length.
func Digest(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
