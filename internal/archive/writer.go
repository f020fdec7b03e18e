package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/strata/strata/internal/bloom"
	"github.com/strata/strata/pkg/types"
)

// actorBloomFPR is the false positive rate of batch actor filters.
const actorBloomFPR = 0.01

// Writer streams events into a compressed work file. The SHA-256 and size are taken
// over the compressed bytes as they hit the file, so the object never has to be
// held in memory.
type Writer struct {
	codec  Codec
	file   *os.File
	sum    hash.Hash
	size   *countingWriter
	zw     io.WriteCloser
	enc    *json.Encoder
	rows   int64
	minTS  time.Time
	maxTS  time.Time
	actors map[string]struct{}
	closed bool
}

// Sealed is a finished work file ready for upload.
type Sealed struct {
	Path         string
	Codec        string
	SizeBytes    int64
	SHA256       string
	RowCount     int64
	MinEventTime time.Time
	MaxEventTime time.Time
	ActorBloom   []byte
}

// NewWriter creates a work file in dir (the system temp dir if empty).
func NewWriter(dir string, codec Codec) (*Writer, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("archive: create work dir: %w", err)
		}
	}
	f, err := os.CreateTemp(dir, "batch-*"+codec.Ext())
	if err != nil {
		return nil, fmt.Errorf("archive: create work file: %w", err)
	}

	w := &Writer{
		codec:  codec,
		file:   f,
		sum:    sha256.New(),
		size:   &countingWriter{w: f},
		actors: make(map[string]struct{}),
	}
	w.zw, err = codec.NewWriter(io.MultiWriter(w.size, w.sum))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("archive: create %s writer: %w", codec.Name(), err)
	}
	w.enc = json.NewEncoder(w.zw)
	w.enc.SetEscapeHTML(false)
	return w, nil
}

// Write appends one event as a line.
func (w *Writer) Write(e *types.Event) error {
	if err := w.enc.Encode(FromEvent(e)); err != nil {
		return fmt.Errorf("archive: write record %s: %w", e.ID, err)
	}
	if w.rows == 0 || e.Timestamp.Before(w.minTS) {
		w.minTS = e.Timestamp
	}
	if w.rows == 0 || e.Timestamp.After(w.maxTS) {
		w.maxTS = e.Timestamp
	}
	w.actors[e.Actor.ID] = struct{}{}
	w.rows++
	return nil
}

// Close flushes the compressor and seals the work file.
func (w *Writer) Close() (*Sealed, error) {
	if w.closed {
		return nil, fmt.Errorf("archive: writer already closed")
	}
	w.closed = true
	if err := w.zw.Close(); err != nil {
		w.file.Close()
		return nil, fmt.Errorf("archive: flush %s stream: %w", w.codec.Name(), err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("archive: close work file: %w", err)
	}

	filter := bloom.New(len(w.actors), actorBloomFPR)
	for actor := range w.actors {
		filter.Add(actor)
	}

	return &Sealed{
		Path:         w.file.Name(),
		Codec:        w.codec.Name(),
		SizeBytes:    w.size.n,
		SHA256:       hex.EncodeToString(w.sum.Sum(nil)),
		RowCount:     w.rows,
		MinEventTime: w.minTS,
		MaxEventTime: w.maxTS,
		ActorBloom:   filter.Marshal(),
	}, nil
}

// Abort discards the work file.
func (w *Writer) Abort() {
	if !w.closed {
		w.closed = true
		w.zw.Close()
		w.file.Close()
	}
	os.Remove(w.file.Name())
}

// Open opens the sealed file for upload.
func (s *Sealed) Open() (*os.File, error) {
	return os.Open(s.Path)
}

// Remove deletes the sealed work file.
func (s *Sealed) Remove() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
