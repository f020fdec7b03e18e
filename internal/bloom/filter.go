// Package bloom provides the per-batch actor filter that lets archived exports skip
// batches without downloading them.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
)

// headerSize is numBits, numHashes and count, each a little-endian uint64.
const headerSize = 24

// Filter is a bloom filter over strings. It has no false negatives: a string that
// was added always tests positive. A Filter is not safe for concurrent mutation.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New sizes a filter for expectedItems at the target false positive rate.
func New(expectedItems int, targetFPR float64) *Filter {
	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	words := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(numHashes),
	}
}

// OptimalParameters returns the bit count m = -n*ln(p)/ln(2)^2 and hash count
// k = (m/n)*ln(2) for n items at false positive rate p.
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}
	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	numBits = max(int(math.Ceil(m)), 64)
	numHashes = max(int(math.Ceil(m/n*math.Ln2)), 1)
	return numBits, numHashes
}

// Add inserts s.
func (f *Filter) Add(s string) {
	h1, h2 := murmur3.Sum128([]byte(s))
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MayContain reports whether s may have been added.
func (f *Filter) MayContain(s string) bool {
	h1, h2 := murmur3.Sum128([]byte(s))
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 {
	return f.count
}

// Marshal encodes the filter as a snappy block of header plus bit words.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, headerSize+len(f.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(buf[headerSize+i*8:], word)
	}
	return snappy.Encode(nil, buf)
}

// Unmarshal decodes a filter produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("bloom: decompress: %w", err)
	}
	if len(raw) < headerSize {
		return nil, errors.New("bloom: serialized data too short")
	}
	numBits := binary.LittleEndian.Uint64(raw[0:8])
	numHashes := binary.LittleEndian.Uint64(raw[8:16])
	if numBits == 0 || numBits%64 != 0 || numHashes == 0 {
		return nil, fmt.Errorf("bloom: invalid header (bits=%d hashes=%d)", numBits, numHashes)
	}
	words := numBits / 64
	if uint64(len(raw)-headerSize) != words*8 {
		return nil, fmt.Errorf("bloom: expected %d bytes of bits, got %d", words*8, len(raw)-headerSize)
	}

	f := &Filter{
		bits:      make([]uint64, words),
		numBits:   numBits,
		numHashes: numHashes,
		count:     binary.LittleEndian.Uint64(raw[16:24]),
	}
	for i := range f.bits {
		f.bits[i] = binary.LittleEndian.Uint64(raw[headerSize+i*8:])
	}
	return f, nil
}
