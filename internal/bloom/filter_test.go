package bloom

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every added actor survives a marshal round trip", prop.ForAll(
		func(actors []string) bool {
			f := New(len(actors), 0.01)
			for _, a := range actors {
				f.Add(a)
			}
			decoded, err := Unmarshal(f.Marshal())
			if err != nil {
				return false
			}
			for _, a := range actors {
				if !decoded.MayContain(a) {
					return false
				}
			}
			return decoded.Count() == uint64(len(actors))
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add(fmt.Sprintf("actor-%d", i))
	}
	positives := 0
	for i := 0; i < 10000; i++ {
		if f.MayContain(fmt.Sprintf("other-%d", i)) {
			positives++
		}
	}
	// 1% target; allow generous slack
	if positives > 500 {
		t.Errorf("false positives: got %d of 10000", positives)
	}
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := Unmarshal(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	if bits < 9000 || bits > 10000 {
		t.Errorf("bits: got %d, want ~9586", bits)
	}
	if hashes != 7 {
		t.Errorf("hashes: got %d, want 7", hashes)
	}
}
