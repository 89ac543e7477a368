package dataset

import (
	"encoding/binary"
	"math"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
)

// LayerFingerprint hashes a layer's contents together with the current
// variable-feature selection. Reductions record this value at compute time;
// a mismatch later means the reduction is stale.
func (d *Dataset) LayerFingerprint(name string) (uint64, error) {
	l, err := d.Layer(name)
	if err != nil {
		return 0, err
	}
	h := seahash.New()
	var buf [8]byte
	for _, v := range l.Data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	if flags, ok := d.Features.Bools("variable"); ok {
		b := byte(0)
		nbits := 0
		for _, f := range flags {
			b <<= 1
			if f {
				b |= 1
			}
			if nbits++; nbits == 8 {
				h.Write([]byte{b})
				b, nbits = 0, 0
			}
		}
		if nbits > 0 {
			h.Write([]byte{b})
		}
	}
	return h.Sum64(), nil
}

// ReductionFresh reports whether the named reduction still matches the
// layer (and feature selection) it was computed from.
func (d *Dataset) ReductionFresh(name string) (bool, error) {
	r, err := d.Reduction(name)
	if err != nil {
		return false, err
	}
	fp, err := d.LayerFingerprint(r.SourceLayer)
	if err != nil {
		return false, err
	}
	return fp == r.SourceFingerprint, nil
}

// GraphFresh reports whether the neighbor graph still matches the reduction
// it was built from.
func (d *Dataset) GraphFresh() (bool, error) {
	if d.Graph == nil {
		return false, errors.New("dataset: no neighbor graph")
	}
	r, err := d.Reduction(d.Graph.SourceReduction)
	if err != nil {
		return false, err
	}
	return r.SourceFingerprint == d.Graph.SourceFingerprint, nil
}
