package dataset

import (
	"strconv"

	"github.com/grailbio/base/errors"
)

// MetaTable is an ordered annotation table keyed by id (cell barcode or
// gene name). Columns are typed and grow monotonically; setting an existing
// column name overwrites it in place.
type MetaTable struct {
	IDs []string
	// order lists column names in insertion order for deterministic export.
	order   []string
	floats  map[string][]float64
	ints    map[string][]int
	strs    map[string][]string
	bools   map[string][]bool
	idIndex map[string]int
}

func NewMetaTable(ids []string) *MetaTable {
	t := &MetaTable{
		IDs:     ids,
		floats:  map[string][]float64{},
		ints:    map[string][]int{},
		strs:    map[string][]string{},
		bools:   map[string][]bool{},
		idIndex: make(map[string]int, len(ids)),
	}
	for i, id := range ids {
		t.idIndex[id] = i
	}
	return t
}

func (t *MetaTable) Len() int { return len(t.IDs) }

// Index returns the row position of id, or -1.
func (t *MetaTable) Index(id string) int {
	if i, ok := t.idIndex[id]; ok {
		return i
	}
	return -1
}

func (t *MetaTable) noteColumn(name string) {
	for _, n := range t.order {
		if n == name {
			return
		}
	}
	t.order = append(t.order, name)
}

// ColumnNames returns all column names in insertion order.
func (t *MetaTable) ColumnNames() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *MetaTable) SetFloats(name string, v []float64) error {
	if len(v) != len(t.IDs) {
		return errors.E("metatable: column", name, "length mismatch")
	}
	t.noteColumn(name)
	t.floats[name] = v
	return nil
}

func (t *MetaTable) SetInts(name string, v []int) error {
	if len(v) != len(t.IDs) {
		return errors.E("metatable: column", name, "length mismatch")
	}
	t.noteColumn(name)
	t.ints[name] = v
	return nil
}

func (t *MetaTable) SetStrings(name string, v []string) error {
	if len(v) != len(t.IDs) {
		return errors.E("metatable: column", name, "length mismatch")
	}
	t.noteColumn(name)
	t.strs[name] = v
	return nil
}

func (t *MetaTable) SetBools(name string, v []bool) error {
	if len(v) != len(t.IDs) {
		return errors.E("metatable: column", name, "length mismatch")
	}
	t.noteColumn(name)
	t.bools[name] = v
	return nil
}

func (t *MetaTable) Floats(name string) ([]float64, bool) {
	v, ok := t.floats[name]
	return v, ok
}

func (t *MetaTable) Ints(name string) ([]int, bool) {
	v, ok := t.ints[name]
	return v, ok
}

func (t *MetaTable) Strings(name string) ([]string, bool) {
	v, ok := t.strs[name]
	return v, ok
}

func (t *MetaTable) Bools(name string) ([]bool, bool) {
	v, ok := t.bools[name]
	return v, ok
}

func (t *MetaTable) Has(name string) bool {
	for _, n := range t.order {
		if n == name {
			return true
		}
	}
	return false
}

// Groups returns the distinct values of a column usable as a discrete
// grouping: a string column, or an int column rendered via itoa. The second
// return is each row's group label.
func (t *MetaTable) Groups(name string) ([]string, []string, error) {
	var labels []string
	if v, ok := t.strs[name]; ok {
		labels = v
	} else if v, ok := t.ints[name]; ok {
		labels = make([]string, len(v))
		for i, x := range v {
			labels[i] = strconv.Itoa(x)
		}
	} else {
		return nil, nil, errors.E("metatable: no discrete column named", name)
	}
	seen := map[string]bool{}
	var distinct []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			distinct = append(distinct, l)
		}
	}
	return distinct, labels, nil
}

// Subset returns a new table restricted to rows idx, in that order. All
// columns come along.
func (t *MetaTable) Subset(idx []int) *MetaTable {
	ids := make([]string, len(idx))
	for i, j := range idx {
		ids[i] = t.IDs[j]
	}
	nt := NewMetaTable(ids)
	nt.order = append([]string(nil), t.order...)
	for name, col := range t.floats {
		v := make([]float64, len(idx))
		for i, j := range idx {
			v[i] = col[j]
		}
		nt.floats[name] = v
	}
	for name, col := range t.ints {
		v := make([]int, len(idx))
		for i, j := range idx {
			v[i] = col[j]
		}
		nt.ints[name] = v
	}
	for name, col := range t.strs {
		v := make([]string, len(idx))
		for i, j := range idx {
			v[i] = col[j]
		}
		nt.strs[name] = v
	}
	for name, col := range t.bools {
		v := make([]bool, len(idx))
		for i, j := range idx {
			v[i] = col[j]
		}
		nt.bools[name] = v
	}
	return nt
}

// Clone returns a deep copy. Stages clone before writing new columns so
// that the input dataset version is left untouched.
func (t *MetaTable) Clone() *MetaTable {
	idx := make([]int, len(t.IDs))
	for i := range idx {
		idx[i] = i
	}
	return t.Subset(idx)
}
