// Package api holds the public contract types of the dataset tree:
// frequency spaces, file formats, provenance records, and the error
// taxonomy shared by stores and callers.
package api

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
)

// Frequency is a bit-flag granularity level within a Space. Each bit marks
// that data at this frequency is specific to one branch of the corresponding
// hierarchy layer (e.g. a particular group, member, or timepoint). The zero
// value of a space denotes the whole dataset.
type Frequency struct {
	space *Space
	bits  uint8
}

// Space returns the frequency space this value belongs to.
func (f Frequency) Space() *Space { return f.space }

// Bits returns the raw bit value. Exposed for deterministic ordering and
// canonical keying; the bit layout is defined by the owning Space.
func (f Frequency) Bits() uint8 { return f.bits }

// IsRoot reports whether this is the whole-dataset frequency.
func (f Frequency) IsRoot() bool { return f.bits == 0 }

// IsBasis reports whether exactly one bit is set, i.e. the frequency
// corresponds to a single primitive hierarchy layer.
func (f Frequency) IsBasis() bool { return bits.OnesCount8(f.bits) == 1 }

// Basis decomposes the frequency into its constituent basis frequencies,
// ordered by bit value ascending.
func (f Frequency) Basis() []Frequency {
	var out []Frequency
	for b := uint8(1); b != 0; b <<= 1 {
		if f.bits&b != 0 {
			out = append(out, Frequency{space: f.space, bits: b})
		}
	}
	return out
}

// Add combines two frequencies into their composite. Overlapping bit sets
// would silently produce the wrong composite under integer addition, so the
// overlap is rejected as a usage error instead.
func (f Frequency) Add(other Frequency) (Frequency, error) {
	if f.space != other.space {
		return Frequency{}, fmt.Errorf("%w: cannot combine frequencies from different spaces (%s and %s)",
			ErrUsage, f.space.Name(), other.space.Name())
	}
	if f.bits&other.bits != 0 {
		return Frequency{}, fmt.Errorf("%w: frequencies %s and %s share layers and cannot be combined",
			ErrUsage, f, other)
	}
	return Frequency{space: f.space, bits: f.bits | other.bits}, nil
}

// Union returns the bitwise union. Unlike Add it accepts overlapping sets;
// use it when the operands are known to be containment-related.
func (f Frequency) Union(other Frequency) Frequency {
	return Frequency{space: f.space, bits: f.bits | other.bits}
}

// Without returns the layers of f not present in other.
func (f Frequency) Without(other Frequency) Frequency {
	return Frequency{space: f.space, bits: f.bits &^ other.bits}
}

// Less orders frequencies by underlying value. Siblings with equal bit
// counts are not containment-comparable but the total order keeps
// sequencing deterministic.
func (f Frequency) Less(other Frequency) bool { return f.bits < other.bits }

// ParentOf reports whether every layer of f is present in child, and
// child is strictly more granular.
func (f Frequency) ParentOf(child Frequency) bool {
	return f.space == child.space && f.bits&child.bits == f.bits && f.bits != child.bits
}

// String resolves the member name through the owning space. Composite
// values without a registered name render as their basis names joined
// with '+'.
func (f Frequency) String() string {
	if f.space == nil {
		return fmt.Sprintf("frequency(%#b)", f.bits)
	}
	if name, ok := f.space.names[f.bits]; ok {
		return name
	}
	parts := make([]string, 0, 3)
	for _, b := range f.Basis() {
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "+")
}

// Space is a closed catalog of named frequencies describing the granularity
// levels present in one kind of dataset hierarchy. Spaces are registered
// statically and resolved by name once, at store construction; there is no
// dynamic member lookup.
type Space struct {
	name  string
	names map[uint8]string
	byNam map[string]uint8
	max   uint8
}

// NewSpace builds a space from member name to bit-value mappings. The zero
// (root) member is required so every space can address the whole dataset.
func NewSpace(name string, members map[string]uint8) (*Space, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: space %q has no members", ErrUsage, name)
	}
	s := &Space{
		name:  name,
		names: make(map[uint8]string, len(members)),
		byNam: make(map[string]uint8, len(members)),
	}
	var basisMask uint8
	for member, value := range members {
		if prev, dup := s.names[value]; dup {
			return nil, fmt.Errorf("%w: space %q members %q and %q share value %#b",
				ErrUsage, name, prev, member, value)
		}
		s.names[value] = member
		s.byNam[member] = value
		if bits.OnesCount8(value) == 1 {
			basisMask |= value
		}
		if value > s.max {
			s.max = value
		}
	}
	if _, ok := s.names[0]; !ok {
		return nil, fmt.Errorf("%w: space %q lacks a root (zero) member", ErrUsage, name)
	}
	if s.max != basisMask {
		return nil, fmt.Errorf("%w: space %q maximal member %#b is not the union of its basis layers %#b",
			ErrUsage, name, s.max, basisMask)
	}
	return s, nil
}

// Name returns the registered identifier of the space.
func (s *Space) Name() string { return s.name }

// Root returns the whole-dataset frequency.
func (s *Space) Root() Frequency { return Frequency{space: s} }

// Default returns the maximal-value member, conventionally the most
// granular frequency (e.g. "session").
func (s *Space) Default() Frequency { return Frequency{space: s, bits: s.max} }

// Member resolves a frequency by name.
func (s *Space) Member(name string) (Frequency, error) {
	value, ok := s.byNam[name]
	if !ok {
		return Frequency{}, &NameError{Kind: "frequency", Name: name, Available: s.MemberNames()}
	}
	return Frequency{space: s, bits: value}, nil
}

// MemberNames lists all member names ordered by bit value.
func (s *Space) MemberNames() []string {
	values := make([]int, 0, len(s.names))
	for v := range s.names {
		values = append(values, int(v))
	}
	sort.Ints(values)
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = s.names[uint8(v)]
	}
	return out
}

// Members lists all member frequencies ordered by bit value.
func (s *Space) Members() []Frequency {
	out := make([]Frequency, 0, len(s.names))
	for v := range s.names {
		out = append(out, Frequency{space: s, bits: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].bits < out[j].bits })
	return out
}

// Layers enumerates the nested sequence of frequencies from the root to the
// maximal member, accumulating one basis layer at a time in bit order.
func (s *Space) Layers() []Frequency {
	layers := []Frequency{s.Root()}
	acc := uint8(0)
	for _, b := range s.Default().Basis() {
		acc |= b.bits
		layers = append(layers, Frequency{space: s, bits: acc})
	}
	return layers
}

// ValidateHierarchy checks a declared directory hierarchy against the space:
// every layer must be a member, and each layer's bit set must strictly
// contain the previous one. The root frequency is prepended when not
// explicitly first. The normalized hierarchy is returned.
func (s *Space) ValidateHierarchy(hierarchy []Frequency) ([]Frequency, error) {
	if len(hierarchy) == 0 {
		return nil, fmt.Errorf("%w: empty hierarchy for space %q", ErrUsage, s.name)
	}
	if !hierarchy[0].IsRoot() {
		hierarchy = append([]Frequency{s.Root()}, hierarchy...)
	}
	prev := hierarchy[0]
	for i, layer := range hierarchy {
		if layer.space != s {
			return nil, fmt.Errorf("%w: hierarchy layer %s does not belong to space %q",
				ErrUsage, layer, s.name)
		}
		if _, ok := s.names[layer.bits]; !ok {
			return nil, fmt.Errorf("%w: hierarchy layer %#b is not a member of space %q",
				ErrUsage, layer.bits, s.name)
		}
		if i == 0 {
			continue
		}
		if prev.bits&layer.bits != prev.bits || prev.bits == layer.bits {
			return nil, fmt.Errorf("%w: hierarchy layer %s must strictly contain the layers of %s",
				ErrUsage, layer, prev)
		}
		prev = layer
	}
	return hierarchy, nil
}

var (
	spacesMu sync.RWMutex
	spaces   = map[string]*Space{}
)

// RegisterSpace adds a space to the static catalog. Duplicate names are a
// usage error; catalogs are meant to be closed at init time.
func RegisterSpace(s *Space) error {
	spacesMu.Lock()
	defer spacesMu.Unlock()
	if _, dup := spaces[s.name]; dup {
		return fmt.Errorf("%w: space %q already registered", ErrUsage, s.name)
	}
	spaces[s.name] = s
	return nil
}

// SpaceByName resolves a registered space, rejecting unknown names
// immediately rather than deferring the failure to first use.
func SpaceByName(name string) (*Space, error) {
	spacesMu.RLock()
	defer spacesMu.RUnlock()
	s, ok := spaces[name]
	if !ok {
		names := make([]string, 0, len(spaces))
		for n := range spaces {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &NameError{Kind: "space", Name: name, Available: names}
	}
	return s, nil
}

// Clinical is the space of longitudinal clinical studies: subjects split
// into groups, scanned at multiple timepoints. Member IDs are relative to
// group membership, so matched test/control pairs share a member ID.
var Clinical = mustSpace("clinical", map[string]uint8{
	"dataset":      0b000,
	"member":       0b001,
	"group":        0b010,
	"timepoint":    0b100,
	"subject":      0b011,
	"batch":        0b110,
	"matchedpoint": 0b101,
	"session":      0b111,
})

// Plain is a flat one-layer space for simple sample collections.
var Plain = mustSpace("plain", map[string]uint8{
	"dataset": 0b0,
	"sample":  0b1,
})

func mustSpace(name string, members map[string]uint8) *Space {
	s, err := NewSpace(name, members)
	if err != nil {
		panic(err)
	}
	if err := RegisterSpace(s); err != nil {
		panic(err)
	}
	return s
}
