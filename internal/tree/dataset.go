// Package tree holds the in-memory dataset tree: a Dataset owns a flat
// registry of Nodes addressed by (frequency, canonical ID key), with
// ancestor links represented as registry keys rather than pointers so
// upward traversal never dangles.
package tree

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/arcana-framework/arcana-go/api"
)

// Key is the canonical in-memory coordinate of a node: its basis
// (frequency, ID) pairs sorted by frequency bit value and joined into a
// string. Sorting structurally rather than by ID string keeps two
// semantically identical coordinate sets identical regardless of label
// content. Other components must reproduce this scheme exactly for
// lookups to succeed.
type Key string

// keyOf builds the canonical key from basis-frequency IDs. The empty key
// addresses the root.
func keyOf(ids map[api.Frequency]string) Key {
	if len(ids) == 0 {
		return ""
	}
	freqs := make([]api.Frequency, 0, len(ids))
	for f := range ids {
		freqs = append(freqs, f)
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i].Bits() < freqs[j].Bits() })
	parts := make([]string, len(freqs))
	for i, f := range freqs {
		parts[i] = fmt.Sprintf("%d=%s", f.Bits(), ids[f])
	}
	return Key(strings.Join(parts, ";"))
}

// shapeOf returns the bit mask of basis frequencies present in an ID set,
// used to enforce consistent ID shape across nodes of one frequency.
func shapeOf(ids map[api.Frequency]string) uint8 {
	var mask uint8
	for f := range ids {
		mask |= f.Bits()
	}
	return mask
}

// InferenceRule derives IDs at hierarchy layers that are not explicitly
// named in the directory structure. The pattern is matched against the
// source frequency's ID; each named capture group assigns the ID of the
// basis frequency with that name, e.g.
//
//	{Source: subject, Pattern: `(?P<group>[A-Z]+)(?P<member>\d+)`}
type InferenceRule struct {
	Source  api.Frequency
	Pattern *regexp.Regexp
}

// Dataset is the complete collection of data used in an analysis: one
// store reference, one frequency space, and a lazily populated tree of
// nodes.
type Dataset struct {
	Name string

	store     Store
	space     *api.Space
	hierarchy []api.Frequency
	include   map[api.Frequency][]string
	inference []InferenceRule

	root      *Node
	populated bool

	// Per-frequency roaring index over internal node IDs; iteration order
	// is insertion order, which the depth-first populate walk makes
	// deterministic.
	index   map[uint8]*roaring.Bitmap
	byIntID []*Node
}

// Options configures dataset construction beyond name and store.
type Options struct {
	// Hierarchy overrides the store's default directory hierarchy.
	Hierarchy []api.Frequency
	// Include restricts the IDs admitted per basis frequency; a missing or
	// nil entry means unrestricted.
	Include map[api.Frequency][]string
	// Inference derives IDs not explicit in the directory naming.
	Inference []InferenceRule
}

// NewDataset binds a dataset to a store, defaulting the hierarchy from the
// store when not supplied and validating every selector against the
// store's space.
func NewDataset(name string, store Store, opts Options) (*Dataset, error) {
	space := store.Space()
	hierarchy := opts.Hierarchy
	if len(hierarchy) == 0 {
		hierarchy = store.DefaultHierarchy()
		if len(hierarchy) == 0 {
			return nil, fmt.Errorf("%w: store declares no default hierarchy; one must be supplied for dataset %q",
				api.ErrUsage, name)
		}
	}
	hierarchy, err := space.ValidateHierarchy(hierarchy)
	if err != nil {
		return nil, err
	}
	for f := range opts.Include {
		if f.Space() != space {
			return nil, fmt.Errorf("%w: include selector frequency %s is not in space %q",
				api.ErrUsage, f, space.Name())
		}
		if !f.IsBasis() {
			return nil, fmt.Errorf("%w: include selectors must use basis frequencies, got %s",
				api.ErrUsage, f)
		}
	}
	for _, rule := range opts.Inference {
		if rule.Source.Space() != space {
			return nil, fmt.Errorf("%w: inference source %s is not in space %q",
				api.ErrUsage, rule.Source, space.Name())
		}
		for _, group := range rule.Pattern.SubexpNames() {
			if group == "" {
				continue
			}
			target, err := space.Member(group)
			if err != nil {
				return nil, fmt.Errorf("%w: inference pattern group %q is not a frequency in space %q",
					api.ErrUsage, group, space.Name())
			}
			if !target.IsBasis() {
				return nil, fmt.Errorf("%w: inference pattern group %q must name a basis frequency",
					api.ErrUsage, group)
			}
		}
	}
	ds := &Dataset{
		Name:      name,
		store:     store,
		space:     space,
		hierarchy: hierarchy,
		include:   opts.Include,
		inference: opts.Inference,
		index:     make(map[uint8]*roaring.Bitmap),
	}
	ds.root = newNode(ds, space.Root(), nil)
	return ds, nil
}

// Store returns the backing store.
func (ds *Dataset) Store() Store { return ds.store }

// Space returns the dataset's frequency space, always that of its store.
func (ds *Dataset) Space() *api.Space { return ds.space }

// Hierarchy returns the normalized directory hierarchy, root first.
func (ds *Dataset) Hierarchy() []api.Frequency { return ds.hierarchy }

// Included reports whether an ID passes the allow-list for its basis
// frequency. No list means unrestricted.
func (ds *Dataset) Included(freq api.Frequency, id string) bool {
	list, ok := ds.include[freq]
	if !ok || list == nil {
		return true
	}
	for _, allowed := range list {
		if id == allowed {
			return true
		}
	}
	return false
}

// InferIDs applies the dataset's inference rules to an ID set, returning a
// copy with derived IDs inserted. A source ID that does not match its
// pattern is a tree-construction error.
func (ds *Dataset) InferIDs(ids map[api.Frequency]string) (map[api.Frequency]string, error) {
	out := make(map[api.Frequency]string, len(ids))
	for f, id := range ids {
		out[f] = id
	}
	for _, rule := range ds.inference {
		source, ok := out[rule.Source]
		if !ok {
			continue
		}
		match := rule.Pattern.FindStringSubmatch(source)
		if match == nil {
			return nil, fmt.Errorf("%w: %s ID %q does not match inference pattern %q",
				api.ErrTree, rule.Source, source, rule.Pattern)
		}
		for i, group := range rule.Pattern.SubexpNames() {
			if group == "" || match[i] == "" {
				continue
			}
			target, err := ds.space.Member(group)
			if err != nil {
				return nil, fmt.Errorf("%w: inference group %q: %v", api.ErrInternal, group, err)
			}
			out[target] = match[i]
		}
	}
	return out, nil
}

// Root returns the root node, populating the tree from the store on first
// access. Population runs inside one connection scope.
func (ds *Dataset) Root(ctx context.Context) (*Node, error) {
	if !ds.populated {
		release, err := Acquire(ctx, ds.store)
		if err != nil {
			return nil, err
		}
		defer func() { _ = release() }()
		if err := ds.store.PopulateTree(ctx, ds, ds.include); err != nil {
			return nil, err
		}
		ds.populated = true
	}
	return ds.root, nil
}

// Populated reports whether the tree has been loaded from the store.
func (ds *Dataset) Populated() bool { return ds.populated }

// Invalidate discards the populated tree so the next Root call re-walks
// the store. Used by watchers when the backing storage changes underneath
// a long-running process.
func (ds *Dataset) Invalidate() {
	ds.populated = false
	ds.root = newNode(ds, ds.space.Root(), nil)
	ds.index = make(map[uint8]*roaring.Bitmap)
	ds.byIntID = nil
}

// Node returns the node at the given frequency and ID coordinate. IDs
// passed for the root frequency are a usage error; an unknown coordinate
// is a name error listing the coordinates present.
func (ds *Dataset) Node(ctx context.Context, freq api.Frequency, ids map[api.Frequency]string) (*Node, error) {
	root, err := ds.Root(ctx)
	if err != nil {
		return nil, err
	}
	if freq.IsRoot() {
		if len(ids) > 0 {
			return nil, fmt.Errorf("%w: root nodes do not take IDs (got %v)", api.ErrUsage, ids)
		}
		return root, nil
	}
	return ds.lookup(freq, ids)
}

// lookup resolves a coordinate against the already-populated registry.
func (ds *Dataset) lookup(freq api.Frequency, ids map[api.Frequency]string) (*Node, error) {
	if freq.Space() != ds.space {
		return nil, fmt.Errorf("%w: frequency %s is not in space %q", api.ErrUsage, freq, ds.space.Name())
	}
	own := restrict(ids, freq)
	if len(own) == 0 {
		return nil, fmt.Errorf("%w: no IDs provided for any layer of %s (got %v)", api.ErrUsage, freq, ids)
	}
	key := keyOf(own)
	node, ok := ds.root.subnodes[freq][key]
	if !ok {
		available := make([]string, 0, len(ds.root.subnodes[freq]))
		for k := range ds.root.subnodes[freq] {
			available = append(available, ds.describeKey(k))
		}
		sort.Strings(available)
		return nil, &api.NameError{
			Kind:      fmt.Sprintf("%s node", freq),
			Name:      ds.describeKey(key),
			Available: available,
		}
	}
	return node, nil
}

// Nodes returns every node at a frequency in insertion order.
func (ds *Dataset) Nodes(ctx context.Context, freq api.Frequency) ([]*Node, error) {
	root, err := ds.Root(ctx)
	if err != nil {
		return nil, err
	}
	if freq.IsRoot() {
		return []*Node{root}, nil
	}
	bm, ok := ds.index[freq.Bits()]
	if !ok {
		return nil, nil
	}
	out := make([]*Node, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, ds.byIntID[it.Next()])
	}
	return out, nil
}

// NodeIDs returns the canonical coordinate keys present at a frequency.
func (ds *Dataset) NodeIDs(ctx context.Context, freq api.Frequency) ([]Key, error) {
	nodes, err := ds.Nodes(ctx, freq)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(nodes))
	for i, n := range nodes {
		keys[i] = n.key
	}
	return keys, nil
}

// Each visits the root and every registered node in insertion order
// without triggering population. Stores use it to attach items while the
// populate walk is still in progress.
func (ds *Dataset) Each(fn func(*Node) error) error {
	if err := fn(ds.root); err != nil {
		return err
	}
	for _, n := range ds.byIntID {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// AddNode inserts a node and transitively ensures every ancestor implied
// by its IDs, wiring the ancestors' subnode indexes down to the new node
// and the node's registry-key references up. Stores call this during
// PopulateTree; nodes are never removed afterwards.
func (ds *Dataset) AddNode(freq api.Frequency, ids map[api.Frequency]string) (*Node, error) {
	if freq.Space() != ds.space {
		return nil, fmt.Errorf("%w: frequency %s is not in space %q", api.ErrTree, freq, ds.space.Name())
	}
	if freq.IsRoot() {
		return nil, fmt.Errorf("%w: the root node exists implicitly and cannot be inserted", api.ErrTree)
	}
	for f, id := range ids {
		if f.Space() != ds.space || !f.IsBasis() {
			return nil, fmt.Errorf("%w: ID key %s is not a basis frequency of space %q",
				api.ErrTree, f, ds.space.Name())
		}
		if id == "" || strings.ContainsAny(id, ";/") {
			return nil, fmt.Errorf("%w: invalid %s ID %q", api.ErrTree, f, id)
		}
	}
	return ds.addNode(freq, ids)
}

func (ds *Dataset) addNode(freq api.Frequency, ids map[api.Frequency]string) (*Node, error) {
	own := restrict(ids, freq)
	if len(own) == 0 {
		return nil, fmt.Errorf("%w: no IDs provided for any layer of %s (got %v)", api.ErrTree, freq, ids)
	}
	key := keyOf(own)
	siblings := ds.root.subnodes[freq]
	if _, dup := siblings[key]; dup {
		return nil, fmt.Errorf("%w: ID clash at %s coordinate %s", api.ErrTree, freq, ds.describeKey(key))
	}
	// ID shape must be uniform across a frequency: partially identified
	// nodes cannot coexist with fully identified ones.
	if len(siblings) > 0 {
		var sibling *Node
		for _, sibling = range siblings {
			break
		}
		if shapeOf(sibling.ownIDs()) != shapeOf(own) {
			return nil, fmt.Errorf("%w: inconsistent ID shape for %s nodes (%s vs %s)",
				api.ErrTree, freq, ds.describeKey(key), ds.describeKey(sibling.key))
		}
	}

	node := newNode(ds, freq, ids)
	ds.insert(node, key)

	// Ensure and link every implied ancestor: hierarchy layers above this
	// frequency, plus any space member whose full basis is covered by the
	// provided IDs.
	for _, ancestorFreq := range ds.ancestorFrequencies(freq, ids) {
		ancestorIDs := restrict(ids, ancestorFreq)
		ancestor, ok := ds.root.subnodes[ancestorFreq][keyOf(ancestorIDs)]
		if !ok {
			var err error
			if ancestor, err = ds.addNode(ancestorFreq, ancestorIDs); err != nil {
				return nil, err
			}
		}
		sub := make(map[api.Frequency]string, len(own))
		for f, id := range own {
			if ancestorFreq.Bits()&f.Bits() == 0 {
				sub[f] = id
			}
		}
		ancestor.link(freq, keyOf(sub), node)
		node.ancestors[ancestorFreq] = ancestor.key
	}
	node.ancestors[ds.space.Root()] = ds.root.key
	return node, nil
}

// insert registers the node in the root index, the flat registry, and the
// per-frequency bitmap.
func (ds *Dataset) insert(node *Node, key Key) {
	node.key = key
	node.intID = uint32(len(ds.byIntID))
	ds.byIntID = append(ds.byIntID, node)
	bm, ok := ds.index[node.Frequency.Bits()]
	if !ok {
		bm = roaring.New()
		ds.index[node.Frequency.Bits()] = bm
	}
	bm.Add(node.intID)
	ds.root.link(node.Frequency, key, node)
}

// ancestorFrequencies lists the frequencies whose nodes must exist above a
// node with the given IDs, most granular last so recursion bottoms out.
func (ds *Dataset) ancestorFrequencies(freq api.Frequency, ids map[api.Frequency]string) []api.Frequency {
	seen := map[uint8]bool{}
	var out []api.Frequency
	add := func(f api.Frequency) {
		if !f.IsRoot() && f.ParentOf(freq) && !seen[f.Bits()] {
			seen[f.Bits()] = true
			out = append(out, f)
		}
	}
	for _, layer := range ds.hierarchy {
		add(layer)
	}
	for _, member := range ds.space.Members() {
		covered := true
		for _, b := range member.Basis() {
			if _, ok := ids[b]; !ok {
				covered = false
				break
			}
		}
		if covered {
			add(member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bits() < out[j].Bits() })
	return out
}

// restrict keeps only the IDs on the basis layers of a frequency.
func restrict(ids map[api.Frequency]string, freq api.Frequency) map[api.Frequency]string {
	out := make(map[api.Frequency]string, len(ids))
	for _, b := range freq.Basis() {
		if id, ok := ids[b]; ok {
			out[b] = id
		}
	}
	return out
}

// describeKey renders a canonical key with frequency names for error
// messages.
func (ds *Dataset) describeKey(key Key) string {
	if key == "" {
		return "(root)"
	}
	parts := strings.Split(string(key), ";")
	for i, part := range parts {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		var bits uint8
		if _, err := fmt.Sscanf(part[:eq], "%d", &bits); err == nil {
			for _, m := range ds.space.Members() {
				if m.Bits() == bits {
					parts[i] = m.String() + "=" + part[eq+1:]
					break
				}
			}
		}
	}
	return strings.Join(parts, ",")
}

// Acquire opens a connection scope on the dataset's store.
func (ds *Dataset) Acquire(ctx context.Context) (func() error, error) {
	return Acquire(ctx, ds.store)
}
