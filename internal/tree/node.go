package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/arcana-framework/arcana-go/api"
)

// Node is one addressable point in the dataset hierarchy (a subject, a
// session, ...). It owns its unresolved file-groups and fields and an
// index of descendant nodes per frequency; links back up the tree are
// registry keys resolved through the dataset, never pointers.
type Node struct {
	Frequency api.Frequency

	dataset *Dataset
	key     Key
	intID   uint32

	// ids maps every identified basis frequency at or above this node's
	// granularity to its ID string.
	ids map[api.Frequency]string

	fileGroups map[string]*UnresolvedFileGroup
	fgOrder    []string
	fields     map[string]*UnresolvedField
	fieldOrder []string

	subnodes  map[api.Frequency]map[Key]*Node
	ancestors map[api.Frequency]Key
}

func newNode(ds *Dataset, freq api.Frequency, ids map[api.Frequency]string) *Node {
	copied := make(map[api.Frequency]string, len(ids))
	for f, id := range ids {
		copied[f] = id
	}
	return &Node{
		Frequency:  freq,
		dataset:    ds,
		ids:        copied,
		fileGroups: make(map[string]*UnresolvedFileGroup),
		fields:     make(map[string]*UnresolvedField),
		subnodes:   make(map[api.Frequency]map[Key]*Node),
		ancestors:  make(map[api.Frequency]Key),
	}
}

// Dataset returns the owning dataset.
func (n *Node) Dataset() *Dataset { return n.dataset }

// Key returns the node's canonical coordinate.
func (n *Node) Key() Key { return n.key }

// ID returns the ID at one basis layer, empty when unidentified.
func (n *Node) ID(freq api.Frequency) string { return n.ids[freq] }

// IDs returns a copy of the node's full ID context.
func (n *Node) IDs() map[api.Frequency]string {
	out := make(map[api.Frequency]string, len(n.ids))
	for f, id := range n.ids {
		out[f] = id
	}
	return out
}

// ownIDs restricts the ID context to the node's own basis layers.
func (n *Node) ownIDs() map[api.Frequency]string {
	return restrict(n.ids, n.Frequency)
}

// Label renders the node's own IDs for display, frequency names included.
func (n *Node) Label() string {
	if n.Frequency.IsRoot() {
		return n.dataset.Name
	}
	return n.dataset.describeKey(n.key)
}

func (n *Node) link(freq api.Frequency, key Key, child *Node) {
	byKey, ok := n.subnodes[freq]
	if !ok {
		byKey = make(map[Key]*Node)
		n.subnodes[freq] = byKey
	}
	byKey[key] = child
}

// Subnodes returns this node's descendants at a frequency, keyed by the
// portion of their coordinate not covered by this node.
func (n *Node) Subnodes(freq api.Frequency) map[Key]*Node {
	return n.subnodes[freq]
}

// Ancestor resolves the ancestor node at a frequency through the dataset
// registry. A recorded key whose node is gone from the registry is an
// internal-consistency defect, not a recoverable condition.
func (n *Node) Ancestor(freq api.Frequency) (*Node, error) {
	key, ok := n.ancestors[freq]
	if !ok {
		available := make([]string, 0, len(n.ancestors))
		for f := range n.ancestors {
			available = append(available, f.String())
		}
		sort.Strings(available)
		return nil, &api.NameError{Kind: "ancestor frequency", Name: freq.String(), Available: available}
	}
	if freq.IsRoot() {
		return n.dataset.root, nil
	}
	ancestor, ok := n.dataset.root.subnodes[freq][key]
	if !ok {
		return nil, fmt.Errorf("%w: ancestor %s of %s recorded as %s but absent from the registry",
			api.ErrInternal, freq, n.Label(), n.dataset.describeKey(key))
	}
	return ancestor, nil
}

// AddFileGroup attaches an unresolved file-group under a name-path. The
// path may contain '/' separators to express sub-grouping. Reusing a
// name-path on one node is a tree-construction error.
func (n *Node) AddFileGroup(fg *UnresolvedFileGroup) error {
	if fg.Path == "" {
		return fmt.Errorf("%w: file-group needs a name-path", api.ErrTree)
	}
	if _, dup := n.fileGroups[fg.Path]; dup {
		return fmt.Errorf("%w: node %s already has a file-group at %q", api.ErrTree, n.Label(), fg.Path)
	}
	if _, dup := n.fields[fg.Path]; dup {
		return fmt.Errorf("%w: node %s already has a field at %q", api.ErrTree, n.Label(), fg.Path)
	}
	fg.node = n
	n.fileGroups[fg.Path] = fg
	n.fgOrder = append(n.fgOrder, fg.Path)
	return nil
}

// AddField attaches an unresolved field under a name-path.
func (n *Node) AddField(f *UnresolvedField) error {
	if f.Path == "" {
		return fmt.Errorf("%w: field needs a name-path", api.ErrTree)
	}
	if _, dup := n.fields[f.Path]; dup {
		return fmt.Errorf("%w: node %s already has a field at %q", api.ErrTree, n.Label(), f.Path)
	}
	if _, dup := n.fileGroups[f.Path]; dup {
		return fmt.Errorf("%w: node %s already has a file-group at %q", api.ErrTree, n.Label(), f.Path)
	}
	f.node = n
	n.fields[f.Path] = f
	n.fieldOrder = append(n.fieldOrder, f.Path)
	return nil
}

// FileGroupNames lists attached file-group name-paths in insertion order.
func (n *Node) FileGroupNames() []string {
	return append([]string(nil), n.fgOrder...)
}

// FieldNames lists attached field name-paths in insertion order.
func (n *Node) FieldNames() []string {
	return append([]string(nil), n.fieldOrder...)
}

// FileGroup returns the unresolved file-group at a name-path.
func (n *Node) FileGroup(name string) (*UnresolvedFileGroup, error) {
	fg, ok := n.fileGroups[name]
	if !ok {
		return nil, &api.NameError{Kind: "file-group", Name: name, Available: n.FileGroupNames()}
	}
	return fg, nil
}

// ResolveFileGroup resolves the file-group at a name-path against the
// first matching candidate format.
func (n *Node) ResolveFileGroup(name string, candidates ...api.Format) (*FileGroup, error) {
	fg, err := n.FileGroup(name)
	if err != nil {
		return nil, err
	}
	return fg.Resolve(candidates...)
}

// Field returns the unresolved field at a name-path.
func (n *Node) Field(name string) (*UnresolvedField, error) {
	f, ok := n.fields[name]
	if !ok {
		return nil, &api.NameError{Kind: "field", Name: name, Available: n.FieldNames()}
	}
	return f, nil
}

// ResolveField resolves the field at a name-path to a typed value.
func (n *Node) ResolveField(name string, kind api.ValueKind, array bool) (*Field, error) {
	f, err := n.Field(name)
	if err != nil {
		return nil, err
	}
	return f.Resolve(kind, array)
}

// NewSink builds a resolved file-group handle for writing a new item at
// this node, whether or not anything exists at the path yet.
func (n *Node) NewSink(path string, format api.Format) *FileGroup {
	return &FileGroup{Node: n, Path: path, Format: format}
}

// NewFieldSink builds a resolved field handle for writing.
func (n *Node) NewFieldSink(path string, kind api.ValueKind, array bool) *Field {
	return &Field{Node: n, Path: path, Kind: kind, Array: array}
}

// PutFileGroup writes a file-group through the store within a connection
// scope.
func (n *Node) PutFileGroup(ctx context.Context, fg *FileGroup, source string, sideCars map[string]string) error {
	release, err := Acquire(ctx, n.dataset.store)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()
	return n.dataset.store.PutFileGroup(ctx, fg, source, sideCars)
}

// PutField writes a field value through the store within a connection
// scope.
func (n *Node) PutField(ctx context.Context, f *Field, value any) error {
	release, err := Acquire(ctx, n.dataset.store)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()
	return n.dataset.store.PutField(ctx, f, value)
}
