// Package treefs projects a populated dataset as a read-only
// billy.Filesystem: hierarchy layers become directories, file-group files
// and field values become files, items on off-hierarchy nodes appear
// under __<frequency>_<ids>__ meta directories, and a virtual
// __dataset__.json at the root summarizes the tree. Served over NFS it
// gives any tool a plain directory view of a dataset without copying it.
package treefs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/tree"
)

// SummaryFile is the virtual JSON file describing the mounted dataset.
const SummaryFile = "__dataset__.json"

var errReadOnly = fmt.Errorf("read-only filesystem")

type entryKind int

const (
	dirEntry entryKind = iota
	diskEntry           // passthrough to a file in the backing store
	memEntry            // generated content (field values, the summary)
)

type entry struct {
	kind      entryKind
	localPath string // diskEntry
	data      []byte // memEntry
}

// TreeFS adapts a dataset tree to billy.Filesystem. Call Refresh before
// serving and again whenever the backing store changes.
type TreeFS struct {
	ds        *tree.Dataset
	mountTime time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	children map[string][]string
}

// New builds an empty view over the dataset; Refresh populates it.
func New(ds *tree.Dataset) *TreeFS {
	return &TreeFS{
		ds:        ds,
		mountTime: time.Now(),
		entries:   map[string]*entry{"/": {kind: dirEntry}},
		children:  map[string][]string{},
	}
}

// Refresh rebuilds the projected tree from the dataset, populating it from
// the store if needed. Safe to call while the filesystem is being served.
func (t *TreeFS) Refresh(ctx context.Context) error {
	root, err := t.ds.Root(ctx)
	if err != nil {
		return err
	}
	b := &builder{
		entries:  map[string]*entry{"/": {kind: dirEntry}},
		children: map[string][]string{},
	}
	summary, err := t.summarize(ctx)
	if err != nil {
		return err
	}
	b.addFile("/"+SummaryFile, &entry{kind: memEntry, data: summary})
	if err := b.addItems(root, "/"); err != nil {
		return err
	}
	onLayer := map[uint8]bool{}
	for _, layer := range t.ds.Hierarchy() {
		onLayer[layer.Bits()] = true
		if layer.IsRoot() {
			continue
		}
		nodes, err := t.ds.Nodes(ctx, layer)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			dir := t.nodeDir(node)
			b.mkdirAll(dir)
			if err := b.addItems(node, dir); err != nil {
				return err
			}
		}
	}
	// Items on off-hierarchy nodes surface under meta directories, the
	// same naming the store uses on disk.
	for _, freq := range t.ds.Space().Members() {
		if freq.IsRoot() || onLayer[freq.Bits()] {
			continue
		}
		nodes, err := t.ds.Nodes(ctx, freq)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if len(node.FileGroupNames()) == 0 && len(node.FieldNames()) == 0 {
				continue
			}
			dir, err := t.metaDir(node)
			if err != nil {
				return err
			}
			b.mkdirAll(dir)
			if err := b.addItems(node, dir); err != nil {
				return err
			}
		}
	}
	t.mu.Lock()
	t.entries, t.children = b.entries, b.children
	t.mu.Unlock()
	return nil
}

// nodeDir maps a hierarchy-layer node to its directory: one label per
// layer the node spans, multi-layer labels joined with '_'.
func (t *TreeFS) nodeDir(node *tree.Node) string {
	var parts []string
	accounted := uint8(0)
	for _, layer := range t.ds.Hierarchy() {
		if layer.IsRoot() {
			continue
		}
		if !(layer.ParentOf(node.Frequency) || layer == node.Frequency) {
			break
		}
		var ids []string
		for _, b := range layer.Basis() {
			if b.Bits()&accounted != 0 {
				continue
			}
			if id := node.ID(b); id != "" {
				ids = append(ids, id)
			}
		}
		parts = append(parts, strings.Join(ids, "_"))
		accounted |= layer.Bits()
	}
	return "/" + path.Join(parts...)
}

// metaDir names the directory for a node off the hierarchy layers: a
// __<frequency>_<ids>__ entry under its deepest on-hierarchy ancestor.
func (t *TreeFS) metaDir(node *tree.Node) (string, error) {
	deepest := t.ds.Space().Root()
	for _, layer := range t.ds.Hierarchy() {
		if !layer.IsRoot() && layer.ParentOf(node.Frequency) {
			deepest = layer
		}
	}
	parent := "/"
	if !deepest.IsRoot() {
		ancestor, err := node.Ancestor(deepest)
		if err != nil {
			return "", err
		}
		parent = t.nodeDir(ancestor)
	}
	// The directory is named after the layers the parent path does not
	// account for, matching the store's on-disk naming.
	unaccounted := t.ds.Space().Root()
	var ids []string
	for _, b := range node.Frequency.Basis() {
		if b.Bits()&deepest.Bits() != 0 {
			continue
		}
		unaccounted = unaccounted.Union(b)
		if id := node.ID(b); id != "" {
			ids = append(ids, id)
		}
	}
	name := "__" + unaccounted.String()
	if len(ids) > 0 {
		name += "_" + strings.Join(ids, "_")
	}
	return path.Join(parent, name+"__"), nil
}

type datasetSummary struct {
	Name      string              `json:"name"`
	Space     string              `json:"space"`
	Hierarchy []string            `json:"hierarchy"`
	Nodes     map[string][]string `json:"nodes"`
}

func (t *TreeFS) summarize(ctx context.Context) ([]byte, error) {
	summary := datasetSummary{
		Name:  t.ds.Name,
		Space: t.ds.Space().Name(),
		Nodes: map[string][]string{},
	}
	for _, layer := range t.ds.Hierarchy() {
		summary.Hierarchy = append(summary.Hierarchy, layer.String())
	}
	for _, freq := range t.ds.Space().Members() {
		if freq.IsRoot() {
			continue
		}
		nodes, err := t.ds.Nodes(ctx, freq)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			continue
		}
		labels := make([]string, len(nodes))
		for i, n := range nodes {
			labels[i] = n.Label()
		}
		sort.Strings(labels)
		summary.Nodes[freq.String()] = labels
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInternal, err)
	}
	return append(data, '\n'), nil
}

type builder struct {
	entries  map[string]*entry
	children map[string][]string
}

func (b *builder) mkdirAll(p string) {
	if p == "/" {
		return
	}
	b.mkdirAll(path.Dir(p))
	if _, ok := b.entries[p]; ok {
		return
	}
	b.entries[p] = &entry{kind: dirEntry}
	parent := path.Dir(p)
	b.children[parent] = append(b.children[parent], path.Base(p))
}

func (b *builder) addFile(p string, e *entry) {
	if _, dup := b.entries[p]; dup {
		return
	}
	b.mkdirAll(path.Dir(p))
	b.entries[p] = e
	parent := path.Dir(p)
	b.children[parent] = append(b.children[parent], path.Base(p))
}

// addItems projects one node's file-groups and fields into a directory.
// Every backing file of a file-group appears under the group's name-path
// directory; field values become small JSON files named after the field.
func (b *builder) addItems(node *tree.Node, dir string) error {
	for _, name := range node.FileGroupNames() {
		fg, err := node.FileGroup(name)
		if err != nil {
			return err
		}
		sub := path.Dir(name)
		for _, fp := range fg.FilePaths {
			target := path.Join(dir, sub, filepath.Base(fp))
			if sub == "." {
				target = path.Join(dir, filepath.Base(fp))
			}
			b.addFile(target, &entry{kind: diskEntry, localPath: fp})
		}
	}
	for _, name := range node.FieldNames() {
		field, err := node.Field(name)
		if err != nil {
			return err
		}
		data, err := json.Marshal(field.Raw)
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", api.ErrInternal, name, err)
		}
		b.addFile(path.Join(dir, name), &entry{kind: memEntry, data: append(data, '\n')})
	}
	return nil
}

func (t *TreeFS) lookup(p string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[p]
	return e, ok
}

// --- billy.Basic ---

func (t *TreeFS) Create(string) (billy.File, error) { return nil, errReadOnly }

func (t *TreeFS) Open(filename string) (billy.File, error) {
	return t.OpenFile(filename, os.O_RDONLY, 0)
}

func (t *TreeFS) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, errReadOnly
	}
	filename = cleanPath(filename)
	e, ok := t.lookup(filename)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
	}
	switch e.kind {
	case dirEntry:
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("is a directory")}
	case memEntry:
		return &memFile{name: filename, data: e.data}, nil
	default:
		f, err := os.Open(e.localPath)
		if err != nil {
			return nil, err
		}
		return &diskFile{name: filename, f: f}, nil
	}
}

func (t *TreeFS) Stat(filename string) (os.FileInfo, error)  { return t.Lstat(filename) }
func (t *TreeFS) Rename(string, string) error                { return errReadOnly }
func (t *TreeFS) Remove(string) error                        { return errReadOnly }
func (t *TreeFS) Join(elem ...string) string                 { return path.Join(elem...) }
func (t *TreeFS) TempFile(string, string) (billy.File, error) { return nil, billy.ErrNotSupported }

// --- billy.Dir ---

func (t *TreeFS) ReadDir(p string) ([]os.FileInfo, error) {
	p = cleanPath(p)
	e, ok := t.lookup(p)
	if !ok {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: os.ErrNotExist}
	}
	if e.kind != dirEntry {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: fmt.Errorf("not a directory")}
	}
	t.mu.RLock()
	names := append([]string(nil), t.children[p]...)
	t.mu.RUnlock()
	sort.Strings(names)
	infos := make([]os.FileInfo, 0, len(names))
	for _, name := range names {
		info, err := t.Lstat(path.Join(p, name))
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (t *TreeFS) MkdirAll(string, os.FileMode) error { return errReadOnly }

// --- billy.Symlink ---

func (t *TreeFS) Lstat(filename string) (os.FileInfo, error) {
	filename = cleanPath(filename)
	e, ok := t.lookup(filename)
	if !ok {
		return nil, &os.PathError{Op: "lstat", Path: filename, Err: os.ErrNotExist}
	}
	switch e.kind {
	case dirEntry:
		return &staticFileInfo{name: path.Base(filename), mode: os.ModeDir | 0o555, modTime: t.mountTime}, nil
	case memEntry:
		return &staticFileInfo{name: path.Base(filename), size: int64(len(e.data)), mode: 0o444, modTime: t.mountTime}, nil
	default:
		info, err := os.Stat(e.localPath)
		if err != nil {
			return nil, &os.PathError{Op: "lstat", Path: filename, Err: err}
		}
		return &staticFileInfo{name: path.Base(filename), size: info.Size(), mode: 0o444, modTime: info.ModTime()}, nil
	}
}

func (t *TreeFS) Symlink(string, string) error    { return billy.ErrNotSupported }
func (t *TreeFS) Readlink(string) (string, error) { return "", billy.ErrNotSupported }

// --- billy.Chroot ---

func (t *TreeFS) Chroot(p string) (billy.Filesystem, error) { return chroot.New(t, p), nil }
func (t *TreeFS) Root() string                              { return "/" }

// --- billy.Capable ---

func (t *TreeFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

func cleanPath(p string) string {
	p = path.Clean("/" + p)
	if p == "." {
		return "/"
	}
	return p
}

type staticFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *staticFileInfo) Name() string       { return fi.name }
func (fi *staticFileInfo) Size() int64        { return fi.size }
func (fi *staticFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *staticFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *staticFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *staticFileInfo) Sys() interface{}   { return nil }

var (
	_ billy.Filesystem = (*TreeFS)(nil)
	_ billy.Capable    = (*TreeFS)(nil)
)
