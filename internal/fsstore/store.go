// Package fsstore stores datasets as nested directories on a local file
// system. Sub-directory depth maps 1:1 onto the dataset hierarchy; scalar
// fields live in a per-node JSON file and provenance in side-files next to
// the data they describe.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/tree"
	"github.com/juju/fslock"
)

// On-disk naming contract. Other tools reading a dataset directory rely on
// these exact names.
const (
	fieldsFile = "__fields__.json"
	provSuffix = ".prov"
	lockSuffix = ".lock"
	valueKey   = "__value__"
	provKey    = "__provenance__"

	checksumDBFile = ".checksums.db"
)

// metaDirRe matches the reserved directory names that hold items belonging
// to non-leaf nodes, e.g. "__dataset__" or "__timepoint_T1__".
var metaDirRe = regexp.MustCompile(`^__.*__$`)

// FileSystem stores datasets hierarchically within sub-directories of a
// base directory; datasets are arranged by name as sub-directories of the
// base. Which tree layer each directory level corresponds to is defined by
// the hierarchy.
type FileSystem struct {
	baseDir   string
	space     *api.Space
	hierarchy []api.Frequency

	conn  tree.Connection
	cache *checksumCache

	mu   sync.Mutex
	rels map[*tree.Node]string // node -> item directory, relative to the dataset root
}

// New builds a file-system store rooted at baseDir. The hierarchy is
// validated against the space immediately so misconfigured stores fail at
// construction, not first use.
func New(baseDir string, space *api.Space, hierarchy []api.Frequency) (*FileSystem, error) {
	if space == nil {
		return nil, fmt.Errorf("%w: file-system store needs a frequency space", api.ErrUsage)
	}
	if len(hierarchy) > 0 {
		normalized, err := space.ValidateHierarchy(hierarchy)
		if err != nil {
			return nil, err
		}
		hierarchy = normalized
	}
	return &FileSystem{
		baseDir:   baseDir,
		space:     space,
		hierarchy: hierarchy,
		rels:      make(map[*tree.Node]string),
	}, nil
}

// NewNamed builds a store from configuration strings, resolving the space
// and hierarchy layers through the static space registry. Unknown names
// are rejected here rather than deferred to first use.
func NewNamed(baseDir, spaceName string, layerNames []string) (*FileSystem, error) {
	space, err := api.SpaceByName(spaceName)
	if err != nil {
		return nil, err
	}
	hierarchy := make([]api.Frequency, len(layerNames))
	for i, name := range layerNames {
		layer, err := space.Member(name)
		if err != nil {
			return nil, err
		}
		hierarchy[i] = layer
	}
	return New(baseDir, space, hierarchy)
}

// Dataset binds a named dataset (a sub-directory of the base) to this
// store.
func (s *FileSystem) Dataset(name string, opts tree.Options) (*tree.Dataset, error) {
	return tree.NewDataset(name, s, opts)
}

// SingleDataset treats a directory as a dataset in its own right: the
// parent becomes the store base and the basename the dataset name.
func SingleDataset(dir string, space *api.Space, hierarchy []api.Frequency, opts tree.Options) (*tree.Dataset, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrUsage, err)
	}
	store, err := New(filepath.Dir(abs), space, hierarchy)
	if err != nil {
		return nil, err
	}
	return store.Dataset(filepath.Base(abs), opts)
}

// Space returns the store's frequency space.
func (s *FileSystem) Space() *api.Space { return s.space }

// DefaultHierarchy returns the hierarchy datasets assume when they do not
// declare one.
func (s *FileSystem) DefaultHierarchy() []api.Frequency { return s.hierarchy }

// Connection exposes the reentrancy state for scoped acquisition.
func (s *FileSystem) Connection() *tree.Connection { return &s.conn }

// Connect opens the checksum cache. The directory tree itself needs no
// connection state.
func (s *FileSystem) Connect(context.Context) error {
	cache, err := openChecksumCache(filepath.Join(s.baseDir, checksumDBFile))
	if err != nil {
		// The cache is an optimization; a store on a read-only mount still
		// works, checksums are just recomputed every time.
		log.Printf("fsstore: checksum cache unavailable: %v", err)
		return nil
	}
	s.cache = cache
	return nil
}

// Disconnect closes the checksum cache.
func (s *FileSystem) Disconnect(context.Context) error {
	if s.cache == nil {
		return nil
	}
	err := s.cache.Close()
	s.cache = nil
	return err
}

// PopulateTree walks the dataset directory depth-first and inserts a node
// for every leaf directory, restricted to the given per-frequency
// allow-lists when non-nil. Items of every discovered node (intermediate
// nodes included) are attached in the same pass, keeping later item access
// free of I/O.
func (s *FileSystem) PopulateTree(ctx context.Context, ds *tree.Dataset, filter map[api.Frequency][]string) error {
	root := s.datasetRoot(ds)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: could not find a directory at %q to be the root node of dataset %q",
			api.ErrUsage, root, ds.Name)
	}
	s.forgetDataset(ds)
	layers := ds.Hierarchy()[1:]
	if len(layers) == 0 {
		return fmt.Errorf("%w: dataset %q has a root-only hierarchy", api.ErrUsage, ds.Name)
	}
	if err := s.walk(ctx, ds, layers, root, nil, map[api.Frequency]string{}, 0, filter); err != nil {
		return err
	}
	return ds.Each(func(n *tree.Node) error {
		return s.PopulateItems(ctx, n)
	})
}

func (s *FileSystem) walk(ctx context.Context, ds *tree.Dataset, layers []api.Frequency,
	dir string, relParts []string, ids map[api.Frequency]string, accounted uint8,
	filter map[api.Frequency][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", api.ErrStore, dir, err)
	}
	depth := len(relParts)
	layer := layers[depth]
	newBasis := unaccountedBasis(layer, accounted)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || metaDirRe.MatchString(entry.Name()) {
			continue
		}
		label := entry.Name()
		next := cloneIDs(ids)
		// The directory label binds the least significant basis layer the
		// level introduces; any others come from ID inference. The raw
		// label is also kept under the composite layer frequency so
		// inference rules can match against it.
		if len(newBasis) > 0 {
			next[newBasis[0]] = label
		}
		if !layer.IsBasis() {
			next[layer] = label
		}
		if len(newBasis) == 1 && !allowed(filter, newBasis[0], label) {
			continue
		}
		childParts := append(append([]string(nil), relParts...), label)
		if depth < len(layers)-1 {
			if err := s.walk(ctx, ds, layers, filepath.Join(dir, label), childParts, next, accounted|layer.Bits(), filter); err != nil {
				return err
			}
			continue
		}
		if err := s.addLeaf(ds, layers, layer, childParts, next, filter); err != nil {
			return err
		}
	}
	return nil
}

// addLeaf inserts the node for a full-depth directory and records the item
// directories of the node and its hierarchy ancestors, so multi-layer
// directory labels (e.g. a subject label combining group and member codes)
// round-trip without re-deriving them from IDs.
func (s *FileSystem) addLeaf(ds *tree.Dataset, layers []api.Frequency, leaf api.Frequency,
	relParts []string, ids map[api.Frequency]string, filter map[api.Frequency][]string) error {
	inferred, err := ds.InferIDs(ids)
	if err != nil {
		return err
	}
	basisIDs := make(map[api.Frequency]string, len(inferred))
	for f, id := range inferred {
		if f.IsBasis() {
			basisIDs[f] = id
		}
	}
	for f, id := range basisIDs {
		if !allowed(filter, f, id) || !ds.Included(f, id) {
			return nil
		}
	}
	node, err := ds.AddNode(leaf, basisIDs)
	if err != nil {
		return err
	}
	s.setRel(node, filepath.Join(relParts...))
	accounted := uint8(0)
	for i, layer := range layers[:len(layers)-1] {
		accounted |= layer.Bits()
		ancestor, err := node.Ancestor(layer)
		if err != nil {
			continue
		}
		parts := append(append([]string(nil), relParts[:i+1]...), s.metaDir(ancestor, accounted))
		s.setRel(ancestor, filepath.Join(parts...))
	}
	return nil
}

// PopulateItems discovers the file-groups and fields below a node's item
// directory. A node whose directory does not exist simply has no items.
func (s *FileSystem) PopulateItems(_ context.Context, node *tree.Node) error {
	dpath := s.nodePath(node)
	if _, err := os.Stat(dpath); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	if err := s.discoverItems(node, dpath, ""); err != nil {
		return err
	}
	return s.loadFields(node, dpath)
}

// discoverItems groups a directory's entries into file-groups by basename
// before the first '.'. An undotted sub-directory normally extends the
// name-path ("anat" + "T1w" -> "anat/T1w"); one holding only undotted
// files (a raw image series, say) is itself a directory file-group.
func (s *FileSystem) discoverItems(node *tree.Node, dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", api.ErrStore, dir, err)
	}
	groups := make(map[string][]string)
	var order, subdirs []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || name == fieldsFile ||
			strings.HasSuffix(name, provSuffix) || strings.HasSuffix(name, lockSuffix) ||
			metaDirRe.MatchString(name) {
			continue
		}
		if entry.IsDir() && !strings.Contains(name, ".") && isNamePrefixDir(filepath.Join(dir, name)) {
			subdirs = append(subdirs, name)
			continue
		}
		base := name
		if dot := strings.IndexByte(name, '.'); dot > 0 {
			base = name[:dot]
		}
		if _, seen := groups[base]; !seen {
			order = append(order, base)
		}
		groups[base] = append(groups[base], filepath.Join(dir, name))
	}
	for _, base := range order {
		prov, err := api.LoadProvenance(filepath.Join(dir, base+provSuffix), true)
		if err != nil {
			return err
		}
		fg := &tree.UnresolvedFileGroup{
			Path:       path.Join(prefix, base),
			FilePaths:  groups[base],
			Provenance: prov,
		}
		if err := node.AddFileGroup(fg); err != nil {
			return err
		}
	}
	for _, sub := range subdirs {
		if err := s.discoverItems(node, filepath.Join(dir, sub), path.Join(prefix, sub)); err != nil {
			return err
		}
	}
	return nil
}

// isNamePrefixDir reports whether a directory extends item name-paths
// rather than being a directory-format item itself.
func isNamePrefixDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.Contains(entry.Name(), ".") {
			return true
		}
	}
	return false
}

// loadFields attaches the node's fields from its fields JSON, unwrapping
// {__value__, __provenance__} objects into value plus provenance.
func (s *FileSystem) loadFields(node *tree.Node, dpath string) error {
	data, err := os.ReadFile(filepath.Join(dpath, fieldsFile))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	var dct map[string]any
	if err := json.Unmarshal(data, &dct); err != nil {
		return fmt.Errorf("%w: malformed %s in %s: %v", api.ErrStore, fieldsFile, dpath, err)
	}
	names := make([]string, 0, len(dct))
	for name := range dct {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := dct[name]
		var prov *api.Provenance
		if wrapper, ok := raw.(map[string]any); ok {
			if value, wrapped := wrapper[valueKey]; wrapped {
				raw = value
				prov, err = provenanceFromRaw(wrapper[provKey])
				if err != nil {
					return err
				}
			}
		}
		if err := node.AddField(&tree.UnresolvedField{Path: name, Raw: raw, Provenance: prov}); err != nil {
			return err
		}
	}
	return nil
}

// FileGroupPaths resolves a file-group's primary and side-car paths on
// disk, failing with a missing-data error when any declared file is
// absent.
func (s *FileSystem) FileGroupPaths(fg *tree.FileGroup) (string, map[string]string, error) {
	primary := s.fileGroupPath(fg)
	if _, err := os.Stat(primary); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: file-group %q does not exist at %s", api.ErrMissingData, fg.Path, primary)
		}
		return "", nil, fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	sideCars := fg.Format.DefaultSideCars(primary)
	for name, scPath := range sideCars {
		if _, err := os.Stat(scPath); err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return "", nil, fmt.Errorf("%w: file-group %q is missing its %q side-car at %s",
					api.ErrMissingData, fg.Path, name, scPath)
			}
			return "", nil, fmt.Errorf("%w: %v", api.ErrStore, err)
		}
	}
	return primary, sideCars, nil
}

// FieldValue reads a field's raw value from the node's fields JSON under
// the field lock. A missing file or missing key is a missing-data error;
// any other failure is a store error.
func (s *FileSystem) FieldValue(f *tree.Field) (any, error) {
	dct, release, err := s.lockedFields(f.Node, false)
	if err != nil {
		return nil, err
	}
	defer release()
	raw, ok := dct[f.Path]
	if !ok {
		return nil, fmt.Errorf("%w: field %q does not exist at %s", api.ErrMissingData, f.Path, s.nodePath(f.Node))
	}
	if wrapper, isWrapped := raw.(map[string]any); isWrapped {
		if value, has := wrapper[valueKey]; has {
			return value, nil
		}
	}
	return raw, nil
}

// PutField inserts or updates a field entry under the field lock, holding
// it across the full read-modify-write. Fields without provenance are
// stored as bare values, not wrapper objects.
func (s *FileSystem) PutField(_ context.Context, f *tree.Field, value any) error {
	dpath := s.nodePath(f.Node)
	if err := os.MkdirAll(dpath, 0o755); err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	dct, release, err := s.lockedFields(f.Node, true)
	if err != nil {
		return err
	}
	defer release()
	if f.Provenance == nil {
		dct[f.Path] = value
	} else {
		dct[f.Path] = map[string]any{valueKey: value, provKey: f.Provenance}
	}
	return s.writeFields(f.Node, dct)
}

// PutFileGroup copies a file-group into the store wholesale: a regular
// file primary plus its declared side-cars, or an entire directory tree.
// A source that is neither is an internal-invariant violation.
func (s *FileSystem) PutFileGroup(_ context.Context, fg *tree.FileGroup, source string, sideCars map[string]string) error {
	target := s.fileGroupPath(fg)
	if source == target {
		log.Printf("fsstore: file-group %q source %s is already its store path", fg.Path, source)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	info, err := os.Stat(source)
	switch {
	case err != nil || (!info.Mode().IsRegular() && !info.IsDir()):
		return fmt.Errorf("%w: file-group source %s is neither a file nor a directory", api.ErrInternal, source)
	case info.IsDir():
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("%w: %v", api.ErrStore, err)
		}
		if err := copyTree(source, target); err != nil {
			return err
		}
	default:
		if err := copyFile(source, target); err != nil {
			return err
		}
		for name, scTarget := range fg.Format.DefaultSideCars(target) {
			scSource, ok := sideCars[name]
			if !ok {
				return fmt.Errorf("%w: format %s requires a %q side-car but none was supplied",
					api.ErrUsage, fg.Format, name)
			}
			if err := copyFile(scSource, scTarget); err != nil {
				return err
			}
		}
	}
	if fg.Provenance != nil {
		if err := fg.Provenance.Save(s.provPath(fg)); err != nil {
			return err
		}
	}
	return nil
}

// Provenance fetches the stored provenance of an item: a side-file for
// file-groups, the wrapper object in the fields JSON for fields.
func (s *FileSystem) Provenance(_ context.Context, item tree.Item) (*api.Provenance, error) {
	switch it := item.(type) {
	case *tree.FileGroup:
		return api.LoadProvenance(s.provPath(it), false)
	case *tree.Field:
		dct, release, err := s.lockedFields(it.Node, false)
		if err != nil {
			return nil, err
		}
		defer release()
		raw, ok := dct[it.Path]
		if !ok {
			return nil, fmt.Errorf("%w: field %q does not exist at %s", api.ErrMissingData, it.Path, s.nodePath(it.Node))
		}
		if wrapper, isWrapped := raw.(map[string]any); isWrapped {
			if prov, has := wrapper[provKey]; has {
				return provenanceFromRaw(prov)
			}
		}
		return nil, fmt.Errorf("%w: field %q has no provenance record", api.ErrMissingData, it.Path)
	default:
		return nil, fmt.Errorf("%w: unknown item type %T", api.ErrUsage, item)
	}
}

// PutProvenance stores a provenance record against an existing item.
func (s *FileSystem) PutProvenance(_ context.Context, item tree.Item, prov *api.Provenance) error {
	switch it := item.(type) {
	case *tree.FileGroup:
		return prov.Save(s.provPath(it))
	case *tree.Field:
		dct, release, err := s.lockedFields(it.Node, true)
		if err != nil {
			return err
		}
		defer release()
		raw, ok := dct[it.Path]
		if !ok {
			return fmt.Errorf("%w: field %q does not exist at %s", api.ErrMissingData, it.Path, s.nodePath(it.Node))
		}
		if wrapper, isWrapped := raw.(map[string]any); isWrapped {
			if value, has := wrapper[valueKey]; has {
				raw = value
			}
		}
		dct[it.Path] = map[string]any{valueKey: raw, provKey: prov}
		return s.writeFields(it.Node, dct)
	default:
		return fmt.Errorf("%w: unknown item type %T", api.ErrUsage, item)
	}
}

// lockedFields takes the node's field lock and loads the fields JSON. The
// returned release must be called on every exit path; it holds the lock
// until then so read-modify-write sequences are serialized across
// processes. With tolerateMissing, an absent file yields an empty map.
func (s *FileSystem) lockedFields(node *tree.Node, tolerateMissing bool) (map[string]any, func(), error) {
	fpath := filepath.Join(s.nodePath(node), fieldsFile)
	lock := fslock.New(fpath + lockSuffix)
	if err := lock.Lock(); err != nil {
		return nil, nil, fmt.Errorf("%w: locking %s: %v", api.ErrStore, fpath, err)
	}
	release := func() {
		if err := lock.Unlock(); err != nil {
			log.Printf("fsstore: releasing %s%s: %v", fpath, lockSuffix, err)
		}
	}
	data, err := os.ReadFile(fpath)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			if tolerateMissing {
				return map[string]any{}, release, nil
			}
			release()
			return nil, nil, fmt.Errorf("%w: no fields stored at %s", api.ErrMissingData, filepath.Dir(fpath))
		}
		release()
		return nil, nil, fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	var dct map[string]any
	if err := json.Unmarshal(data, &dct); err != nil {
		release()
		return nil, nil, fmt.Errorf("%w: malformed %s: %v", api.ErrStore, fpath, err)
	}
	return dct, release, nil
}

func (s *FileSystem) writeFields(node *tree.Node, dct map[string]any) error {
	fpath := filepath.Join(s.nodePath(node), fieldsFile)
	data, err := json.MarshalIndent(dct, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	if err := os.WriteFile(fpath, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	return nil
}

// Path layout helpers.

func (s *FileSystem) datasetRoot(ds *tree.Dataset) string {
	return filepath.Join(s.baseDir, ds.Name)
}

func (s *FileSystem) setRel(node *tree.Node, rel string) {
	s.mu.Lock()
	s.rels[node] = rel
	s.mu.Unlock()
}

func (s *FileSystem) forgetDataset(ds *tree.Dataset) {
	s.mu.Lock()
	for node := range s.rels {
		if node.Dataset() == ds {
			delete(s.rels, node)
		}
	}
	s.mu.Unlock()
}

// nodePath returns the directory a node's items live in: the path recorded
// during the populate walk, or one synthesized from the node's IDs when
// the node was never seen on disk (e.g. a fresh sink target).
func (s *FileSystem) nodePath(node *tree.Node) string {
	s.mu.Lock()
	rel, ok := s.rels[node]
	s.mu.Unlock()
	if !ok {
		rel = s.syntheticRel(node)
		s.setRel(node, rel)
	}
	return filepath.Join(s.datasetRoot(node.Dataset()), rel)
}

// syntheticRel rebuilds a node's relative directory from its IDs: one
// hierarchy-layer label per level the node spans, multi-layer labels
// joined with '_', plus a reserved "__<frequency>[_<id>]__" directory when
// the node sits above the leaf layer.
func (s *FileSystem) syntheticRel(node *tree.Node) string {
	ds := node.Dataset()
	var parts []string
	accounted := uint8(0)
	for _, layer := range ds.Hierarchy() {
		if layer.IsRoot() {
			continue
		}
		if !(layer.ParentOf(node.Frequency) || layer == node.Frequency) {
			break
		}
		ids := make([]string, 0, 3)
		for _, b := range unaccountedBasis(layer, accounted) {
			if id := node.ID(b); id != "" {
				ids = append(ids, id)
			}
		}
		parts = append(parts, strings.Join(ids, "_"))
		accounted |= layer.Bits()
	}
	if node.Frequency != s.space.Default() {
		parts = append(parts, s.metaDir(node, accounted))
	}
	return filepath.Join(parts...)
}

// metaDir names the reserved directory holding a non-leaf node's items,
// derived from the layers of its frequency not spanned by the directory
// path so far. The root node's items live under the space's zero-member
// name (e.g. "__dataset__").
func (s *FileSystem) metaDir(node *tree.Node, accounted uint8) string {
	unaccounted := s.space.Root()
	var ids []string
	for _, b := range unaccountedBasis(node.Frequency, accounted) {
		unaccounted = unaccounted.Union(b)
		if id := node.ID(b); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "__" + unaccounted.String() + "__"
	}
	return "__" + unaccounted.String() + "_" + strings.Join(ids, "_") + "__"
}

func (s *FileSystem) fileGroupPath(fg *tree.FileGroup) string {
	stem := filepath.Join(s.nodePath(fg.Node), filepath.FromSlash(fg.Path))
	return fg.Format.Primary(stem)
}

func (s *FileSystem) provPath(fg *tree.FileGroup) string {
	return filepath.Join(s.nodePath(fg.Node), filepath.FromSlash(fg.Path)) + provSuffix
}

// unaccountedBasis lists the basis layers of freq not yet covered by the
// accounted mask, bit order ascending.
func unaccountedBasis(freq api.Frequency, accounted uint8) []api.Frequency {
	var out []api.Frequency
	for _, b := range freq.Basis() {
		if b.Bits()&accounted == 0 {
			out = append(out, b)
		}
	}
	return out
}

func allowed(filter map[api.Frequency][]string, freq api.Frequency, id string) bool {
	list, ok := filter[freq]
	if !ok || list == nil {
		return true
	}
	for _, want := range list {
		if id == want {
			return true
		}
	}
	return false
}

func cloneIDs(ids map[api.Frequency]string) map[api.Frequency]string {
	out := make(map[api.Frequency]string, len(ids)+1)
	for f, id := range ids {
		out[f] = id
	}
	return out
}

func provenanceFromRaw(raw any) (*api.Provenance, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	var prov api.Provenance
	if err := json.Unmarshal(data, &prov); err != nil {
		return nil, fmt.Errorf("%w: malformed provenance record: %v", api.ErrStore, err)
	}
	return &prov, nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: copying %s: %v", api.ErrStore, source, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	return nil
}

func copyTree(source, target string) error {
	err := filepath.WalkDir(source, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(p, dest)
	})
	if err != nil {
		return fmt.Errorf("%w: copying tree %s: %v", api.ErrStore, source, err)
	}
	return nil
}
