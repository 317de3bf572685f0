package tree

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arcana-framework/arcana-go/api"
)

// Item is a resolved dataset item that provenance can attach to: either a
// *FileGroup or a *Field. Stores distinguish the two by type.
type Item interface {
	// Owner returns the node the item belongs to.
	Owner() *Node
	// NamePath returns the item's name-path within its node.
	NamePath() string
}

// UnresolvedFileGroup is a file-group discovered in the store whose format
// is not yet known: a set of sibling file paths sharing a basename. It
// becomes a typed FileGroup when resolved against candidate formats.
type UnresolvedFileGroup struct {
	// Path is the name-path within the node, e.g. "anat/T1w".
	Path string
	// FilePaths are the local paths of every file in the group.
	FilePaths []string
	// Order distinguishes repeated acquisitions of the same type within
	// one node, for stores that record it.
	Order      int
	Quality    api.Quality
	Provenance *api.Provenance

	node *Node
}

// Node returns the owning node, nil until attached.
func (u *UnresolvedFileGroup) Node() *Node { return u.node }

// Resolve matches the group's files against candidate formats, first match
// wins. The resolved FileGroup points at the primary file and its declared
// side-cars.
func (u *UnresolvedFileGroup) Resolve(candidates ...api.Format) (*FileGroup, error) {
	if len(u.FilePaths) == 0 {
		return nil, fmt.Errorf("%w: file-group %q has no file paths to resolve against", api.ErrInternal, u.Path)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: at least one candidate format is required to resolve %q", api.ErrUsage, u.Path)
	}
	for _, format := range candidates {
		primary, sideCars, ok := u.match(format)
		if !ok {
			continue
		}
		return &FileGroup{
			Node:       u.node,
			Path:       u.Path,
			Format:     format,
			Quality:    u.Quality,
			Provenance: u.Provenance,
			primary:    primary,
			sideCars:   sideCars,
		}, nil
	}
	names := make([]string, len(candidates))
	for i, f := range candidates {
		names[i] = f.String()
	}
	return nil, fmt.Errorf("%w: files of %q (%s) match none of the candidate formats '%s'",
		api.ErrUsage, u.Path, strings.Join(u.FilePaths, ", "), strings.Join(names, "', '"))
}

func (u *UnresolvedFileGroup) match(format api.Format) (string, map[string]string, bool) {
	if format.Directory {
		if len(u.FilePaths) != 1 {
			return "", nil, false
		}
		info, err := os.Stat(u.FilePaths[0])
		if err != nil || !info.IsDir() {
			return "", nil, false
		}
		return u.FilePaths[0], nil, true
	}
	var primary string
	for _, p := range u.FilePaths {
		if strings.HasSuffix(p, format.Ext) {
			primary = p
			break
		}
	}
	if primary == "" {
		return "", nil, false
	}
	expected := format.DefaultSideCars(primary)
	sideCars := make(map[string]string, len(expected))
	for name, want := range expected {
		found := false
		for _, p := range u.FilePaths {
			if p == want {
				sideCars[name] = p
				found = true
				break
			}
		}
		if !found {
			return "", nil, false
		}
	}
	return primary, sideCars, true
}

// UnresolvedField is a scalar or array value discovered in the store,
// kept raw until a caller requests a concrete type.
type UnresolvedField struct {
	Path       string
	Raw        any
	Provenance *api.Provenance

	node *Node
}

// Node returns the owning node, nil until attached.
func (u *UnresolvedField) Node() *Node { return u.node }

// Resolve converts the raw value to the requested kind.
func (u *UnresolvedField) Resolve(kind api.ValueKind, array bool) (*Field, error) {
	value, err := api.ConvertValue(u.Raw, kind, array)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", u.Path, err)
	}
	return &Field{
		Node:       u.node,
		Path:       u.Path,
		Kind:       kind,
		Array:      array,
		Value:      value,
		Provenance: u.Provenance,
	}, nil
}

// FileGroup is a resolved dataset item: one primary file (or directory)
// plus declared side-car files, treated as a unit.
type FileGroup struct {
	Node       *Node
	Path       string
	Format     api.Format
	Quality    api.Quality
	Provenance *api.Provenance

	primary  string
	sideCars map[string]string
}

// Owner returns the node the file-group belongs to.
func (fg *FileGroup) Owner() *Node { return fg.Node }

// NamePath returns the file-group's name-path within its node.
func (fg *FileGroup) NamePath() string { return fg.Path }

// Paths returns the local primary and side-car paths, fetching through the
// store when not already cached on this handle.
func (fg *FileGroup) Paths() (string, map[string]string, error) {
	if fg.primary != "" {
		return fg.primary, fg.sideCars, nil
	}
	if fg.Node == nil {
		return "", nil, fmt.Errorf("%w: file-group %q is not attached to a node", api.ErrInternal, fg.Path)
	}
	primary, sideCars, err := fg.Node.dataset.store.FileGroupPaths(fg)
	if err != nil {
		return "", nil, err
	}
	fg.primary, fg.sideCars = primary, sideCars
	return primary, sideCars, nil
}

// Checksums returns per-file md5 digests keyed by path relative to the
// primary ("." for the primary itself), preferring store-side checksums
// and falling back to hashing local content.
func (fg *FileGroup) Checksums() (map[string]string, error) {
	if fg.Node != nil {
		sums, err := fg.Node.dataset.store.Checksums(fg)
		if err != nil {
			return nil, err
		}
		if sums != nil {
			return sums, nil
		}
	}
	primary, sideCars, err := fg.Paths()
	if err != nil {
		return nil, err
	}
	return LocalChecksums(primary, sideCars)
}

// LocalChecksums hashes file content with md5. Directory primaries hash
// every contained file, keyed by path relative to the directory.
func LocalChecksums(primary string, sideCars map[string]string) (map[string]string, error) {
	sums := make(map[string]string, 1+len(sideCars))
	info, err := os.Stat(primary)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum target %s: %v", api.ErrMissingData, primary, err)
	}
	if info.IsDir() {
		err := filepath.Walk(primary, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return err
			}
			sum, err := fileMD5(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(primary, path)
			if err != nil {
				return err
			}
			sums[rel] = sum
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: checksum directory %s: %v", api.ErrStore, primary, err)
		}
		return sums, nil
	}
	sum, err := fileMD5(primary)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum %s: %v", api.ErrStore, primary, err)
	}
	sums["."] = sum
	for _, sc := range sortedValues(sideCars) {
		sum, err := fileMD5(sc)
		if err != nil {
			return nil, fmt.Errorf("%w: checksum side-car %s: %v", api.ErrStore, sc, err)
		}
		rel, err := filepath.Rel(filepath.Dir(primary), sc)
		if err != nil {
			rel = filepath.Base(sc)
		}
		sums[rel] = sum
	}
	return sums, nil
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Field is a resolved scalar or array value attached to a node.
type Field struct {
	Node       *Node
	Path       string
	Kind       api.ValueKind
	Array      bool
	Value      any
	Provenance *api.Provenance
}

// Owner returns the node the field belongs to.
func (f *Field) Owner() *Node { return f.Node }

// NamePath returns the field's name-path within its node.
func (f *Field) NamePath() string { return f.Path }

// Fetch reloads the field's value from the store and converts it to the
// field's kind.
func (f *Field) Fetch() (any, error) {
	if f.Node == nil {
		return nil, fmt.Errorf("%w: field %q is not attached to a node", api.ErrInternal, f.Path)
	}
	raw, err := f.Node.dataset.store.FieldValue(f)
	if err != nil {
		return nil, err
	}
	value, err := api.ConvertValue(raw, f.Kind, f.Array)
	if err != nil {
		return nil, err
	}
	f.Value = value
	return value, nil
}
