package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/arcana-framework/arcana-go/api"
)

// Store is the contract a storage backend must satisfy: populate a
// dataset's tree, move file-groups and fields in and out, and manage its
// connection lifecycle. The file-system backend is the reference
// implementation; remote backends plug in behind the same interface.
type Store interface {
	// Space returns the frequency space this store's datasets live in.
	Space() *api.Space

	// DefaultHierarchy returns the hierarchy assumed for datasets that do
	// not declare one, or nil when the store has no sensible default.
	DefaultHierarchy() []api.Frequency

	// Connect and Disconnect are idempotent lifecycle hooks. Callers should
	// not invoke them directly; Acquire scopes them behind a reentrancy
	// counter so nested batch operations share one connection.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Connection exposes the store's reentrancy state to Acquire.
	Connection() *Connection

	// PopulateTree walks the backing storage and inserts a node into the
	// dataset for every addressable point discovered, restricted to the
	// given allow-lists when non-nil.
	PopulateTree(ctx context.Context, ds *Dataset, ids map[api.Frequency][]string) error

	// PopulateItems discovers the file-groups and fields of a single node
	// and attaches them as unresolved items.
	PopulateItems(ctx context.Context, node *Node) error

	// FileGroupPaths returns the local primary path and side-car paths of a
	// file-group, fetching into a cache first if the backend is remote.
	// Absent primary or declared side-car files are ErrMissingData.
	FileGroupPaths(fg *FileGroup) (string, map[string]string, error)

	// FieldValue returns the raw stored value of a field.
	FieldValue(f *Field) (any, error)

	// Checksums returns stored per-file checksums keyed by path relative to
	// the primary file ("." for the primary itself). A nil map with nil
	// error signals the caller must compute checksums from file content.
	Checksums(fg *FileGroup) (map[string]string, error)

	// PutFileGroup inserts or updates a file-group from a local source,
	// copying the primary and side-car files wholesale.
	PutFileGroup(ctx context.Context, fg *FileGroup, source string, sideCars map[string]string) error

	// PutField inserts or updates a field value.
	PutField(ctx context.Context, f *Field, value any) error

	// Provenance fetches the stored provenance record of an item. An item
	// with no record is ErrMissingData.
	Provenance(ctx context.Context, item Item) (*api.Provenance, error)

	// PutProvenance stores a provenance record against an existing item.
	PutProvenance(ctx context.Context, item Item, prov *api.Provenance) error
}

// Connection tracks reentrant acquisition depth for a store. Entering
// connects only on the 0 -> 1 transition and exiting disconnects only on
// 1 -> 0, so nested scopes share the underlying connection without leaking
// it on error paths.
type Connection struct {
	mu    sync.Mutex
	depth int
}

// Enter increments the depth, connecting first when currently unconnected.
// The depth is left untouched if connect fails.
func (c *Connection) Enter(ctx context.Context, connect func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depth == 0 {
		if err := connect(ctx); err != nil {
			return err
		}
	}
	c.depth++
	return nil
}

// Exit decrements the depth, disconnecting on the transition back to zero.
func (c *Connection) Exit(ctx context.Context, disconnect func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depth == 0 {
		return fmt.Errorf("%w: store connection released more times than acquired", api.ErrInternal)
	}
	c.depth--
	if c.depth == 0 {
		return disconnect(ctx)
	}
	return nil
}

// Depth returns the current acquisition depth.
func (c *Connection) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

// Acquire opens a connection scope on the store and returns the matching
// release. Callers must invoke release on every exit path:
//
//	release, err := tree.Acquire(ctx, store)
//	if err != nil { ... }
//	defer release()
func Acquire(ctx context.Context, s Store) (release func() error, err error) {
	if err := s.Connection().Enter(ctx, s.Connect); err != nil {
		return nil, err
	}
	return func() error {
		return s.Connection().Exit(ctx, s.Disconnect)
	}, nil
}
