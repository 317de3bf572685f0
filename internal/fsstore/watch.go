package fsstore

import (
	"context"
	"fmt"
	iofs "io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/tree"
	"github.com/fsnotify/fsnotify"
)

// Watch flags the dataset stale whenever its backing directory changes, so
// long-running processes (e.g. a mount server) re-walk the store on the
// next tree access instead of serving outdated structure. onChange runs on
// the watcher goroutine after the dataset is invalidated; callers that
// read the tree concurrently must serialize access around it. Blocks until
// ctx is done.
func (s *FileSystem) Watch(ctx context.Context, ds *tree.Dataset, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrStore, err)
	}
	defer func() { _ = watcher.Close() }()

	root := s.datasetRoot(ds)
	err = filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
	if err != nil {
		return fmt.Errorf("%w: watching %s: %v", api.ErrStore, root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasSuffix(event.Name, lockSuffix) || strings.HasSuffix(event.Name, checksumDBFile) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			ds.Invalidate()
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("fsstore: watch %s: %v", root, err)
		}
	}
}
