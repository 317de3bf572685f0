// Package cmd wires the dataset toolkit into a CLI: store resolution
// from an HCL config or ad-hoc flags, then per-command glue over the
// tree, store, projection, and pipeline packages.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/fsstore"
	"github.com/arcana-framework/arcana-go/internal/tree"
	"github.com/spf13/cobra"
)

var (
	configPath string
	storeName  string
	rootDir    string
	spaceName  string
	layerFlags []string
)

var rootCmd = &cobra.Command{
	Use:           "arcana",
	Short:         "Address hierarchical scientific datasets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to the stores.hcl config")
	pf.StringVar(&storeName, "store", "", "Named store from the config")
	pf.StringVar(&rootDir, "root", "", "Store root directory (bypasses the config)")
	pf.StringVar(&spaceName, "space", "clinical", "Data space for --root stores")
	pf.StringSliceVar(&layerFlags, "hierarchy", []string{"group", "subject", "session"},
		"Hierarchy layers for --root stores")
}

// openStore resolves the store the command operates on: a named entry
// from the config when --store is given, otherwise an ad-hoc file-system
// store at --root.
func openStore() (*fsstore.FileSystem, error) {
	if storeName != "" {
		path := configPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve home dir: %w", err)
			}
			path = filepath.Join(home, ".arcana", "stores.hcl")
		}
		cfg, err := loadConfig(path)
		if err != nil {
			return nil, err
		}
		return cfg.store(storeName)
	}
	if rootDir == "" {
		return nil, fmt.Errorf("%w: either --store or --root is required", api.ErrUsage)
	}
	return fsstore.NewNamed(rootDir, spaceName, layerFlags)
}

func openDataset(name string) (*fsstore.FileSystem, *tree.Dataset, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	ds, err := store.Dataset(name, tree.Options{})
	if err != nil {
		return nil, nil, err
	}
	return store, ds, nil
}

// parseFrequency resolves a --freq flag, defaulting to the space's
// maximal member (the leaf granularity).
func parseFrequency(space *api.Space, name string) (api.Frequency, error) {
	if name == "" {
		return space.Default(), nil
	}
	return space.Member(name)
}

// parseIDs turns repeated name=value flags into a node coordinate.
func parseIDs(space *api.Space, pairs []string) (map[api.Frequency]string, error) {
	ids := make(map[api.Frequency]string, len(pairs))
	for _, pair := range pairs {
		name, id, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: --id expects name=value, got %q", api.ErrUsage, pair)
		}
		freq, err := space.Member(name)
		if err != nil {
			return nil, err
		}
		ids[freq] = id
	}
	return ids, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
