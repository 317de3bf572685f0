package cmd

import (
	"fmt"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/fsstore"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config declares the known stores, decoded from an HCL file:
//
//	store "mystudies" {
//	  type      = "file-system"
//	  root      = "/data/studies"
//	  space     = "clinical"
//	  hierarchy = ["group", "subject", "session"]
//	}
type Config struct {
	Stores []StoreBlock `hcl:"store,block"`
}

// StoreBlock is one named store connection description.
type StoreBlock struct {
	Name      string   `hcl:"name,label"`
	Type      string   `hcl:"type,optional"`
	Root      string   `hcl:"root"`
	Space     string   `hcl:"space"`
	Hierarchy []string `hcl:"hierarchy"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

// store constructs the named store, resolving its space and hierarchy
// through the static space registry.
func (c *Config) store(name string) (*fsstore.FileSystem, error) {
	available := make([]string, len(c.Stores))
	for i, blk := range c.Stores {
		if blk.Name != name {
			available[i] = blk.Name
			continue
		}
		switch blk.Type {
		case "", "file-system":
			return fsstore.NewNamed(blk.Root, blk.Space, blk.Hierarchy)
		default:
			return nil, fmt.Errorf("%w: unknown store type %q for store %q",
				api.ErrUsage, blk.Type, name)
		}
	}
	return nil, &api.NameError{Kind: "store", Name: name, Available: available}
}
