package cmd

import (
	"context"
	"fmt"

	"github.com/arcana-framework/arcana-go/internal/tree"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [dataset]",
	Short: "Populate a dataset and print its tree as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ds, err := openDataset(args[0])
		if err != nil {
			return err
		}
		summary, err := summarize(cmd.Context(), ds)
		if err != nil {
			return err
		}
		fmt.Println(oj.JSON(summary, &oj.Options{Indent: 2, Sort: true}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

// summarize flattens a populated dataset into a JSON-friendly shape:
// node keys per frequency and the item columns found on leaf nodes.
func summarize(ctx context.Context, ds *tree.Dataset) (map[string]any, error) {
	space := ds.Space()
	layers := make([]string, len(ds.Hierarchy()))
	for i, f := range ds.Hierarchy() {
		layers[i] = f.String()
	}

	nodes := map[string]any{}
	for _, freq := range space.Members() {
		keys, err := ds.NodeIDs(ctx, freq)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			continue
		}
		strs := make([]string, len(keys))
		for i, k := range keys {
			strs[i] = string(k)
		}
		nodes[freq.String()] = strs
	}

	columns := map[string]string{}
	leaves, err := ds.Nodes(ctx, space.Default())
	if err != nil {
		return nil, err
	}
	for _, node := range leaves {
		for _, name := range node.FileGroupNames() {
			columns[name] = "file-group"
		}
		for _, name := range node.FieldNames() {
			columns[name] = "field"
		}
	}

	return map[string]any{
		"name":      ds.Name,
		"space":     space.Name(),
		"hierarchy": layers,
		"nodes":     nodes,
		"columns":   columns,
	}, nil
}
