package cmd

import (
	"fmt"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var (
	getFreq  string
	getIDs   []string
	getKind  string
	getArray bool
	getProv  bool
)

var getCmd = &cobra.Command{
	Use:   "get [dataset] [field-path]",
	Short: "Read a field value from one node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ds, err := openDataset(args[0])
		if err != nil {
			return err
		}
		space := ds.Space()
		freq, err := parseFrequency(space, getFreq)
		if err != nil {
			return err
		}
		ids, err := parseIDs(space, getIDs)
		if err != nil {
			return err
		}
		node, err := ds.Node(cmd.Context(), freq, ids)
		if err != nil {
			return err
		}
		kind, err := api.KindByName(getKind)
		if err != nil {
			return err
		}
		field, err := node.ResolveField(args[1], kind, getArray)
		if err != nil {
			return err
		}
		if getProv {
			if field.Provenance == nil {
				return fmt.Errorf("%w: no provenance recorded for %q", api.ErrMissingData, args[1])
			}
			fmt.Println(oj.JSON(field.Provenance, &oj.Options{Indent: 2}))
			return nil
		}
		fmt.Println(oj.JSON(field.Value))
		return nil
	},
}

func init() {
	f := getCmd.Flags()
	f.StringVar(&getFreq, "freq", "", "Node frequency (defaults to the leaf granularity)")
	f.StringSliceVar(&getIDs, "id", nil, "Node coordinate as name=value (repeatable)")
	f.StringVar(&getKind, "kind", "string", "Value kind: string, int, float or bool")
	f.BoolVar(&getArray, "array", false, "Treat the value as an array")
	f.BoolVar(&getProv, "provenance", false, "Print the field's provenance record instead of its value")
	rootCmd.AddCommand(getCmd)
}
