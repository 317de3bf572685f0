package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/spf13/cobra"
)

var (
	setFreq  string
	setIDs   []string
	setKind  string
	setArray bool
)

var setCmd = &cobra.Command{
	Use:   "set [dataset] [field-path] [value]",
	Short: "Write a field value to one node",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ds, err := openDataset(args[0])
		if err != nil {
			return err
		}
		space := ds.Space()
		freq, err := parseFrequency(space, setFreq)
		if err != nil {
			return err
		}
		ids, err := parseIDs(space, setIDs)
		if err != nil {
			return err
		}
		node, err := ds.Node(cmd.Context(), freq, ids)
		if err != nil {
			return err
		}
		kind, err := api.KindByName(setKind)
		if err != nil {
			return err
		}
		value, err := api.ConvertValue(parseValueArg(args[2]), kind, setArray)
		if err != nil {
			return err
		}
		field := node.NewFieldSink(args[1], kind, setArray)
		if err := node.PutField(cmd.Context(), field, value); err != nil {
			return err
		}
		fmt.Printf("set %s = %v at %s\n", args[1], value, nodeDescription(node.Label()))
		return nil
	},
}

// parseValueArg decodes the value argument as JSON so arrays and numbers
// come through typed; anything that is not valid JSON is a bare string.
func parseValueArg(arg string) any {
	var raw any
	if err := json.Unmarshal([]byte(arg), &raw); err != nil {
		return arg
	}
	return raw
}

func nodeDescription(label string) string {
	if label == "" {
		return "the dataset root"
	}
	return label
}

func init() {
	f := setCmd.Flags()
	f.StringVar(&setFreq, "freq", "", "Node frequency (defaults to the leaf granularity)")
	f.StringSliceVar(&setIDs, "id", nil, "Node coordinate as name=value (repeatable)")
	f.StringVar(&setKind, "kind", "string", "Value kind: string, int, float or bool")
	f.BoolVar(&setArray, "array", false, "Treat the value as an array")
	rootCmd.AddCommand(setCmd)
}
