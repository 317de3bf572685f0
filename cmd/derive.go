package cmd

import (
	"fmt"
	"os"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/pipeline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// pipelineDef is the YAML shape of a derive definition:
//
//	name: segmentation
//	frequency: session
//	inputs:
//	  - {name: t1w, path: anat/T1w, format: nifti-gz}
//	  - {name: age, path: age, field: true, kind: int}
//	outputs:
//	  - {name: mask, path: derived/mask, format: nifti-gz, salience: publication}
//	command: ["seg", "--in={in:t1w}", "--age={in:age}", "{out:mask}"]
type pipelineDef struct {
	Name      string      `yaml:"name"`
	Frequency string      `yaml:"frequency"`
	Inputs    []columnDef `yaml:"inputs"`
	Outputs   []columnDef `yaml:"outputs"`
	Command   []string    `yaml:"command"`
	Scratch   string      `yaml:"scratch"`
}

// columnDef describes one input or output column. Format applies to
// file-groups, kind/array to fields, optional to inputs and salience to
// outputs.
type columnDef struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Format   string `yaml:"format"`
	Field    bool   `yaml:"field"`
	Kind     string `yaml:"kind"`
	Array    bool   `yaml:"array"`
	Optional bool   `yaml:"optional"`
	Salience string `yaml:"salience"`
}

func loadPipeline(path string) (*pipelineDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	var def pipelineDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline definition %s: %w", path, err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("%w: pipeline definition needs a name", api.ErrUsage)
	}
	if len(def.Command) == 0 {
		return nil, fmt.Errorf("%w: pipeline %q has no command", api.ErrUsage, def.Name)
	}
	return &def, nil
}

func (d columnDef) input() (pipeline.Input, error) {
	in := pipeline.Input{Name: d.Name, Path: d.Path, Field: d.Field, Array: d.Array, Optional: d.Optional}
	if d.Field {
		kind, err := api.KindByName(kindOrDefault(d.Kind))
		if err != nil {
			return pipeline.Input{}, err
		}
		in.Kind = kind
		return in, nil
	}
	format, err := api.FormatByName(d.Format)
	if err != nil {
		return pipeline.Input{}, err
	}
	in.Format = format
	return in, nil
}

func (d columnDef) output() (pipeline.Output, error) {
	out := pipeline.Output{Name: d.Name, Path: d.Path, Field: d.Field, Array: d.Array}
	salience, err := parseSalience(d.Salience)
	if err != nil {
		return pipeline.Output{}, err
	}
	out.Salience = salience
	if d.Field {
		kind, err := api.KindByName(kindOrDefault(d.Kind))
		if err != nil {
			return pipeline.Output{}, err
		}
		out.Kind = kind
		return out, nil
	}
	format, err := api.FormatByName(d.Format)
	if err != nil {
		return pipeline.Output{}, err
	}
	out.Format = format
	return out, nil
}

func kindOrDefault(name string) string {
	if name == "" {
		return "string"
	}
	return name
}

func parseSalience(name string) (api.Salience, error) {
	if name == "" {
		return api.Supplementary, nil
	}
	for _, s := range []api.Salience{api.Temp, api.Debug, api.QA,
		api.Supplementary, api.Publication, api.Primary} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, &api.NameError{
		Kind:      "salience",
		Name:      name,
		Available: []string{"temp", "debug", "qa", "supplementary", "publication", "primary"},
	}
}

var deriveCmd = &cobra.Command{
	Use:   "derive [dataset] [pipeline.yaml]",
	Short: "Run a pipeline definition over every node at its frequency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ds, err := openDataset(args[0])
		if err != nil {
			return err
		}
		def, err := loadPipeline(args[1])
		if err != nil {
			return err
		}
		freq, err := parseFrequency(ds.Space(), def.Frequency)
		if err != nil {
			return err
		}
		inputs := make([]pipeline.Input, len(def.Inputs))
		for i, col := range def.Inputs {
			if inputs[i], err = col.input(); err != nil {
				return err
			}
		}
		outputs := make([]pipeline.Output, len(def.Outputs))
		for i, col := range def.Outputs {
			if outputs[i], err = col.output(); err != nil {
				return err
			}
		}
		exec := &pipeline.ExecCommand{Argv: def.Command, Dir: def.Scratch}
		if err := pipeline.Run(cmd.Context(), ds, freq, def.Name, inputs, outputs, exec); err != nil {
			return err
		}
		fmt.Printf("pipeline %q completed at %s granularity\n", def.Name, freq)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deriveCmd)
}
