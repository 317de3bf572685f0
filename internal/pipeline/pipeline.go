// Package pipeline binds dataset columns to task inputs and outputs: a
// source resolves per-node items for an executor to consume, and a sink
// writes produced items back through the store with a provenance record
// linking input checksums to outputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/tree"
)

// Input names one logical task input and where it comes from within each
// node. Exactly one of Format (file-group) or Field must be set.
type Input struct {
	Name     string
	Path     string
	Format   api.Format
	Field    bool
	Kind     api.ValueKind
	Array    bool
	Optional bool
}

// Output names one logical task output and where it lands within each
// node.
type Output struct {
	Name     string
	Path     string
	Format   api.Format
	Field    bool
	Kind     api.ValueKind
	Array    bool
	Salience api.Salience
}

// Binding is one node's resolved inputs, ready for an executor: local
// paths for file-groups, typed values for fields, and the checksums or
// values recorded into provenance when outputs are sunk.
type Binding struct {
	Node     *tree.Node
	Paths    map[string]string            // input name -> primary path
	SideCars map[string]map[string]string // input name -> side-car paths
	Values   map[string]any               // input name -> field value
	Consumed map[string]any               // input name -> checksums or value
}

// Result is what an executor produced for one node.
type Result struct {
	Files    map[string]string            // output name -> produced primary path
	SideCars map[string]map[string]string // output name -> produced side-cars
	Values   map[string]any               // output name -> field value
	// Scratch is an executor-owned temporary directory holding the
	// produced files. Run removes it once the results are sunk.
	Scratch string
}

// Executor runs a task against one node's bound inputs. The core treats
// it as an opaque collaborator.
type Executor interface {
	Execute(ctx context.Context, b Binding, outputs []Output) (Result, error)
}

// Source resolves the named inputs on every node at a frequency. Nodes
// missing a non-optional input fail the whole source; optional inputs
// are simply absent from that node's binding.
func Source(ctx context.Context, ds *tree.Dataset, freq api.Frequency, inputs []Input) ([]Binding, error) {
	nodes, err := ds.Nodes(ctx, freq)
	if err != nil {
		return nil, err
	}
	release, err := ds.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	bindings := make([]Binding, 0, len(nodes))
	for _, node := range nodes {
		b := Binding{
			Node:     node,
			Paths:    map[string]string{},
			SideCars: map[string]map[string]string{},
			Values:   map[string]any{},
			Consumed: map[string]any{},
		}
		for _, in := range inputs {
			if err := bindInput(&b, node, in); err != nil {
				if in.Optional && errors.Is(err, api.ErrMissingData) {
					continue
				}
				if in.Optional && errors.Is(err, api.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("source %q on %s: %w", in.Name, node.Label(), err)
			}
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func bindInput(b *Binding, node *tree.Node, in Input) error {
	if in.Field {
		field, err := node.ResolveField(in.Path, in.Kind, in.Array)
		if err != nil {
			return err
		}
		b.Values[in.Name] = field.Value
		b.Consumed[in.Name] = field.Value
		return nil
	}
	fg, err := node.ResolveFileGroup(in.Path, in.Format)
	if err != nil {
		return err
	}
	primary, sideCars, err := fg.Paths()
	if err != nil {
		return err
	}
	sums, err := fg.Checksums()
	if err != nil {
		return err
	}
	b.Paths[in.Name] = primary
	b.SideCars[in.Name] = sideCars
	b.Consumed[in.Name] = sums
	return nil
}

// Sink writes one node's produced outputs back through the store and
// stamps each with a provenance record linking what was consumed to what
// was produced.
func Sink(ctx context.Context, pipeline string, b Binding, outputs []Output, res Result) error {
	node := b.Node
	release, err := node.Dataset().Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	prov := &api.Provenance{
		Pipeline:  pipeline,
		Frequency: node.Frequency.String(),
		IDs:       idStrings(node),
		Inputs:    b.Consumed,
		Outputs:   map[string]any{},
	}
	var sinks []func() error
	for _, out := range outputs {
		out := out
		if out.Field {
			value, ok := res.Values[out.Name]
			if !ok {
				return fmt.Errorf("%w: executor produced no value for output %q", api.ErrMissingData, out.Name)
			}
			prov.Outputs[out.Name] = value
			field := node.NewFieldSink(out.Path, out.Kind, out.Array)
			field.Provenance = prov
			sinks = append(sinks, func() error {
				return node.PutField(ctx, field, value)
			})
			continue
		}
		produced, ok := res.Files[out.Name]
		if !ok {
			return fmt.Errorf("%w: executor produced no file for output %q", api.ErrMissingData, out.Name)
		}
		sums, err := tree.LocalChecksums(produced, res.SideCars[out.Name])
		if err != nil {
			return err
		}
		prov.Outputs[out.Name] = sums
		fg := node.NewSink(out.Path, out.Format)
		fg.Quality = api.Usable
		fg.Provenance = prov
		sinks = append(sinks, func() error {
			return node.PutFileGroup(ctx, fg, produced, res.SideCars[out.Name])
		})
	}
	prov.Stamp()
	for _, sink := range sinks {
		if err := sink(); err != nil {
			return err
		}
	}
	return nil
}

// Run sources inputs at a frequency, executes the task per node, and
// sinks the results. Nodes are processed in tree insertion order within
// one connection scope.
func Run(ctx context.Context, ds *tree.Dataset, freq api.Frequency, pipeline string,
	inputs []Input, outputs []Output, exec Executor) error {
	bindings, err := Source(ctx, ds, freq, inputs)
	if err != nil {
		return err
	}
	release, err := ds.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()
	for _, b := range bindings {
		res, err := exec.Execute(ctx, b, outputs)
		if err != nil {
			return fmt.Errorf("pipeline %q on %s: %w", pipeline, b.Node.Label(), err)
		}
		if err := Sink(ctx, pipeline, b, outputs, res); err != nil {
			return err
		}
		if res.Scratch != "" {
			if err := os.RemoveAll(res.Scratch); err != nil {
				log.Printf("pipeline %q: removing scratch %s: %v", pipeline, res.Scratch, err)
			}
		}
	}
	return nil
}

func idStrings(node *tree.Node) map[string]string {
	out := map[string]string{}
	for f, id := range node.IDs() {
		out[f.String()] = id
	}
	return out
}
