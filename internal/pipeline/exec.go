package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/arcana-framework/arcana-go/api"
)

// ExecCommand runs an external command once per node, substituting bound
// input paths/values and scratch output paths into its arguments:
//
//	{in:NAME}  -> the input's primary path (file-group) or value (field)
//	{out:NAME} -> a scratch path the command must write the output to
//
// Field outputs are read back from their scratch file as JSON.
type ExecCommand struct {
	Argv []string
	// Dir is the scratch base; one sub-directory is created per
	// invocation. Defaults to the system temp directory.
	Dir string
}

func (e *ExecCommand) Execute(ctx context.Context, b Binding, outputs []Output) (Result, error) {
	if len(e.Argv) == 0 {
		return Result{}, fmt.Errorf("%w: empty command", api.ErrUsage)
	}
	base := e.Dir
	if base == "" {
		base = os.TempDir()
	}
	scratch, err := os.MkdirTemp(base, "task-*")
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", api.ErrInternal, err)
	}
	res, err := e.run(ctx, scratch, b, outputs)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return Result{}, err
	}
	res.Scratch = scratch
	return res, nil
}

func (e *ExecCommand) run(ctx context.Context, scratch string, b Binding, outputs []Output) (Result, error) {
	outPaths := make(map[string]string, len(outputs))
	for _, out := range outputs {
		stem := filepath.Join(scratch, strings.ReplaceAll(out.Path, "/", "_"))
		if out.Field {
			outPaths[out.Name] = stem + ".json"
		} else {
			outPaths[out.Name] = out.Format.Primary(stem)
		}
	}
	argv, err := expandArgs(e.Argv, b, outPaths)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	if output, err := cmd.CombinedOutput(); err != nil {
		return Result{}, fmt.Errorf("command %q: %w\n%s", strings.Join(argv, " "), err, output)
	}

	res := Result{Files: map[string]string{}, SideCars: map[string]map[string]string{}, Values: map[string]any{}}
	for _, out := range outputs {
		produced := outPaths[out.Name]
		if out.Field {
			data, err := os.ReadFile(produced)
			if err != nil {
				return Result{}, fmt.Errorf("%w: command wrote no value for output %q at %s",
					api.ErrMissingData, out.Name, produced)
			}
			var value any
			if err := json.Unmarshal(data, &value); err != nil {
				return Result{}, fmt.Errorf("%w: output %q is not valid JSON: %v", api.ErrUsage, out.Name, err)
			}
			res.Values[out.Name] = value
			continue
		}
		if _, err := os.Stat(produced); err != nil {
			return Result{}, fmt.Errorf("%w: command wrote no file for output %q at %s",
				api.ErrMissingData, out.Name, produced)
		}
		res.Files[out.Name] = produced
		sideCars := map[string]string{}
		for name, scPath := range out.Format.DefaultSideCars(produced) {
			if _, err := os.Stat(scPath); err == nil {
				sideCars[name] = scPath
			}
		}
		res.SideCars[out.Name] = sideCars
	}
	return res, nil
}

// expandArgs substitutes {in:NAME} and {out:NAME} placeholders. Unknown
// names are a usage error rather than passing through to the command.
func expandArgs(argv []string, b Binding, outPaths map[string]string) ([]string, error) {
	expanded := make([]string, len(argv))
	for i, arg := range argv {
		out, err := expandArg(arg, b, outPaths)
		if err != nil {
			return nil, err
		}
		expanded[i] = out
	}
	return expanded, nil
}

func expandArg(arg string, b Binding, outPaths map[string]string) (string, error) {
	var sb strings.Builder
	for {
		start := strings.Index(arg, "{")
		if start < 0 {
			sb.WriteString(arg)
			return sb.String(), nil
		}
		end := strings.Index(arg[start:], "}")
		if end < 0 {
			sb.WriteString(arg)
			return sb.String(), nil
		}
		end += start
		sb.WriteString(arg[:start])
		token := arg[start+1 : end]
		switch {
		case strings.HasPrefix(token, "in:"):
			name := token[len("in:"):]
			if p, ok := b.Paths[name]; ok {
				sb.WriteString(p)
			} else if v, ok := b.Values[name]; ok {
				sb.WriteString(fmt.Sprint(v))
			} else {
				return "", fmt.Errorf("%w: command references unknown input %q", api.ErrUsage, name)
			}
		case strings.HasPrefix(token, "out:"):
			name := token[len("out:"):]
			p, ok := outPaths[name]
			if !ok {
				return "", fmt.Errorf("%w: command references unknown output %q", api.ErrUsage, name)
			}
			sb.WriteString(p)
		default:
			sb.WriteString(arg[start : end+1])
		}
		arg = arg[end+1:]
	}
}
