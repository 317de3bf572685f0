package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stores.hcl")
	content := `
store "mystudies" {
  root      = "` + root + `"
  space     = "clinical"
  hierarchy = ["group", "subject", "session"]
}

store "samples" {
  type      = "file-system"
  root      = "` + root + `"
  space     = "plain"
  hierarchy = ["sample"]
}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigResolvesStores(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Stores, 2)

	store, err := cfg.store("mystudies")
	require.NoError(t, err)
	assert.Equal(t, "clinical", store.Space().Name())
	assert.Len(t, store.DefaultHierarchy(), 3)

	_, err = cfg.store("nope")
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Contains(t, err.Error(), "mystudies")
}

func TestLoadConfigRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.hcl")
	content := `
store "weird" {
  type      = "carrier-pigeon"
  root      = "/tmp"
  space     = "clinical"
  hierarchy = ["group"]
}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	_, err = cfg.store("weird")
	assert.ErrorIs(t, err, api.ErrUsage)
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(api.Clinical, []string{"group=CONTROL", "member=01"})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	group, err := api.Clinical.Member("group")
	require.NoError(t, err)
	assert.Equal(t, "CONTROL", ids[group])

	_, err = parseIDs(api.Clinical, []string{"groupCONTROL"})
	assert.ErrorIs(t, err, api.ErrUsage)

	_, err = parseIDs(api.Clinical, []string{"flavour=vanilla"})
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestParseFrequencyDefaultsToLeaf(t *testing.T) {
	freq, err := parseFrequency(api.Clinical, "")
	require.NoError(t, err)
	assert.Equal(t, api.Clinical.Default(), freq)

	freq, err = parseFrequency(api.Clinical, "subject")
	require.NoError(t, err)
	assert.Equal(t, "subject", freq.String())
}

func TestParseValueArg(t *testing.T) {
	assert.Equal(t, float64(37), parseValueArg("37"))
	assert.Equal(t, []any{1.5, 2.5}, parseValueArg("[1.5, 2.5]"))
	assert.Equal(t, "MRH017", parseValueArg("MRH017"))
	assert.Equal(t, "quoted", parseValueArg(`"quoted"`))
}

func TestLoadPipelineDef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.yaml")
	content := `
name: segmentation
frequency: session
inputs:
  - {name: t1w, path: anat/T1w, format: nifti-gz}
  - {name: age, path: age, field: true, kind: int}
outputs:
  - {name: mask, path: derived/mask, format: nifti-gz, salience: publication}
  - {name: volume, path: brain_volume, field: true, kind: float}
command: ["seg", "--in={in:t1w}", "{out:mask}"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	def, err := loadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, "segmentation", def.Name)

	in, err := def.Inputs[0].input()
	require.NoError(t, err)
	assert.Equal(t, api.NiftiGz, in.Format)

	in, err = def.Inputs[1].input()
	require.NoError(t, err)
	assert.True(t, in.Field)
	assert.Equal(t, api.IntKind, in.Kind)

	out, err := def.Outputs[0].output()
	require.NoError(t, err)
	assert.Equal(t, api.Publication, out.Salience)

	out, err = def.Outputs[1].output()
	require.NoError(t, err)
	assert.Equal(t, api.FloatKind, out.Kind)
}

func TestLoadPipelineDefValidation(t *testing.T) {
	dir := t.TempDir()

	unnamed := filepath.Join(dir, "unnamed.yaml")
	require.NoError(t, os.WriteFile(unnamed, []byte(`command: ["true"]`), 0o644))
	_, err := loadPipeline(unnamed)
	assert.ErrorIs(t, err, api.ErrUsage)

	noCmd := filepath.Join(dir, "nocmd.yaml")
	require.NoError(t, os.WriteFile(noCmd, []byte(`name: idle`), 0o644))
	_, err = loadPipeline(noCmd)
	assert.ErrorIs(t, err, api.ErrUsage)

	col := columnDef{Name: "t1w", Path: "anat/T1w", Format: "holographic"}
	_, err = col.input()
	assert.ErrorIs(t, err, api.ErrNotFound)

	col = columnDef{Name: "mask", Path: "out", Format: "nifti-gz", Salience: "shiny"}
	_, err = col.output()
	assert.ErrorIs(t, err, api.ErrNotFound)
}
