package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(t *testing.T, name string) api.Frequency {
	t.Helper()
	f, err := api.Clinical.Member(name)
	require.NoError(t, err)
	return f
}

func hierarchyGSS(t *testing.T) []api.Frequency {
	return []api.Frequency{member(t, "group"), member(t, "subject"), member(t, "session")}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// buildStudy lays out the canonical two-group fixture: one subject per
// group, one session each, one "anat/T1w" file-group per session.
func buildStudy(t *testing.T) (string, *FileSystem, *tree.Dataset) {
	t.Helper()
	base := t.TempDir()
	for _, group := range []string{"CONTROL", "TEST"} {
		session := filepath.Join(base, "study", group, "01", "T1")
		writeFile(t, filepath.Join(session, "anat", "T1w.nii.gz"), "imaging-"+group)
		writeFile(t, filepath.Join(session, "anat", "T1w.json"), `{"EchoTime": 0.03}`)
	}
	store, err := New(base, api.Clinical, hierarchyGSS(t))
	require.NoError(t, err)
	ds, err := store.Dataset("study", tree.Options{})
	require.NoError(t, err)
	return base, store, ds
}

func TestPopulateTreeEndToEnd(t *testing.T) {
	_, _, ds := buildStudy(t)
	ctx := context.Background()

	groups, err := ds.Nodes(ctx, member(t, "group"))
	require.NoError(t, err)
	assert.Len(t, groups, 2)

	subjects, err := ds.Nodes(ctx, member(t, "subject"))
	require.NoError(t, err)
	assert.Len(t, subjects, 2)

	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	for _, session := range sessions {
		require.Equal(t, []string{"anat/T1w"}, session.FileGroupNames())
		fg, err := session.FileGroup("anat/T1w")
		require.NoError(t, err)
		assert.Len(t, fg.FilePaths, 2, "primary plus json side-car")
	}
}

func TestPopulateTreeMissingRoot(t *testing.T) {
	store, err := New(t.TempDir(), api.Clinical, hierarchyGSS(t))
	require.NoError(t, err)
	ds, err := store.Dataset("nonexistent", tree.Options{})
	require.NoError(t, err)

	_, err = ds.Root(context.Background())
	assert.ErrorIs(t, err, api.ErrUsage)
}

func TestPopulateTreeInference(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "study", "CONTROL01", "T1", "anat", "T1w.nii.gz"), "imaging")

	subject := member(t, "subject")
	store, err := New(base, api.Clinical, []api.Frequency{subject, member(t, "session")})
	require.NoError(t, err)
	ds, err := store.Dataset("study", tree.Options{
		Inference: []tree.InferenceRule{{
			Source:  subject,
			Pattern: regexp.MustCompile(`^(?P<group>[A-Z]+)(?P<member>\d+)$`),
		}},
	})
	require.NoError(t, err)

	ctx := context.Background()
	group := member(t, "group")
	node, err := ds.Node(ctx, group, map[api.Frequency]string{group: "CONTROL"})
	require.NoError(t, err)
	assert.Equal(t, "CONTROL", node.ID(group))

	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "01", sessions[0].ID(member(t, "member")))
}

func TestPopulateTreeIncludeFilter(t *testing.T) {
	_, store, _ := buildStudy(t)
	group := member(t, "group")
	ds, err := store.Dataset("study", tree.Options{
		Include: map[api.Frequency][]string{group: {"CONTROL"}},
	})
	require.NoError(t, err)

	ctx := context.Background()
	groups, err := ds.Nodes(ctx, group)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "CONTROL", groups[0].ID(group))

	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestFileGroupRoundTrip(t *testing.T) {
	_, store, ds := buildStudy(t)
	ctx := context.Background()

	source := t.TempDir()
	writeFile(t, filepath.Join(source, "mask.nii.gz"), "derived mask")
	writeFile(t, filepath.Join(source, "mask.json"), `{"source": "pipeline"}`)

	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	node := sessions[0]

	sink := node.NewSink("derived/mask", api.NiftiGzX)
	sink.Provenance = (&api.Provenance{Pipeline: "masking", Frequency: "session"}).Stamp()
	require.NoError(t, node.PutFileGroup(ctx, sink, filepath.Join(source, "mask.nii.gz"),
		map[string]string{"json": filepath.Join(source, "mask.json")}))

	primary, sideCars, err := store.FileGroupPaths(sink)
	require.NoError(t, err)
	content, err := os.ReadFile(primary)
	require.NoError(t, err)
	assert.Equal(t, "derived mask", string(content))
	content, err = os.ReadFile(sideCars["json"])
	require.NoError(t, err)
	assert.Equal(t, `{"source": "pipeline"}`, string(content))

	prov, err := store.Provenance(ctx, sink)
	require.NoError(t, err)
	assert.True(t, sink.Provenance.Equivalent(prov))
}

func TestFileGroupDirectoryRoundTrip(t *testing.T) {
	_, store, ds := buildStudy(t)
	ctx := context.Background()

	source := t.TempDir()
	writeFile(t, filepath.Join(source, "series", "IM_0001"), "slice one")
	writeFile(t, filepath.Join(source, "series", "IM_0002"), "slice two")

	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	node := sessions[0]

	sink := node.NewSink("raw/series", api.DicomDir)
	require.NoError(t, store.PutFileGroup(ctx, sink, filepath.Join(source, "series"), nil))

	primary, _, err := store.FileGroupPaths(sink)
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(primary, "IM_0002"))
	require.NoError(t, err)
	assert.Equal(t, "slice two", string(content))
}

func TestPutFileGroupBadSource(t *testing.T) {
	_, store, ds := buildStudy(t)
	ctx := context.Background()
	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)

	sink := sessions[0].NewSink("derived/mask", api.NiftiGz)
	err = store.PutFileGroup(ctx, sink, filepath.Join(t.TempDir(), "nope.nii.gz"), nil)
	assert.ErrorIs(t, err, api.ErrInternal)
}

func TestFieldRoundTripWithProvenance(t *testing.T) {
	_, store, ds := buildStudy(t)
	ctx := context.Background()
	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	node := sessions[0]

	withProv := node.NewFieldSink("age", api.IntKind, false)
	withProv.Provenance = (&api.Provenance{Pipeline: "intake", Frequency: "session"}).Stamp()
	require.NoError(t, node.PutField(ctx, withProv, 37))

	bare := node.NewFieldSink("site", api.StringKind, false)
	require.NoError(t, node.PutField(ctx, bare, "MRH017"))

	// Bare values must be stored unwrapped.
	data, err := os.ReadFile(filepath.Join(store.nodePath(node), fieldsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"site": "MRH017"`)
	assert.Contains(t, string(data), valueKey)

	// Re-populate from disk and read everything back.
	fresh, err := store.Dataset("study", tree.Options{})
	require.NoError(t, err)
	key := map[api.Frequency]string{
		member(t, "group"):     node.ID(member(t, "group")),
		member(t, "member"):    node.ID(member(t, "member")),
		member(t, "timepoint"): node.ID(member(t, "timepoint")),
	}
	reloaded, err := fresh.Node(ctx, member(t, "session"), key)
	require.NoError(t, err)

	age, err := reloaded.ResolveField("age", api.IntKind, false)
	require.NoError(t, err)
	assert.Equal(t, int64(37), age.Value)
	assert.True(t, withProv.Provenance.Equivalent(age.Provenance))

	site, err := reloaded.ResolveField("site", api.StringKind, false)
	require.NoError(t, err)
	assert.Equal(t, "MRH017", site.Value)
	assert.Nil(t, site.Provenance)
}

func TestFieldOnIntermediateNode(t *testing.T) {
	base, store, ds := buildStudy(t)
	ctx := context.Background()

	group := member(t, "group")
	node, err := ds.Node(ctx, group, map[api.Frequency]string{group: "CONTROL"})
	require.NoError(t, err)

	sink := node.NewFieldSink("mean_age", api.FloatKind, false)
	require.NoError(t, node.PutField(ctx, sink, 42.5))

	// Group-level fields land in the reserved metadata directory.
	stored := filepath.Join(base, "study", "CONTROL", "__dataset__", fieldsFile)
	_, err = os.Stat(stored)
	require.NoError(t, err)

	value, err := store.FieldValue(sink)
	require.NoError(t, err)
	assert.Equal(t, 42.5, value)
}

func TestConcurrentFieldWrites(t *testing.T) {
	_, store, ds := buildStudy(t)
	ctx := context.Background()
	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	node := sessions[0]

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"left", "right"} {
		wg.Add(1)
		go func(slot int, field string) {
			defer wg.Done()
			sink := node.NewFieldSink(field, api.StringKind, false)
			errs[slot] = store.PutField(ctx, sink, field+" value")
		}(i, name)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Both writes survived the read-modify-write race.
	left, err := store.FieldValue(node.NewFieldSink("left", api.StringKind, false))
	require.NoError(t, err)
	assert.Equal(t, "left value", left)
	right, err := store.FieldValue(node.NewFieldSink("right", api.StringKind, false))
	require.NoError(t, err)
	assert.Equal(t, "right value", right)
}

func TestMissingDataDistinguishable(t *testing.T) {
	_, store, ds := buildStudy(t)
	ctx := context.Background()
	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	node := sessions[0]

	_, _, err = store.FileGroupPaths(node.NewSink("absent/scan", api.NiftiGz))
	assert.ErrorIs(t, err, api.ErrMissingData)

	// Present primary, absent declared side-car.
	_, _, err = store.FileGroupPaths(node.NewSink("anat/T1w", api.NiftiGzX))
	assert.NoError(t, err, "fixture has both files")
	require.NoError(t, os.Remove(filepath.Join(store.nodePath(node), "anat", "T1w.json")))
	_, _, err = store.FileGroupPaths(node.NewSink("anat/T1w", api.NiftiGzX))
	assert.ErrorIs(t, err, api.ErrMissingData)

	_, err = store.FieldValue(node.NewFieldSink("absent", api.IntKind, false))
	assert.ErrorIs(t, err, api.ErrMissingData)
}

func TestChecksumsCached(t *testing.T) {
	base, store, ds := buildStudy(t)
	ctx := context.Background()
	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)

	release, err := tree.Acquire(ctx, store)
	require.NoError(t, err)
	defer func() { _ = release() }()

	fg, err := sessions[0].ResolveFileGroup("anat/T1w", api.NiftiGzX)
	require.NoError(t, err)

	first, err := store.Checksums(fg)
	require.NoError(t, err)
	require.Contains(t, first, ".")
	require.Contains(t, first, "T1w.json")

	again, err := store.Checksums(fg)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Content changes must invalidate the cached digest.
	primary, _, err := fg.Paths()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(primary, []byte("entirely different content"), 0o644))
	changed, err := store.Checksums(fg)
	require.NoError(t, err)
	assert.NotEqual(t, first["."], changed["."])
	assert.Equal(t, first["T1w.json"], changed["T1w.json"])

	_, err = os.Stat(filepath.Join(base, checksumDBFile))
	assert.NoError(t, err, "cache database created on connect")
}

func TestSingleDataset(t *testing.T) {
	base := t.TempDir()
	session := filepath.Join(base, "mystudy", "CONTROL", "01", "T1")
	writeFile(t, filepath.Join(session, "anat", "T1w.nii.gz"), "imaging")

	ds, err := SingleDataset(filepath.Join(base, "mystudy"), api.Clinical, hierarchyGSS(t), tree.Options{})
	require.NoError(t, err)
	assert.Equal(t, "mystudy", ds.Name)

	sessions, err := ds.Nodes(context.Background(), member(t, "session"))
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestNewNamedRejectsUnknownNames(t *testing.T) {
	_, err := NewNamed(t.TempDir(), "no-such-space", nil)
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, err = NewNamed(t.TempDir(), "clinical", []string{"group", "cohort"})
	assert.ErrorIs(t, err, api.ErrNotFound)

	store, err := NewNamed(t.TempDir(), "clinical", []string{"group", "subject", "session"})
	require.NoError(t, err)
	assert.Len(t, store.DefaultHierarchy(), 4, "root prepended")
}

func TestHierarchyValidatedAtConstruction(t *testing.T) {
	// subject does not strictly contain session's layers in that order.
	_, err := New(t.TempDir(), api.Clinical, []api.Frequency{member(t, "session"), member(t, "subject")})
	assert.ErrorIs(t, err, api.ErrUsage)
}

func TestFieldsFileIgnoredAsItem(t *testing.T) {
	base, _, ds := buildStudy(t)
	session := filepath.Join(base, "study", "CONTROL", "01", "T1")
	writeFile(t, filepath.Join(session, fieldsFile), `{"age": 37}`)
	writeFile(t, filepath.Join(session, "notes.txt"), "handwritten")
	writeFile(t, filepath.Join(session, "notes"+provSuffix), `{"pipeline": "scribe", "frequency": "session", "datetime": "2026-08-30T00:00:00Z", "__prov_version__": "1.0"}`)

	ctx := context.Background()
	sessions, err := ds.Nodes(ctx, member(t, "session"))
	require.NoError(t, err)
	for _, node := range sessions {
		if !strings.Contains(node.Label(), "CONTROL") {
			continue
		}
		assert.ElementsMatch(t, []string{"anat/T1w", "notes"}, node.FileGroupNames())
		assert.Equal(t, []string{"age"}, node.FieldNames())
		notes, err := node.FileGroup("notes")
		require.NoError(t, err)
		require.NotNil(t, notes.Provenance)
		assert.Equal(t, "scribe", notes.Provenance.Pipeline)
	}
}
