package tree

import (
	"context"
	"regexp"
	"testing"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for exercising the tree without disk.
type fakeStore struct {
	conn        Connection
	space       *api.Space
	hierarchy   []api.Frequency
	connects    int
	disconnects int
	populate    func(ctx context.Context, ds *Dataset) error
}

func (s *fakeStore) Space() *api.Space                { return s.space }
func (s *fakeStore) DefaultHierarchy() []api.Frequency { return s.hierarchy }
func (s *fakeStore) Connection() *Connection          { return &s.conn }

func (s *fakeStore) Connect(context.Context) error {
	s.connects++
	return nil
}

func (s *fakeStore) Disconnect(context.Context) error {
	s.disconnects++
	return nil
}

func (s *fakeStore) PopulateTree(ctx context.Context, ds *Dataset, _ map[api.Frequency][]string) error {
	if s.populate != nil {
		return s.populate(ctx, ds)
	}
	return nil
}

func (s *fakeStore) PopulateItems(context.Context, *Node) error { return nil }

func (s *fakeStore) FileGroupPaths(*FileGroup) (string, map[string]string, error) {
	return "", nil, nil
}

func (s *fakeStore) FieldValue(*Field) (any, error)               { return nil, nil }
func (s *fakeStore) Checksums(*FileGroup) (map[string]string, error) { return nil, nil }

func (s *fakeStore) PutFileGroup(context.Context, *FileGroup, string, map[string]string) error {
	return nil
}

func (s *fakeStore) PutField(context.Context, *Field, any) error { return nil }

func (s *fakeStore) Provenance(context.Context, Item) (*api.Provenance, error) {
	return nil, api.ErrMissingData
}

func (s *fakeStore) PutProvenance(context.Context, Item, *api.Provenance) error {
	return nil
}

func clinicalStore(t *testing.T) *fakeStore {
	t.Helper()
	group := mustMember(t, "group")
	subject := mustMember(t, "subject")
	session := mustMember(t, "session")
	return &fakeStore{
		space:     api.Clinical,
		hierarchy: []api.Frequency{group, subject, session},
	}
}

func mustMember(t *testing.T, name string) api.Frequency {
	t.Helper()
	f, err := api.Clinical.Member(name)
	require.NoError(t, err)
	return f
}

func sessionIDs(t *testing.T, group, member, timepoint string) map[api.Frequency]string {
	t.Helper()
	return map[api.Frequency]string{
		mustMember(t, "group"):     group,
		mustMember(t, "member"):    member,
		mustMember(t, "timepoint"): timepoint,
	}
}

func TestKeyOfSortsByFrequencyNotID(t *testing.T) {
	// The canonical key must order pairs by basis frequency bit value so
	// coordinates stay structural; ordering by ID string would make two
	// identical coordinates diverge based on label content.
	group := mustMember(t, "group")
	member := mustMember(t, "member")

	// "AAA" sorts before "ZZZ" as a string, but member (bit 1) comes
	// before group (bit 2) regardless.
	key := keyOf(map[api.Frequency]string{group: "AAA", member: "ZZZ"})
	assert.Equal(t, Key("1=ZZZ;2=AAA"), key)

	flipped := keyOf(map[api.Frequency]string{group: "ZZZ", member: "AAA"})
	assert.Equal(t, Key("1=AAA;2=ZZZ"), flipped)
	assert.NotEqual(t, key, flipped)
}

func TestAddNodeCreatesAncestors(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	session := mustMember(t, "session")
	node, err := ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T1"))
	require.NoError(t, err)

	ctx := context.Background()

	// Hierarchy ancestors exist and are reachable by coordinate.
	group := mustMember(t, "group")
	groupNode, err := ds.Node(ctx, group, map[api.Frequency]string{group: "CONTROL"})
	require.NoError(t, err)
	assert.Equal(t, "CONTROL", groupNode.ID(group))

	subject := mustMember(t, "subject")
	subjNode, err := ds.Node(ctx, subject, map[api.Frequency]string{
		group:                  "CONTROL",
		mustMember(t, "member"): "01",
	})
	require.NoError(t, err)

	// The session is reachable downward from both ancestors and upward
	// through registry-key links.
	assert.Len(t, subjNode.Subnodes(session), 1)
	assert.Len(t, groupNode.Subnodes(session), 1)

	up, err := node.Ancestor(subject)
	require.NoError(t, err)
	assert.Same(t, subjNode, up)

	rootUp, err := node.Ancestor(api.Clinical.Root())
	require.NoError(t, err)
	root, err := ds.Root(ctx)
	require.NoError(t, err)
	assert.Same(t, root, rootUp)
}

func TestAddNodeAncestorsCreatedOnce(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	session := mustMember(t, "session")
	_, err = ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T1"))
	require.NoError(t, err)
	_, err = ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T2"))
	require.NoError(t, err)

	ctx := context.Background()
	groups, err := ds.Nodes(ctx, mustMember(t, "group"))
	require.NoError(t, err)
	assert.Len(t, groups, 1, "second session should reuse the CONTROL group node")

	subjects, err := ds.Nodes(ctx, mustMember(t, "subject"))
	require.NoError(t, err)
	assert.Len(t, subjects, 1)

	sessions, err := ds.Nodes(ctx, session)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestAddNodeDuplicateCoordinate(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	session := mustMember(t, "session")
	_, err = ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T1"))
	require.NoError(t, err)

	_, err = ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T1"))
	assert.ErrorIs(t, err, api.ErrTree)
}

func TestAddNodeInconsistentIDShape(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	session := mustMember(t, "session")
	_, err = ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T1"))
	require.NoError(t, err)

	// A sibling session missing its timepoint ID has a different shape.
	_, err = ds.AddNode(session, map[api.Frequency]string{
		mustMember(t, "group"):  "TEST",
		mustMember(t, "member"): "01",
	})
	assert.ErrorIs(t, err, api.ErrTree)
}

func TestAddNodeRejectsForeignFrequency(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	sample, err := api.Plain.Member("sample")
	require.NoError(t, err)
	_, err = ds.AddNode(sample, map[api.Frequency]string{sample: "s1"})
	assert.ErrorIs(t, err, api.ErrTree)
}

func TestAddNodeRejectsRoot(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	_, err = ds.AddNode(api.Clinical.Root(), nil)
	assert.ErrorIs(t, err, api.ErrTree)
}

func TestNodeRootWithIDsIsUsageError(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	group := mustMember(t, "group")
	_, err = ds.Node(context.Background(), api.Clinical.Root(),
		map[api.Frequency]string{group: "CONTROL"})
	assert.ErrorIs(t, err, api.ErrUsage)
}

func TestNodeWithoutLayerIDsIsUsageError(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	session := mustMember(t, "session")
	_, err = ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T1"))
	require.NoError(t, err)

	// A lookup that identifies none of the frequency's layers is the
	// caller's mistake, not a tree-construction failure.
	_, err = ds.Node(context.Background(), mustMember(t, "group"), nil)
	assert.ErrorIs(t, err, api.ErrUsage)
	assert.NotErrorIs(t, err, api.ErrTree)
}

func TestNodeUnknownCoordinateListsAvailable(t *testing.T) {
	ds, err := NewDataset("study", clinicalStore(t), Options{})
	require.NoError(t, err)

	group := mustMember(t, "group")
	session := mustMember(t, "session")
	_, err = ds.AddNode(session, sessionIDs(t, "CONTROL", "01", "T1"))
	require.NoError(t, err)

	_, err = ds.Node(context.Background(), group, map[api.Frequency]string{group: "MISSING"})
	assert.ErrorIs(t, err, api.ErrNotFound)
	var nameErr *api.NameError
	require.ErrorAs(t, err, &nameErr)
	assert.Contains(t, nameErr.Available, "group=CONTROL")
}

func TestPopulateOnFirstRootAccess(t *testing.T) {
	store := clinicalStore(t)
	populations := 0
	store.populate = func(_ context.Context, ds *Dataset) error {
		populations++
		_, err := ds.AddNode(mustMember(t, "session"), sessionIDs(t, "CONTROL", "01", "T1"))
		return err
	}
	ds, err := NewDataset("study", store, Options{})
	require.NoError(t, err)
	assert.False(t, ds.Populated())

	ctx := context.Background()
	_, err = ds.Root(ctx)
	require.NoError(t, err)
	_, err = ds.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, populations, "tree should populate once")

	// Population ran inside one complete connection scope.
	assert.Equal(t, 1, store.connects)
	assert.Equal(t, 1, store.disconnects)

	ds.Invalidate()
	_, err = ds.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, populations)
}

func TestConnectionReentrancy(t *testing.T) {
	store := clinicalStore(t)
	ctx := context.Background()

	outer, err := Acquire(ctx, store)
	require.NoError(t, err)
	inner, err := Acquire(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, store.connects, "nested scopes share one connection")
	assert.Equal(t, 2, store.conn.Depth())

	require.NoError(t, inner())
	assert.Equal(t, 0, store.disconnects, "disconnect only on the last release")
	require.NoError(t, outer())
	assert.Equal(t, 1, store.disconnects)

	err = store.conn.Exit(ctx, store.Disconnect)
	assert.ErrorIs(t, err, api.ErrInternal, "over-release is a defect")
}

func TestInferIDs(t *testing.T) {
	subject := mustMember(t, "subject")
	ds, err := NewDataset("study", clinicalStore(t), Options{
		Inference: []InferenceRule{{
			Source:  subject,
			Pattern: regexp.MustCompile(`^(?P<group>[A-Z]+)(?P<member>\d+)$`),
		}},
	})
	require.NoError(t, err)

	ids, err := ds.InferIDs(map[api.Frequency]string{subject: "CONTROL01"})
	require.NoError(t, err)
	assert.Equal(t, "CONTROL", ids[mustMember(t, "group")])
	assert.Equal(t, "01", ids[mustMember(t, "member")])

	_, err = ds.InferIDs(map[api.Frequency]string{subject: "lowercase"})
	assert.ErrorIs(t, err, api.ErrTree)
}

func TestInferenceRuleValidation(t *testing.T) {
	_, err := NewDataset("study", clinicalStore(t), Options{
		Inference: []InferenceRule{{
			Source:  mustMember(t, "subject"),
			Pattern: regexp.MustCompile(`(?P<cohort>[A-Z]+)`),
		}},
	})
	assert.ErrorIs(t, err, api.ErrUsage, "unknown capture group name")
}

func TestDatasetRequiresHierarchy(t *testing.T) {
	store := clinicalStore(t)
	store.hierarchy = nil
	_, err := NewDataset("study", store, Options{})
	assert.ErrorIs(t, err, api.ErrUsage)

	// Supplying one explicitly still works.
	_, err = NewDataset("study", store, Options{
		Hierarchy: []api.Frequency{mustMember(t, "group"), mustMember(t, "session")},
	})
	require.NoError(t, err)
}

func TestIncludeValidation(t *testing.T) {
	_, err := NewDataset("study", clinicalStore(t), Options{
		Include: map[api.Frequency][]string{mustMember(t, "subject"): {"CONTROL01"}},
	})
	assert.ErrorIs(t, err, api.ErrUsage, "include selectors must be basis frequencies")

	ds, err := NewDataset("study", clinicalStore(t), Options{
		Include: map[api.Frequency][]string{mustMember(t, "group"): {"CONTROL"}},
	})
	require.NoError(t, err)
	assert.True(t, ds.Included(mustMember(t, "group"), "CONTROL"))
	assert.False(t, ds.Included(mustMember(t, "group"), "TEST"))
	assert.True(t, ds.Included(mustMember(t, "member"), "anything"))
}
