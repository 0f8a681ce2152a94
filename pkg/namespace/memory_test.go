package namespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ListChildrenLexicographicOrder(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	root := ns.Root()
	ns.CreateFile(root, "c", []byte("edek-c"), "v1")
	ns.CreateFile(root, "a", []byte("edek-a"), "v1")
	ns.CreateFile(root, "b", []byte("edek-b"), "v1")

	children, err := ns.ListChildren(context.Background(), root, "")
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{children[0].Name, children[1].Name, children[2].Name})
}

func TestMemory_NextChildIndexResumesAfterCursor(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	root := ns.Root()
	ns.CreateFile(root, "a", nil, "v1")
	ns.CreateFile(root, "b", nil, "v1")
	ns.CreateFile(root, "c", nil, "v1")

	children, err := ns.ListChildren(context.Background(), root, "")
	require.NoError(t, err)

	idx := ns.NextChildIndex(children, "a")
	require.Equal(t, 1, idx)
	assert.Equal(t, "b", children[idx].Name)

	idx = ns.NextChildIndex(children, "")
	assert.Equal(t, 0, idx)

	idx = ns.NextChildIndex(children, "c")
	assert.Equal(t, 3, idx)
}

func TestMemory_GetInodeNotFound(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	_, err := ns.GetInode(context.Background(), InodeID(99999))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SetFileEncryptionInfo(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	root := ns.Root()
	fileID := ns.CreateFile(root, "a", []byte("old"), "v1")

	err := ns.SetFileEncryptionInfo(context.Background(), fileID, []byte("new"), "v2")
	require.NoError(t, err)

	inode, err := ns.GetInode(context.Background(), fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), inode.EDEK)
	assert.Equal(t, "v2", inode.KeyVersionName)

	err = ns.SetFileEncryptionInfo(context.Background(), InodeID(987654), []byte("new"), "v2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_GetINodesInPathPartialResolution(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	sub := ns.Mkdir(zone, "sub")
	ns.CreateFile(sub, "f", nil, "v1")

	ids, err := ns.GetINodesInPath(context.Background(), "/z/sub/f")
	require.NoError(t, err)
	assert.Equal(t, []InodeID{root, zone, sub}, ids[:3])

	ids, err = ns.GetINodesInPath(context.Background(), "/z/missing/f")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []InodeID{root, zone}, ids)
}

func TestMemory_ZoneStatusRoundTrip(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	ctx := context.Background()

	_, err := ns.GetZoneStatus(ctx, ZoneID(1))
	assert.ErrorIs(t, err, ErrNotFound)

	status := &ZoneStatus{ZoneID: ZoneID(1), Phase: PhaseSubmitted, EZKeyVersionName: "v2"}
	require.NoError(t, ns.UpdateZoneStatus(ctx, status))

	got, err := ns.GetZoneStatus(ctx, ZoneID(1))
	require.NoError(t, err)
	assert.Equal(t, *status, *got)

	// Mutating the returned copy must not mutate the stored record.
	got.Phase = PhaseCompleted
	got2, err := ns.GetZoneStatus(ctx, ZoneID(1))
	require.NoError(t, err)
	assert.Equal(t, PhaseSubmitted, got2.Phase)

	require.NoError(t, ns.RemoveZoneStatus(ctx, ZoneID(1)))
	_, err = ns.GetZoneStatus(ctx, ZoneID(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_IsEncryptionZoneRoot(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")

	isEZ, err := ns.IsEncryptionZoneRoot(context.Background(), zone)
	require.NoError(t, err)
	assert.False(t, isEZ)

	ns.MarkEncryptionZoneRoot(zone)
	isEZ, err = ns.IsEncryptionZoneRoot(context.Background(), zone)
	require.NoError(t, err)
	assert.True(t, isEZ)
}

func TestMemory_SafeModeAndWritability(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	ctx := context.Background()

	require.NoError(t, ns.CheckSafeMode(ctx))
	require.NoError(t, ns.CheckOperation(ctx, OpWrite))

	ns.SetSafeMode(true)
	assert.ErrorIs(t, ns.CheckSafeMode(ctx), ErrSafeMode)

	ns.SetSafeMode(false)
	ns.SetNotWritable(true)
	assert.ErrorIs(t, ns.CheckOperation(ctx, OpWrite), ErrNotWritable)
}

func TestMemory_Remove(t *testing.T) {
	t.Parallel()

	ns := NewMemory()
	root := ns.Root()
	fileID := ns.CreateFile(root, "a", nil, "v1")

	ns.Remove(root, "a")

	_, err := ns.GetInode(context.Background(), fileID)
	assert.ErrorIs(t, err, ErrNotFound)

	children, err := ns.ListChildren(context.Background(), root, "")
	require.NoError(t, err)
	assert.Empty(t, children)
}
