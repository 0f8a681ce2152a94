package rezone

import (
	"context"
	"testing"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildResumeStack_FreshStart(t *testing.T) {
	t.Parallel()

	ns := namespace.NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")

	stack := buildResumeStack(context.Background(), ns, zone, "/z", "")
	require.Len(t, stack, 1)
	assert.Equal(t, zone, stack[0].dirID)
	assert.Equal(t, "/z", stack[0].path)
	assert.Equal(t, "", stack[0].cursor)
}

func TestBuildResumeStack_FlatCheckpoint(t *testing.T) {
	t.Parallel()

	ns := namespace.NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.CreateFile(zone, "a", nil, "v1")
	ns.CreateFile(zone, "b", nil, "v1")

	stack := buildResumeStack(context.Background(), ns, zone, "/z", "/z/b")
	require.Len(t, stack, 1)
	assert.Equal(t, zone, stack[0].dirID)
	assert.Equal(t, "b", stack[0].cursor)
}

func TestBuildResumeStack_NestedCheckpoint(t *testing.T) {
	t.Parallel()

	ns := namespace.NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	sub := ns.Mkdir(zone, "sub")
	ns.CreateFile(sub, "d", nil, "v1")

	stack := buildResumeStack(context.Background(), ns, zone, "/z", "/z/sub/d")
	require.Len(t, stack, 2)
	assert.Equal(t, zone, stack[0].dirID)
	assert.Equal(t, sub, stack[1].dirID)
	assert.Equal(t, "/z/sub", stack[1].path)
	assert.Equal(t, "d", stack[1].cursor)
}

func TestBuildResumeStack_TruncatesAtDeletedAncestor(t *testing.T) {
	t.Parallel()

	ns := namespace.NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	sub := ns.Mkdir(zone, "sub")
	ns.CreateFile(sub, "d", nil, "v1")

	// Simulate the "sub" directory having been deleted since the
	// checkpoint was recorded: resume must fall back to the lowest
	// surviving ancestor (the zone root) instead of erroring out.
	ns.Remove(zone, "sub")

	stack := buildResumeStack(context.Background(), ns, zone, "/z", "/z/sub/d")
	require.Len(t, stack, 1)
	assert.Equal(t, zone, stack[0].dirID)
	assert.Equal(t, "sub", stack[0].cursor)
}

func TestBuildResumeStack_ZoneRootMissingFromPrefixRestartsWalk(t *testing.T) {
	t.Parallel()

	ns := namespace.NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	other := ns.Mkdir(root, "other")
	ns.CreateFile(other, "f", nil, "v1")

	// checkpointFile points under an entirely different subtree than the
	// zone root: nothing to resume from, the walk restarts at the root.
	stack := buildResumeStack(context.Background(), ns, zone, "/z", "/other/f")
	require.Len(t, stack, 1)
	assert.Equal(t, zone, stack[0].dirID)
	assert.Equal(t, "", stack[0].cursor)
}

func TestSplitParentAndName(t *testing.T) {
	t.Parallel()

	parent, name := splitParentAndName("/z/sub/d")
	assert.Equal(t, "/z/sub", parent)
	assert.Equal(t, "d", name)

	parent, name = splitParentAndName("/z/a")
	assert.Equal(t, "/z", parent)
	assert.Equal(t, "a", name)
}
