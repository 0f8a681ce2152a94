package rezone

import (
	"context"
	"path"
	"strings"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
)

// pathFrame is one entry in the coordinator's path-stack-of-cursors: the
// directory currently being walked, its absolute path (for building
// EDEKRecord.ParentPath without re-resolving ancestors), and the name of
// the last child processed so a re-list after releasing the read lock can
// resume immediately after it (spec.md §4.1).
type pathFrame struct {
	dirID  namespace.InodeID
	path   string
	cursor string
}

func splitNonEmpty(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func splitParentAndName(p string) (parent, name string) {
	p = strings.TrimRight(p, "/")
	return path.Dir(p), path.Base(p)
}

// buildResumeStack reconstructs the coordinator's path stack from a
// persisted LastCheckpointFile. It resolves the checkpoint's parent
// directory chain with GetINodesInPath and truncates at the lowest
// surviving ancestor if any intermediate directory was deleted since the
// last checkpoint, exactly as spec.md §4.1's Resume behavior requires: the
// walk continues from the next sibling after whatever went missing,
// instead of restarting the whole zone.
func buildResumeStack(ctx context.Context, ns namespace.Namespace, zoneRootID namespace.InodeID, zoneRootPath, checkpointFile string) []pathFrame {
	root := pathFrame{dirID: zoneRootID, path: zoneRootPath, cursor: ""}
	if checkpointFile == "" {
		return []pathFrame{root}
	}

	parentPath, leafName := splitParentAndName(checkpointFile)
	segments := splitNonEmpty(parentPath)

	ids, resolveErr := ns.GetINodesInPath(ctx, parentPath)
	// ids[0] is always the namespace root; ids[1:] are the resolved
	// segments, root first, whether or not resolution fully succeeded.

	zoneIdx := -1
	for i, id := range ids {
		if id == zoneRootID {
			zoneIdx = i
			break
		}
	}
	if zoneIdx < 0 {
		// The zone root itself isn't on the resolved prefix: nothing to
		// resume from, restart the zone's walk from its root.
		return []pathFrame{root}
	}

	frames := []pathFrame{root}
	curPath := zoneRootPath
	resolvedAfterZone := len(ids) - 1 - zoneIdx
	for i := 0; i < resolvedAfterZone; i++ {
		name := segments[zoneIdx+i]
		curPath = path.Join(curPath, name)
		frames = append(frames, pathFrame{dirID: ids[zoneIdx+1+i], path: curPath, cursor: ""})
	}

	last := &frames[len(frames)-1]
	if resolveErr != nil {
		// segments[zoneIdx+resolvedAfterZone] is the path element that no
		// longer resolves; resume the surviving ancestor just after it.
		if zoneIdx+resolvedAfterZone < len(segments) {
			last.cursor = segments[zoneIdx+resolvedAfterZone]
		}
		return frames
	}

	// Fully resolved: last frame is the checkpoint file's direct parent;
	// resume just after the checkpointed file itself.
	last.cursor = leafName
	return frames
}
