package namespace

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// childEntry is one (name -> inode id) mapping in a directory's btree,
// ordered lexicographically by name so Memory's traversal order matches
// what a real namespace's lexicographic child ordering would produce.
type childEntry struct {
	name string
	id   InodeID
}

func lessChildEntry(a, b childEntry) bool { return a.name < b.name }

type memInode struct {
	id             InodeID
	name           string
	parentID       InodeID
	isDir          bool
	isEZRoot       bool
	isEncrypted    bool
	edek           []byte
	keyVersionName string
	children       *btree.BTreeG[childEntry] // nil for files
}

// Memory is an in-memory Namespace implementation. It is the reference
// backend used by the rezone test suite, and is adequate for single-process
// deployments that don't need a durable inode store; a production namespace
// (an existing zapfs metadata service, say) would implement Namespace
// against its own tree and xattr store instead.
type Memory struct {
	mu sync.RWMutex

	inodes  map[InodeID]*memInode
	nextID  atomic.Uint64
	root    InodeID
	statues map[ZoneID]*ZoneStatus

	notWritable bool
	safeMode    bool
}

// NewMemory creates an empty namespace with a single root directory.
func NewMemory() *Memory {
	m := &Memory{
		inodes:  make(map[InodeID]*memInode),
		statues: make(map[ZoneID]*ZoneStatus),
	}
	rootID := InodeID(m.nextID.Add(1))
	m.root = rootID
	m.inodes[rootID] = &memInode{
		id:       rootID,
		name:     "/",
		isDir:    true,
		children: btree.NewG(32, lessChildEntry),
	}
	return m
}

func (m *Memory) ReadLock()    { m.mu.RLock() }
func (m *Memory) ReadUnlock()  { m.mu.RUnlock() }
func (m *Memory) WriteLock()   { m.mu.Lock() }
func (m *Memory) WriteUnlock() { m.mu.Unlock() }

// Root returns the id of the namespace root directory.
func (m *Memory) Root() InodeID { return m.root }

// Mkdir creates a directory named name under parent and returns its id.
func (m *Memory) Mkdir(parent InodeID, name string) InodeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := InodeID(m.nextID.Add(1))
	dir := &memInode{
		id:       id,
		name:     name,
		parentID: parent,
		isDir:    true,
		children: btree.NewG(32, lessChildEntry),
	}
	m.inodes[id] = dir
	m.inodes[parent].children.ReplaceOrInsert(childEntry{name: name, id: id})
	return id
}

// MarkEncryptionZoneRoot flags a directory as the root of a (possibly
// nested) encryption zone.
func (m *Memory) MarkEncryptionZoneRoot(id InodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inodes[id].isEZRoot = true
}

// CreateFile creates a file named name under parent, carrying an EDEK
// wrapped under keyVersionName. If keyVersionName is empty the file has no
// encryption metadata at all (the "lacking encryption metadata" edge case).
func (m *Memory) CreateFile(parent InodeID, name string, edek []byte, keyVersionName string) InodeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := InodeID(m.nextID.Add(1))
	f := &memInode{
		id:             id,
		name:           name,
		parentID:       parent,
		isEncrypted:    keyVersionName != "",
		edek:           edek,
		keyVersionName: keyVersionName,
	}
	m.inodes[id] = f
	m.inodes[parent].children.ReplaceOrInsert(childEntry{name: name, id: id})
	return id
}

// Remove deletes name from parent's children and drops the inode. Used by
// tests simulating concurrent deletes racing the coordinator's walk.
func (m *Memory) Remove(parent InodeID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.inodes[parent].children.Get(childEntry{name: name})
	if !ok {
		return
	}
	m.inodes[parent].children.Delete(entry)
	delete(m.inodes, entry.id)
}

// SetSafeMode toggles safe mode for CheckSafeMode.
func (m *Memory) SetSafeMode(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safeMode = v
}

// SetNotWritable toggles the write-check outcome for CheckOperation.
func (m *Memory) SetNotWritable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notWritable = v
}

func toInode(n *memInode) *Inode {
	return &Inode{
		ID:             n.id,
		Name:           n.name,
		ParentID:       n.parentID,
		IsDir:          n.isDir,
		IsEncrypted:    n.isEncrypted,
		EDEK:           append([]byte(nil), n.edek...),
		KeyVersionName: n.keyVersionName,
	}
}

func (m *Memory) GetInode(ctx context.Context, id InodeID) (*Inode, error) {
	n, ok := m.inodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return toInode(n), nil
}

func (m *Memory) ListChildren(ctx context.Context, dir InodeID, startAfter string) ([]DirEntry, error) {
	n, ok := m.inodes[dir]
	if !ok || !n.isDir {
		return nil, ErrNotFound
	}
	entries := make([]DirEntry, 0, n.children.Len())
	n.children.Ascend(func(c childEntry) bool {
		child := m.inodes[c.id]
		entries = append(entries, DirEntry{Name: c.name, ID: c.id, IsDir: child.isDir})
		return true
	})
	return entries, nil
}

func (m *Memory) NextChildIndex(children []DirEntry, startAfter string) int {
	lo, hi := 0, len(children)
	for lo < hi {
		mid := (lo + hi) / 2
		if children[mid].Name <= startAfter {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (m *Memory) SetFileEncryptionInfo(ctx context.Context, inode InodeID, newEDEK []byte, newKeyVersionName string) error {
	n, ok := m.inodes[inode]
	if !ok {
		return ErrNotFound
	}
	n.edek = append([]byte(nil), newEDEK...)
	n.keyVersionName = newKeyVersionName
	n.isEncrypted = true
	return nil
}

func (m *Memory) GetZoneStatus(ctx context.Context, zoneID ZoneID) (*ZoneStatus, error) {
	s, ok := m.statues[zoneID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *Memory) UpdateZoneStatus(ctx context.Context, status *ZoneStatus) error {
	copied := *status
	m.statues[status.ZoneID] = &copied
	return nil
}

func (m *Memory) RemoveZoneStatus(ctx context.Context, zoneID ZoneID) error {
	delete(m.statues, zoneID)
	return nil
}

func (m *Memory) ListZoneStatuses(ctx context.Context) ([]*ZoneStatus, error) {
	out := make([]*ZoneStatus, 0, len(m.statues))
	for _, s := range m.statues {
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (m *Memory) GetINodesInPath(ctx context.Context, path string) ([]InodeID, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := m.root
	ids := []InodeID{m.root}
	if path == "" || path == "/" {
		return ids, nil
	}
	for _, part := range parts {
		n := m.inodes[cur]
		if n == nil || !n.isDir {
			return ids, ErrNotFound
		}
		entry, ok := n.children.Get(childEntry{name: part})
		if !ok {
			return ids, ErrNotFound
		}
		ids = append(ids, entry.id)
		cur = entry.id
	}
	return ids, nil
}

func (m *Memory) IsEncryptionZoneRoot(ctx context.Context, id InodeID) (bool, error) {
	n, ok := m.inodes[id]
	if !ok {
		return false, ErrNotFound
	}
	return n.isEZRoot, nil
}

func (m *Memory) CheckOperation(ctx context.Context, op Operation) error {
	if op == OpWrite && m.notWritable {
		return ErrNotWritable
	}
	return nil
}

func (m *Memory) CheckSafeMode(ctx context.Context) error {
	if m.safeMode {
		return ErrSafeMode
	}
	return nil
}

var _ Namespace = (*Memory)(nil)
