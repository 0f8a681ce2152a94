package rezone

import (
	"testing"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_AddAndFull(t *testing.T) {
	t.Parallel()

	b := NewBatch(namespace.ZoneID(1), 2)
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Full())

	b.Add(&EDEKRecord{Name: "a"})
	assert.Equal(t, 1, b.Len())
	assert.False(t, b.Full())

	b.Add(&EDEKRecord{Name: "b"})
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Full())

	require.Len(t, b.Records(), 2)
	assert.Equal(t, "a", b.Records()[0].Name)
	assert.Equal(t, "b", b.Records()[1].Name)
}

func TestBatch_ZeroMaxSizeNeverFull(t *testing.T) {
	t.Parallel()

	b := NewBatch(namespace.ZoneID(1), 0)
	for i := 0; i < 10; i++ {
		b.Add(&EDEKRecord{Name: "x"})
	}
	assert.False(t, b.Full())
	assert.Equal(t, 10, b.Len())
}

func TestEDEKRecord_Path(t *testing.T) {
	t.Parallel()

	rec := &EDEKRecord{ParentPath: "/zone/sub", Name: "file.txt"}
	assert.Equal(t, "/zone/sub/file.txt", rec.Path())
}

func TestBatch_IDsAreUnique(t *testing.T) {
	t.Parallel()

	a := NewBatch(namespace.ZoneID(1), 10)
	b := NewBatch(namespace.ZoneID(1), 10)
	assert.NotEqual(t, a.ID, b.ID)
}
