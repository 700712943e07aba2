package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/pipes/client"
	"github.com/guseggert/pipes/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	payload := &task.EmitData{Metadata: []map[string][]string{{"title": {"Hello"}}}}
	success, err := NewEntry("t1", client.Success(payload), 1500*time.Millisecond, "s1")
	require.NoError(t, err)
	crash, err := NewEntry("t2", client.EmitException("disk full"), 20*time.Millisecond, "s1")
	require.NoError(t, err)

	require.NoError(t, j.Record(ctx, success))
	require.NoError(t, j.Record(ctx, crash))
	require.NoError(t, j.Close())

	// reopening sees what was written
	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "t1", entries[0].TaskID)
	assert.Equal(t, client.KindSuccess, entries[0].Status)
	assert.Equal(t, 1500*time.Millisecond, entries[0].Elapsed)
	assert.Len(t, entries[0].PayloadBLAKE3, 64)
	assert.False(t, entries[0].RecordedAt.IsZero())

	assert.Equal(t, "t2", entries[1].TaskID)
	assert.Equal(t, client.KindEmitException, entries[1].Status)
	assert.Equal(t, "disk full", entries[1].Message)
	assert.Empty(t, entries[1].PayloadBLAKE3)

	counts, err := j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[client.Kind]int{client.KindSuccess: 1, client.KindEmitException: 1}, counts)
}

func TestPayloadDigestIsStable(t *testing.T) {
	a := &task.EmitData{Metadata: []map[string][]string{{"a": {"1"}, "b": {"2"}, "c": {"3"}}}}
	b := &task.EmitData{Metadata: []map[string][]string{{"c": {"3"}, "b": {"2"}, "a": {"1"}}}}
	c := &task.EmitData{Metadata: []map[string][]string{{"a": {"1"}}}}

	da, err := PayloadDigest(a)
	require.NoError(t, err)
	db, err := PayloadDigest(b)
	require.NoError(t, err)
	dc, err := PayloadDigest(c)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
}

func TestInMemory(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(context.Background(), Entry{TaskID: "t", Status: client.KindTimeout}))
	entries, err := j.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, client.KindTimeout, entries[0].Status)
}
