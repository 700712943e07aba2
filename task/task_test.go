package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsDistinctIDs(t *testing.T) {
	a := New(FetchKey{FetcherName: "fs", Key: "a.txt"}, EmitKey{})
	b := New(FetchKey{FetcherName: "fs", Key: "a.txt"}, EmitKey{})
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, Emit, a.OnParseException)
}

func TestCodecs(t *testing.T) {
	data := EmitData{
		EmitKey: EmitKey{EmitterName: "fs", Key: "out/a.json"},
		Metadata: []map[string][]string{
			{"Content-Type": {"text/plain"}, "X-Lines": {"3"}},
		},
	}
	for _, name := range []string{"cbor", "json"} {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			b, err := c.Marshal(data)
			require.NoError(t, err)

			var got EmitData
			require.NoError(t, c.Unmarshal(b, &got))
			assert.Equal(t, data, got)
		})
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	tk := &Task{
		ID:       "id-1",
		FetchKey: FetchKey{FetcherName: "fs", Key: "a"},
		Metadata: map[string][]string{"b": {"2"}, "a": {"1"}, "c": {"3"}},
	}
	first, err := CBOR().Marshal(tk)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CBOR().Marshal(tk)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestByNameUnknown(t *testing.T) {
	_, err := ByName("xml")
	require.ErrorContains(t, err, `unknown codec "xml"`)

	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())
}
