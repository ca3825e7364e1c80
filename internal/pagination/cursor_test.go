package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "ord_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "ord_abc123", cursor.ID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)

	_, err = Decode("not-base64!!!")
	assert.ErrorContains(t, err, "invalid cursor")

	// Valid base64 but no separator inside.
	_, err = Decode("bm9waXBl")
	assert.Error(t, err)
}

func TestComputePage(t *testing.T) {
	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return when, s }

	t.Run("short page", func(t *testing.T) {
		page, cursor, hasMore := ComputePage([]string{"a", "b", "c"}, 5, key)
		assert.Len(t, page, 3)
		assert.Empty(t, cursor)
		assert.False(t, hasMore)
	})

	t.Run("exactly limit", func(t *testing.T) {
		page, cursor, hasMore := ComputePage([]string{"a", "b", "c"}, 3, key)
		assert.Len(t, page, 3)
		assert.Empty(t, cursor)
		assert.False(t, hasMore)
	})

	t.Run("overflow row trimmed", func(t *testing.T) {
		page, cursor, hasMore := ComputePage([]string{"a", "b", "c", "d"}, 3, key)
		assert.Len(t, page, 3)
		assert.True(t, hasMore)

		c, err := Decode(cursor)
		require.NoError(t, err)
		assert.Equal(t, "c", c.ID)
	})
}
