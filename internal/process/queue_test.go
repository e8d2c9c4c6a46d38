package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/types"
)

func msg(id string) types.QueuedMessage {
	return types.QueuedMessage{ID: id, Text: id, QueuedAt: time.Now()}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)

	pos, err := q.Push(msg("a"))
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	pos, err = q.Push(msg("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueFullFailsFast(t *testing.T) {
	q := NewQueue(2)

	_, err := q.Push(msg("a"))
	require.NoError(t, err)
	_, err = q.Push(msg("b"))
	require.NoError(t, err)

	_, err = q.Push(msg("c"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueuePeekAndClear(t *testing.T) {
	q := NewQueue(10)
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Push(msg(id))
		require.NoError(t, err)
	}

	peeked := q.Peek(2)
	require.Len(t, peeked, 2)
	assert.Equal(t, "a", peeked[0].ID)
	assert.Equal(t, "b", peeked[1].ID)
	assert.Equal(t, 3, q.Len()) // peek does not consume

	cleared := q.Clear()
	assert.Len(t, cleared, 3)
	assert.Equal(t, 0, q.Len())
}
