package eventloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_AcrossChunks(t *testing.T) {
	var q taskQueue
	var got []int
	const n = chunkSize*3 + 7
	for i := 0; i < n; i++ {
		q.push(func() { got = append(got, i) })
	}
	require.Equal(t, n, q.len())

	buf := make([]func(), 50)
	for q.len() > 0 {
		k := q.popBatch(buf)
		require.NotZero(t, k)
		for _, fn := range buf[:k] {
			fn()
		}
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestTaskQueue_Interleaved(t *testing.T) {
	var q taskQueue
	next := 0
	expect := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < chunkSize+1; i++ {
			v := next
			next++
			q.push(func() { assert.Equal(t, expect, v); expect++ })
		}
		for i := 0; i < chunkSize/2; i++ {
			fn, ok := q.pop()
			require.True(t, ok)
			fn()
		}
	}
	for {
		fn, ok := q.pop()
		if !ok {
			break
		}
		fn()
	}
	assert.Equal(t, next, expect)
	assert.Zero(t, q.len())
}
