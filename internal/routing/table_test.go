package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableLifecycle(t *testing.T) {
	tbl := NewTable()
	assert.Equal(t, 0, tbl.Len())

	require.NoError(t, tbl.Begin("exec-1"))
	assert.True(t, errors.Is(tbl.Begin("exec-1"), ErrExecutionExists))

	require.NoError(t, tbl.Set("exec-1", "fn-a", "fn-b"))
	require.NoError(t, tbl.Set("exec-1", "fn-b", "end"))

	next, ok := tbl.Next("exec-1", "fn-a")
	assert.True(t, ok)
	assert.Equal(t, "fn-b", next)

	_, ok = tbl.Next("exec-1", "fn-z")
	assert.False(t, ok)

	require.NoError(t, tbl.Retire("exec-1"))
	assert.Equal(t, 0, tbl.Len())

	_, ok = tbl.Next("exec-1", "fn-a")
	assert.False(t, ok)
}

func TestTableUnknownExecution(t *testing.T) {
	tbl := NewTable()
	assert.True(t, errors.Is(tbl.Set("nope", "a", "b"), ErrUnknownExecution))
	assert.True(t, errors.Is(tbl.Retire("nope"), ErrUnknownExecution))
}
