package main

import (
	"errors"
	"testing"

	"clubhouse/cmd/internal/app"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	root := rootCommand()

	for _, path := range [][]string{{"serve"}, {"migrate", "up"}, {"migrate", "down"}, {"likes", "recompute"}} {
		cmd, rest, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Empty(t, rest)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestBareInvocationServes(t *testing.T) {
	stop := errors.New("stop")
	var called int
	prev := serve
	serve = func(app.Config) error {
		called++
		return stop
	}
	t.Cleanup(func() { serve = prev })

	root := rootCommand()
	root.SetArgs([]string{})
	require.ErrorIs(t, root.Execute(), stop)
	assert.Equal(t, 1, called)

	root = rootCommand()
	root.SetArgs([]string{"serve"})
	require.ErrorIs(t, root.Execute(), stop)
	assert.Equal(t, 2, called)
}
