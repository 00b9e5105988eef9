package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordduel/server/internal/users"
)

func TestRegisterCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	var out bytes.Buffer
	rootCmd.SetOut(&out)

	rootCmd.SetArgs([]string{"register", "alice", "secret", "--directory", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "registered alice")

	rootCmd.SetArgs([]string{"register", "alice", "again", "--directory", path})
	assert.ErrorIs(t, rootCmd.Execute(), users.ErrUsernameAlreadyUsed)

	dir, err := users.LoadFile(path)
	require.NoError(t, err)
	assert.NoError(t, dir.Verify("alice", "secret"))
}
