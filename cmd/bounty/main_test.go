package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadContent(t *testing.T) {
	got, err := readContent("plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", got)

	path := filepath.Join(t.TempDir(), "answer.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file\n"), 0o600))
	got, err = readContent("@" + path)
	require.NoError(t, err)
	assert.Equal(t, "from file\n", got)

	_, err = readContent("@" + filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestCommandsRequireSignerForWrites(t *testing.T) {
	for name, cmd := range commands {
		switch name {
		case "submit", "claim", "create":
			assert.True(t, cmd.needSigner, name)
		default:
			assert.False(t, cmd.needSigner, name)
		}
	}
}
