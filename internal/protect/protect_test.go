package protect

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatch(t *testing.T) {
	s := Default()

	tests := []struct {
		path string
		want bool
	}{
		{".git", true},
		{".git/config", true},
		{"sub/module/.git/HEAD", true},
		{".hg/store", true},
		{"a/.svn", true},
		{"run/agent.sock", true},
		{"agent.sock", true},
		{".world/state.json", true},
		{".github/workflows/ci.yml", false},
		{"src/main.go", false},
		{"docs/socket.md", false},
		{".gitignore", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Match(tt.path))
		})
	}
}

func TestNewExtraPatterns(t *testing.T) {
	s, err := New([]string{"secrets/**", "*.pem", "  "})
	require.NoError(t, err)

	assert.True(t, s.Match("secrets/prod/key"))
	assert.True(t, s.Match("server.pem"))
	assert.False(t, s.Match("certs/server.pem"))
	assert.True(t, s.Match(".git/index"))
	assert.Contains(t, s.Patterns(), "*.pem")
}

func TestNewRejectsNegation(t *testing.T) {
	_, err := New([]string{"!.git"})
	assert.Error(t, err)
}

func TestMatchUnderAbsolute(t *testing.T) {
	root := t.TempDir()
	stateDir := filepath.Join(root, "state")
	require.NoError(t, os.MkdirAll(stateDir, 0755))

	s, err := New([]string{stateDir})
	require.NoError(t, err)
	require.Len(t, s.Absolute(), 1)

	assert.True(t, s.MatchUnder(root, "state"))
	assert.True(t, s.MatchUnder(root, "state/baseline.json"))
	assert.False(t, s.MatchUnder(root, "statefile"))
	assert.False(t, s.MatchUnder(root, "src/a.go"))
	assert.True(t, s.MatchUnder(root, ".git/config"))
}

func TestSpecialMode(t *testing.T) {
	assert.True(t, SpecialMode(fs.ModeSocket))
	assert.True(t, SpecialMode(fs.ModeDevice|fs.ModeCharDevice))
	assert.True(t, SpecialMode(fs.ModeNamedPipe))
	assert.False(t, SpecialMode(0644))
	assert.False(t, SpecialMode(fs.ModeSymlink))
	assert.False(t, SpecialMode(fs.ModeDir))
}

func TestIsUnderOrEqual(t *testing.T) {
	assert.True(t, isUnderOrEqual("/home/user/.ssh", "/home/user/.ssh"))
	assert.True(t, isUnderOrEqual("/home/user/.ssh/id_rsa", "/home/user/.ssh"))
	assert.False(t, isUnderOrEqual("/home/user/.sshrc", "/home/user/.ssh"))
}
