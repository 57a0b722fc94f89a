package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner/runnertest"
)

// rootedFS redirects absolute paths into a temp dir.
type rootedFS struct {
	hostfs.Local
	root string
}

func (f *rootedFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.root, name))
}

func TestGatherFacts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "os-release"),
		[]byte("ID=debian\nVERSION_ID=\"12\"\n"), 0o644))

	fake := runnertest.New().
		Exit([]string{"hostname"}, 0, "bot-1\n").
		Exit([]string{"uname", "-m"}, 0, "x86_64\n").
		Exit([]string{"nproc"}, 0, "4\n")

	facts, err := GatherFacts(context.Background(), fake, &rootedFS{root: root})
	require.NoError(t, err)
	assert.Equal(t, "bot-1", facts.Hostname)
	assert.Equal(t, "debian", facts.OSID)
	assert.Equal(t, "12", facts.OSVersion)
	assert.Equal(t, "x86_64", facts.Arch)
	assert.Equal(t, 4, facts.CPUs)
}

func TestGatherFactsToleratesMissingTools(t *testing.T) {
	fake := runnertest.New().Exit([]string{"nproc"}, 127, "")

	facts, err := GatherFacts(context.Background(), fake, &rootedFS{root: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, facts.OSID)
	assert.Zero(t, facts.CPUs)
}
