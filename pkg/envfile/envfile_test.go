package envfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostprep/pkg/hostfs"
)

var botDefaults = []Entry{
	{Key: "TELEGRAM_BOT_TOKEN", Value: "your_bot_token_here", Comment: "Telegram bot token from @BotFather", Placeholder: true},
	{Key: "ADMIN_TELEGRAM_ID", Value: "your_telegram_id_here", Placeholder: true},
	{Key: "TURNITIN_BASE_URL", Value: "https://www.turnitright.com"},
}

func newManager() *Manager {
	return NewManager(hostfs.NewLocal(), zerolog.Nop())
}

func TestBackupMutateRestore(t *testing.T) {
	originals := map[string]string{
		"simple":     "TELEGRAM_BOT_TOKEN=123:abc\n",
		"comments":   "# header\n\nA=1\n# note\nB='two words'\n",
		"no newline": "KEY=value",
		"crlf":       "A=1\r\nB=2\r\n",
		"empty":      "",
	}

	mutations := map[string]func(t *testing.T, p string){
		"overwrite": func(t *testing.T, p string) {
			require.NoError(t, os.WriteFile(p, []byte("CHANGED=1\n"), 0o644))
		},
		"delete": func(t *testing.T, p string) {
			require.NoError(t, os.Remove(p))
		},
		"delete with backup": func(t *testing.T, p string) {
			require.NoError(t, os.RemoveAll(filepath.Dir(p)))
		},
	}

	for origName, content := range originals {
		for mutName, mutate := range mutations {
			t.Run(origName+"/"+mutName, func(t *testing.T) {
				m := newManager()
				p := filepath.Join(t.TempDir(), "app", ".env")
				require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
				require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

				h, err := m.Backup(p)
				require.NoError(t, err)
				require.False(t, h.Empty())
				assert.Equal(t, p+BackupSuffix, h.BackupPath())

				mutate(t, p)

				require.NoError(t, m.Restore(h))
				got, err := os.ReadFile(p)
				require.NoError(t, err)
				assert.Equal(t, content, string(got))

				info, err := os.Stat(p)
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
			})
		}
	}
}

func TestBackupMissingFile(t *testing.T) {
	m := newManager()
	p := filepath.Join(t.TempDir(), ".env")

	h, err := m.Backup(p)
	require.NoError(t, err)
	assert.True(t, h.Empty())

	require.NoError(t, m.Restore(h))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(p + BackupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestBackupKeepsMode(t *testing.T) {
	m := newManager()
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("A=1\n"), 0o640))
	require.NoError(t, os.Chmod(p, 0o640))

	_, err := m.Backup(p)
	require.NoError(t, err)

	info, err := os.Stat(p + BackupSuffix)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestEnsureTemplate(t *testing.T) {
	m := newManager()
	p := filepath.Join(t.TempDir(), "app", ".env")

	created, err := m.EnsureTemplate(p, botDefaults)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := m.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"TELEGRAM_BOT_TOKEN", "ADMIN_TELEGRAM_ID", "TURNITIN_BASE_URL"}, f.Keys())
	assert.Equal(t, "Telegram bot token from @BotFather", f.Entries[0].Comment)

	require.NoError(t, os.WriteFile(p, []byte("TELEGRAM_BOT_TOKEN=real\n"), 0o600))
	created, err = m.EnsureTemplate(p, botDefaults)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "TELEGRAM_BOT_TOKEN=real\n", string(got))
}

func TestEnsureTemplateUnwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := newManager().EnsureTemplate(filepath.Join(dir, ".env"), botDefaults)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Entry
		wantErr string
	}{
		{
			name:  "plain",
			input: "A=1\nB=2\n",
			want:  []Entry{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}},
		},
		{
			name:  "comments and blanks",
			input: "# first\nA=1\n\n# dangling\n\nB=2\n",
			want:  []Entry{{Key: "A", Value: "1", Comment: "first"}, {Key: "B", Value: "2"}},
		},
		{
			name:  "export and quotes",
			input: "export TOKEN=\"a b\"\nNAME='x'\nMIXED=\"y'\n",
			want: []Entry{
				{Key: "TOKEN", Value: "a b"},
				{Key: "NAME", Value: "x"},
				{Key: "MIXED", Value: "\"y'"},
			},
		},
		{
			name:  "value with equals",
			input: "URL=https://example.com/?a=b\n",
			want:  []Entry{{Key: "URL", Value: "https://example.com/?a=b"}},
		},
		{
			name:    "missing equals",
			input:   "A=1\nnot a pair\n",
			wantErr: "line 2",
		},
		{
			name:    "empty key",
			input:   "=value\n",
			wantErr: "line 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadParseErrorHasPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("garbage\n"), 0o600))

	_, err := newManager().Read(p)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, p, perr.Path)
	assert.Equal(t, 1, perr.Line)
}

func TestPlaceholders(t *testing.T) {
	f := &File{Entries: []Entry{
		{Key: "TELEGRAM_BOT_TOKEN", Value: "your_bot_token_here"},
		{Key: "TURNITIN_BASE_URL", Value: "https://www.turnitright.com"},
	}}
	assert.Equal(t, []string{"TELEGRAM_BOT_TOKEN", "ADMIN_TELEGRAM_ID"}, Placeholders(f, botDefaults))

	f.Entries = append(f.Entries,
		Entry{Key: "TELEGRAM_BOT_TOKEN", Value: "123:real"},
		Entry{Key: "ADMIN_TELEGRAM_ID", Value: "42"},
	)
	assert.Empty(t, Placeholders(f, botDefaults))
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("A=1\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, 50*time.Millisecond, zerolog.Nop(), func() { changes.Add(1) })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0o600))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(p, []byte("A=2\n"), 0o600))
	}

	require.Eventually(t, func() bool { return changes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), changes.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
