// Package envfile manages the KEY=VALUE secrets file a service reads through
// systemd's EnvironmentFile. An existing file is never overwritten unless a
// backup of it has been taken first.
package envfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostprep/pkg/hostfs"
)

// BackupSuffix is appended to the secrets path to name its backup copy.
const BackupSuffix = ".backup"

// templateHeader opens every generated secrets file.
const templateHeader = "# Secrets for the service. Replace the placeholder values below.\n" +
	"# Lines are KEY=VALUE; lines starting with # are ignored.\n"

// Entry is one KEY=VALUE line.
type Entry struct {
	Key     string `json:"key" yaml:"key" toml:"key" validate:"required"`
	Value   string `json:"value" yaml:"value" toml:"value"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty" toml:"comment,omitempty"`

	// Placeholder marks a template value the operator must replace.
	Placeholder bool `json:"placeholder,omitempty" yaml:"placeholder,omitempty" toml:"placeholder,omitempty"`
}

// File is a parsed secrets file. Entries keep file order.
type File struct {
	Path    string
	Entries []Entry
}

// Get returns the value of key.
func (f *File) Get(key string) (string, bool) {
	for i := len(f.Entries) - 1; i >= 0; i-- {
		if f.Entries[i].Key == key {
			return f.Entries[i].Value, true
		}
	}
	return "", false
}

// Keys returns the keys in file order.
func (f *File) Keys() []string {
	keys := make([]string, 0, len(f.Entries))
	for _, e := range f.Entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// ParseError reports a malformed line.
type ParseError struct {
	Path string
	Line int
	Text string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("line %d: expected KEY=VALUE, got %q", e.Line, e.Text)
	}
	return fmt.Sprintf("%s:%d: expected KEY=VALUE, got %q", e.Path, e.Line, e.Text)
}

// BackupHandle records what Backup saw. The zero value is an empty handle.
type BackupHandle struct {
	path       string
	backupPath string
	data       []byte
	mode       fs.FileMode
}

// Empty reports whether there was nothing to back up.
func (h BackupHandle) Empty() bool {
	return h.path == ""
}

// Path is the original file path.
func (h BackupHandle) Path() string {
	return h.path
}

// BackupPath is where the copy was written.
func (h BackupHandle) BackupPath() string {
	return h.backupPath
}

// Manager reads, backs up, restores and creates secrets files.
type Manager struct {
	fs     hostfs.FS
	logger zerolog.Logger
}

// NewManager creates a manager operating on fsys.
func NewManager(fsys hostfs.FS, logger zerolog.Logger) *Manager {
	return &Manager{
		fs:     fsys,
		logger: logger.With().Str("component", "envfile").Logger(),
	}
}

// Backup copies path to path+".backup" with the same mode and keeps the bytes
// in the returned handle. A missing path yields an empty handle.
func (m *Manager) Backup(p string) (BackupHandle, error) {
	info, err := m.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug().Str("path", p).Msg("no secrets file to back up")
			return BackupHandle{}, nil
		}
		return BackupHandle{}, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if info.IsDir() {
		return BackupHandle{}, fmt.Errorf("%s is a directory", p)
	}

	data, err := m.fs.ReadFile(p)
	if err != nil {
		return BackupHandle{}, fmt.Errorf("failed to read %s: %w", p, err)
	}

	backupPath := p + BackupSuffix
	mode := info.Mode().Perm()
	if err := m.fs.WriteFile(backupPath, data, mode); err != nil {
		return BackupHandle{}, fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}

	m.logger.Debug().Str("path", p).Str("backup", backupPath).Int("bytes", len(data)).Msg("secrets file backed up")

	return BackupHandle{
		path:       p,
		backupPath: backupPath,
		data:       data,
		mode:       mode,
	}, nil
}

// Restore writes the backed-up bytes to the original path. The on-disk backup
// is preferred; the in-memory copy covers a backup removed in the meantime.
func (m *Manager) Restore(h BackupHandle) error {
	if h.Empty() {
		return nil
	}

	data := h.data
	if onDisk, err := m.fs.ReadFile(h.backupPath); err == nil {
		data = onDisk
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read backup %s: %w", h.backupPath, err)
	}

	if err := m.fs.MkdirAll(path.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", h.path, err)
	}
	if err := m.fs.WriteFile(h.path, data, h.mode); err != nil {
		return fmt.Errorf("failed to restore %s: %w", h.path, err)
	}

	m.logger.Debug().Str("path", h.path).Int("bytes", len(data)).Msg("secrets file restored")
	return nil
}

// EnsureTemplate writes defaults to path with mode 0600 when path does not
// exist. It never touches an existing file.
func (m *Manager) EnsureTemplate(p string, defaults []Entry) (bool, error) {
	exists, err := hostfs.Exists(m.fs, p)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if exists {
		return false, nil
	}

	if err := m.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	if err := m.fs.WriteFile(p, Render(defaults, templateHeader), 0o600); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", p, err)
	}

	m.logger.Info().Str("path", p).Int("keys", len(defaults)).Msg("secrets template created")
	return true, nil
}

// Read parses the file at path.
func (m *Manager) Read(p string) (*File, error) {
	data, err := m.fs.ReadFile(p)
	if err != nil {
		return nil, err
	}
	entries, err := Parse(bytes.NewReader(data))
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = p
		}
		return nil, err
	}
	return &File{Path: p, Entries: entries}, nil
}

// Parse reads KEY=VALUE lines. Blank lines and # comments are skipped, an
// optional "export " prefix is accepted and matching surrounding quotes are
// stripped from values.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	var comment string

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			comment = ""
			continue
		}
		if strings.HasPrefix(line, "#") {
			comment = strings.TrimSpace(strings.TrimPrefix(line, "#"))
			continue
		}

		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, &ParseError{Line: lineNo, Text: scanner.Text()}
		}

		entries = append(entries, Entry{
			Key:     key,
			Value:   unquote(strings.TrimSpace(value)),
			Comment: comment,
		})
		comment = ""
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Render formats entries as file content, each preceded by its comment.
func Render(entries []Entry, header string) []byte {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n")
	}
	for i, e := range entries {
		if e.Comment != "" {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "# %s\n", e.Comment)
		}
		fmt.Fprintf(&b, "%s=%s\n", e.Key, e.Value)
	}
	return []byte(b.String())
}

// Placeholders lists placeholder keys from defaults that the file leaves
// missing, empty or unchanged.
func Placeholders(f *File, defaults []Entry) []string {
	var keys []string
	for _, d := range defaults {
		if !d.Placeholder {
			continue
		}
		v, ok := f.Get(d.Key)
		if !ok || v == "" || v == d.Value {
			keys = append(keys, d.Key)
		}
	}
	return keys
}
