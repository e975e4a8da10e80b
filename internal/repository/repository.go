// Package repository assembles the on-disk layout of a repository: the
// pristine database, the change store, identity records, and the optional
// TOML config, all under the .atomic directory at the repository root.
package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/pristine"
)

// DotDir is the repository metadata directory.
const DotDir = ".atomic"

// DefaultChannel is the channel created by Init.
const DefaultChannel = "main"

// ErrNotFound is returned when no repository is found at or above a path.
var ErrNotFound = errors.New("repository: no repository found")

// Config is the optional per-repository configuration
// (.atomic/config.toml).
type Config struct {
	// DefaultChannel overrides the channel used when none is named.
	DefaultChannel string `toml:"default_channel,omitempty"`
	// Remotes maps remote aliases to URLs or paths.
	Remotes map[string]string `toml:"remotes,omitempty"`
}

// Channel returns the configured default channel.
func (c Config) Channel() string {
	if c.DefaultChannel != "" {
		return c.DefaultChannel
	}
	return DefaultChannel
}

// Repository is an open repository handle.
type Repository struct {
	Root     string
	Pristine *pristine.Pristine
	Changes  *changestore.FileSystem
	Config   Config
}

func dotDir(root string) string        { return filepath.Join(root, DotDir) }
func pristinePath(root string) string  { return filepath.Join(root, DotDir, "pristine", "db") }
func changesDir(root string) string    { return filepath.Join(root, DotDir, "changes") }
func identitiesDir(root string) string { return filepath.Join(root, DotDir, "identities") }
func configPath(root string) string    { return filepath.Join(root, DotDir, "config.toml") }

// Init creates a repository at root, including the default channel. It fails
// when one already exists there.
func Init(root string) (*Repository, error) {
	if _, err := os.Stat(dotDir(root)); err == nil {
		return nil, fmt.Errorf("repository: %s already exists in %s", DotDir, root)
	}
	for _, dir := range []string{changesDir(root), identitiesDir(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: init: %w", err)
		}
	}
	repo, err := open(root)
	if err != nil {
		return nil, err
	}
	err = repo.Pristine.Update(func(txn *pristine.MutTxn) error {
		_, err := txn.OpenOrCreateChannel(DefaultChannel)
		return err
	})
	if err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

// Open walks up from path to find the enclosing repository and opens it.
func Open(path string) (*Repository, error) {
	root, err := Find(path)
	if err != nil {
		return nil, err
	}
	return open(root)
}

// Find walks up from path to the nearest directory containing the metadata
// directory.
func Find(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("repository: resolve %s: %w", path, err)
	}
	for {
		if info, err := os.Stat(dotDir(dir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: searched from %s", ErrNotFound, path)
		}
		dir = parent
	}
}

func open(root string) (*Repository, error) {
	p, err := pristine.New(pristinePath(root))
	if err != nil {
		return nil, err
	}
	store, err := changestore.New(changesDir(root), 0)
	if err != nil {
		p.Close()
		return nil, err
	}
	repo := &Repository{Root: root, Pristine: p, Changes: store}

	if raw, err := os.ReadFile(configPath(root)); err == nil {
		if err := toml.Unmarshal(raw, &repo.Config); err != nil {
			p.Close()
			return nil, fmt.Errorf("repository: parse config.toml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		p.Close()
		return nil, fmt.Errorf("repository: read config.toml: %w", err)
	}
	return repo, nil
}

// SaveConfig writes the repository config back to config.toml.
func (r *Repository) SaveConfig() error {
	f, err := os.Create(configPath(r.Root))
	if err != nil {
		return fmt.Errorf("repository: write config.toml: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(r.Config); err != nil {
		return fmt.Errorf("repository: encode config.toml: %w", err)
	}
	return nil
}

// IdentitiesDir returns the identities directory, creating it on demand.
func (r *Repository) IdentitiesDir() (string, error) {
	dir := identitiesDir(r.Root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("repository: identities dir: %w", err)
	}
	return dir, nil
}

// ChangesDir returns the change store directory.
func (r *Repository) ChangesDir() string {
	return changesDir(r.Root)
}

// Close releases the pristine database.
func (r *Repository) Close() error {
	return r.Pristine.Close()
}
