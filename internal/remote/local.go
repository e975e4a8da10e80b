package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/castingclouds/atomic/internal/apply"
	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
	"github.com/castingclouds/atomic/internal/repository"
)

// Local is a sync peer that is another repository on the same filesystem.
// Node transfer is a hard link when possible, a copy otherwise.
type Local struct {
	repo    *repository.Repository
	channel string
	name    string
	logger  *slog.Logger
}

// NewLocal opens the repository at path as a sync peer.
func NewLocal(path, channel, name string, logger *slog.Logger) (*Local, error) {
	repo, err := repository.Open(path)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		channel = repo.Config.Channel()
	}
	if name == "" {
		name = path
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{repo: repo, channel: channel, name: name, logger: logger}, nil
}

// Name returns the peer's display name.
func (l *Local) Name() string { return l.name }

// Close releases the peer repository.
func (l *Local) Close() error { return l.repo.Close() }

// GetState returns the peer's channel head at mid, or the current head.
func (l *Local) GetState(ctx context.Context, mid *uint64) (*State, error) {
	var out *State
	err := l.repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(l.channel)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("remote: no channel %q in %q", l.channel, l.name)
		}
		return txn.ForEachLogReverse(ch, mid, func(e pristine.LogEntry) error {
			out = &State{Position: e.Pos, Head: e.State, TagHead: hash.Zero()}
			return errStopIteration
		})
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return out, nil
}

var errStopIteration = errors.New("stop iteration")

// GetID returns the peer channel's identity.
func (l *Local) GetID(ctx context.Context) (uuid.UUID, bool, error) {
	var id uuid.UUID
	var found bool
	err := l.repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(l.channel)
		if err != nil || !ok {
			return err
		}
		id = ch.ID()
		found = true
		return nil
	})
	return id, found, err
}

// DownloadChangelist walks the peer's channel log from position from,
// invoking fn per node. Path filters require the working-copy layer and are
// ignored here.
func (l *Local) DownloadChangelist(ctx context.Context, from uint64, paths []string, fn func(n uint64, h hash.Hash, m hash.Merkle, isTag bool) error) (map[Position]struct{}, error) {
	err := l.repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(l.channel)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("remote: no channel %q in %q", l.channel, l.name)
		}
		return txn.ForEachLog(ch, from, func(e pristine.LogEntry) error {
			isTag, err := txn.IsTagPosition(ch, e.Pos)
			if err != nil {
				return err
			}
			return fn(e.Pos, e.Hash, e.State, isTag)
		})
	})
	if err != nil {
		return nil, err
	}
	return map[Position]struct{}{}, nil
}

// UploadNodes receives nodes from the sender's store: files are hard-linked
// or copied in, then applied to the target channel in one transaction.
func (l *Local) UploadNodes(ctx context.Context, progress Progress, store *changestore.FileSystem, toChannel string, nodes []Node) error {
	for _, node := range nodes {
		var src, dst string
		if node.IsChange() {
			src = store.Filename(node.Hash)
			dst = l.repo.Changes.Filename(node.Hash)
		} else {
			src = store.TagFilename(node.Hash)
			dst = l.repo.Changes.TagFilename(node.Hash)
		}
		if err := linkOrCopy(src, dst); err != nil {
			return err
		}
	}

	channel := toChannel
	if channel == "" {
		channel = l.channel
	}
	return l.repo.Pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel(channel)
		if err != nil {
			return err
		}
		ws := apply.NewWorkspace()
		for _, node := range nodes {
			if _, err := apply.NodeWS(txn, ch, l.repo.Changes, node.Hash, node.Type, ws); err != nil {
				return err
			}
			_ = progress.Add(1)
		}
		return nil
	})
}

// DownloadNodes hard-links or copies nodes from the peer's store into store,
// surfacing each on done.
func (l *Local) DownloadNodes(ctx context.Context, nodes <-chan Node, done chan<- NodeDone, store *changestore.FileSystem, progress Progress) error {
	defer close(done)
	for node := range nodes {
		var src, dst string
		if node.IsChange() {
			src = l.repo.Changes.Filename(node.Hash)
			dst = store.Filename(node.Hash)
		} else {
			src = l.repo.Changes.TagFilename(node.Hash)
			dst = store.TagFilename(node.Hash)
		}
		if _, err := os.Stat(dst); err != nil {
			if err := linkOrCopy(src, dst); err != nil {
				return err
			}
		}
		_ = progress.Add(1)
		select {
		case done <- NodeDone{Node: node, Done: true}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// UpdateIdentities copies the peer's identity records into dir, replacing
// only records older than the peer's.
func (l *Local) UpdateIdentities(ctx context.Context, sinceRev uint64, dir string) (uint64, error) {
	srcDir, err := l.repo.IdentitiesDir()
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("remote: list identities: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("remote: identities dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, e.Name())
		dst := filepath.Join(dir, e.Name())
		srcInfo, err := e.Info()
		if err != nil {
			return 0, err
		}
		if dstInfo, err := os.Stat(dst); err == nil {
			if !dstInfo.ModTime().Before(srcInfo.ModTime()) {
				continue
			}
			if err := os.Remove(dst); err != nil {
				return 0, err
			}
		}
		if err := linkOrCopy(src, dst); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// linkOrCopy hard-links src to dst, falling back to a byte copy across
// filesystems. The destination shard directory is created on demand.
func linkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("remote: create dir: %w", err)
	}
	if os.Link(src, dst) == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("remote: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("remote: create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("remote: copy %s: %w", src, err)
	}
	return out.Close()
}
