package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/castingclouds/atomic/internal/apply"
	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
	"github.com/castingclouds/atomic/internal/repository"
	"github.com/castingclouds/atomic/internal/tag"
)

// Peer is a sync counterpart: an HTTP remote or another local repository.
type Peer interface {
	Name() string
	GetState(ctx context.Context, mid *uint64) (*State, error)
	GetID(ctx context.Context) (uuid.UUID, bool, error)
	DownloadChangelist(ctx context.Context, from uint64, paths []string, fn func(n uint64, h hash.Hash, m hash.Merkle, isTag bool) error) (map[Position]struct{}, error)
	DownloadNodes(ctx context.Context, nodes <-chan Node, done chan<- NodeDone, store *changestore.FileSystem, progress Progress) error
	UploadNodes(ctx context.Context, progress Progress, store *changestore.FileSystem, toChannel string, nodes []Node) error
	UpdateIdentities(ctx context.Context, sinceRev uint64, dir string) (uint64, error)
}

// changelistEntry is one remote changelist row paired with its position.
type changelistEntry struct {
	Pos  uint64
	Node Node
}

func fetchChangelist(ctx context.Context, peer Peer, from uint64, paths []string) ([]changelistEntry, error) {
	var entries []changelistEntry
	_, err := peer.DownloadChangelist(ctx, from, paths, func(n uint64, h hash.Hash, m hash.Merkle, isTag bool) error {
		nodeType := pristine.NodeTypeChange
		if isTag {
			nodeType = pristine.NodeTypeTag
		}
		entries = append(entries, changelistEntry{Pos: n, Node: Node{Hash: h, State: m, Type: nodeType}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// downloadAll runs the downloader pipeline over nodes and waits for every
// completion.
func downloadAll(ctx context.Context, peer Peer, store *changestore.FileSystem, nodes []Node, progress Progress) error {
	in := make(chan Node)
	out := make(chan NodeDone, len(nodes))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(in)
		for _, n := range nodes {
			select {
			case in <- n:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		return peer.DownloadNodes(ctx, in, out, store, progress)
	})
	g.Go(func() error {
		for range out {
		}
		return nil
	})
	return g.Wait()
}

// Pull fetches the peer's changelist past the locally mirrored position,
// downloads the missing nodes, applies them in log order, and advances the
// per-remote table.
func Pull(ctx context.Context, repo *repository.Repository, peer Peer, channelName string, progress Progress) (int, error) {
	remoteID, found, err := peer.GetID(ctx)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("remote: peer %q did not report an id", peer.Name())
	}

	// Resume past what the per-remote table already mirrors.
	var from uint64
	err = repo.Pristine.View(func(txn *pristine.Txn) error {
		r, ok, err := txn.LoadRemote(remoteID)
		if err != nil || !ok {
			return err
		}
		last, ok, err := txn.LastRemote(r)
		if err != nil || !ok {
			return err
		}
		from = last.Pos + 1
		return nil
	})
	if err != nil {
		return 0, err
	}

	entries, err := fetchChangelist(ctx, peer, from, nil)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Skip nodes the channel already carries; download the rest.
	var missing []Node
	err = repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(channelName)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if ok {
				if _, onChannel, err := txn.GetChangePosition(ch, e.Node.Hash); err != nil {
					return err
				} else if onChannel {
					continue
				}
			}
			missing = append(missing, e.Node)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := downloadAll(ctx, peer, repo.Changes, missing, progress); err != nil {
		return 0, err
	}

	applied := 0
	err = repo.Pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel(channelName)
		if err != nil {
			return err
		}
		r, err := txn.OpenOrCreateRemote(remoteID, peer.Name())
		if err != nil {
			return err
		}
		ws := apply.NewWorkspace()
		for _, e := range entries {
			res, err := apply.NodeWS(txn, ch, repo.Changes, e.Node.Hash, e.Node.Type, ws)
			if err != nil {
				return err
			}
			if res.Applied {
				applied++
			}
			if err := txn.PutRemote(r, e.Pos, e.Node.Hash, e.Node.State, e.Node.Type); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// Push ships local nodes the peer does not have, in log order.
func Push(ctx context.Context, repo *repository.Repository, peer Peer, channelName, toChannel string, progress Progress) (int, error) {
	// The peer's changelist tells us what it already has.
	remoteHas := make(map[hash.Hash]struct{})
	_, err := peer.DownloadChangelist(ctx, 0, nil, func(n uint64, h hash.Hash, m hash.Merkle, isTag bool) error {
		remoteHas[h] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var outgoing []Node
	err = repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(channelName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("remote: no channel %q", channelName)
		}
		return txn.ForEachLog(ch, 0, func(e pristine.LogEntry) error {
			if _, has := remoteHas[e.Hash]; has {
				return nil
			}
			isTag, err := txn.IsTagPosition(ch, e.Pos)
			if err != nil {
				return err
			}
			nodeType := pristine.NodeTypeChange
			if isTag {
				nodeType = pristine.NodeTypeTag
			}
			outgoing = append(outgoing, Node{Hash: e.Hash, State: e.State, Type: nodeType})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(outgoing) == 0 {
		return 0, nil
	}
	if err := peer.UploadNodes(ctx, progress, repo.Changes, toChannel, outgoing); err != nil {
		return 0, err
	}
	return len(outgoing), nil
}

// Clone populates a fresh repository from the peer: it fetches the full
// changelist, downloads every referenced change — tag files are not
// downloaded; each is regenerated locally from the cloned channel state just
// before that tag is applied — and applies each node in log order. A failed
// clone removes the repository it created.
func Clone(ctx context.Context, targetRoot, channelName string, peer Peer, progress Progress) (*repository.Repository, error) {
	return cloneUpTo(ctx, targetRoot, channelName, peer, nil, progress)
}

// CloneState clones only the prefix of the channel up to (and including) the
// node whose post-apply state equals state. Tags identify themselves by their
// state, so this also serves cloning up to a tag.
func CloneState(ctx context.Context, targetRoot, channelName string, peer Peer, state hash.Merkle, progress Progress) (*repository.Repository, error) {
	return cloneUpTo(ctx, targetRoot, channelName, peer, &state, progress)
}

func cloneUpTo(ctx context.Context, targetRoot, channelName string, peer Peer, upTo *hash.Merkle, progress Progress) (_ *repository.Repository, err error) {
	_, statErr := os.Stat(targetRoot)
	rootExisted := statErr == nil

	repo, err := repository.Init(targetRoot)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			repo.Close()
			// Remove only what the clone created.
			if rootExisted {
				os.RemoveAll(filepath.Join(targetRoot, repository.DotDir))
			} else {
				os.RemoveAll(targetRoot)
			}
		}
	}()

	entries, err := fetchChangelist(ctx, peer, 0, nil)
	if err != nil {
		return nil, err
	}
	if upTo != nil {
		cut := -1
		for i, e := range entries {
			if e.Node.State == *upTo || e.Node.Hash == *upTo {
				cut = i
				break
			}
		}
		if cut < 0 {
			return nil, fmt.Errorf("remote: state %s not found on %q", upTo, peer.Name())
		}
		entries = entries[:cut+1]
	}

	var changes []Node
	for _, e := range entries {
		if e.Node.IsChange() {
			changes = append(changes, e.Node)
		}
	}
	if err := downloadAll(ctx, peer, repo.Changes, changes, progress); err != nil {
		return nil, err
	}

	remoteID, found, err := peer.GetID(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("remote: peer %q did not report an id", peer.Name())
	}

	err = repo.Pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel(channelName)
		if err != nil {
			return err
		}
		r, err := txn.OpenOrCreateRemote(remoteID, peer.Name())
		if err != nil {
			return err
		}
		ws := apply.NewWorkspace()
		for _, e := range entries {
			if e.Node.IsTag() {
				if err := regenerateTagFile(txn, ch, repo.Changes, e.Node); err != nil {
					return err
				}
			}
			if _, err := apply.NodeWS(txn, ch, repo.Changes, e.Node.Hash, e.Node.Type, ws); err != nil {
				return err
			}
			if err := txn.PutRemote(r, e.Pos, e.Node.Hash, e.Node.State, e.Node.Type); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// regenerateTagFile rebuilds a tag file from the cloning repository's own
// channel state: the consolidated set is the log suffix since the previous
// tag, and the snapshot is the current log.
func regenerateTagFile(txn *pristine.MutTxn, ch *pristine.Channel, store *changestore.FileSystem, node Node) error {
	if store.HasTag(node.Hash) {
		return nil
	}
	entries, err := txn.Log(ch, 0)
	if err != nil {
		return err
	}
	since := uint64(0)
	var prev *hash.Merkle
	if last, ok, err := txn.LastTag(ch); err != nil {
		return err
	} else if ok {
		since = last.Pos + 1
		state := last.State
		prev = &state
	}
	var consolidated []hash.Hash
	for _, e := range entries {
		if e.Pos >= since {
			consolidated = append(consolidated, e.Hash)
		}
	}
	short := &change.ShortTag{
		State:  node.Hash,
		Header: change.Header{Message: "tag " + node.Hash.Base32()[:8], Timestamp: time.Now().UTC()},
		Metadata: change.TagMetadata{
			Channel:                 ch.Name(),
			ConsolidatedChangeCount: uint64(len(consolidated)),
			DependencyCountBefore:   uint64(len(entries)) - since,
			ConsolidatedChanges:     consolidated,
			PreviousConsolidation:   prev,
			ConsolidatesSince:       prev,
		},
	}
	return store.SaveTagFile(node.Hash, short, tag.EncodeSnapshot(entries))
}
