package pristine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/castingclouds/atomic/internal/hash"
)

// Per-channel sub-buckets.
var (
	chanMeta       = []byte("meta")       // "id" -> 16 bytes, "name" -> name
	chanLog        = []byte("log")        // position -> hash || state
	chanChanges    = []byte("changes")    // hash -> position
	chanRevchanges = []byte("revchanges") // position -> state
	chanStates     = []byte("states")     // state -> position
	chanTags       = []byte("tags")       // position -> tag state (present iff tag)
	chanGraph      = []byte("graph")      // applied vertex ids
	chanTouched    = []byte("touched")    // inode -> NodeId
)

var (
	chanMetaID   = []byte("id")
	chanMetaName = []byte("name")
)

// Channel is a shared handle on a named channel. The handle itself carries no
// table state — only identity — and a lock shared by concurrent operations
// within one transaction. Holders must not retain the writer side across
// blocking calls.
type Channel struct {
	mu   sync.RWMutex
	name string
	id   uuid.UUID
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// ID returns the channel's opaque 16-byte identifier.
func (c *Channel) ID() uuid.UUID { return c.id }

// RLock takes the shared reader side.
func (c *Channel) RLock() { c.mu.RLock() }

// RUnlock releases the reader side.
func (c *Channel) RUnlock() { c.mu.RUnlock() }

// Lock takes the exclusive writer side.
func (c *Channel) Lock() { c.mu.Lock() }

// Unlock releases the writer side.
func (c *Channel) Unlock() { c.mu.Unlock() }

// LogEntry is one applied node on a channel log.
type LogEntry struct {
	Pos   uint64
	Hash  hash.Hash
	State hash.Merkle
}

// OpenOrCreateChannel loads the named channel, creating it on demand.
func (t *MutTxn) OpenOrCreateChannel(name string) (*Channel, error) {
	channels, err := t.bucket(bucketChannels)
	if err != nil {
		return nil, err
	}
	cb := channels.Bucket([]byte(name))
	if cb == nil {
		cb, err = channels.CreateBucket([]byte(name))
		if err != nil {
			return nil, fmt.Errorf("pristine: create channel %q: %w", name, err)
		}
		for _, sub := range [][]byte{
			chanMeta, chanLog, chanChanges, chanRevchanges,
			chanStates, chanTags, chanGraph, chanTouched,
		} {
			if _, err := cb.CreateBucket(sub); err != nil {
				return nil, fmt.Errorf("pristine: create channel %q: %w", name, err)
			}
		}
		id := uuid.New()
		meta := cb.Bucket(chanMeta)
		if err := meta.Put(chanMetaID, id[:]); err != nil {
			return nil, fmt.Errorf("pristine: create channel %q: %w", name, err)
		}
		if err := meta.Put(chanMetaName, []byte(name)); err != nil {
			return nil, fmt.Errorf("pristine: create channel %q: %w", name, err)
		}
		return &Channel{name: name, id: id}, nil
	}
	return loadChannel(cb, name)
}

// LoadChannel loads an existing channel; ok is false when it does not exist.
func (t *Txn) LoadChannel(name string) (*Channel, bool, error) {
	channels, err := t.bucket(bucketChannels)
	if err != nil {
		return nil, false, err
	}
	cb := channels.Bucket([]byte(name))
	if cb == nil {
		return nil, false, nil
	}
	ch, err := loadChannel(cb, name)
	if err != nil {
		return nil, false, err
	}
	return ch, true, nil
}

func loadChannel(cb *bolt.Bucket, name string) (*Channel, error) {
	meta := cb.Bucket(chanMeta)
	if meta == nil {
		return nil, fmt.Errorf("%w: channel %q has no meta", ErrCorrupt, name)
	}
	raw := meta.Get(chanMetaID)
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %q id: %v", ErrCorrupt, name, err)
	}
	return &Channel{name: name, id: id}, nil
}

// Channels lists every channel name.
func (t *Txn) Channels() ([]string, error) {
	channels, err := t.bucket(bucketChannels)
	if err != nil {
		return nil, err
	}
	var out []string
	err = channels.ForEachBucket(func(k []byte) error {
		out = append(out, string(k))
		return nil
	})
	return out, err
}

// DropChannel removes the channel's log and indices. Node content is left
// intact; only the channel goes away.
func (t *MutTxn) DropChannel(name string) error {
	channels, err := t.bucket(bucketChannels)
	if err != nil {
		return err
	}
	if channels.Bucket([]byte(name)) == nil {
		return fmt.Errorf("%w: channel %q", ErrNotFound, name)
	}
	if err := channels.DeleteBucket([]byte(name)); err != nil {
		return fmt.Errorf("pristine: drop channel %q: %w", name, err)
	}
	return nil
}

// ForkChannel snapshots an existing channel under a new name with a fresh id.
func (t *MutTxn) ForkChannel(src *Channel, newName string) (*Channel, error) {
	channels, err := t.bucket(bucketChannels)
	if err != nil {
		return nil, err
	}
	from := channels.Bucket([]byte(src.name))
	if from == nil {
		return nil, fmt.Errorf("%w: channel %q", ErrNotFound, src.name)
	}
	if channels.Bucket([]byte(newName)) != nil {
		return nil, fmt.Errorf("pristine: channel %q already exists", newName)
	}
	to, err := channels.CreateBucket([]byte(newName))
	if err != nil {
		return nil, fmt.Errorf("pristine: fork channel: %w", err)
	}
	for _, sub := range [][]byte{
		chanLog, chanChanges, chanRevchanges,
		chanStates, chanTags, chanGraph, chanTouched,
	} {
		dst, err := to.CreateBucket(sub)
		if err != nil {
			return nil, fmt.Errorf("pristine: fork channel: %w", err)
		}
		srcSub := from.Bucket(sub)
		if srcSub == nil {
			continue
		}
		err = srcSub.ForEach(func(k, v []byte) error {
			return dst.Put(k, v)
		})
		if err != nil {
			return nil, fmt.Errorf("pristine: fork channel: %w", err)
		}
	}
	meta, err := to.CreateBucket(chanMeta)
	if err != nil {
		return nil, fmt.Errorf("pristine: fork channel: %w", err)
	}
	id := uuid.New()
	if err := meta.Put(chanMetaID, id[:]); err != nil {
		return nil, fmt.Errorf("pristine: fork channel: %w", err)
	}
	if err := meta.Put(chanMetaName, []byte(newName)); err != nil {
		return nil, fmt.Errorf("pristine: fork channel: %w", err)
	}
	return &Channel{name: newName, id: id}, nil
}

func (t *Txn) channelSub(ch *Channel, sub []byte) (*bolt.Bucket, error) {
	channels, err := t.bucket(bucketChannels)
	if err != nil {
		return nil, err
	}
	cb := channels.Bucket([]byte(ch.name))
	if cb == nil {
		return nil, fmt.Errorf("%w: channel %q", ErrNotFound, ch.name)
	}
	sb := cb.Bucket(sub)
	if sb == nil {
		return nil, fmt.Errorf("%w: channel %q missing %q", ErrCorrupt, ch.name, sub)
	}
	return sb, nil
}

// ChannelLen returns the number of applied nodes (the next log position).
func (t *Txn) ChannelLen(ch *Channel) (uint64, error) {
	log, err := t.channelSub(ch, chanLog)
	if err != nil {
		return 0, err
	}
	k, _ := log.Cursor().Last()
	if k == nil {
		return 0, nil
	}
	return keyU64(k) + 1, nil
}

// CurrentState returns the channel Merkle after the last applied node, or the
// zero state for an empty channel.
func (t *Txn) CurrentState(ch *Channel) (hash.Merkle, error) {
	log, err := t.channelSub(ch, chanLog)
	if err != nil {
		return hash.Merkle{}, err
	}
	k, v := log.Cursor().Last()
	if k == nil {
		return hash.Zero(), nil
	}
	_, state, err := splitLogValue(v)
	return state, err
}

// AppendNode appends (hash, state) at the next position. When tagState is
// non-nil the position is also recorded in the tag index. Returns the
// assigned position.
func (t *MutTxn) AppendNode(ch *Channel, h hash.Hash, state hash.Merkle, tagState *hash.Merkle) (uint64, error) {
	log, err := t.channelSub(ch, chanLog)
	if err != nil {
		return 0, err
	}
	pos, err := t.ChannelLen(ch)
	if err != nil {
		return 0, err
	}
	if err := log.Put(u64Key(pos), logValue(h, state)); err != nil {
		return 0, fmt.Errorf("pristine: append log: %w", err)
	}
	changes, err := t.channelSub(ch, chanChanges)
	if err != nil {
		return 0, err
	}
	if err := changes.Put(h[:], u64Key(pos)); err != nil {
		return 0, fmt.Errorf("pristine: append changes: %w", err)
	}
	revchanges, err := t.channelSub(ch, chanRevchanges)
	if err != nil {
		return 0, err
	}
	if err := revchanges.Put(u64Key(pos), state.Bytes()); err != nil {
		return 0, fmt.Errorf("pristine: append revchanges: %w", err)
	}
	states, err := t.channelSub(ch, chanStates)
	if err != nil {
		return 0, err
	}
	// A tag records the state the channel already reached; keep the first
	// position that hit each state.
	if states.Get(state[:]) == nil {
		if err := states.Put(state[:], u64Key(pos)); err != nil {
			return 0, fmt.Errorf("pristine: append states: %w", err)
		}
	}
	if tagState != nil {
		tags, err := t.channelSub(ch, chanTags)
		if err != nil {
			return 0, err
		}
		if err := tags.Put(u64Key(pos), tagState.Bytes()); err != nil {
			return 0, fmt.Errorf("pristine: append tags: %w", err)
		}
	}
	return pos, nil
}

func logValue(h hash.Hash, state hash.Merkle) []byte {
	v := make([]byte, 2*hash.Size)
	copy(v, h[:])
	copy(v[hash.Size:], state[:])
	return v
}

func splitLogValue(v []byte) (hash.Hash, hash.Merkle, error) {
	if len(v) != 2*hash.Size {
		return hash.Hash{}, hash.Merkle{}, fmt.Errorf("%w: malformed log entry", ErrCorrupt)
	}
	h, ok := hash.FromBytes(v[:hash.Size])
	if !ok {
		return hash.Hash{}, hash.Merkle{}, fmt.Errorf("%w: malformed log hash", ErrCorrupt)
	}
	state, ok := hash.FromBytes(v[hash.Size:])
	if !ok {
		return hash.Hash{}, hash.Merkle{}, fmt.Errorf("%w: malformed log state", ErrCorrupt)
	}
	return h, state, nil
}

// GetChangePosition returns the log position of a hash on the channel.
func (t *Txn) GetChangePosition(ch *Channel, h hash.Hash) (uint64, bool, error) {
	changes, err := t.channelSub(ch, chanChanges)
	if err != nil {
		return 0, false, err
	}
	v := changes.Get(h[:])
	if v == nil {
		return 0, false, nil
	}
	return keyU64(v), true, nil
}

// GetLogEntry returns the (hash, state) recorded at a position.
func (t *Txn) GetLogEntry(ch *Channel, pos uint64) (LogEntry, bool, error) {
	log, err := t.channelSub(ch, chanLog)
	if err != nil {
		return LogEntry{}, false, err
	}
	v := log.Get(u64Key(pos))
	if v == nil {
		return LogEntry{}, false, nil
	}
	h, state, err := splitLogValue(v)
	if err != nil {
		return LogEntry{}, false, err
	}
	return LogEntry{Pos: pos, Hash: h, State: state}, true, nil
}

// ForEachLog walks the log from position from in ascending order. fn
// returning a non-nil error stops the walk and propagates.
func (t *Txn) ForEachLog(ch *Channel, from uint64, fn func(LogEntry) error) error {
	log, err := t.channelSub(ch, chanLog)
	if err != nil {
		return err
	}
	c := log.Cursor()
	for k, v := c.Seek(u64Key(from)); k != nil; k, v = c.Next() {
		h, state, err := splitLogValue(v)
		if err != nil {
			return err
		}
		if err := fn(LogEntry{Pos: keyU64(k), Hash: h, State: state}); err != nil {
			return err
		}
	}
	return nil
}

// ForEachLogReverse walks the log in descending order starting at from (or
// the head when from is nil).
func (t *Txn) ForEachLogReverse(ch *Channel, from *uint64, fn func(LogEntry) error) error {
	log, err := t.channelSub(ch, chanLog)
	if err != nil {
		return err
	}
	c := log.Cursor()
	var k, v []byte
	if from == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(u64Key(*from))
		if k == nil {
			k, v = c.Last()
		} else if keyU64(k) > *from {
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		h, state, err := splitLogValue(v)
		if err != nil {
			return err
		}
		if err := fn(LogEntry{Pos: keyU64(k), Hash: h, State: state}); err != nil {
			return err
		}
	}
	return nil
}

// Log collects the log from a position. Intended for modest ranges; use
// ForEachLog to stream.
func (t *Txn) Log(ch *Channel, from uint64) ([]LogEntry, error) {
	var out []LogEntry
	err := t.ForEachLog(ch, from, func(e LogEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// TagEntry is a tag position on a channel.
type TagEntry struct {
	Pos   uint64
	State hash.Merkle
}

// IterTags yields tag positions at or after from, in ascending order.
func (t *Txn) IterTags(ch *Channel, from uint64) ([]TagEntry, error) {
	tags, err := t.channelSub(ch, chanTags)
	if err != nil {
		return nil, err
	}
	var out []TagEntry
	c := tags.Cursor()
	for k, v := c.Seek(u64Key(from)); k != nil; k, v = c.Next() {
		state, ok := hash.FromBytes(v)
		if !ok {
			return nil, fmt.Errorf("%w: malformed tag state", ErrCorrupt)
		}
		out = append(out, TagEntry{Pos: keyU64(k), State: state})
	}
	return out, nil
}

// IsTagPosition reports whether the node at pos is a tag.
func (t *Txn) IsTagPosition(ch *Channel, pos uint64) (bool, error) {
	tags, err := t.channelSub(ch, chanTags)
	if err != nil {
		return false, err
	}
	return tags.Get(u64Key(pos)) != nil, nil
}

// LastTag returns the most recent tag on the channel, if any.
func (t *Txn) LastTag(ch *Channel) (TagEntry, bool, error) {
	tags, err := t.channelSub(ch, chanTags)
	if err != nil {
		return TagEntry{}, false, err
	}
	k, v := tags.Cursor().Last()
	if k == nil {
		return TagEntry{}, false, nil
	}
	state, ok := hash.FromBytes(v)
	if !ok {
		return TagEntry{}, false, fmt.Errorf("%w: malformed tag state", ErrCorrupt)
	}
	return TagEntry{Pos: keyU64(k), State: state}, true, nil
}

// PositionOfState returns the position whose post-apply state equals state.
func (t *Txn) PositionOfState(ch *Channel, state hash.Merkle) (uint64, bool, error) {
	states, err := t.channelSub(ch, chanStates)
	if err != nil {
		return 0, false, err
	}
	v := states.Get(state[:])
	if v == nil {
		return 0, false, nil
	}
	return keyU64(v), true, nil
}

// AddVertex records an applied vertex in the channel graph.
func (t *MutTxn) AddVertex(ch *Channel, id NodeId) error {
	graph, err := t.channelSub(ch, chanGraph)
	if err != nil {
		return err
	}
	if err := graph.Put(u64Key(uint64(id)), edgeVal); err != nil {
		return fmt.Errorf("pristine: add vertex: %w", err)
	}
	return nil
}

// HasVertex reports whether id was applied on the channel.
func (t *Txn) HasVertex(ch *Channel, id NodeId) (bool, error) {
	graph, err := t.channelSub(ch, chanGraph)
	if err != nil {
		return false, err
	}
	return graph.Get(u64Key(uint64(id))) != nil, nil
}

// PutTouched records the node that last touched an inode.
func (t *MutTxn) PutTouched(ch *Channel, inode uint64, id NodeId) error {
	touched, err := t.channelSub(ch, chanTouched)
	if err != nil {
		return err
	}
	if err := touched.Put(u64Key(inode), u64Key(uint64(id))); err != nil {
		return fmt.Errorf("pristine: put touched: %w", err)
	}
	return nil
}

// GetTouched returns the node that last touched an inode.
func (t *Txn) GetTouched(ch *Channel, inode uint64) (NodeId, bool, error) {
	touched, err := t.channelSub(ch, chanTouched)
	if err != nil {
		return 0, false, err
	}
	v := touched.Get(u64Key(inode))
	if v == nil {
		return 0, false, nil
	}
	return NodeId(keyU64(v)), true, nil
}
