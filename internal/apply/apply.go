// Package apply implements the unified application of a node — Change or
// Tag — to a channel: dependency closure in declaration order, duplicate
// detection, position assignment, and the channel state fold.
package apply

import (
	"errors"
	"fmt"

	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
)

// ErrAlreadyOnChannel is returned when a tag is applied to a channel that
// already carries it. Unlike changes, tags are not idempotently absorbed.
var ErrAlreadyOnChannel = errors.New("apply: tag already on channel")

// ErrChangeNotFound is returned when the change store has neither a change
// file nor a tag file for a required node.
var ErrChangeNotFound = errors.New("apply: change not found")

// Workspace amortizes allocations across a batch of applies and guards
// against re-entry through a visited set keyed by internal id.
type Workspace struct {
	visited map[pristine.NodeId]struct{}
	// Touched collects the node ids applied in this batch, in application
	// order; callers reconcile working-copy paths from it. Empty means a full
	// re-output is required.
	Touched []pristine.NodeId
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{visited: make(map[pristine.NodeId]struct{})}
}

// Reset clears the workspace for reuse.
func (ws *Workspace) Reset() {
	clear(ws.visited)
	ws.Touched = ws.Touched[:0]
}

// Result describes one apply call.
type Result struct {
	// Position is the log position assigned to the node, valid when Applied.
	Position uint64
	// State is the channel Merkle after this call.
	State hash.Merkle
	// Applied is false when the call was a no-op (change already on channel).
	Applied bool
}

// Node applies a node and its unapplied transitive dependencies to a channel.
// Dependencies recurse first, depth-first in declaration order, so the
// resulting positions are a topological order consistent with declaration
// order. Applying a change that is already on the channel is a no-op;
// applying a tag that is already on the channel is ErrAlreadyOnChannel.
func Node(txn *pristine.MutTxn, ch *pristine.Channel, store *changestore.FileSystem, h hash.Hash, nodeType pristine.NodeType) (Result, error) {
	return NodeWS(txn, ch, store, h, nodeType, NewWorkspace())
}

// NodeWS is Node with an explicit shared workspace.
func NodeWS(txn *pristine.MutTxn, ch *pristine.Channel, store *changestore.FileSystem, h hash.Hash, nodeType pristine.NodeType, ws *Workspace) (Result, error) {
	ch.Lock()
	defer ch.Unlock()
	return applyNode(txn, ch, store, h, nodeType, ws, true)
}

// Deps applies only the transitive dependency closure of a node, not the
// node itself.
func Deps(txn *pristine.MutTxn, ch *pristine.Channel, store *changestore.FileSystem, h hash.Hash, ws *Workspace) error {
	ch.Lock()
	defer ch.Unlock()
	c, err := getChange(store, h)
	if err != nil {
		return err
	}
	return applyDeps(txn, ch, store, c, ws)
}

func getChange(store *changestore.FileSystem, h hash.Hash) (*change.Change, error) {
	c, err := store.GetChange(h)
	if err != nil {
		if errors.Is(err, changestore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChangeNotFound, h)
		}
		return nil, err
	}
	return c, nil
}

func applyNode(txn *pristine.MutTxn, ch *pristine.Channel, store *changestore.FileSystem, h hash.Hash, nodeType pristine.NodeType, ws *Workspace, outer bool) (Result, error) {
	// The registry's type is authoritative; an assertion that disagrees with
	// it is fatal for the operation.
	if stored, ok, err := txn.GetNodeTypeByHash(h); err != nil {
		return Result{}, err
	} else if ok && stored != nodeType {
		return Result{}, fmt.Errorf("%w: %s is registered as %s", pristine.ErrTypeMismatch, h, stored)
	}

	pos, onChannel, err := txn.GetChangePosition(ch, h)
	if err != nil {
		return Result{}, err
	}
	if onChannel {
		if nodeType.IsTag() {
			return Result{}, fmt.Errorf("%w: %s", ErrAlreadyOnChannel, h)
		}
		state, err := txn.CurrentState(ch)
		if err != nil {
			return Result{}, err
		}
		return Result{Position: pos, State: state, Applied: false}, nil
	}

	c, err := getChange(store, h)
	if err != nil {
		return Result{}, err
	}
	if err := applyDeps(txn, ch, store, c, ws); err != nil {
		return Result{}, err
	}

	id, err := txn.RegisterOrAllocate(h, nodeType, c.Dependencies)
	if err != nil {
		return Result{}, err
	}
	if _, seen := ws.visited[id]; seen && !outer {
		// Re-entry guard: a diamond in the dependency graph reaches the same
		// node twice within one batch.
		state, err := txn.CurrentState(ch)
		return Result{State: state, Applied: false}, err
	}
	ws.visited[id] = struct{}{}

	prev, err := txn.CurrentState(ch)
	if err != nil {
		return Result{}, err
	}
	state := prev.Next(h)

	var tagState *hash.Merkle
	if nodeType.IsTag() {
		// A tag is a checkpoint: its hash IS the channel Merkle at its
		// position, so it is recorded as the log state unchanged. Only
		// changes advance the fold.
		state = h
		ts := h
		tagState = &ts
	}
	newPos, err := txn.AppendNode(ch, h, state, tagState)
	if err != nil {
		return Result{}, err
	}
	if err := txn.AddVertex(ch, id); err != nil {
		return Result{}, err
	}
	ws.Touched = append(ws.Touched, id)
	return Result{Position: newPos, State: state, Applied: true}, nil
}

func applyDeps(txn *pristine.MutTxn, ch *pristine.Channel, store *changestore.FileSystem, c *change.Change, ws *Workspace) error {
	for _, dep := range c.Dependencies {
		_, onChannel, err := txn.GetChangePosition(ch, dep)
		if err != nil {
			return err
		}
		if onChannel {
			continue
		}
		depType, err := nodeTypeOf(&txn.Txn, store, dep)
		if err != nil {
			return err
		}
		if _, err := applyNode(txn, ch, store, dep, depType, ws, false); err != nil {
			return err
		}
	}
	return nil
}

// nodeTypeOf resolves a node's type from the registry, falling back to the
// change store for nodes that have never been registered locally.
func nodeTypeOf(txn *pristine.Txn, store *changestore.FileSystem, h hash.Hash) (pristine.NodeType, error) {
	if nodeType, ok, err := txn.GetNodeTypeByHash(h); err != nil {
		return 0, err
	} else if ok {
		return nodeType, nil
	}
	c, err := getChange(store, h)
	if err != nil {
		return 0, err
	}
	if c.IsTag() {
		// A change carrying tag metadata is a consolidating tag; so is a
		// synthetic change built from a bare tag file.
		return pristine.NodeTypeTag, nil
	}
	return pristine.NodeTypeChange, nil
}
