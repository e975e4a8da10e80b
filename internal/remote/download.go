package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/castingclouds/atomic/internal/changestore"
)

// PoolSize bounds the number of concurrent node downloads.
const PoolSize = 20

// NodeDone pairs a node with its completion signal, surfaced to the consumer
// in pool completion order.
type NodeDone struct {
	Node Node
	Done bool
}

// DownloadNodes drains nodes off the input channel and downloads each
// through a bounded worker pool, writing change and tag files into store.
// Completed nodes are surfaced on done in completion order, one progress tick
// each. The done channel is closed when the input is exhausted and every
// in-flight download has drained.
func (h *Http) DownloadNodes(ctx context.Context, nodes <-chan Node, done chan<- NodeDone, store *changestore.FileSystem, progress Progress) error {
	ctx, span := h.tracer.Start(ctx, "remote.download",
		trace.WithAttributes(attribute.String("remote", h.name)))
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(PoolSize)
receive:
	for {
		select {
		case <-ctx.Done():
			break receive
		case node, ok := <-nodes:
			if !ok {
				break receive
			}
			g.Go(func() error {
				if err := h.downloadNode(ctx, store, node); err != nil {
					return err
				}
				_ = progress.Add(1)
				select {
				case done <- NodeDone{Node: node, Done: true}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
	}
	err := g.Wait()
	close(done)
	return err
}

// downloadNode fetches one node into its sharded path: a .change file keyed
// by hash, or a .tag file keyed by state. Transient transport failures are
// retried with exponential backoff starting at one second; each retry
// restarts the temp file from zero. An already-present tag file is a
// completed download.
func (h *Http) downloadNode(ctx context.Context, store *changestore.FileSystem, node Node) error {
	var target string
	q := url.Values{}
	if node.IsTag() {
		// Tag files are keyed by the tag's own state, which is its hash.
		target = store.TagFilename(node.Hash)
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		q.Set("tag", node.Hash.Base32())
	} else {
		target = store.Filename(node.Hash)
		q.Set("change", node.Hash.Base32())
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("remote: create shard dir: %w", err)
	}
	tmp := target + ".tmp"
	defer os.Remove(tmp)

	attempt := func() error {
		// Recreating the temp file truncates whatever a failed attempt left.
		f, err := os.Create(tmp)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("remote: create temp: %w", err))
		}
		defer f.Close()

		req, err := h.newRequest(ctx, http.MethodGet, q, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := h.stream.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", errTransient, err)
		}
		defer res.Body.Close()
		if transientStatus(res.StatusCode) {
			io.Copy(io.Discard, res.Body)
			return fmt.Errorf("%w: status %d", errTransient, res.StatusCode)
		}
		if res.StatusCode != http.StatusOK {
			return backoff.Permanent(terminalError(res))
		}

		body := io.Reader(res.Body)
		if node.IsTag() {
			// Tag responses carry an 8-byte short-tag length prefix. Skip
			// exactly 8 bytes once, regardless of how the body is chunked.
			if _, err := io.CopyN(io.Discard, body, 8); err != nil {
				return fmt.Errorf("%w: tag prefix: %v", errTransient, err)
			}
		}
		if _, err := io.Copy(f, body); err != nil {
			return fmt.Errorf("%w: %v", errTransient, err)
		}
		if err := f.Close(); err != nil {
			return backoff.Permanent(fmt.Errorf("remote: close temp: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.retryInitial
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	if err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), h.retryNotify(node)); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("remote: rename into place: %w", err)
	}
	return nil
}
