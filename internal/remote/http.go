package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/identity"
)

// UserAgent identifies the client on every request. Mandatory per protocol.
var UserAgent = "atomic/" + Version

// Version is the client version advertised in the User-Agent header. Set at
// build time via -ldflags.
var Version = "dev"

// DefaultTimeout bounds individual non-streaming requests.
const DefaultTimeout = 30 * time.Second

// TransportError is a terminal HTTP failure: the status code and whatever
// body the server returned.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote: server returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("remote: server returned %d", e.StatusCode)
}

// transientStatus reports whether a status is worth retrying: 5xx and 408.
func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout
}

// Http is a sync client for one remote repository over HTTP.
type Http struct {
	baseURL string
	channel string
	name    string
	headers [][2]string
	client  *http.Client
	// stream has no client-side timeout; changelists and archives may stream
	// arbitrarily long.
	stream *http.Client
	logger       *slog.Logger
	tracer       trace.Tracer
	errOut       io.Writer
	retryInitial time.Duration
}

// HttpConfig holds the settings needed to construct an Http client.
type HttpConfig struct {
	// BaseURL is the remote's base URL; all endpoints are query parameters
	// against it.
	BaseURL string
	// Channel is the remote channel to sync with.
	Channel string
	// Name is the remote's display name (an alias or the URL).
	Name string
	// Headers are supplied verbatim on every request.
	Headers [][2]string
	// Timeout applies to individual non-streaming requests. Defaults to
	// DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the transport for both clients when set.
	HTTPClient *http.Client
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// RetryInitialInterval is the first downloader retry delay. Defaults to
	// one second.
	RetryInitialInterval time.Duration
}

// NewHttp creates a client from the given configuration.
func NewHttp(cfg HttpConfig) (*Http, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("remote: Channel is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("remote: parse URL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	stream := cfg.HTTPClient
	if stream == nil {
		stream = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.BaseURL
	}
	retryInitial := cfg.RetryInitialInterval
	if retryInitial == 0 {
		retryInitial = time.Second
	}
	return &Http{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		channel:      cfg.Channel,
		name:         name,
		headers:      cfg.Headers,
		client:       client,
		stream:       stream,
		logger:       logger,
		tracer:       otel.Tracer("atomic/remote"),
		errOut:       os.Stderr,
		retryInitial: retryInitial,
	}, nil
}

// Name returns the remote's display name.
func (h *Http) Name() string { return h.name }

func (h *Http) newRequest(ctx context.Context, method string, query url.Values, body io.Reader) (*http.Request, error) {
	u := h.baseURL + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	for _, kv := range h.headers {
		req.Header.Set(kv[0], kv[1])
	}
	return req, nil
}

// terminalError drains the response body into a TransportError.
func terminalError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	return &TransportError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
}

// GetState returns the remote's view of its channel at position mid, or the
// current head when mid is nil. A remote with an empty channel returns nil.
func (h *Http) GetState(ctx context.Context, mid *uint64) (*State, error) {
	q := url.Values{"channel": {h.channel}}
	if mid != nil {
		q.Set("state", strconv.FormatUint(*mid, 10))
	} else {
		q.Set("state", "")
	}
	req, err := h.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return nil, err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: get state: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, terminalError(res)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read state: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 3 {
		return nil, nil
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, nil
	}
	head, ok := hash.FromBase32(fields[1])
	if !ok {
		return nil, nil
	}
	tagHead, ok := hash.FromBase32(fields[2])
	if !ok {
		return nil, nil
	}
	return &State{Position: n, Head: head, TagHead: tagHead}, nil
}

// GetID returns the remote channel's stable 16-byte identity.
func (h *Http) GetID(ctx context.Context) (uuid.UUID, bool, error) {
	q := url.Values{"channel": {h.channel}, "id": {""}}
	req, err := h.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return uuid.Nil, false, err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("remote: get id: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return uuid.Nil, false, terminalError(res)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("remote: read id: %w", err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// DownloadChangelist streams the remote changelist from position from,
// invoking fn for every node entry. Positional references are collected and
// returned; error advisories are forwarded to stderr and the stream
// continues. The stream terminates at the first empty line.
func (h *Http) DownloadChangelist(ctx context.Context, from uint64, paths []string, fn func(n uint64, ch hash.Hash, m hash.Merkle, isTag bool) error) (map[Position]struct{}, error) {
	ctx, span := h.tracer.Start(ctx, "remote.changelist",
		trace.WithAttributes(attribute.String("remote", h.name), attribute.Int64("from", int64(from))))
	defer span.End()

	q := url.Values{
		"changelist": {strconv.FormatUint(from, 10)},
		"channel":    {h.channel},
	}
	for _, p := range paths {
		q.Add("path", p)
	}
	req, err := h.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return nil, err
	}
	res, err := h.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: changelist: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("remote: repository %q not found (404)", h.name)
	}
	if res.StatusCode != http.StatusOK {
		return nil, terminalError(res)
	}

	positions := make(map[Position]struct{})
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		l := scanner.Text()
		if l == "" {
			break
		}
		line, err := ParseLine(l)
		if err != nil {
			return nil, err
		}
		switch line.Kind {
		case LineChange:
			if err := fn(line.N, line.Hash, line.Merkle, line.IsTag); err != nil {
				return nil, err
			}
		case LinePosition:
			positions[Position{Hash: line.Hash, Pos: line.Pos}] = struct{}{}
		case LineError:
			fmt.Fprintln(h.errOut, line.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("remote: changelist stream: %w", err)
	}
	return positions, nil
}

// UploadNodes ships nodes to the remote sequentially. Changes are sent whole
// with apply=<hash>; tags are sent as their short form with tagup=<state>.
// Any non-2xx response is fatal with the body surfaced.
func (h *Http) UploadNodes(ctx context.Context, progress Progress, store *changestore.FileSystem, toChannel string, nodes []Node) error {
	ctx, span := h.tracer.Start(ctx, "remote.upload",
		trace.WithAttributes(attribute.String("remote", h.name), attribute.Int("nodes", len(nodes))))
	defer span.End()

	for _, node := range nodes {
		q := url.Values{}
		if toChannel != "" {
			q.Set("to_channel", toChannel)
		}
		var body []byte
		if node.IsChange() {
			raw, err := os.ReadFile(store.Filename(node.Hash))
			if err != nil {
				return fmt.Errorf("remote: read change %s: %w", node.Hash, err)
			}
			q.Set("apply", node.Hash.Base32())
			body = raw
		} else {
			// The tag file is keyed by the tag's own state (its hash).
			tf, err := store.OpenTag(node.Hash)
			if err != nil {
				return fmt.Errorf("remote: open tag %s: %w", node.Hash, err)
			}
			var short bytes.Buffer
			if err := tf.WriteShort(&short); err != nil {
				return err
			}
			q.Set("tagup", node.Hash.Base32())
			body = short.Bytes()
		}
		req, err := h.newRequest(ctx, http.MethodPost, q, bytes.NewReader(body))
		if err != nil {
			return err
		}
		res, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("remote: upload %s: %w", node, err)
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			err := terminalError(res)
			res.Body.Close()
			return err
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		progress.Add(1)
	}
	return nil
}

// Archive streams an archive of a state. The first 8 bytes of the response
// are a big-endian conflict counter; the remainder is the archive body,
// copied to w. Returns the conflict count.
func (h *Http) Archive(ctx context.Context, prefix string, state *hash.Merkle, extra []hash.Hash, w io.Writer) (uint64, error) {
	q := url.Values{"channel": {h.channel}}
	if state != nil {
		q.Set("archive", state.Base32())
		if prefix != "" {
			q.Set("outputPrefix", prefix)
		}
		for _, e := range extra {
			q.Add("change", e.Base32())
		}
	} else {
		q.Set("archive", "")
	}
	req, err := h.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return 0, err
	}
	res, err := h.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote: archive: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, terminalError(res)
	}
	var counter [8]byte
	if _, err := io.ReadFull(res.Body, counter[:]); err != nil {
		return 0, fmt.Errorf("remote: archive header: %w", err)
	}
	if _, err := io.Copy(w, res.Body); err != nil {
		return 0, fmt.Errorf("remote: archive body: %w", err)
	}
	return binary.BigEndian.Uint64(counter[:]), nil
}

// Prove runs the two-round key proof: fetch a challenge for the public key,
// sign it, and present the signature.
func (h *Http) Prove(ctx context.Context, key *identity.Key) error {
	q := url.Values{"challenge": {key.EncodedPublic()}}
	req, err := h.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: challenge: %w", err)
	}
	challenge, readErr := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &TransportError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(challenge))}
	}
	if readErr != nil {
		return fmt.Errorf("remote: read challenge: %w", readErr)
	}

	q = url.Values{"prove": {key.Sign(challenge)}}
	req, err = h.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return err
	}
	res, err = h.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: prove: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return terminalError(res)
	}
	return nil
}

// identitiesResponse is the wire form of the identities endpoint.
type identitiesResponse struct {
	ID  []*identity.Identity `json:"id"`
	Rev uint64               `json:"rev"`
}

// UpdateIdentities pulls identity records newer than sinceRev and writes
// them under dir, creating it on demand. Returns the new revision.
func (h *Http) UpdateIdentities(ctx context.Context, sinceRev uint64, dir string) (uint64, error) {
	q := url.Values{"identities": {strconv.FormatUint(sinceRev, 10)}}
	req, err := h.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return 0, err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote: identities: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, terminalError(res)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, fmt.Errorf("remote: read identities: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0, nil
	}
	var resp identitiesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("remote: parse identities: %w", err)
	}
	for _, id := range resp.ID {
		if err := id.Write(dir); err != nil {
			return 0, err
		}
	}
	return resp.Rev, nil
}

// retryNotify logs downloader retries with their delay.
func (h *Http) retryNotify(node Node) backoff.Notify {
	return func(err error, delay time.Duration) {
		h.logger.Warn("remote: retrying download",
			"node", node.String(),
			"delay", delay,
			"error", err,
		)
	}
}

var errTransient = errors.New("remote: transient transport failure")
