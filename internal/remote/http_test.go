package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
)

func testClient(t *testing.T, url string) *Http {
	t.Helper()
	c, err := NewHttp(HttpConfig{
		BaseURL:              url,
		Channel:              "main",
		RetryInitialInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func serializeChange(t *testing.T, msg string) ([]byte, hash.Hash) {
	t.Helper()
	c := change.NewChange(change.Header{
		Message:   msg,
		Timestamp: time.Date(2025, 7, 3, 14, 0, 0, 0, time.UTC),
	}, nil, nil, []byte(msg))
	var buf bytes.Buffer
	h, err := c.Serialize(&buf)
	require.NoError(t, err)
	return buf.Bytes(), h
}

func TestDownloaderRetriesTransientFailures(t *testing.T) {
	body, h := serializeChange(t, "retried")
	node := Node{Hash: h, State: hash.Zero().Next(h), Type: pristine.NodeTypeChange}

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, h.Base32(), r.URL.Query().Get("change"))
		require.Contains(t, r.Header.Get("User-Agent"), "atomic/")
		if attempts.Add(1) <= 2 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	store, err := changestore.New(filepath.Join(t.TempDir(), "changes"), 0)
	require.NoError(t, err)
	client := testClient(t, srv.URL)

	in := make(chan Node, 1)
	in <- node
	close(in)
	out := make(chan NodeDone, 1)
	require.NoError(t, client.DownloadNodes(context.Background(), in, out, store, NopProgress()))

	// Three HTTP attempts, one file, one completion surfaced.
	assert.Equal(t, int32(3), attempts.Load())
	got, ok := <-out
	require.True(t, ok)
	assert.Equal(t, node, got.Node)
	assert.True(t, got.Done)
	_, ok = <-out
	assert.False(t, ok, "done channel is closed after the input drains")

	assert.True(t, store.HasChange(h))
	onDisk, err := os.ReadFile(store.Filename(h))
	require.NoError(t, err)
	assert.Equal(t, body, onDisk)
}

func TestDownloaderTerminalFailure(t *testing.T) {
	_, h := serializeChange(t, "forbidden")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such change", http.StatusForbidden)
	}))
	defer srv.Close()

	store, err := changestore.New(filepath.Join(t.TempDir(), "changes"), 0)
	require.NoError(t, err)
	client := testClient(t, srv.URL)

	in := make(chan Node, 1)
	in <- Node{Hash: h, State: hash.Zero().Next(h), Type: pristine.NodeTypeChange}
	close(in)
	out := make(chan NodeDone, 1)
	err = client.DownloadNodes(context.Background(), in, out, store, NopProgress())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
	assert.Equal(t, "no such change", te.Body)
	assert.False(t, store.HasChange(h))
}

func TestDownloadTagSkipsPrefix(t *testing.T) {
	state := hash.Zero().Next(hash.Sum([]byte("c")))
	short := &change.ShortTag{
		State:  state,
		Header: change.Header{Message: "v1", Timestamp: time.Now().UTC()},
	}
	var tagFile bytes.Buffer
	require.NoError(t, change.WriteTagFile(&tagFile, short, []byte("snap")))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, state.Base32(), r.URL.Query().Get("tag"))
		// 8-byte short length prefix, then the file.
		w.Write([]byte{0, 0, 0, 0, 0, 0, 0, 42})
		w.Write(tagFile.Bytes())
	}))
	defer srv.Close()

	store, err := changestore.New(filepath.Join(t.TempDir(), "changes"), 0)
	require.NoError(t, err)
	client := testClient(t, srv.URL)

	in := make(chan Node, 1)
	in <- Node{Hash: state, State: state, Type: pristine.NodeTypeTag}
	close(in)
	out := make(chan NodeDone, 1)
	require.NoError(t, client.DownloadNodes(context.Background(), in, out, store, NopProgress()))

	tf, err := store.OpenTag(state)
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), tf.Snapshot())
}

func TestDownloadChangelistStream(t *testing.T) {
	h1 := hash.Sum([]byte("one"))
	m1 := hash.Zero().Next(h1)
	h2 := hash.Sum([]byte("two"))
	m2 := m1.Next(h2)

	body := FormatLine(0, h1, m1, false) + "\n" +
		"error: advisory text\n" +
		FormatLine(1, h2, m2, true) + "\n" +
		FormatPositionLine(h1, 0) + "\n" +
		"\n" +
		"after the empty line this is ignored\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "3", r.URL.Query().Get("changelist"))
		require.Equal(t, "main", r.URL.Query().Get("channel"))
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	var stderr bytes.Buffer
	client.errOut = &stderr

	type row struct {
		n     uint64
		h     hash.Hash
		m     hash.Merkle
		isTag bool
	}
	var rows []row
	positions, err := client.DownloadChangelist(context.Background(), 3, nil,
		func(n uint64, h hash.Hash, m hash.Merkle, isTag bool) error {
			rows = append(rows, row{n, h, m, isTag})
			return nil
		})
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, row{0, h1, m1, false}, rows[0])
	assert.Equal(t, row{1, h2, m2, true}, rows[1])
	assert.Contains(t, positions, Position{Hash: h1, Pos: 0})
	assert.Equal(t, "advisory text\n", stderr.String())
}

func TestUploadNodesSendsChangeAndTag(t *testing.T) {
	dir := t.TempDir()
	store, err := changestore.New(filepath.Join(dir, "changes"), 0)
	require.NoError(t, err)

	body, h := serializeChange(t, "uploaded")
	require.NoError(t, store.SaveFromBuf(body, h, nil))

	state := hash.Zero().Next(h)
	short := &change.ShortTag{State: state, Header: change.Header{Message: "v1", Timestamp: time.Now().UTC()}}
	require.NoError(t, store.SaveTagFile(state, short, []byte("snap")))

	type upload struct {
		query string
		value string
		body  []byte
	}
	var uploads []upload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		payload := new(bytes.Buffer)
		payload.ReadFrom(r.Body)
		q := r.URL.Query()
		if q.Has("apply") {
			uploads = append(uploads, upload{"apply", q.Get("apply"), payload.Bytes()})
		} else {
			uploads = append(uploads, upload{"tagup", q.Get("tagup"), payload.Bytes()})
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	nodes := []Node{
		{Hash: h, State: state, Type: pristine.NodeTypeChange},
		{Hash: state, State: state, Type: pristine.NodeTypeTag},
	}
	require.NoError(t, client.UploadNodes(context.Background(), NopProgress(), store, "", nodes))

	require.Len(t, uploads, 2)
	assert.Equal(t, "apply", uploads[0].query)
	assert.Equal(t, h.Base32(), uploads[0].value)
	assert.Equal(t, body, uploads[0].body)

	assert.Equal(t, "tagup", uploads[1].query)
	assert.Equal(t, state.Base32(), uploads[1].value)
	parsed, err := change.ParseShort(uploads[1].body)
	require.NoError(t, err)
	assert.Equal(t, state, parsed.State)
}

func TestUploadNodesSurfacesServerError(t *testing.T) {
	dir := t.TempDir()
	store, err := changestore.New(filepath.Join(dir, "changes"), 0)
	require.NoError(t, err)
	body, h := serializeChange(t, "rejected")
	require.NoError(t, store.SaveFromBuf(body, h, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "dependency missing", http.StatusConflict)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	err = client.UploadNodes(context.Background(), NopProgress(), store, "",
		[]Node{{Hash: h, State: hash.Zero().Next(h), Type: pristine.NodeTypeChange}})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusConflict, te.StatusCode)
	assert.Equal(t, "dependency missing", te.Body)
}

func TestGetStateParsesTriple(t *testing.T) {
	h := hash.Sum([]byte("head"))
	m := hash.Zero().Next(h)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "41 %s %s", m.Base32(), hash.Zero().Base32())
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	state, err := client.GetState(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, uint64(41), state.Position)
	assert.Equal(t, m, state.Head)
	assert.True(t, state.TagHead.IsZero())
}

func TestArchiveConflictCounter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0, 0, 0, 0, 0, 0, 0, 3})
		w.Write([]byte("archive body"))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	var out bytes.Buffer
	conflicts, err := client.Archive(context.Background(), "", nil, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), conflicts)
	assert.Equal(t, "archive body", out.String())
}
