package remote

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/castingclouds/atomic/internal/apply"
	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/identity"
	"github.com/castingclouds/atomic/internal/pristine"
	"github.com/castingclouds/atomic/internal/repository"
	"github.com/castingclouds/atomic/internal/tag"
)

// Server serves the sync protocol for a local repository. Every endpoint is
// a query parameter against the base URL, so the handler dispatches on the
// query rather than the path.
type Server struct {
	repo   *repository.Repository
	logger *slog.Logger

	mu         sync.Mutex
	challenges map[string][]byte
}

// NewServer wraps a repository in a protocol handler.
func NewServer(repo *repository.Repository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{repo: repo, logger: logger, challenges: make(map[string][]byte)}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var err error
	switch {
	case r.Method == http.MethodGet && q.Has("change"):
		err = s.serveChange(w, q.Get("change"))
	case r.Method == http.MethodGet && q.Has("tag"):
		err = s.serveTag(w, q.Get("tag"))
	case r.Method == http.MethodGet && q.Has("changelist"):
		err = s.serveChangelist(w, q.Get("changelist"), s.channelOf(q.Get("channel")))
	case r.Method == http.MethodGet && q.Has("state"):
		err = s.serveState(w, q.Get("state"), s.channelOf(q.Get("channel")))
	case r.Method == http.MethodGet && q.Has("id"):
		err = s.serveID(w, s.channelOf(q.Get("channel")))
	case r.Method == http.MethodGet && q.Has("identities"):
		err = s.serveIdentities(w)
	case r.Method == http.MethodGet && q.Has("challenge"):
		err = s.serveChallenge(w, q.Get("challenge"))
	case r.Method == http.MethodGet && q.Has("prove"):
		err = s.serveProve(w, q.Get("prove"))
	case r.Method == http.MethodPost && q.Has("apply"):
		err = s.serveApply(w, r, q.Get("apply"), s.channelOf(q.Get("to_channel")))
	case r.Method == http.MethodPost && q.Has("tagup"):
		err = s.serveTagup(w, r, q.Get("tagup"), s.channelOf(q.Get("to_channel")))
	default:
		http.Error(w, "unrecognized request", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Warn("serve: request failed", "query", r.URL.RawQuery, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, pristine.ErrNotFound) || os.IsNotExist(err) {
			status = http.StatusNotFound
		}
		if errors.Is(err, errBadRequest) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
	}
}

var errBadRequest = errors.New("bad request")

func (s *Server) channelOf(name string) string {
	if name == "" {
		return s.repo.Config.Channel()
	}
	return name
}

func (s *Server) serveChange(w http.ResponseWriter, h32 string) error {
	h, ok := hash.FromBase32(h32)
	if !ok {
		return fmt.Errorf("%w: invalid hash %q", errBadRequest, h32)
	}
	f, err := os.Open(s.repo.Changes.Filename(h))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (s *Server) serveTag(w http.ResponseWriter, state32 string) error {
	state, ok := hash.FromBase32(state32)
	if !ok {
		return fmt.Errorf("%w: invalid state %q", errBadRequest, state32)
	}
	tf, err := s.repo.Changes.OpenTag(state)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(s.repo.Changes.TagFilename(state))
	if err != nil {
		return err
	}
	// The tag body is prefixed with the short section length so a receiver
	// can split it without parsing.
	var short bytes.Buffer
	if err := tf.WriteShort(&short); err != nil {
		return err
	}
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(short.Len()))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func (s *Server) serveChangelist(w http.ResponseWriter, from string, channel string) error {
	fromPos, err := parseUintOrZero(from)
	if err != nil {
		return fmt.Errorf("%w: invalid position %q", errBadRequest, from)
	}
	bw := bufio.NewWriter(w)
	err = s.repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(channel)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: channel %q", pristine.ErrNotFound, channel)
		}
		return txn.ForEachLog(ch, fromPos, func(e pristine.LogEntry) error {
			isTag, err := txn.IsTagPosition(ch, e.Pos)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(bw, FormatLine(e.Pos, e.Hash, e.State, isTag))
			return err
		})
	})
	if err != nil {
		return err
	}
	// Empty line terminates the stream.
	if _, err := fmt.Fprintln(bw); err != nil {
		return err
	}
	return bw.Flush()
}

func (s *Server) serveState(w http.ResponseWriter, pos string, channel string) error {
	var mid *uint64
	if pos != "" {
		p, err := parseUintOrZero(pos)
		if err != nil {
			return fmt.Errorf("%w: invalid position %q", errBadRequest, pos)
		}
		mid = &p
	}
	return s.repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(channel)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: channel %q", pristine.ErrNotFound, channel)
		}
		var head *pristine.LogEntry
		err = txn.ForEachLogReverse(ch, mid, func(e pristine.LogEntry) error {
			head = &e
			return errStopIteration
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			return err
		}
		if head == nil {
			return nil
		}
		_, err = fmt.Fprintf(w, "%d %s %s", head.Pos, head.State.Base32(), hash.Zero().Base32())
		return err
	})
}

func (s *Server) serveID(w http.ResponseWriter, channel string) error {
	return s.repo.Pristine.View(func(txn *pristine.Txn) error {
		ch, ok, err := txn.LoadChannel(channel)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: channel %q", pristine.ErrNotFound, channel)
		}
		id := ch.ID()
		_, err = w.Write(id[:])
		return err
	})
}

func (s *Server) serveIdentities(w http.ResponseWriter) error {
	dir, err := s.repo.IdentitiesDir()
	if err != nil {
		return err
	}
	ids, err := identity.List(dir)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(identitiesResponse{ID: ids, Rev: uint64(len(ids))})
}

func (s *Server) serveChallenge(w http.ResponseWriter, pubKey string) error {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	s.mu.Lock()
	s.challenges[pubKey] = challenge
	s.mu.Unlock()
	_, err := w.Write(challenge)
	return err
}

func (s *Server) serveProve(w http.ResponseWriter, sig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pubKey, challenge := range s.challenges {
		if identity.Verify(pubKey, challenge, sig) {
			delete(s.challenges, pubKey)
			_, err := io.WriteString(w, pubKey)
			return err
		}
	}
	return fmt.Errorf("%w: signature does not match any outstanding challenge", errBadRequest)
}

func (s *Server) serveApply(w http.ResponseWriter, r *http.Request, h32 string, channel string) error {
	h, ok := hash.FromBase32(h32)
	if !ok {
		return fmt.Errorf("%w: invalid hash %q", errBadRequest, h32)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := s.repo.Changes.SaveFromBuf(body, h, nil); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return s.repo.Pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel(channel)
		if err != nil {
			return err
		}
		_, err = apply.Node(txn, ch, s.repo.Changes, h, pristine.NodeTypeChange)
		return err
	})
}

func (s *Server) serveTagup(w http.ResponseWriter, r *http.Request, state32 string, channel string) error {
	state, ok := hash.FromBase32(state32)
	if !ok {
		return fmt.Errorf("%w: invalid state %q", errBadRequest, state32)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	short, err := change.ParseShort(body)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if short.State != state {
		return fmt.Errorf("%w: short tag state does not match tagup=%s", errBadRequest, state32)
	}
	return s.repo.Pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel(channel)
		if err != nil {
			return err
		}
		// Regenerate the full tag file from this repository's channel state.
		if !s.repo.Changes.HasTag(state) {
			entries, err := txn.Log(ch, 0)
			if err != nil {
				return err
			}
			if err := s.repo.Changes.SaveTagFile(state, short, tag.EncodeSnapshot(entries)); err != nil {
				return err
			}
		}
		_, err = apply.Node(txn, ch, s.repo.Changes, state, pristine.NodeTypeTag)
		return err
	})
}

func parseUintOrZero(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
