// Package replication serves repositories over HTTP and keeps local branches
// in sync with a remote server. Version histories travel as delta streams,
// single objects as protobuf encoded batches.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/branch"
	"github.com/i5heu/ouroboros-model/pkg/deltastream"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

var log = logrus.New()

func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

const (
	DefaultPollTimeout = 30 * time.Second
	DefaultMaxBodySize = 256 << 20

	writeWait = 10 * time.Second
)

type Server struct {
	router *mux.Router
	graph  *tree.Graph
	refs   store.RefStore
	deltas *deltastream.Cache
	log    *logrus.Logger
	auth   AuthFunc

	author       string
	pollTimeout  time.Duration
	pollInterval time.Duration
	maxBodySize  int64
	upgrader     websocket.Upgrader

	mu       sync.Mutex
	branches map[string]*branch.Branch
}

type Option func(*Server)

func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithAuth replaces the authentication of every route.
func WithAuth(auth AuthFunc) Option {
	return func(s *Server) {
		s.auth = auth
	}
}

// WithSecret requires HS256 bearer tokens signed with secret.
func WithSecret(secret []byte) Option {
	return func(s *Server) {
		s.auth = JWTAuth(secret)
	}
}

// WithPollTimeout bounds how long a request with lastKnown waits for a new
// head.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.pollTimeout = d
	}
}

// WithBranchPollInterval sets how often branches on reference stores
// without push updates are polled.
func WithBranchPollInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pollInterval = d
	}
}

// WithAuthor sets the author of merge commits made for pushes.
func WithAuthor(author string) Option {
	return func(s *Server) {
		s.author = author
	}
}

func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		s.maxBodySize = n
	}
}

func New(g *tree.Graph, refs store.RefStore, opts ...Option) (*Server, error) {
	deltas, err := deltastream.NewCache(g.Store(), deltastream.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Server{
		router:      mux.NewRouter(),
		graph:       g,
		refs:        refs,
		deltas:      deltas,
		log:         log,
		author:      "server",
		pollTimeout: DefaultPollTimeout,
		maxBodySize: DefaultMaxBodySize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		branches: make(map[string]*branch.Branch),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.UseEncodedPath()
	s.router.Handle("/v2/repositories", s.handle("repositories", s.handleRepositories)).Methods(http.MethodGet)
	s.router.Handle("/v2/repositories/{repo}/branches", s.handle("branches", s.handleBranches)).Methods(http.MethodGet)
	s.router.Handle("/v2/repositories/{repo}/branches/{branch}", s.handle("head", s.handleHead)).Methods(http.MethodGet)
	s.router.Handle("/v2/repositories/{repo}/branches/{branch}", s.handle("push", s.handlePush)).Methods(http.MethodPost)
	s.router.Handle("/v2/repositories/{repo}/branches/{branch}/delta", s.handle("branch_delta", s.handleBranchDelta)).Methods(http.MethodGet)
	s.router.Handle("/v2/repositories/{repo}/branches/{branch}/listen", s.handle("listen", s.handleListen)).Methods(http.MethodGet)
	s.router.Handle("/v2/repositories/{repo}/versions/{version}", s.handle("version_delta", s.handleVersionDelta)).Methods(http.MethodGet)
	s.router.Handle("/v2/objects/getAll", s.handle("get_objects", s.handleGetObjects)).Methods(http.MethodPost)
	s.router.Handle("/v2/objects", s.handle("put_objects", s.handlePutObjects)).Methods(http.MethodPut)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		if err := s.auth(r); err != nil {
			s.log.WithFields(logrus.Fields{"path": r.URL.Path, "error": err}).Warn("authentication failed")
			RequestErrors.WithLabelValues("auth", strconv.Itoa(http.StatusUnauthorized)).Inc()
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}
	s.router.ServeHTTP(w, r)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle turns errors of h into responses and records its metrics.
func (s *Server) handle(route string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(RequestDuration.WithLabelValues(route))
		defer timer.ObserveDuration()

		err := h(w, r)
		if err == nil {
			return
		}
		if r.Context().Err() != nil {
			s.log.WithFields(logrus.Fields{"route": route, "error": err}).Debug("client went away")
			return
		}
		code := statusOf(err)
		RequestErrors.WithLabelValues(route, strconv.Itoa(code)).Inc()
		entry := s.log.WithFields(logrus.Fields{"route": route, "path": r.URL.Path, "status": code, "error": err})
		if code >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Debug("request rejected")
		}
		http.Error(w, err.Error(), code)
	})
}

func statusOf(err error) int {
	var (
		incomplete  *deltastream.IncompleteDataError
		corrupt     *deltastream.CorruptObjectError
		invalid     *store.InvalidHashError
		tooLarge    *http.MaxBytesError
		convergence *branch.ConvergenceFailure
	)
	switch {
	case errors.As(err, &incomplete), errors.As(err, &corrupt), errors.As(err, &invalid),
		errors.Is(err, ErrProtocol), errors.Is(err, types.ErrInvalidHash):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrNotFound), errors.Is(err, branch.ErrBranchNotFound):
		return http.StatusNotFound
	case errors.As(err, &convergence):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func pathVar(r *http.Request, name string) (string, error) {
	return url.PathUnescape(mux.Vars(r)[name])
}

// optionalHash parses the query parameter name, returning "" when it is
// absent.
func optionalHash(r *http.Request, name string) (types.Hash, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return "", nil
	}
	return types.ParseHash(value)
}

func (s *Server) branchConfig(repo, name string) branch.Config {
	return branch.Config{
		Repository:   repo,
		Name:         name,
		Graph:        s.graph,
		Refs:         s.refs,
		Author:       s.author,
		PollInterval: s.pollInterval,
		Logger:       s.log,
	}
}

// branch returns the branch addressed by r. Branches are opened once and
// kept; a missing branch is ErrBranchNotFound.
func (s *Server) branch(r *http.Request) (*branch.Branch, error) {
	repo, name, err := s.branchName(r)
	if err != nil {
		return nil, err
	}
	key := branch.Key(repo, name)
	s.mu.Lock()
	b, ok := s.branches[key]
	s.mu.Unlock()
	if ok {
		return b, nil
	}
	if _, found, err := s.refs.GetRef(r.Context(), key); err != nil {
		return nil, err
	} else if !found {
		return nil, branch.ErrBranchNotFound
	}
	b, err = branch.Open(r.Context(), s.branchConfig(repo, name))
	if err != nil {
		return nil, err
	}
	return s.remember(key, b), nil
}

// branchAt is branch, creating a missing branch at head.
func (s *Server) branchAt(r *http.Request, head types.Hash) (*branch.Branch, error) {
	repo, name, err := s.branchName(r)
	if err != nil {
		return nil, err
	}
	b, err := branch.OpenAt(r.Context(), s.branchConfig(repo, name), head)
	if err != nil {
		return nil, err
	}
	return s.remember(b.Key(), b), nil
}

func (s *Server) branchName(r *http.Request) (string, string, error) {
	repo, err := pathVar(r, "repo")
	if err != nil {
		return "", "", err
	}
	name, err := pathVar(r, "branch")
	if err != nil {
		return "", "", err
	}
	return repo, name, nil
}

func (s *Server) remember(key string, b *branch.Branch) *branch.Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.branches[key]; ok {
		return existing
	}
	s.branches[key] = b
	return b
}

func writeHash(w http.ResponseWriter, h types.Hash) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := io.WriteString(w, h.String())
	return err
}

// writeNames answers with one escaped name per line.
func writeNames(w http.ResponseWriter, names []string) error {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(types.Escape(name))
		b.WriteByte('\n')
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := io.WriteString(w, b.String())
	return err
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) error {
	repos, err := branch.Repositories(r.Context(), s.refs)
	if err != nil {
		return err
	}
	return writeNames(w, repos)
}

// handleBranches lists the branches of a repository. A repository without
// branches does not exist.
func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) error {
	repo, err := pathVar(r, "repo")
	if err != nil {
		return err
	}
	names, err := branch.Branches(r.Context(), s.refs, repo)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: repository %q has no branches", branch.ErrBranchNotFound, repo)
	}
	return writeNames(w, names)
}

// handleHead answers with the head of a branch. With lastKnown it waits
// until the head differs or the poll times out, then answers with the head
// at that time.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) error {
	b, err := s.branch(r)
	if err != nil {
		return err
	}
	known, err := optionalHash(r, "lastKnown")
	if err != nil {
		return err
	}
	if known == "" {
		h, err := b.HeadHash(r.Context())
		if err != nil {
			return err
		}
		return writeHash(w, h)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.pollTimeout)
	defer cancel()
	h, err := b.WaitForChange(ctx, known)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		h, err = known, nil
	}
	if err != nil {
		return err
	}
	return writeHash(w, h)
}

func (s *Server) handleBranchDelta(w http.ResponseWriter, r *http.Request) error {
	b, err := s.branch(r)
	if err != nil {
		return err
	}
	known, err := optionalHash(r, "lastKnown")
	if err != nil {
		return err
	}
	head, err := b.HeadHash(r.Context())
	if err != nil {
		return err
	}
	return s.writeDelta(w, r, head, known)
}

func (s *Server) handleVersionDelta(w http.ResponseWriter, r *http.Request) error {
	raw, err := pathVar(r, "version")
	if err != nil {
		return err
	}
	target, err := types.ParseHash(raw)
	if err != nil {
		return err
	}
	if _, err := store.MustGet(r.Context(), s.graph.Store(), target); err != nil {
		return err
	}
	known, err := optionalHash(r, "lastKnown")
	if err != nil {
		return err
	}
	return s.writeDelta(w, r, target, known)
}

// writeDelta streams the delta from known to target. A known version this
// server never saw is ignored and the whole history is sent.
func (s *Server) writeDelta(w http.ResponseWriter, r *http.Request, target, known types.Hash) error {
	if known != "" {
		_, found, err := s.graph.Store().Get(r.Context(), known)
		if err != nil {
			return err
		}
		if !found {
			known = ""
		}
	}
	d, err := s.deltas.Get(r.Context(), target, known)
	if err != nil {
		return err
	}
	ObjectsSent.Add(float64(len(d.Objects)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	return deltastream.Encode(w, d)
}

// handlePush stores the pushed delta, merges its version into the branch
// and answers with the delta from the pushed version to the new head.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodySize)
	d, err := deltastream.Decode(r.Context(), body)
	if err != nil {
		return err
	}
	if err := deltastream.Apply(r.Context(), s.graph.Store(), d); err != nil {
		return err
	}
	ObjectsReceived.Add(float64(len(d.Objects)))

	b, err := s.branchAt(r, d.Version)
	if err != nil {
		return err
	}
	result, err := b.MergeVersion(r.Context(), d.Version)
	if err != nil {
		return err
	}
	if n := len(result.Conflicts); n > 0 {
		MergeConflicts.Add(float64(n))
		s.log.WithFields(logrus.Fields{
			"branch":    b.Key(),
			"pushed":    d.Version.String(),
			"head":      result.Version.Hash().String(),
			"conflicts": n,
		}).Info("merged push with conflicts")
	}
	return s.writeDelta(w, r, result.Version.Hash(), d.Version)
}

func (s *Server) handleGetObjects(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		return err
	}
	hashes, err := decodeHashes(body)
	if err != nil {
		return err
	}
	entries, err := s.graph.Store().GetAll(r.Context(), hashes)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	_, err = w.Write(encodeEntries(entries))
	return err
}

func (s *Server) handlePutObjects(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		return err
	}
	objects, err := decodeObjects(body)
	if err != nil {
		return err
	}
	// such objects would break every delta that reaches them
	for _, o := range objects {
		if err := deltastream.CheckFraming(o); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}
	if err := s.graph.Store().PutAll(r.Context(), objects); err != nil {
		return err
	}
	ObjectsReceived.Add(float64(len(objects)))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleListen sends the current head and then every new head of a branch
// as text messages until the client closes the connection.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) error {
	b, err := s.branch(r)
	if err != nil {
		return err
	}
	head, err := b.HeadHash(r.Context())
	if err != nil {
		return err
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		s.log.WithFields(logrus.Fields{"branch": b.Key(), "error": err}).Debug("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(h types.Hash) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, []byte(h.String()))
	}
	if err := send(head); err != nil {
		return nil
	}
	updates, err := b.WatchFrom(ctx, head)
	if err != nil {
		s.log.WithFields(logrus.Fields{"branch": b.Key(), "error": err}).Warn("watching branch")
		return nil
	}
	for h := range updates {
		if err := send(h); err != nil {
			cancel()
			break
		}
	}
	for range updates {
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
