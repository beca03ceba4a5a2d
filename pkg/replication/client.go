package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-model/pkg/deltastream"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 5
	DefaultBatchSize  = 5000
	batchConcurrency  = 4
)

// ErrTimeout reports a request that got no complete answer in time. It is
// the only transport error the client retries.
var ErrTimeout = errors.New("replication: request timed out")

// StatusError is an error response of the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("replication: server responded %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusBadRequest:
		return ErrProtocol
	}
	return nil
}

// Client talks to a replication server. It is also a store.ObjectStore on
// the server's objects.
type Client struct {
	baseURL     string
	http        *http.Client
	dialer      *websocket.Dialer
	tokens      TokenProvider
	timeout     time.Duration
	pollTimeout time.Duration
	maxRetries  uint64
	batchSize   int
	log         *logrus.Logger
}

var _ store.ObjectStore = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Client) {
		c.tokens = p
	}
}

// WithTimeout bounds every request attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithServerPollTimeout tells the client how long the server holds long
// polls, so that their requests are not cut short.
func WithServerPollTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollTimeout = d
	}
}

// WithMaxRetries sets how often a timed out or truncated request is
// repeated.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBatchSize sets the number of objects per object request.
func WithBatchSize(n int) ClientOption {
	return func(c *Client) {
		c.batchSize = n
	}
}

func WithClientLogger(l *logrus.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("replication: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("replication: base url %q is not http", baseURL)
	}
	c := &Client{
		baseURL:     strings.TrimSuffix(u.String(), "/"),
		http:        http.DefaultClient,
		dialer:      websocket.DefaultDialer,
		tokens:      StaticToken(""),
		timeout:     DefaultTimeout,
		pollTimeout: DefaultPollTimeout,
		maxRetries:  DefaultMaxRetries,
		batchSize:   DefaultBatchSize,
		log:         log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func branchPath(repo, name string) string {
	return "/v2/repositories/" + url.PathEscape(repo) + "/branches/" + url.PathEscape(name)
}

func (c *Client) url(path string, query url.Values) string {
	if len(query) == 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?" + query.Encode()
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	timeout     time.Duration
	// read consumes a successful response.
	read func(ctx context.Context, body io.Reader) error
}

// retryable reports errors worth another attempt.
func retryable(err error) bool {
	var incomplete *deltastream.IncompleteDataError
	return errors.Is(err, ErrTimeout) || errors.As(err, &incomplete)
}

// do runs req, retrying with exponential backoff while attempts fail with
// a retryable error.
func (c *Client) do(ctx context.Context, req request) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.once(ctx, req)
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		ClientRetries.Inc()
		c.log.WithFields(logrus.Fields{
			"method":  req.method,
			"path":    req.path,
			"attempt": attempt,
			"error":   err,
		}).Debug("retrying request")
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
}

func (c *Client) once(ctx context.Context, req request) error {
	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, c.url(req.path, req.query), body)
	if err != nil {
		return err
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("replication: token: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.transportError(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", ErrTimeout, resp.StatusCode)
	case resp.StatusCode >= 300:
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(message))}
	}
	if req.read == nil {
		return nil
	}
	if err := req.read(attemptCtx, resp.Body); err != nil {
		return c.transportError(ctx, attemptCtx, err)
	}
	return nil
}

// transportError turns failures caused by the attempt's deadline into
// ErrTimeout. Cancellation of ctx itself is returned as is.
func (c *Client) transportError(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func readAll(into *[]byte) func(context.Context, io.Reader) error {
	return func(_ context.Context, r io.Reader) error {
		b, err := io.ReadAll(r)
		*into = b
		return err
	}
}

func readHash(into *types.Hash) func(context.Context, io.Reader) error {
	return func(_ context.Context, r io.Reader) error {
		b, err := io.ReadAll(io.LimitReader(r, 1024))
		if err != nil {
			return err
		}
		h, err := types.ParseHash(strings.TrimSpace(string(b)))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		*into = h
		return nil
	}
}

func readNames(into *[]string) func(context.Context, io.Reader) error {
	return func(_ context.Context, r io.Reader) error {
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		var names []string
		for _, line := range strings.Split(string(b), "\n") {
			if line == "" {
				continue
			}
			name, err := types.Unescape(line)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			names = append(names, name)
		}
		*into = names
		return nil
	}
}

func readDelta(into **deltastream.Delta) func(context.Context, io.Reader) error {
	return func(ctx context.Context, r io.Reader) error {
		d, err := deltastream.Decode(ctx, r)
		*into = d
		return err
	}
}

func (c *Client) Get(ctx context.Context, hash types.Hash) (string, bool, error) {
	entries, err := c.GetAll(ctx, []types.Hash{hash})
	if err != nil {
		return "", false, err
	}
	return entries[0].Value, entries[0].Found, nil
}

// GetAll fetches hashes in batches, several at a time. Every returned value
// is checked against its hash.
func (c *Client) GetAll(ctx context.Context, hashes []types.Hash) ([]store.Entry, error) {
	entries := make([]store.Entry, len(hashes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for start := 0; start < len(hashes); start += c.batchSize {
		start := start
		end := min(start+c.batchSize, len(hashes))
		g.Go(func() error {
			return c.getBatch(ctx, hashes[start:end], entries[start:end])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) getBatch(ctx context.Context, hashes []types.Hash, into []store.Entry) error {
	var body []byte
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/v2/objects/getAll",
		body:        encodeHashes(hashes),
		contentType: contentTypeProtobuf,
		read:        readAll(&body),
	})
	if err != nil {
		return err
	}
	entries, err := decodeEntries(body)
	if err != nil {
		return err
	}
	if len(entries) != len(hashes) {
		return fmt.Errorf("%w: asked for %d objects, got %d", ErrProtocol, len(hashes), len(entries))
	}
	for i, e := range entries {
		if e.Hash != hashes[i] {
			return fmt.Errorf("%w: expected %s at %d, got %s", ErrProtocol, hashes[i], i, e.Hash)
		}
		if e.Found {
			if err := store.CheckObject(e.Hash, e.Value); err != nil {
				return err
			}
		}
		into[i] = e
	}
	return nil
}

func (c *Client) Put(ctx context.Context, hash types.Hash, value string) error {
	return c.PutAll(ctx, []store.Object{{Hash: hash, Value: value}})
}

func (c *Client) PutAll(ctx context.Context, objects []store.Object) error {
	for _, o := range objects {
		if err := store.CheckObject(o.Hash, o.Value); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for start := 0; start < len(objects); start += c.batchSize {
		batch := objects[start:min(start+c.batchSize, len(objects))]
		g.Go(func() error {
			return c.do(ctx, request{
				method:      http.MethodPut,
				path:        "/v2/objects",
				body:        encodeObjects(batch),
				contentType: contentTypeProtobuf,
			})
		})
	}
	return g.Wait()
}

// Repositories lists the repositories of the server.
func (c *Client) Repositories(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, request{method: http.MethodGet, path: "/v2/repositories", read: readNames(&names)})
	return names, err
}

// Branches lists the branches of a remote repository. An unknown repository
// is store.ErrNotFound.
func (c *Client) Branches(ctx context.Context, repo string) ([]string, error) {
	var names []string
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/v2/repositories/" + url.PathEscape(repo) + "/branches",
		read:   readNames(&names),
	})
	return names, err
}

// HeadHash returns the head of a remote branch.
func (c *Client) HeadHash(ctx context.Context, repo, name string) (types.Hash, error) {
	var h types.Hash
	err := c.do(ctx, request{method: http.MethodGet, path: branchPath(repo, name), read: readHash(&h)})
	return h, err
}

// WaitForChange long polls a remote branch. It returns the new head, or
// known when the server's poll timed out without a change.
func (c *Client) WaitForChange(ctx context.Context, repo, name string, known types.Hash) (types.Hash, error) {
	var h types.Hash
	err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    branchPath(repo, name),
		query:   url.Values{"lastKnown": {known.String()}},
		timeout: c.pollTimeout + c.timeout,
		read:    readHash(&h),
	})
	return h, err
}

func knownQuery(known types.Hash) url.Values {
	if known == "" {
		return nil
	}
	return url.Values{"lastKnown": {known.String()}}
}

// BranchDelta fetches the head of a remote branch with the objects that are
// not reachable from known. An empty known fetches the whole history.
func (c *Client) BranchDelta(ctx context.Context, repo, name string, known types.Hash) (*deltastream.Delta, error) {
	var d *deltastream.Delta
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   branchPath(repo, name) + "/delta",
		query:  knownQuery(known),
		read:   readDelta(&d),
	})
	return d, err
}

// VersionDelta is BranchDelta for a fixed version.
func (c *Client) VersionDelta(ctx context.Context, repo string, v, known types.Hash) (*deltastream.Delta, error) {
	var d *deltastream.Delta
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/v2/repositories/" + url.PathEscape(repo) + "/versions/" + url.PathEscape(v.String()),
		query:  knownQuery(known),
		read:   readDelta(&d),
	})
	return d, err
}

// Push sends a delta to be merged into a remote branch. The answer is the
// delta from the pushed version to the branch's new head.
func (c *Client) Push(ctx context.Context, repo, name string, d *deltastream.Delta) (*deltastream.Delta, error) {
	var buf bytes.Buffer
	if err := deltastream.Encode(&buf, d); err != nil {
		return nil, err
	}
	var answer *deltastream.Delta
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        branchPath(repo, name),
		body:        buf.Bytes(),
		contentType: "text/plain; charset=utf-8",
		read:        readDelta(&answer),
	})
	return answer, err
}

// Listen subscribes to the heads of a remote branch. The first hash is the
// head at subscription time. The channel is closed when ctx is done or the
// connection breaks.
func (c *Client) Listen(ctx context.Context, repo, name string) (<-chan types.Hash, error) {
	u, err := url.Parse(c.url(branchPath(repo, name)+"/listen", nil))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("replication: token: %w", err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Code: resp.StatusCode, Message: resp.Status}
		}
		return nil, c.transportError(ctx, dialCtx, err)
	}

	out := make(chan types.Hash)
	ctx, stop := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		// releases the closer above when the connection breaks first
		defer stop()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.log.WithFields(logrus.Fields{"branch": name, "error": err}).Debug("listen connection closed")
				}
				return
			}
			h, err := types.ParseHash(string(message))
			if err != nil {
				c.log.WithFields(logrus.Fields{"branch": name, "error": err}).Warn("ignoring listen message")
				continue
			}
			select {
			case out <- h:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
