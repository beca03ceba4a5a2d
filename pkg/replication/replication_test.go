package replication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-model/pkg/branch"
	"github.com/i5heu/ouroboros-model/pkg/deltastream"
	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
	"github.com/i5heu/ouroboros-model/pkg/version"
)

const (
	testPoll   = 5 * time.Millisecond
	longPoll   = 200 * time.Millisecond
	repository = "repo"
)

type fixture struct {
	graph  *tree.Graph
	refs   *store.MemoryRefStore
	url    string
	client *Client
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	g, err := tree.NewGraph(store.NewMemoryStore())
	require.NoError(t, err)
	refs := store.NewMemoryRefStore()
	opts = append([]Option{WithBranchPollInterval(testPoll), WithPollTimeout(longPoll)}, opts...)
	srv, err := New(g, refs, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	client, err := NewClient(ts.URL, WithTimeout(5*time.Second), WithServerPollTimeout(longPoll))
	require.NoError(t, err)
	return &fixture{graph: g, refs: refs, url: ts.URL, client: client}
}

func (f *fixture) serverBranch(t *testing.T) *branch.Branch {
	t.Helper()
	b, err := branch.Open(context.Background(), branch.Config{
		Repository:   repository,
		Name:         "main",
		Graph:        f.graph,
		Refs:         f.refs,
		Author:       "bob",
		PollInterval: testPoll,
	})
	require.NoError(t, err)
	return b
}

func localConfig(t *testing.T) branch.Config {
	t.Helper()
	g, err := tree.NewGraph(store.NewMemoryStore())
	require.NoError(t, err)
	return branch.Config{
		Repository:   repository,
		Name:         "main",
		Graph:        g,
		Refs:         store.NewMemoryRefStore(),
		Author:       "alice",
		PollInterval: testPoll,
	}
}

func setRoot(role, value string) func(*oplog.Transaction) error {
	return func(tx *oplog.Transaction) error {
		return tx.SetProperty(context.Background(), types.RootID, role, &value)
	}
}

func rootProperty(t *testing.T, b *branch.Branch, role string) string {
	t.Helper()
	var value string
	require.NoError(t, b.RunRead(context.Background(), func(tr *tree.Tree) error {
		var err error
		value, _, err = tr.Property(context.Background(), types.RootID, role)
		return err
	}))
	return value
}

func headOf(t *testing.T, b *branch.Branch) types.Hash {
	t.Helper()
	h, err := b.HeadHash(context.Background())
	require.NoError(t, err)
	return h
}

func TestWireRoundTrip(t *testing.T) {
	a, b := store.NewObject("1/%00/0/%00///"), store.NewObject("")
	entries := []store.Entry{
		{Hash: a.Hash, Value: a.Value, Found: true},
		{Hash: types.Digest("missing")},
		{Hash: b.Hash, Value: b.Value, Found: true},
	}
	decoded, err := decodeEntries(encodeEntries(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)

	objects, err := decodeObjects(encodeObjects([]store.Object{a, b}))
	require.NoError(t, err)
	assert.Equal(t, []store.Object{a, b}, objects)
	_, err = decodeObjects(encodeEntries(entries))
	assert.ErrorIs(t, err, ErrProtocol)

	hashes := []types.Hash{a.Hash, b.Hash}
	decodedHashes, err := decodeHashes(encodeHashes(hashes))
	require.NoError(t, err)
	assert.Equal(t, hashes, decodedHashes)

	_, err = decodeHashes(encodeHashes([]types.Hash{"not a hash"}))
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = decodeHashes(encodeHashes(hashes)[:10])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client, err := NewClient(f.url, WithBatchSize(2))
	require.NoError(t, err)

	var objects []store.Object
	for _, v := range []string{"a", "b", "c", "d", "e"} {
		objects = append(objects, store.NewObject(v))
	}
	require.NoError(t, client.PutAll(ctx, objects))
	value, err := store.MustGet(ctx, f.graph.Store(), objects[3].Hash)
	require.NoError(t, err)
	assert.Equal(t, "d", value)

	missing := types.Digest("missing")
	hashes := []types.Hash{objects[4].Hash, missing, objects[0].Hash, objects[2].Hash, objects[1].Hash}
	entries, err := client.GetAll(ctx, hashes)
	require.NoError(t, err)
	require.Len(t, entries, len(hashes))
	for i, e := range entries {
		assert.Equal(t, hashes[i], e.Hash)
	}
	assert.False(t, entries[1].Found)
	assert.Equal(t, "e", entries[0].Value)
	assert.Equal(t, "b", entries[4].Value)

	value, found, err := client.Get(ctx, objects[2].Hash)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "c", value)

	var invalid *store.InvalidHashError
	assert.True(t, errors.As(client.Put(ctx, missing, "x"), &invalid))
}

func TestServerRejectsInvalidObjects(t *testing.T) {
	f := newFixture(t)
	body := encodeObjects([]store.Object{{Hash: types.Digest("a"), Value: "b"}})
	req, err := http.NewRequest(http.MethodPut, f.url+"/v2/objects", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	broken := store.NewObject("a\nb")
	req, err = http.NewRequest(http.MethodPut, f.url+"/v2/objects", bytes.NewReader(encodeObjects([]store.Object{broken})))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, found, err := f.graph.Store().Get(context.Background(), broken.Hash)
	require.NoError(t, err)
	assert.False(t, found)

	resp, err = http.Post(f.url+"/v2/objects/getAll", contentTypeProtobuf, strings.NewReader("\xff\xff"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeadAndLongPoll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.serverBranch(t)
	head := headOf(t, b)

	h, err := f.client.HeadHash(ctx, repository, "main")
	require.NoError(t, err)
	assert.Equal(t, head, h)

	_, err = f.client.HeadHash(ctx, repository, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// nothing changes until the poll times out
	h, err = f.client.WaitForChange(ctx, repository, "main", head)
	require.NoError(t, err)
	assert.Equal(t, head, h)

	done := make(chan types.Hash, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		r, err := b.RunWrite(ctx, setRoot("a", "1"))
		if err == nil {
			done <- r.Version.Hash()
		}
		close(done)
	}()
	h, err = f.client.WaitForChange(ctx, repository, "main", head)
	require.NoError(t, err)
	assert.Equal(t, <-done, h)
}

func TestListRepositoriesAndBranches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	repos, err := f.client.Repositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)

	f.serverBranch(t)
	for _, id := range [][2]string{{repository, "feature/a b"}, {"other repo", "main"}} {
		_, err := branch.Open(ctx, branch.Config{Repository: id[0], Name: id[1], Graph: f.graph, Refs: f.refs})
		require.NoError(t, err)
	}

	repos, err = f.client.Repositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other repo", repository}, repos)

	names, err := f.client.Branches(ctx, repository)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/a b", "main"}, names)
	names, err = f.client.Branches(ctx, "other repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, names)

	_, err = f.client.Branches(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthentication(t *testing.T) {
	ctx := context.Background()
	secret := []byte("shared secret")
	f := newFixture(t, WithSecret(secret))
	f.serverBranch(t)

	_, err := f.client.HeadHash(ctx, repository, "main")
	assert.ErrorIs(t, err, ErrUnauthorized)

	signed, err := NewClient(f.url, WithTokenProvider(&SigningTokenProvider{Secret: secret, Subject: "alice"}))
	require.NoError(t, err)
	_, err = signed.HeadHash(ctx, repository, "main")
	assert.NoError(t, err)

	wrong, err := NewClient(f.url, WithTokenProvider(&SigningTokenProvider{Secret: []byte("other")}))
	require.NoError(t, err)
	_, err = wrong.HeadHash(ctx, repository, "main")
	assert.ErrorIs(t, err, ErrUnauthorized)

	expired, err := NewClient(f.url, WithTokenProvider(&SigningTokenProvider{
		Secret: secret,
		TTL:    time.Minute,
		Clock:  func() time.Time { return time.Now().Add(-time.Hour) },
	}))
	require.NoError(t, err)
	_, err = expired.HeadHash(ctx, repository, "main")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVersionDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.serverBranch(t)
	first, err := b.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)
	_, err = b.RunWrite(ctx, setRoot("a", "2"))
	require.NoError(t, err)

	d, err := f.client.VersionDelta(ctx, repository, first.Version.Hash(), "")
	require.NoError(t, err)
	assert.Equal(t, first.Version.Hash(), d.Version)

	receiver := store.NewMemoryStore()
	require.NoError(t, deltastream.Apply(ctx, receiver, d))
	g, err := tree.NewGraph(receiver)
	require.NoError(t, err)
	v, err := version.Load(ctx, g, first.Version.Hash())
	require.NoError(t, err)
	tr, err := v.Tree(ctx)
	require.NoError(t, err)
	value, _, err := tr.Property(ctx, types.RootID, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", value)

	_, err = f.client.VersionDelta(ctx, repository, types.Digest("unknown"), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplicaPullAndPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	remote := f.serverBranch(t)
	_, err := remote.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)

	replica, err := OpenReplica(ctx, f.client, localConfig(t))
	require.NoError(t, err)
	local := replica.Branch()
	assert.Equal(t, "1", rootProperty(t, local, "a"))
	assert.Equal(t, headOf(t, remote), replica.Remote())

	_, err = local.RunWrite(ctx, setRoot("b", "2"))
	require.NoError(t, err)
	_, err = replica.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", rootProperty(t, remote, "b"))
	assert.Equal(t, headOf(t, local), headOf(t, remote))

	_, err = remote.RunWrite(ctx, setRoot("c", "3"))
	require.NoError(t, err)
	_, err = local.RunWrite(ctx, setRoot("d", "4"))
	require.NoError(t, err)
	result, err := replica.Push(ctx)
	require.NoError(t, err)
	assert.True(t, result.Version.IsMerge())
	assert.Equal(t, headOf(t, local), headOf(t, remote))
	for role, value := range map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"} {
		assert.Equal(t, value, rootProperty(t, local, role))
		assert.Equal(t, value, rootProperty(t, remote, role))
	}

	_, err = remote.RunWrite(ctx, setRoot("a", "5"))
	require.NoError(t, err)
	_, err = replica.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", rootProperty(t, local, "a"))
}

func TestReplicaCreatesRemoteBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	replica, err := OpenReplica(ctx, f.client, localConfig(t))
	require.NoError(t, err)
	assert.Empty(t, replica.Remote())

	_, err = replica.Branch().RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)
	require.NoError(t, SyncAll(ctx, replica))

	remote := f.serverBranch(t)
	assert.Equal(t, headOf(t, replica.Branch()), headOf(t, remote))
	assert.Equal(t, "1", rootProperty(t, remote, "a"))
}

func TestListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	b := f.serverBranch(t)

	heads, err := f.client.Listen(ctx, repository, "main")
	require.NoError(t, err)
	next := func() types.Hash {
		select {
		case h := <-heads:
			return h
		case <-time.After(5 * time.Second):
			t.Fatal("no head received")
			return ""
		}
	}
	assert.Equal(t, headOf(t, b), next())

	result, err := b.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)
	assert.Equal(t, result.Version.Hash(), next())

	cancel()
	for range heads {
	}
}

func TestListenEndsWithBrokenConnection(t *testing.T) {
	head := types.Digest("head")
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(head.String()))
		conn.Close()
	}))
	defer ts.Close()
	client, err := NewClient(ts.URL)
	require.NoError(t, err)

	before := runtime.NumGoroutine()
	heads, err := client.Listen(context.Background(), repository, "main")
	require.NoError(t, err)
	assert.Equal(t, head, <-heads)
	for range heads {
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplicaRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	remote := f.serverBranch(t)
	replica, err := OpenReplica(ctx, f.client, localConfig(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- replica.Run(ctx) }()

	_, err = remote.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return rootProperty(t, replica.Branch(), "a") == "1"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = replica.Branch().RunWrite(ctx, setRoot("b", "2"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return rootProperty(t, remote, "b") == "2"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTimeoutsAreRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	}))
	defer ts.Close()

	client, err := NewClient(ts.URL, WithTimeout(20*time.Millisecond), WithMaxRetries(2))
	require.NoError(t, err)
	_, err = client.HeadHash(context.Background(), repository, "main")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTruncatedDeltasAreRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, types.Digest("v").String()+"\n$\n")
	}))
	defer ts.Close()

	client, err := NewClient(ts.URL, WithMaxRetries(1))
	require.NoError(t, err)
	_, err = client.BranchDelta(context.Background(), repository, "main", "")
	var incomplete *deltastream.IncompleteDataError
	assert.True(t, errors.As(err, &incomplete), "%v", err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServerErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client, err := NewClient(ts.URL)
	require.NoError(t, err)
	_, err = client.HeadHash(context.Background(), repository, "main")
	var status *StatusError
	require.True(t, errors.As(err, &status), "%v", err)
	assert.Equal(t, http.StatusInternalServerError, status.Code)
	assert.Equal(t, "broken", status.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPushRejectsBrokenDeltas(t *testing.T) {
	f := newFixture(t)
	f.serverBranch(t)
	object := store.NewObject("x")
	corrupt := deltastream.EncodeToString(&deltastream.Delta{
		Version: object.Hash,
		Objects: []store.Object{{Hash: object.Hash, Value: "y"}},
	})
	for _, body := range []string{corrupt, corrupt[:20]} {
		resp, err := http.Post(f.url+branchPath(repository, "main"), "text/plain", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}
