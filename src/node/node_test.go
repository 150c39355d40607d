package node

import (
	"context"
	"errors"
	stdnet "net"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/net"
	"github.com/mosaicnetworks/cloudsync/src/peers"
	"github.com/mosaicnetworks/cloudsync/src/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type syncCall struct {
	ip   string
	port int
}

type fakeFiles struct {
	sync.Mutex
	master  bool
	hasFile bool
	path    string
	syncErr error

	syncs  chan syncCall
	clears chan struct{}
	calls  []string
}

func (f *fakeFiles) record(call string) {
	f.Lock()
	defer f.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeFiles) callLog() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string{}, f.calls...)
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		path:   "/tmp/cloudsync/sync",
		syncs:  make(chan syncCall, 100),
		clears: make(chan struct{}, 100),
	}
}

func (f *fakeFiles) Synchronize(ctx context.Context, ip string, port int) error {
	f.record(net.CmdSync)
	f.syncs <- syncCall{ip, port}
	f.Lock()
	defer f.Unlock()
	return f.syncErr
}

func (f *fakeFiles) Clear() error {
	f.record(net.CmdClear)
	f.clears <- struct{}{}
	return nil
}

func (f *fakeFiles) IsFileMaster() bool  { return f.master }
func (f *fakeFiles) HasFileToSync() bool { return f.hasFile }
func (f *fakeFiles) GetFilePath() string { return f.path }

type fakeTasks struct {
	meta  tasks.Meta
	inits chan tasks.Meta
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		meta:  tasks.Meta{"tasks": []interface{}{map[string]interface{}{"command": "app"}}},
		inits: make(chan tasks.Meta, 100),
	}
}

func (f *fakeTasks) InitTaskGroup(ctx context.Context, meta tasks.Meta) error {
	f.inits <- meta
	return nil
}

func (f *fakeTasks) GetTaskMeta() tasks.Meta {
	return f.meta.Copy()
}

type fakeSource struct {
	peers  chan *peers.Peer
	errors chan error
}

func (s *fakeSource) Peers() <-chan *peers.Peer { return s.peers }
func (s *fakeSource) Errors() <-chan error      { return s.errors }

func newTestNode(t *testing.T, files *fakeFiles, tasks *fakeTasks, source PeerSource) *Node {
	conf := TestConfig(t)
	conf.NodeID = "node-under-test"
	conf.PeerAddress = "10.1.1.1"
	conf.PeerAPIPort = 10000

	node := NewNode(conf, peers.NewRegistry(), files, tasks, source)
	t.Cleanup(node.Shutdown)
	return node
}

// pipePeer returns a peer and the remote end of its stream. Commands written
// by the node on the peer are delivered on the returned channel.
func pipePeer(t *testing.T) (*peers.Peer, stdnet.Conn, <-chan net.Command) {
	local, remote := stdnet.Pipe()
	t.Cleanup(func() { remote.Close() })

	received := make(chan net.Command, 10)
	go func() {
		reader := net.NewCommandReader(remote)
		for {
			cmd, err := reader.Next()
			if err != nil {
				var decErr *net.DecodeError
				if errors.As(err, &decErr) {
					continue
				}
				return
			}
			received <- cmd
		}
	}()

	return peers.NewPeer(local, "remote-id", "remote", "127.0.0.1:2000", false), remote, received
}

func send(t *testing.T, conn stdnet.Conn, cmd net.Command) {
	frame, err := net.Encode(cmd)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func TestSyncThenTasks(t *testing.T) {
	files := newFakeFiles()
	tasks := newFakeTasks()
	node := newTestNode(t, files, tasks, nil)

	p, remote, _ := pipePeer(t)
	node.OnPeer(p)

	send(t, remote, &net.SyncCommand{
		IP:   "10.0.0.7",
		Port: 9000,
		Meta: map[string]interface{}{"version": "1"},
	})

	select {
	case call := <-files.syncs:
		assert.Equal(t, syncCall{"10.0.0.7", 9000}, call)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for Synchronize")
	}

	select {
	case meta := <-tasks.inits:
		assert.Equal(t, "1", meta["version"])
		assert.Equal(t, files.path, meta.BaseFolder())
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for InitTaskGroup")
	}
}

func TestSyncFailurePolicies(t *testing.T) {
	cases := []struct {
		policy    string
		initTasks bool
	}{
		{SyncFailureProceed, true},
		{SyncFailureSkip, false},
	}

	for _, c := range cases {
		t.Run(c.policy, func(t *testing.T) {
			files := newFakeFiles()
			files.syncErr = errors.New("unreachable")
			tasks := newFakeTasks()
			node := newTestNode(t, files, tasks, nil)
			node.conf.SyncFailure = c.policy

			p, remote, _ := pipePeer(t)
			node.OnPeer(p)

			send(t, remote, &net.SyncCommand{IP: "10.0.0.7", Port: 9000})

			select {
			case <-files.syncs:
			case <-time.After(waitFor):
				t.Fatal("timeout waiting for Synchronize")
			}

			select {
			case <-tasks.inits:
				assert.True(t, c.initTasks, "task group started after failed sync")
			case <-time.After(300 * time.Millisecond):
				assert.False(t, c.initTasks, "task group not started")
			}

			assert.Equal(t, "1", node.GetStats()["sync_errors"])
		})
	}
}

func TestCommandsHandledInArrivalOrder(t *testing.T) {
	files := newFakeFiles()
	node := newTestNode(t, files, newFakeTasks(), nil)

	p, remote, _ := pipePeer(t)
	node.OnPeer(p)

	syncFrame, err := net.Encode(&net.SyncCommand{IP: "10.0.0.7", Port: 9000})
	require.NoError(t, err)
	clearFrame, err := net.Encode(&net.ClearCommand{})
	require.NoError(t, err)

	const rounds = 20

	var batch []byte
	var expected []string
	for i := 0; i < rounds; i++ {
		batch = append(batch, syncFrame...)
		batch = append(batch, clearFrame...)
		expected = append(expected, net.CmdSync, net.CmdClear)
	}

	// a single write, so both frames of a round are buffered together
	_, err = remote.Write(batch)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(files.callLog()) == len(expected)
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, expected, files.callLog())
}

func TestClear(t *testing.T) {
	files := newFakeFiles()
	node := newTestNode(t, files, newFakeTasks(), nil)

	p, remote, _ := pipePeer(t)
	node.OnPeer(p)

	send(t, remote, &net.ClearCommand{})

	select {
	case <-files.clears:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for Clear")
	}
}

func TestBadCommandsDoNotEndStream(t *testing.T) {
	files := newFakeFiles()
	node := newTestNode(t, files, newFakeTasks(), nil)

	p, remote, _ := pipePeer(t)
	node.OnPeer(p)

	frames := []string{
		"not json\n",
		`{"cmd":"sync","data":null}` + "\n",
		`{"cmd":"reboot","data":{}}` + "\n",
		`{"cmd":"clear","data":{}}` + "\n",
	}
	for _, f := range frames {
		_, err := remote.Write([]byte(f))
		require.NoError(t, err)
	}

	select {
	case <-files.clears:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for Clear")
	}

	assert.Len(t, node.GetPeers(), 1)
	assert.Empty(t, files.syncs)
}

func TestPeerRemovedWhenStreamEnds(t *testing.T) {
	node := newTestNode(t, newFakeFiles(), newFakeTasks(), nil)

	p, remote, _ := pipePeer(t)
	node.OnPeer(p)
	require.Len(t, node.GetPeers(), 1)

	remote.Close()

	assert.Eventually(t, func() bool {
		return len(node.GetPeers()) == 0
	}, waitFor, 10*time.Millisecond)

	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("peer not closed")
	}
}

func TestMasterAsksNewPeerToSync(t *testing.T) {
	files := newFakeFiles()
	files.master = true
	files.hasFile = true
	tasks := newFakeTasks()
	node := newTestNode(t, files, tasks, nil)

	p, _, received := pipePeer(t)
	node.OnPeer(p)

	select {
	case cmd := <-received:
		sc, ok := cmd.(*net.SyncCommand)
		require.True(t, ok, "expected sync command, got %T", cmd)
		assert.Equal(t, "10.1.1.1", sc.IP)
		assert.Equal(t, 10000, sc.Port)
		assert.Contains(t, sc.Meta, "tasks")
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for sync command")
	}
}

func TestOthersDoNotAskNewPeers(t *testing.T) {
	cases := map[string]*fakeFiles{
		"replica":           newFakeFiles(),
		"replica with file": newFakeFiles(),
		"master no file":    newFakeFiles(),
	}
	cases["replica with file"].hasFile = true
	cases["master no file"].master = true

	for name, files := range cases {
		t.Run(name, func(t *testing.T) {
			node := newTestNode(t, files, newFakeTasks(), nil)

			p, _, received := pipePeer(t)
			node.OnPeer(p)

			select {
			case cmd := <-received:
				t.Fatalf("unexpected %s command", cmd.Kind())
			case <-time.After(200 * time.Millisecond):
			}
		})
	}
}

func TestAskAllPeers(t *testing.T) {
	node := newTestNode(t, newFakeFiles(), newFakeTasks(), nil)

	var inboxes []<-chan net.Command
	for i := 0; i < 3; i++ {
		p, _, received := pipePeer(t)
		node.OnPeer(p)
		inboxes = append(inboxes, received)
	}

	node.AskAllPeersToClear()
	node.AskAllPeersToSync()

	for _, inbox := range inboxes {
		for _, kind := range []string{net.CmdClear, net.CmdSync} {
			select {
			case cmd := <-inbox:
				assert.Equal(t, kind, cmd.Kind())
			case <-time.After(waitFor):
				t.Fatalf("timeout waiting for %s", kind)
			}
		}
	}
}

func TestAskPeerAfterClose(t *testing.T) {
	node := newTestNode(t, newFakeFiles(), newFakeTasks(), nil)

	p, _, _ := pipePeer(t)
	node.OnPeer(p)
	p.Close()

	assert.Error(t, node.AskPeerToClear(p))
}

func TestShutdown(t *testing.T) {
	files := newFakeFiles()
	node := newTestNode(t, files, newFakeTasks(), nil)
	node.RunAsync()

	p, remote, _ := pipePeer(t)
	node.OnPeer(p)

	node.Shutdown()
	node.Shutdown()

	assert.Equal(t, "Shutdown", node.GetState().String())
	assert.Empty(t, node.GetPeers())
	assert.Equal(t, 0, node.Routines())

	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("peer not closed")
	}

	// the stream is closed, nothing reaches the engines anymore
	remote.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	frame, _ := net.Encode(&net.ClearCommand{})
	remote.Write(frame)
	assert.Empty(t, files.clears)

	late, _, _ := pipePeer(t)
	node.OnPeer(late)
	assert.Empty(t, node.GetPeers())
	select {
	case <-late.Done():
	default:
		t.Fatal("late peer not closed")
	}
}

func TestRunConsumesSource(t *testing.T) {
	source := &fakeSource{
		peers:  make(chan *peers.Peer),
		errors: make(chan error),
	}
	node := newTestNode(t, newFakeFiles(), newFakeTasks(), source)
	node.RunAsync()

	source.errors <- errors.New("dial refused")

	p, _, _ := pipePeer(t)
	source.peers <- p

	assert.Eventually(t, func() bool {
		return len(node.GetPeers()) == 1
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, "Running", node.GetState().String())
}

func TestGetStats(t *testing.T) {
	files := newFakeFiles()
	files.master = true
	node := newTestNode(t, files, newFakeTasks(), nil)

	stats := node.GetStats()
	assert.Equal(t, "node-under-test", stats["node_id"])
	assert.Equal(t, "Idle", stats["state"])
	assert.Equal(t, "0", stats["num_peers"])
	assert.Equal(t, "true", stats["is_file_master"])
	assert.Equal(t, "false", stats["has_file"])
	assert.Equal(t, "0", stats["syncs"])
}
