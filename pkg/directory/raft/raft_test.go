package raft

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memFSM applies each command by appending it to a slice, just enough to
// observe that a command committed on the leader is replicated to every
// follower in the same order.
type memFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *memFSM) Apply(entry []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, entry)
	return entry
}

func (f *memFSM) Snapshot() ([]byte, error) { return nil, nil }
func (f *memFSM) Restore([]byte) error      { return nil }

func (f *memFSM) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fakeTransport routes RPCs directly to peer Nodes in the same process,
// standing in for the framed-TCP transport used outside of tests.
type fakeTransport struct {
	mu    sync.RWMutex
	nodes map[uint64]*Node
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nodes: make(map[uint64]*Node)}
}

func (t *fakeTransport) register(id uint64, n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
}

func (t *fakeTransport) peer(id uint64) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

func (t *fakeTransport) RequestVote(ctx context.Context, peerID uint64, req *RequestVoteRequest) (*RequestVoteReply, error) {
	peer := t.peer(peerID)
	if peer == nil {
		return nil, errPeerUnreachable
	}
	return peer.HandleRequestVote(req), nil
}

func (t *fakeTransport) AppendEntries(ctx context.Context, peerID uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	peer := t.peer(peerID)
	if peer == nil {
		return nil, errPeerUnreachable
	}
	return peer.HandleAppendEntries(req), nil
}

var errPeerUnreachable = &transportErr{"peer unreachable"}

type transportErr struct{ s string }

func (e *transportErr) Error() string { return e.s }

func newTestCluster(t *testing.T, n int) ([]*Node, []*memFSM, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}
	nodes := make([]*Node, n)
	fsms := make([]*memFSM, n)
	for i, id := range ids {
		fsm := &memFSM{}
		storage, err := NewFileStorage(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStorage: %v", err)
		}
		node, err := NewNode(&Config{
			ID:               id,
			Peers:            ids,
			FSM:              fsm,
			Storage:          storage,
			Transport:        transport,
			SnapshotInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		transport.register(id, node)
		nodes[i] = node
		fsms[i] = fsm
	}
	return nodes, fsms, transport
}

func runCluster(t *testing.T, nodes []*Node) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for _, n := range nodes {
		go n.Run(ctx)
	}
	return cancel
}

func waitForLeader(t *testing.T, nodes []*Node) *Node {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	nodes, _, _ := newTestCluster(t, 3)
	cancel := runCluster(t, nodes)
	defer cancel()

	leader := waitForLeader(t, nodes)

	time.Sleep(200 * time.Millisecond)
	leaders := 0
	for _, n := range nodes {
		if n.IsLeader() {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}
	if leader == nil {
		t.Fatal("expected a leader")
	}
}

func TestSubmitReplicatesToFollowers(t *testing.T) {
	nodes, fsms, _ := newTestCluster(t, 3)
	cancel := runCluster(t, nodes)
	defer cancel()

	leader := waitForLeader(t, nodes)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if _, err := leader.Submit(ctx, []byte("hello")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		allApplied := true
		for _, f := range fsms {
			if f.len() != 1 {
				allApplied = false
			}
		}
		if allApplied {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("command was not replicated to every follower in time")
}

func TestSubmitOnFollowerFailsWithNotLeader(t *testing.T) {
	nodes, _, _ := newTestCluster(t, 3)
	cancel := runCluster(t, nodes)
	defer cancel()

	waitForLeader(t, nodes)

	var follower *Node
	for _, n := range nodes {
		if !n.IsLeader() {
			follower = n
			break
		}
	}
	if follower == nil {
		t.Fatal("expected at least one follower")
	}
	ctx, done := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer done()
	if _, err := follower.Submit(ctx, []byte("nope")); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}
