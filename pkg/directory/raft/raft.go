// Package raft implements the leader-election/log-replication engine
// described in §4.1: randomized election timeouts, 50ms leader heartbeats,
// majority-commit log replication, and a single-writer apply loop. It is
// deliberately not an embedded etcd: the spec requires the RequestVote and
// AppendEntries RPCs to be visible, tagged-opcode wire messages (§6 Cluster
// protocol), which an embedded etcd's gRPC-surfaced raft would hide.
package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/p2pshare/core/pkg/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Role is a node's position in the term (§4.1 Election).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

const (
	electionTimeoutMin = 150 * time.Millisecond
	electionTimeoutMax = 300 * time.Millisecond
	heartbeatInterval  = 50 * time.Millisecond
)

// FSM is the state machine a Node replicates commands into. Apply,
// Snapshot, and Restore operate on opaque bytes so this package stays
// independent of the directory service's command types (§4.1 Persistence).
type FSM interface {
	Apply(entry []byte) []byte
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// Transport is how a Node reaches its peers. An implementation carries
// RequestVote/AppendEntries over framed TCP on opcodes 0x20-0x2F (§6).
type Transport interface {
	RequestVote(ctx context.Context, peerID uint64, req *RequestVoteRequest) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, peerID uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error)
}

// Storage persists term/voted-for/log per §6 Persistent state layout
// (log.bin) and periodic snapshots (state.json), see storage.go.
type Storage interface {
	SaveTermVote(term uint64, votedFor uint64) error
	LoadTermVote() (term uint64, votedFor uint64, err error)
	AppendEntry(e Entry) error
	TruncateFrom(index uint64) error
	Entries(from uint64) ([]Entry, error)
	LastIndex() uint64
	EntryAt(index uint64) (Entry, bool)
	TermAt(index uint64) uint64
	SaveSnapshot(lastIncludedIndex, lastIncludedTerm uint64, data []byte) error
	LoadSnapshot() (lastIncludedIndex, lastIncludedTerm uint64, data []byte, err error)
	DiscardBefore(index uint64) error
}

// Entry is one replicated log record (§4.1 Replication).
type Entry struct {
	Term    uint64
	Index   uint64
	Command []byte
}

// RequestVoteRequest is §6 Cluster protocol RequestVote.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest is §6 Cluster protocol AppendEntries.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	Term    uint64
	Success bool

	// ConflictIndex/ConflictTerm speed up the leader's nextIndex backoff on
	// a log mismatch, standard raft log-matching optimization.
	ConflictIndex uint64
	ConflictTerm  uint64
}

var (
	ErrNotLeader  = errors.New("not leader")
	ErrNoQuorum   = errors.New("no quorum")
	ErrNodeClosed = errors.New("node closed")
)

// submission is a client command in flight through the apply pipeline.
type submission struct {
	index   uint64
	command []byte
	done    chan submitResult
}

type submitResult struct {
	result []byte
	err    error
}

// Node is one member of the replicated cluster (§4.1 Cluster).
type Node struct {
	id      uint64
	peerIDs []uint64 // all member ids, including our own

	fsm       FSM
	storage   Storage
	transport Transport

	snapshotInterval time.Duration

	mu          sync.Mutex
	role        Role
	term        uint64
	votedFor    uint64
	leaderID    uint64
	commitIndex uint64
	lastApplied uint64

	// leader-only state
	nextIndex  map[uint64]uint64
	matchIndex map[uint64]uint64

	lastIncludedIndex uint64
	lastIncludedTerm  uint64

	running atomic.Bool

	resetElectionCh chan struct{}
	submitCh        chan *submission
	applyCond       *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.Logger
}

// Config configures a Node. Peers must list every cluster member by ID,
// including this node's own ID.
type Config struct {
	ID               uint64
	Peers            []uint64
	FSM              FSM
	Storage          Storage
	Transport        Transport
	SnapshotInterval time.Duration
}

func NewNode(cfg *Config) (*Node, error) {
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	n := &Node{
		id:               cfg.ID,
		peerIDs:          cfg.Peers,
		fsm:              cfg.FSM,
		storage:          cfg.Storage,
		transport:        cfg.Transport,
		snapshotInterval: cfg.SnapshotInterval,
		resetElectionCh:  make(chan struct{}, 1),
		submitCh:         make(chan *submission, 256),
		nextIndex:        make(map[uint64]uint64),
		matchIndex:       make(map[uint64]uint64),
		log:              log.NewLoggerWithLevel("raft", log.Level()),
	}
	n.applyCond = sync.NewCond(&n.mu)

	term, votedFor, err := n.storage.LoadTermVote()
	if err != nil {
		return nil, errors.Wrap(err, "cannot load term/voted-for")
	}
	n.term, n.votedFor = term, votedFor

	lastIdx, lastTerm, data, err := n.storage.LoadSnapshot()
	if err != nil {
		return nil, errors.Wrap(err, "cannot load snapshot")
	}
	if lastIdx > 0 {
		if err := n.fsm.Restore(data); err != nil {
			return nil, errors.Wrap(err, "cannot restore snapshot into fsm")
		}
		n.lastIncludedIndex = lastIdx
		n.lastIncludedTerm = lastTerm
		n.commitIndex = lastIdx
		n.lastApplied = lastIdx
	}
	return n, nil
}

// Run starts the election timer, the apply loop, and (when leader) the
// heartbeat/replication loop. It blocks until ctx is cancelled or Stop is
// called.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CAS(false, true) {
		return errors.New("raft node already running")
	}
	defer n.running.Store(false)

	n.ctx, n.cancel = context.WithCancel(ctx)
	defer n.cancel()

	n.wg.Add(2)
	go n.applyLoop()
	go n.snapshotLoop()

	n.runElectionTimer()

	// Wake the apply loop so it observes the cancelled context instead of
	// blocking in applyCond.Wait forever.
	n.mu.Lock()
	n.applyCond.Broadcast()
	n.mu.Unlock()

	n.wg.Wait()
	return nil
}

func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Lock()
	n.applyCond.Broadcast()
	n.mu.Unlock()
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderHint returns the last-known leader ID, used to populate §6's
// leader_hint field on a NotLeader reply.
func (n *Node) LeaderHint() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

func randomElectionTimeout() time.Duration {
	d := electionTimeoutMax - electionTimeoutMin
	return electionTimeoutMin + time.Duration(rand.Int63n(int64(d)))
}

// runElectionTimer drives §4.1 Election: it waits for the randomized
// timeout, a heartbeat/vote reset, or shutdown.
func (n *Node) runElectionTimer() {
	for {
		timeout := randomElectionTimeout()
		select {
		case <-time.After(timeout):
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != Leader {
				n.startElection()
			}
		case <-n.resetElectionCh:
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) resetElectionTimer() {
	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}
}

// startElection implements §4.1 Election: bump term, become candidate,
// solicit votes from every peer, and become leader on a majority.
func (n *Node) startElection() {
	n.mu.Lock()
	n.role = Candidate
	n.term++
	n.votedFor = n.id
	term := n.term
	lastIdx := n.storage.LastIndex()
	lastTerm := n.termAtLocked(lastIdx)
	if err := n.storage.SaveTermVote(n.term, n.votedFor); err != nil {
		n.log.Error("cannot persist term/vote", zap.Error(err))
	}
	n.mu.Unlock()

	n.log.Debug("starting election", zap.Uint64("term", term), zap.Uint64("id", n.id))

	votes := atomic.NewInt32(1) // vote for self
	needed := len(n.peerIDs)/2 + 1

	var wg sync.WaitGroup
	for _, peerID := range n.peerIDs {
		if peerID == n.id {
			continue
		}
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, electionTimeoutMin)
			defer cancel()
			reply, err := n.transport.RequestVote(ctx, peerID, &RequestVoteRequest{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}
			n.maybeStepDown(reply.Term)
			if reply.VoteGranted {
				votes.Inc()
			}
		}()
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.term != term {
		return // a higher term or concurrent state change pre-empted this round
	}
	if int(votes.Load()) >= needed {
		n.becomeLeaderLocked()
	}
	// A split vote (§4.1) simply falls through: the election timer
	// re-randomizes and tries again next timeout.
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	lastIdx := n.storage.LastIndex()
	for _, peerID := range n.peerIDs {
		n.nextIndex[peerID] = lastIdx + 1
		n.matchIndex[peerID] = 0
	}
	n.log.Info("became leader", zap.Uint64("term", n.term), zap.Uint64("id", n.id))
	n.wg.Add(1)
	go n.leaderLoop(n.term)
}

// leaderLoop sends heartbeats every 50ms and replicates new entries until a
// higher term is observed or this node steps down.
func (n *Node) leaderLoop(term uint64) {
	defer n.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		n.mu.Lock()
		stillLeader := n.role == Leader && n.term == term
		n.mu.Unlock()
		if !stillLeader {
			return
		}
		n.replicateToAllPeers(term)
		select {
		case <-ticker.C:
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) replicateToAllPeers(term uint64) {
	var wg sync.WaitGroup
	for _, peerID := range n.peerIDs {
		if peerID == n.id {
			continue
		}
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.replicateToPeer(term, peerID)
		}()
	}
	wg.Wait()
	n.advanceCommitIndex(term)
}

func (n *Node) replicateToPeer(term, peerID uint64) {
	n.mu.Lock()
	if n.role != Leader || n.term != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peerID]
	prevIdx := next - 1
	prevTerm := n.termAtLocked(prevIdx)
	entries, err := n.storage.Entries(next)
	if err != nil {
		n.log.Error("cannot load entries for replication", zap.Error(err))
		n.mu.Unlock()
		return
	}
	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(n.ctx, heartbeatInterval*4)
	defer cancel()
	reply, err := n.transport.AppendEntries(ctx, peerID, req)
	if err != nil {
		return
	}
	if n.maybeStepDown(reply.Term) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader || n.term != term {
		return
	}
	if reply.Success {
		n.matchIndex[peerID] = prevIdx + uint64(len(entries))
		n.nextIndex[peerID] = n.matchIndex[peerID] + 1
		return
	}
	// Log mismatch: back off nextIndex and retry on the next heartbeat.
	if reply.ConflictTerm == 0 {
		n.nextIndex[peerID] = reply.ConflictIndex
	} else {
		n.nextIndex[peerID] = reply.ConflictIndex
	}
	if n.nextIndex[peerID] < 1 {
		n.nextIndex[peerID] = 1
	}
}

// advanceCommitIndex implements §4.1's commit rule: an index commits once a
// majority of the cluster members (peerIDs, counting this node) has
// replicated it, and only entries from
// the leader's current term may be counted (the standard raft safety rule).
func (n *Node) advanceCommitIndex(term uint64) {
	n.mu.Lock()
	if n.role != Leader || n.term != term {
		n.mu.Unlock()
		return
	}
	needed := len(n.peerIDs)/2 + 1
	lastIdx := n.storage.LastIndex()
	newCommit := n.commitIndex
	for idx := lastIdx; idx > n.commitIndex; idx-- {
		if n.termAtLocked(idx) != term {
			continue
		}
		count := 1 // self
		for _, peerID := range n.peerIDs {
			if peerID == n.id {
				continue
			}
			if n.matchIndex[peerID] >= idx {
				count++
			}
		}
		if count >= needed {
			newCommit = idx
			break
		}
	}
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
		n.applyCond.Broadcast()
	}
	n.mu.Unlock()
}

// maybeStepDown steps down to follower if term is higher than ours (§4.1
// Terms). Returns true if it did.
func (n *Node) maybeStepDown(term uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if term <= n.term {
		return false
	}
	n.term = term
	n.votedFor = 0
	wasLeader := n.role == Leader
	n.role = Follower
	if err := n.storage.SaveTermVote(n.term, n.votedFor); err != nil {
		n.log.Error("cannot persist term/vote", zap.Error(err))
	}
	return wasLeader
}

func (n *Node) termAtLocked(index uint64) uint64 {
	if index == n.lastIncludedIndex {
		return n.lastIncludedTerm
	}
	return n.storage.TermAt(index)
}

// HandleRequestVote answers an incoming RequestVote RPC (§4.1 Election).
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return &RequestVoteReply{Term: n.term, VoteGranted: false}
	}
	if req.Term > n.term {
		n.term = req.Term
		n.votedFor = 0
		n.role = Follower
	}

	lastIdx := n.storage.LastIndex()
	lastTerm := n.termAtLocked(lastIdx)
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)

	granted := false
	if (n.votedFor == 0 || n.votedFor == req.CandidateID) && upToDate {
		n.votedFor = req.CandidateID
		granted = true
		n.resetElectionTimer()
	}
	if err := n.storage.SaveTermVote(n.term, n.votedFor); err != nil {
		n.log.Error("cannot persist term/vote", zap.Error(err))
	}
	return &RequestVoteReply{Term: n.term, VoteGranted: granted}
}

// HandleAppendEntries answers an incoming AppendEntries RPC (§4.1
// Replication/Heartbeats).
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesReply {
	n.mu.Lock()

	if req.Term < n.term {
		n.mu.Unlock()
		return &AppendEntriesReply{Term: n.term, Success: false}
	}
	if req.Term > n.term || n.role == Candidate {
		n.term = req.Term
		n.votedFor = 0
		n.role = Follower
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimer()
	if err := n.storage.SaveTermVote(n.term, n.votedFor); err != nil {
		n.log.Error("cannot persist term/vote", zap.Error(err))
	}

	localTermAtPrev := n.termAtLocked(req.PrevLogIndex)
	if req.PrevLogIndex > 0 && (req.PrevLogIndex > n.storage.LastIndex() || localTermAtPrev != req.PrevLogTerm) {
		conflictIdx := req.PrevLogIndex
		conflictTerm := localTermAtPrev
		if conflictTerm != 0 {
			for conflictIdx > n.lastIncludedIndex+1 && n.termAtLocked(conflictIdx-1) == conflictTerm {
				conflictIdx--
			}
		}
		n.mu.Unlock()
		return &AppendEntriesReply{Term: n.term, Success: false, ConflictIndex: conflictIdx, ConflictTerm: conflictTerm}
	}

	for _, e := range req.Entries {
		if existing, ok := n.storage.EntryAt(e.Index); ok && existing.Term != e.Term {
			if err := n.storage.TruncateFrom(e.Index); err != nil {
				n.log.Error("cannot truncate conflicting log tail", zap.Error(err))
			}
		} else if ok {
			continue
		}
		if err := n.storage.AppendEntry(e); err != nil {
			n.log.Error("cannot append log entry", zap.Error(err))
			n.mu.Unlock()
			return &AppendEntriesReply{Term: n.term, Success: false}
		}
	}

	if req.LeaderCommit > n.commitIndex {
		last := req.PrevLogIndex + uint64(len(req.Entries))
		if req.LeaderCommit < last {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = last
		}
		n.applyCond.Broadcast()
	}
	n.mu.Unlock()
	return &AppendEntriesReply{Term: n.term, Success: true}
}

// Submit appends command to the leader's log and blocks until it commits
// and is applied, or ctx expires. Followers return ErrNotLeader so the
// caller can redirect using LeaderHint (§4.1 Replication, §7 NotLeader).
func (n *Node) Submit(ctx context.Context, command []byte) ([]byte, error) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return nil, ErrNotLeader
	}
	term := n.term
	index := n.storage.LastIndex() + 1
	entry := Entry{Term: term, Index: index, Command: command}
	if err := n.storage.AppendEntry(entry); err != nil {
		n.mu.Unlock()
		return nil, errors.Wrap(err, "cannot append entry")
	}
	n.matchIndex[n.id] = index
	n.mu.Unlock()

	sub := &submission{index: index, command: command, done: make(chan submitResult, 1)}
	select {
	case n.submitCh <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Force an immediate replication round rather than waiting for the
	// next heartbeat tick.
	go n.replicateToAllPeers(term)

	select {
	case res := <-sub.done:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyLoop is the single apply-loop goroutine (§5): it waits for
// commitIndex to advance, applies newly committed entries to the FSM in
// order, and completes any Submit waiting on that index.
func (n *Node) applyLoop() {
	defer n.wg.Done()
	pending := make(map[uint64]*submission)

	go func() {
		for {
			select {
			case sub := <-n.submitCh:
				n.registerPending(pending, sub.index, sub)
			case <-n.ctx.Done():
				return
			}
		}
	}()

	for {
		n.mu.Lock()
		for n.commitIndex <= n.lastApplied {
			n.applyCond.Wait()
			select {
			case <-n.ctx.Done():
				n.mu.Unlock()
				return
			default:
			}
		}
		toApply := make([]Entry, 0, n.commitIndex-n.lastApplied)
		for idx := n.lastApplied + 1; idx <= n.commitIndex; idx++ {
			if e, ok := n.storage.EntryAt(idx); ok {
				toApply = append(toApply, e)
			}
		}
		n.lastApplied = n.commitIndex
		n.mu.Unlock()

		for _, e := range toApply {
			result := n.fsm.Apply(e.Command)
			n.completePending(pending, e.Index, result)
		}
	}
}

func (n *Node) registerPending(pending map[uint64]*submission, idx uint64, sub *submission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending[idx] = sub
}

func (n *Node) completePending(pending map[uint64]*submission, idx uint64, result []byte) {
	n.mu.Lock()
	sub, ok := pending[idx]
	if ok {
		delete(pending, idx)
	}
	n.mu.Unlock()
	if ok {
		sub.done <- submitResult{result: result}
	}
}

// snapshotLoop periodically compacts the log into state.json (§4.1
// Persistence, §6 Persistent state layout).
func (n *Node) snapshotLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.takeSnapshot()
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) takeSnapshot() {
	n.mu.Lock()
	lastApplied := n.lastApplied
	term := n.termAtLocked(lastApplied)
	n.mu.Unlock()
	if lastApplied == 0 {
		return
	}
	data, err := n.fsm.Snapshot()
	if err != nil {
		n.log.Error("cannot snapshot fsm", zap.Error(err))
		return
	}
	if err := n.storage.SaveSnapshot(lastApplied, term, data); err != nil {
		n.log.Error("cannot persist snapshot", zap.Error(err))
		return
	}
	if err := n.storage.DiscardBefore(lastApplied); err != nil {
		n.log.Error("cannot truncate log tail after snapshot", zap.Error(err))
		return
	}
	n.mu.Lock()
	n.lastIncludedIndex = lastApplied
	n.lastIncludedTerm = term
	n.mu.Unlock()
	n.log.Debug("wrote snapshot", zap.Uint64("last-applied", lastApplied))
}
