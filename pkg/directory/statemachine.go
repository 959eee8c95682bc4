package directory

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced verbatim to clients per §7.
var (
	ErrAlreadyOnlineElsewhere = errors.New("already online elsewhere")
	ErrNotFound               = errors.New("not found")
	ErrNotRegistered          = errors.New("not registered")
	ErrTargetUnknown          = errors.New("target unknown")
	ErrRequestNotFound        = errors.New("request not found")
)

// OpKind tags the seven client-protocol mutations (§4.1 table; DiscoverPeers
// is a read and never enters the log) plus two leader-internal ops, as they
// travel through the raft log as a single Command type.
type OpKind uint8

const (
	OpRegister OpKind = iota + 1
	OpUnregister
	OpHeartbeat
	OpLeaveRequest
	OpFetchInbox
	OpRespond
	OpPostPermissionUpdate

	// OpExpireUsers is leader-internal: it sweeps users whose last
	// heartbeat is older than the absence threshold (§3 Lifecycle).
	OpExpireUsers

	// OpDropUpdate is leader-internal: it removes a queued permission
	// update after a successful direct push, so the target never receives
	// it a second time on heartbeat (§3 at-most-once delivery).
	OpDropUpdate
)

// Command is the unit of work appended to the raft log (§4.1 Replication).
// ClientID/Seq dedup retried client mutations (§4.1 Failure semantics,
// §8 Idempotence). Everything nondeterministic — wall-clock time, freshly
// minted request IDs — is fixed by the submitting node before the command
// enters the log, so replaying it on every replica yields identical state.
type Command struct {
	Kind     OpKind
	ClientID string
	Seq      uint64

	// UnixMillis is the submitting node's clock at submit time; Apply
	// never reads the local clock.
	UnixMillis uint64

	Username       string
	Addr           PeerAddr
	RequestID      [16]byte
	From, To       string
	ImageID        ImageID
	RequestedViews uint32
	Accept         bool
	Owner, Viewer  string
	NewQuota       uint32
	IssuedAt       uint64

	// AbsenceMillis is the expiry threshold for OpExpireUsers.
	AbsenceMillis uint64
}

func (cmd *Command) time() time.Time {
	return time.UnixMilli(int64(cmd.UnixMillis))
}

// Result is what applying a Command produces, handed back to the RPC
// handler that submitted it.
type Result struct {
	Err                error
	LeaderHint         string
	PendingUpdateCount int
	RequestID          [16]byte
	Requests           []*PendingRequest
	Updates            []*PendingPermissionUpdate
}

// StateMachine is the replicated cluster state from §3: the user table, the
// inboxes, and the dedup sets. It is mutated only by the apply loop that
// owns the raft log (§5 single-writer invariant); every other access goes
// through Apply or the read-only snapshot helpers below.
type StateMachine struct {
	mu sync.Mutex

	users          map[string]*User
	requestInboxes map[string][]*PendingRequest
	updateInboxes  map[string][]*PendingPermissionUpdate

	// requests indexes every live PendingRequest by its id so Respond can
	// still find a request the recipient has already fetched out of its
	// inbox (§4.1 Respond: the request lifecycle outlives the fetch).
	requests map[[16]byte]*PendingRequest

	updateDedup     map[dedupKey]struct{}
	clientSeqCache  map[string]uint64 // last applied Seq per ClientID, for idempotent retries
	clientLastReply map[string]*Result
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		users:           make(map[string]*User),
		requestInboxes:  make(map[string][]*PendingRequest),
		updateInboxes:   make(map[string][]*PendingPermissionUpdate),
		requests:        make(map[[16]byte]*PendingRequest),
		updateDedup:     make(map[dedupKey]struct{}),
		clientSeqCache:  make(map[string]uint64),
		clientLastReply: make(map[string]*Result),
	}
}

// Apply performs one committed Command. It is called only from the raft
// apply loop, in log order, on every node (leader and followers alike),
// which is what makes the resulting state identical across the cluster.
func (sm *StateMachine) Apply(cmd *Command) *Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if cmd.ClientID != "" {
		if last, ok := sm.clientSeqCache[cmd.ClientID]; ok && last == cmd.Seq {
			if r, ok := sm.clientLastReply[cmd.ClientID]; ok {
				return r
			}
		}
	}

	var r *Result
	switch cmd.Kind {
	case OpRegister:
		r = sm.applyRegister(cmd)
	case OpUnregister:
		r = sm.applyUnregister(cmd)
	case OpHeartbeat:
		r = sm.applyHeartbeat(cmd)
	case OpLeaveRequest:
		r = sm.applyLeaveRequest(cmd)
	case OpFetchInbox:
		r = sm.applyFetchInbox(cmd)
	case OpRespond:
		r = sm.applyRespond(cmd)
	case OpPostPermissionUpdate:
		r = sm.applyPostPermissionUpdate(cmd)
	case OpExpireUsers:
		r = sm.applyExpireUsers(cmd)
	case OpDropUpdate:
		r = sm.applyDropUpdate(cmd)
	default:
		r = &Result{Err: errors.Errorf("unknown op kind %d", cmd.Kind)}
	}

	if cmd.ClientID != "" {
		sm.clientSeqCache[cmd.ClientID] = cmd.Seq
		sm.clientLastReply[cmd.ClientID] = r
	}
	return r
}

func (sm *StateMachine) applyRegister(cmd *Command) *Result {
	u, ok := sm.users[cmd.Username]
	if !ok {
		u = &User{Username: cmd.Username, ImageIDs: make(map[ImageID]struct{})}
		sm.users[cmd.Username] = u
	}
	// Idempotence (§8): registering the same address twice is a no-op, not
	// a conflict.
	if u.Online && u.Addr != cmd.Addr {
		return &Result{Err: ErrAlreadyOnlineElsewhere}
	}
	u.Addr = cmd.Addr
	u.Online = true
	u.LastSeen = cmd.time()
	return &Result{}
}

func (sm *StateMachine) applyUnregister(cmd *Command) *Result {
	u, ok := sm.users[cmd.Username]
	if !ok {
		return &Result{Err: ErrNotFound}
	}
	u.Online = false
	return &Result{}
}

// applyHeartbeat refreshes liveness and reports how many permission
// updates are waiting (§6 opcode 0x03 carries only a count); the updates
// themselves stay queued until FetchInbox drains them, which is what keeps
// delivery at-most-once (§3 invariants).
func (sm *StateMachine) applyHeartbeat(cmd *Command) *Result {
	u, ok := sm.users[cmd.Username]
	if !ok {
		return &Result{Err: ErrNotRegistered}
	}
	u.Online = true
	u.LastSeen = cmd.time()
	return &Result{PendingUpdateCount: len(sm.updateInboxes[cmd.Username])}
}

func (sm *StateMachine) applyLeaveRequest(cmd *Command) *Result {
	to, ok := sm.users[cmd.To]
	if !ok {
		return &Result{Err: ErrTargetUnknown}
	}
	req := &PendingRequest{
		RequestID:      cmd.RequestID, // minted by the submitting node
		From:           cmd.From,
		To:             cmd.To,
		ImageID:        cmd.ImageID,
		RequestedViews: cmd.RequestedViews,
		Status:         StatusPending,
		Timestamp:      cmd.time(),
	}
	sm.requestInboxes[cmd.To] = append(sm.requestInboxes[cmd.To], req)
	sm.requests[req.RequestID] = req
	// A request naming (to, image_id) is the directory's evidence that
	// `to` shares that image; fold it into the manifest DiscoverPeers
	// reports (§3 User record).
	if to.ImageIDs == nil {
		to.ImageIDs = make(map[ImageID]struct{})
	}
	to.ImageIDs[cmd.ImageID] = struct{}{}
	return &Result{RequestID: cmd.RequestID}
}

func (sm *StateMachine) applyFetchInbox(cmd *Command) *Result {
	reqs := sm.requestInboxes[cmd.Username]
	updates := sm.updateInboxes[cmd.Username]
	delete(sm.requestInboxes, cmd.Username)
	delete(sm.updateInboxes, cmd.Username)
	// Responded requests have completed their round trip once the
	// originator fetches them; only then does the index let go.
	for _, req := range reqs {
		if req.From == cmd.Username && req.Status != StatusPending {
			delete(sm.requests, req.RequestID)
		}
	}
	return &Result{Requests: reqs, Updates: updates}
}

func (sm *StateMachine) applyRespond(cmd *Command) *Result {
	req, ok := sm.requests[cmd.RequestID]
	if !ok || req.Status != StatusPending {
		return &Result{Err: ErrRequestNotFound}
	}
	if cmd.Accept {
		req.Status = StatusAccepted
	} else {
		req.Status = StatusRejected
	}
	sm.requestInboxes[req.From] = append(sm.requestInboxes[req.From], req)
	return &Result{}
}

func (sm *StateMachine) applyPostPermissionUpdate(cmd *Command) *Result {
	key := dedupKey{FromOwner: cmd.Owner, ImageID: cmd.ImageID, IssuedAt: cmd.IssuedAt}
	if _, dup := sm.updateDedup[key]; dup {
		return &Result{}
	}
	sm.updateDedup[key] = struct{}{}
	sm.updateInboxes[cmd.Viewer] = append(sm.updateInboxes[cmd.Viewer], &PendingPermissionUpdate{
		FromOwner:  cmd.Owner,
		TargetUser: cmd.Viewer,
		ImageID:    cmd.ImageID,
		NewQuota:   cmd.NewQuota,
		IssuedAt:   cmd.IssuedAt,
	})
	// An owner posting a permission update for image_id is sharing it.
	if owner, ok := sm.users[cmd.Owner]; ok {
		if owner.ImageIDs == nil {
			owner.ImageIDs = make(map[ImageID]struct{})
		}
		owner.ImageIDs[cmd.ImageID] = struct{}{}
	}
	return &Result{}
}

// applyExpireUsers marks every user offline whose last heartbeat is older
// than the absence threshold (§3 Lifecycle: default 3 missed heartbeats x
// 10s). The cutoff rides in the command so replay is deterministic.
func (sm *StateMachine) applyExpireUsers(cmd *Command) *Result {
	cutoff := cmd.time().Add(-time.Duration(cmd.AbsenceMillis) * time.Millisecond)
	for _, u := range sm.users {
		if u.Online && u.LastSeen.Before(cutoff) {
			u.Online = false
		}
	}
	return &Result{}
}

// applyDropUpdate removes one queued permission update after a successful
// direct push, keeping heartbeat delivery at-most-once (§4.1
// PostPermissionUpdate's direct push attempt).
func (sm *StateMachine) applyDropUpdate(cmd *Command) *Result {
	inbox := sm.updateInboxes[cmd.Viewer]
	for i, u := range inbox {
		if u.FromOwner == cmd.Owner && u.ImageID == cmd.ImageID && u.IssuedAt == cmd.IssuedAt {
			sm.updateInboxes[cmd.Viewer] = append(inbox[:i], inbox[i+1:]...)
			if len(sm.updateInboxes[cmd.Viewer]) == 0 {
				delete(sm.updateInboxes, cmd.Viewer)
			}
			break
		}
	}
	return &Result{}
}

// LookupUser returns a copy of one user's committed record, used by the
// server's direct-push path to find an online viewer's p2p address.
func (sm *StateMachine) LookupUser(username string) (User, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	u, ok := sm.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// DiscoverPeers is a read of committed state (§4.1 Read consistency); it
// never goes through the log since it mutates nothing.
func (sm *StateMachine) DiscoverPeers() []*User {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]*User, 0, len(sm.users))
	for _, u := range sm.users {
		cp := *u
		cp.ImageIDs = make(map[ImageID]struct{}, len(u.ImageIDs))
		for id := range u.ImageIDs {
			cp.ImageIDs[id] = struct{}{}
		}
		out = append(out, &cp)
	}
	return out
}

// Snapshot returns a deep copy of the full state machine for persistence
// (§4.1 Persistence, pkg/directory/raft snapshotting).
func (sm *StateMachine) Snapshot() *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := &Snapshot{
		Users:          make(map[string]*User, len(sm.users)),
		RequestInboxes: make(map[string][]*PendingRequest, len(sm.requestInboxes)),
		UpdateInboxes:  make(map[string][]*PendingPermissionUpdate, len(sm.updateInboxes)),
		Requests:       make([]*PendingRequest, 0, len(sm.requests)),
		UpdateDedup:    make([]dedupKey, 0, len(sm.updateDedup)),
		ClientSeq:      make(map[string]uint64, len(sm.clientSeqCache)),
	}
	for k, v := range sm.users {
		cp := *v
		s.Users[k] = &cp
	}
	for k, v := range sm.requestInboxes {
		s.RequestInboxes[k] = append([]*PendingRequest(nil), v...)
	}
	for k, v := range sm.updateInboxes {
		s.UpdateInboxes[k] = append([]*PendingPermissionUpdate(nil), v...)
	}
	for _, req := range sm.requests {
		s.Requests = append(s.Requests, req)
	}
	for k := range sm.updateDedup {
		s.UpdateDedup = append(s.UpdateDedup, k)
	}
	for k, v := range sm.clientSeqCache {
		s.ClientSeq[k] = v
	}
	return s
}

// Restore replaces the state machine's contents with a loaded snapshot.
func (sm *StateMachine) Restore(s *Snapshot) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.users = s.Users
	sm.requestInboxes = s.RequestInboxes
	sm.updateInboxes = s.UpdateInboxes
	sm.requests = make(map[[16]byte]*PendingRequest, len(s.Requests))
	for _, req := range s.Requests {
		sm.requests[req.RequestID] = req
	}
	// JSON splits the pointer shared between an inbox entry and the index
	// into two objects; re-link inbox entries back to the index copy so a
	// Respond after restore is visible through both.
	for user, inbox := range sm.requestInboxes {
		for i, req := range inbox {
			if idx, ok := sm.requests[req.RequestID]; ok {
				sm.requestInboxes[user][i] = idx
			}
		}
	}
	sm.updateDedup = make(map[dedupKey]struct{}, len(s.UpdateDedup))
	for _, k := range s.UpdateDedup {
		sm.updateDedup[k] = struct{}{}
	}
	sm.clientSeqCache = s.ClientSeq
	sm.clientLastReply = make(map[string]*Result)
	if sm.users == nil {
		sm.users = make(map[string]*User)
	}
	if sm.requestInboxes == nil {
		sm.requestInboxes = make(map[string][]*PendingRequest)
	}
	if sm.updateInboxes == nil {
		sm.updateInboxes = make(map[string][]*PendingPermissionUpdate)
	}
	if sm.clientSeqCache == nil {
		sm.clientSeqCache = make(map[string]uint64)
	}
}

// Snapshot is the JSON-serializable form of StateMachine written to
// state.json (§6 Persistent state layout).
type Snapshot struct {
	Users          map[string]*User
	RequestInboxes map[string][]*PendingRequest
	UpdateInboxes  map[string][]*PendingPermissionUpdate
	Requests       []*PendingRequest
	UpdateDedup    []dedupKey
	ClientSeq      map[string]uint64
}
