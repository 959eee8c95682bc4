package directory

import (
	"testing"
	"time"
)

func millis(t time.Time) uint64 { return uint64(t.UnixMilli()) }

func TestApplyRegisterIsIdempotent(t *testing.T) {
	sm := NewStateMachine()
	addr := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}

	r := sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr})
	if r.Err != nil {
		t.Fatalf("first register: %v", r.Err)
	}
	r = sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr})
	if r.Err != nil {
		t.Fatalf("repeat register with same addr should be a no-op, got %v", r.Err)
	}
}

func TestApplyRegisterConflictWhenOnlineElsewhere(t *testing.T) {
	sm := NewStateMachine()
	addr1 := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	addr2 := PeerAddr{IP: [4]byte{10, 0, 0, 2}, Port: 9001}

	if r := sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr1}); r.Err != nil {
		t.Fatal(r.Err)
	}
	r := sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr2})
	if r.Err != ErrAlreadyOnlineElsewhere {
		t.Fatalf("Apply() err = %v, want ErrAlreadyOnlineElsewhere", r.Err)
	}
}

func TestApplyHeartbeatRequiresRegistration(t *testing.T) {
	sm := NewStateMachine()
	r := sm.Apply(&Command{Kind: OpHeartbeat, Username: "ghost"})
	if r.Err != ErrNotRegistered {
		t.Fatalf("Apply() err = %v, want ErrNotRegistered", r.Err)
	}
}

func TestLeaveRequestRespondFetchInboxFlow(t *testing.T) {
	sm := NewStateMachine()
	addr := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr})
	sm.Apply(&Command{Kind: OpRegister, Username: "bob", Addr: addr})

	reqID := [16]byte{0xaa, 0xbb}
	r := sm.Apply(&Command{Kind: OpLeaveRequest, From: "alice", To: "bob", ImageID: ImageID{1, 2, 3}, RequestedViews: 3, RequestID: reqID})
	if r.Err != nil {
		t.Fatalf("LeaveRequest: %v", r.Err)
	}
	if r.RequestID != reqID {
		t.Fatalf("LeaveRequest RequestID = %v, want the submitted id %v", r.RequestID, reqID)
	}

	fetched := sm.Apply(&Command{Kind: OpFetchInbox, Username: "bob"})
	if len(fetched.Requests) != 1 || fetched.Requests[0].RequestID != reqID {
		t.Fatalf("FetchInbox(bob) = %+v, want one request with id %v", fetched.Requests, reqID)
	}
	// A second fetch drains the inbox.
	fetched2 := sm.Apply(&Command{Kind: OpFetchInbox, Username: "bob"})
	if len(fetched2.Requests) != 0 {
		t.Fatalf("second FetchInbox(bob) = %+v, want empty", fetched2.Requests)
	}

	respond := sm.Apply(&Command{Kind: OpRespond, RequestID: reqID, Accept: true})
	if respond.Err != nil {
		t.Fatalf("Respond: %v", respond.Err)
	}

	aliceInbox := sm.Apply(&Command{Kind: OpFetchInbox, Username: "alice"})
	if len(aliceInbox.Requests) != 1 || aliceInbox.Requests[0].Status != StatusAccepted {
		t.Fatalf("FetchInbox(alice) = %+v, want one accepted request", aliceInbox.Requests)
	}
}

func TestRespondUnknownRequest(t *testing.T) {
	sm := NewStateMachine()
	r := sm.Apply(&Command{Kind: OpRespond, RequestID: [16]byte{9, 9, 9}, Accept: true})
	if r.Err != ErrRequestNotFound {
		t.Fatalf("Apply() err = %v, want ErrRequestNotFound", r.Err)
	}
}

func TestPostPermissionUpdateDedup(t *testing.T) {
	sm := NewStateMachine()
	cmd := &Command{
		Kind:     OpPostPermissionUpdate,
		Owner:    "alice",
		Viewer:   "bob",
		ImageID:  ImageID{4, 5, 6},
		NewQuota: 3,
		IssuedAt: 100,
	}
	sm.Apply(cmd)
	sm.Apply(cmd) // identical (owner, image, issuedAt) key: must not double-queue

	fetched := sm.Apply(&Command{Kind: OpFetchInbox, Username: "bob"})
	if len(fetched.Updates) != 1 {
		t.Fatalf("Updates = %+v, want exactly one deduplicated update", fetched.Updates)
	}
}

func TestHeartbeatReportsButDoesNotDrainUpdates(t *testing.T) {
	sm := NewStateMachine()
	addr := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	sm.Apply(&Command{Kind: OpRegister, Username: "carol", Addr: addr})
	sm.Apply(&Command{Kind: OpPostPermissionUpdate, Owner: "dave", Viewer: "carol", ImageID: ImageID{1}, NewQuota: 0, IssuedAt: 50})

	hb := sm.Apply(&Command{Kind: OpHeartbeat, Username: "carol"})
	if hb.Err != nil || hb.PendingUpdateCount != 1 {
		t.Fatalf("Heartbeat = %+v, want PendingUpdateCount 1", hb)
	}
	// The update is still there for FetchInbox; that drain is what makes
	// delivery at-most-once.
	fetched := sm.Apply(&Command{Kind: OpFetchInbox, Username: "carol"})
	if len(fetched.Updates) != 1 {
		t.Fatalf("FetchInbox after heartbeat = %+v, want the queued update", fetched.Updates)
	}
	if again := sm.Apply(&Command{Kind: OpHeartbeat, Username: "carol"}); again.PendingUpdateCount != 0 {
		t.Fatalf("Heartbeat after fetch PendingUpdateCount = %d, want 0", again.PendingUpdateCount)
	}
}

func TestExpireUsersMarksSilentUsersOffline(t *testing.T) {
	sm := NewStateMachine()
	addr := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr, UnixMillis: millis(base)})
	sm.Apply(&Command{Kind: OpRegister, Username: "bob", Addr: PeerAddr{IP: [4]byte{10, 0, 0, 2}, Port: 9000}, UnixMillis: millis(base)})
	// Bob heartbeats again just before the sweep; Alice stays silent.
	sm.Apply(&Command{Kind: OpHeartbeat, Username: "bob", UnixMillis: millis(base.Add(40 * time.Second))})

	sm.Apply(&Command{
		Kind:          OpExpireUsers,
		UnixMillis:    millis(base.Add(45 * time.Second)),
		AbsenceMillis: 30_000,
	})

	alice, _ := sm.LookupUser("alice")
	bob, _ := sm.LookupUser("bob")
	if alice.Online {
		t.Fatal("alice missed three heartbeats and should be offline")
	}
	if !bob.Online {
		t.Fatal("bob heartbeated recently and should still be online")
	}
}

func TestDropUpdateRemovesQueuedCopyAfterDirectPush(t *testing.T) {
	sm := NewStateMachine()
	sm.Apply(&Command{Kind: OpPostPermissionUpdate, Owner: "dave", Viewer: "carol", ImageID: ImageID{7}, NewQuota: 0, IssuedAt: 99})
	sm.Apply(&Command{Kind: OpDropUpdate, Owner: "dave", Viewer: "carol", ImageID: ImageID{7}, IssuedAt: 99})

	fetched := sm.Apply(&Command{Kind: OpFetchInbox, Username: "carol"})
	if len(fetched.Updates) != 0 {
		t.Fatalf("Updates after drop = %+v, want none", fetched.Updates)
	}
}

func TestRespondAfterRecipientFetchedInbox(t *testing.T) {
	sm := NewStateMachine()
	addr := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr})
	sm.Apply(&Command{Kind: OpRegister, Username: "bob", Addr: addr})

	reqID := [16]byte{0x42}
	sm.Apply(&Command{Kind: OpLeaveRequest, From: "bob", To: "alice", ImageID: ImageID{3}, RequestedViews: 2, RequestID: reqID})

	// Alice drains her inbox first, then responds; the request must still
	// be resolvable by id.
	sm.Apply(&Command{Kind: OpFetchInbox, Username: "alice"})
	if r := sm.Apply(&Command{Kind: OpRespond, RequestID: reqID, Accept: false}); r.Err != nil {
		t.Fatalf("Respond after fetch: %v", r.Err)
	}

	bobInbox := sm.Apply(&Command{Kind: OpFetchInbox, Username: "bob"})
	if len(bobInbox.Requests) != 1 || bobInbox.Requests[0].Status != StatusRejected {
		t.Fatalf("FetchInbox(bob) = %+v, want one rejected request", bobInbox.Requests)
	}
	// The round trip is complete; a second respond finds nothing.
	if r := sm.Apply(&Command{Kind: OpRespond, RequestID: reqID, Accept: true}); r.Err != ErrRequestNotFound {
		t.Fatalf("second Respond err = %v, want ErrRequestNotFound", r.Err)
	}
}

func TestApplyDedupsRetriedClientCommand(t *testing.T) {
	sm := NewStateMachine()
	addr := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	cmd := &Command{Kind: OpRegister, ClientID: "client-1", Seq: 1, Username: "alice", Addr: addr}

	first := sm.Apply(cmd)
	second := sm.Apply(cmd)
	if first != second {
		t.Fatalf("retried command with same ClientID/Seq returned a different *Result")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	sm := NewStateMachine()
	addr := PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 9000}
	sm.Apply(&Command{Kind: OpRegister, Username: "alice", Addr: addr})
	sm.Apply(&Command{Kind: OpRegister, Username: "bob", Addr: addr})
	sm.Apply(&Command{Kind: OpLeaveRequest, From: "alice", To: "bob", ImageID: ImageID{1}, RequestedViews: 1, RequestID: [16]byte{1}})
	sm.Apply(&Command{Kind: OpPostPermissionUpdate, Owner: "alice", Viewer: "bob", ImageID: ImageID{2}, NewQuota: 5, IssuedAt: 10})

	snap := sm.Snapshot()

	restored := NewStateMachine()
	restored.Restore(snap)

	fetched := restored.Apply(&Command{Kind: OpFetchInbox, Username: "bob"})
	if len(fetched.Requests) != 1 || len(fetched.Updates) != 1 {
		t.Fatalf("restored FetchInbox(bob) = %+v, want one request and one update", fetched)
	}

	peers := restored.DiscoverPeers()
	if len(peers) != 2 {
		t.Fatalf("DiscoverPeers() after restore = %d users, want 2", len(peers))
	}
}
