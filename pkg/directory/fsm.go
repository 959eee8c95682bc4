package directory

import (
	"encoding/json"

	"github.com/p2pshare/core/pkg/directory/raft"
)

// fsmAdapter satisfies raft.FSM by gob-free JSON-encoding Command/Result
// across the opaque-bytes boundary raft.Node operates on (§4.1
// Persistence: the state machine itself stays a plain Go type, only the
// log/snapshot encoding is JSON).
type fsmAdapter struct {
	sm *StateMachine
}

func newFSMAdapter(sm *StateMachine) raft.FSM {
	return &fsmAdapter{sm: sm}
}

func (a *fsmAdapter) Apply(entry []byte) []byte {
	var cmd Command
	if err := json.Unmarshal(entry, &cmd); err != nil {
		data, _ := json.Marshal(resultWire{Err: err.Error()})
		return data
	}
	result := a.sm.Apply(&cmd)
	data, err := json.Marshal(resultWire{
		Err:                errString(result.Err),
		LeaderHint:         result.LeaderHint,
		PendingUpdateCount: result.PendingUpdateCount,
		RequestID:          result.RequestID,
		Requests:           result.Requests,
		Updates:            result.Updates,
	})
	if err != nil {
		return nil
	}
	return data
}

func (a *fsmAdapter) Snapshot() ([]byte, error) {
	return json.Marshal(a.sm.Snapshot())
}

func (a *fsmAdapter) Restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	a.sm.Restore(&snap)
	return nil
}

// resultWire is Result with its error flattened to a string, since error
// values do not round-trip through JSON.
type resultWire struct {
	Err                string
	LeaderHint         string
	PendingUpdateCount int
	RequestID          [16]byte
	Requests           []*PendingRequest
	Updates            []*PendingPermissionUpdate
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func decodeResult(data []byte) (*Result, error) {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	r := &Result{
		LeaderHint:         w.LeaderHint,
		PendingUpdateCount: w.PendingUpdateCount,
		RequestID:          w.RequestID,
		Requests:           w.Requests,
		Updates:            w.Updates,
	}
	if w.Err != "" {
		r.Err = errorFromString(w.Err)
	}
	return r, nil
}
