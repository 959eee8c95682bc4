// Package dispatcher implements the metric-aware cloud worker cluster
// (§4.2): each worker gossips a health tuple once a second, and whichever
// worker accepts an inbound encryption job becomes that job's dispatcher,
// picking the healthiest peer to actually perform the work.
package dispatcher

const (
	// MaxConn and LatencyMax normalize the health score formula (§4.2).
	MaxConn    = 64
	LatencyMax = 500.0
)

// HealthTuple is the per-second broadcast payload (§4.2): cpu load,
// concurrent connection count, average latency, and the raft term the
// worker last observed (carried through so a dispatcher can tell how
// fresh a tuple is relative to cluster membership changes).
type HealthTuple struct {
	ServerID         uint64
	CPULoad          float64
	ActiveConns      int
	AvgLatencyMillis float64
	TermSeen         uint64
}

// Score computes §4.2's health score: higher is better, 1.0 is a
// completely idle worker.
func (h HealthTuple) Score() float64 {
	connLoad := min1(float64(h.ActiveConns) / MaxConn)
	latLoad := min1(h.AvgLatencyMillis / LatencyMax)
	return 1.0 - (0.5*h.CPULoad + 0.3*connLoad + 0.2*latLoad)
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// worstTuple is the score=0 stand-in for a peer that cannot be polled
// (§4.2: "missing peers treated as score=0").
func worstTuple(id uint64) HealthTuple {
	return HealthTuple{
		ServerID:         id,
		CPULoad:          1,
		ActiveConns:      MaxConn,
		AvgLatencyMillis: LatencyMax,
	}
}

// pickBest implements §4.2's argmax with "ties broken by lowest server_id".
func pickBest(tuples map[uint64]HealthTuple) (uint64, bool) {
	var bestID uint64
	var bestScore float64
	found := false
	for id, t := range tuples {
		score := t.Score()
		if !found || score > bestScore || (score == bestScore && id < bestID) {
			bestID = id
			bestScore = score
			found = true
		}
	}
	return bestID, found
}
