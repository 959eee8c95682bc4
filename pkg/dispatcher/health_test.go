package dispatcher

import "testing"

func TestHealthTupleScoreIdleIsOne(t *testing.T) {
	idle := HealthTuple{ServerID: 1}
	if got := idle.Score(); got != 1.0 {
		t.Fatalf("idle Score() = %v, want 1.0", got)
	}
}

func TestHealthTupleScoreFormula(t *testing.T) {
	h := HealthTuple{
		ServerID:         1,
		CPULoad:          0.5,
		ActiveConns:      32, // half of MaxConn
		AvgLatencyMillis: 250, // half of LatencyMax
	}
	// score = 1 - (0.5*0.5 + 0.3*0.5 + 0.2*0.5) = 1 - 0.5 = 0.5
	want := 0.5
	if got := h.Score(); got != want {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
}

func TestHealthTupleScoreClampsOverloadedTerms(t *testing.T) {
	h := HealthTuple{
		ServerID:         1,
		CPULoad:          0,
		ActiveConns:      MaxConn * 10,
		AvgLatencyMillis: LatencyMax * 10,
	}
	// connLoad and latLoad both clamp to 1: score = 1 - (0 + 0.3 + 0.2) = 0.5
	want := 0.5
	if got := h.Score(); got != want {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
}

func TestPickBestHighestScoreWins(t *testing.T) {
	tuples := map[uint64]HealthTuple{
		1: {ServerID: 1, CPULoad: 0.9},
		2: {ServerID: 2, CPULoad: 0.1},
		3: {ServerID: 3, CPULoad: 0.5},
	}
	id, ok := pickBest(tuples)
	if !ok || id != 2 {
		t.Fatalf("pickBest() = (%d, %v), want (2, true)", id, ok)
	}
}

func TestPickBestTiesBreakToLowestServerID(t *testing.T) {
	tuples := map[uint64]HealthTuple{
		5: {ServerID: 5, CPULoad: 0.2},
		2: {ServerID: 2, CPULoad: 0.2},
		9: {ServerID: 9, CPULoad: 0.2},
	}
	id, ok := pickBest(tuples)
	if !ok || id != 2 {
		t.Fatalf("pickBest() = (%d, %v), want (2, true)", id, ok)
	}
}

func TestPickBestEmpty(t *testing.T) {
	if _, ok := pickBest(map[uint64]HealthTuple{}); ok {
		t.Fatal("pickBest() on empty map returned ok=true")
	}
}
