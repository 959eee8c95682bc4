package dispatcher

import (
	"math"

	"github.com/p2pshare/core/pkg/wire"
)

// Internal encryption-job protocol opcodes. Distinct from the directory's
// client protocol (0x01-0x08), the directory's cluster protocol
// (0x20-0x2F), and the peer protocol (0x80-0x8F): this range belongs to
// the cloud worker cluster only (§4.2).
const (
	OpEncryptRequest byte = 0x40 // peer -> worker (acting as dispatcher)
	OpEncryptReply   byte = 0x41 // worker -> peer, relayed by the dispatcher
	OpJobForward     byte = 0x42 // dispatcher -> elected worker
	OpJobResult      byte = 0x43 // elected worker -> dispatcher
	OpHealthPoll     byte = 0x44 // dispatcher -> peer: report your current tuple
	OpHealthTuple    byte = 0x45 // peer -> dispatcher
)

// EncryptJob is what a peer asks the dispatcher to do: embed a permission
// record into carrierPNG for viewer (§4.2 Forwarding contract, §4.3).
type EncryptJob struct {
	CarrierPNG []byte
	Owner      string
	Viewer     string
	Quota      uint32
	IssuedAt   uint64
}

func encodeJob(job EncryptJob) []byte {
	return wire.NewWriter().
		String(job.Owner).
		String(job.Viewer).
		Uint32(job.Quota).
		Uint64(job.IssuedAt).
		Uint32(uint32(len(job.CarrierPNG))).
		Bytes(job.CarrierPNG).
		Build()
}

func decodeJob(payload []byte) (EncryptJob, error) {
	r := wire.NewReader(payload)
	job := EncryptJob{
		Owner:    r.String(),
		Viewer:   r.String(),
		Quota:    r.Uint32(),
		IssuedAt: r.Uint64(),
	}
	n := r.Uint32()
	job.CarrierPNG = r.Bytes(int(n))
	return job, r.Err()
}

// JobResult is the elected worker's reply: the re-encoded carrier plus its
// content-addressed image id (§4.2 Forwarding contract).
type JobResult struct {
	CarrierPNG []byte
	ImageID    [16]byte
	Err        string
}

func encodeResult(res JobResult) []byte {
	w := wire.NewWriter().String(res.Err)
	if res.Err == "" {
		w.Bytes(res.ImageID[:]).Uint32(uint32(len(res.CarrierPNG))).Bytes(res.CarrierPNG)
	}
	return w.Build()
}

func decodeResult(payload []byte) (JobResult, error) {
	r := wire.NewReader(payload)
	var res JobResult
	res.Err = r.String()
	if res.Err == "" {
		copy(res.ImageID[:], r.Bytes(16))
		n := r.Uint32()
		res.CarrierPNG = r.Bytes(int(n))
	}
	return res, r.Err()
}

// Floats ride the wire as IEEE 754 bits; everything else in the tuple is
// the usual big-endian integer shape.
func encodeTuple(t HealthTuple) []byte {
	return wire.NewWriter().
		Uint64(t.ServerID).
		Uint64(math.Float64bits(t.CPULoad)).
		Uint32(uint32(t.ActiveConns)).
		Uint64(math.Float64bits(t.AvgLatencyMillis)).
		Uint64(t.TermSeen).
		Build()
}

func decodeTuple(payload []byte) (HealthTuple, error) {
	r := wire.NewReader(payload)
	t := HealthTuple{
		ServerID:         r.Uint64(),
		CPULoad:          math.Float64frombits(r.Uint64()),
		ActiveConns:      int(r.Uint32()),
		AvgLatencyMillis: math.Float64frombits(r.Uint64()),
		TermSeen:         r.Uint64(),
	}
	return t, r.Err()
}
