package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"image/png"
	"net"
	"sync"
	"time"

	"github.com/p2pshare/core/pkg/codec"
	"github.com/p2pshare/core/pkg/log"
	"github.com/p2pshare/core/pkg/wire"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrServiceUnavailable is returned to the client once a dispatcher has
// exhausted its worker re-election retries (§4.2 Forwarding contract, §7).
var ErrServiceUnavailable = errors.New("service unavailable")

// Worker is one member of the cloud cluster (§4.2): it embeds permission
// records for jobs forwarded to it, gossips its own health tuple once a
// second, and — for whichever job a peer happens to connect to it with —
// acts as that job's dispatcher by electing the healthiest peer (possibly
// itself) to actually perform the embed.
type Worker struct {
	cfg    Config
	gossip *Gossip

	ln          net.Listener
	activeConns atomic.Int64
	avgLatency  atomic.Float64

	log *zap.Logger
}

func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g, err := NewGossip(cfg.ServerID, cfg.GossipHost, cfg.GossipPort)
	if err != nil {
		return nil, err
	}
	if err := g.Join(cfg.Bootstrap); err != nil {
		return nil, err
	}
	return &Worker{
		cfg:    cfg,
		gossip: g,
		log:    log.NewLoggerWithLevel("worker", log.Level()),
	}, nil
}

// Run gossips this worker's health tuple every second and serves incoming
// job/encrypt connections until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "cannot bind worker listener")
	}
	if w.cfg.WorkerSecurity.Enabled() {
		tlsCfg, err := w.cfg.WorkerSecurity.ServerTLSConfig()
		if err != nil {
			ln.Close()
			return errors.Wrap(err, "cannot build worker tls config")
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	w.ln = ln

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
		ln.Close()
		w.gossip.Shutdown()
	}()
	go w.gossip.Run(stop, w.sampleHealth)

	w.log.Info("cloud worker listening",
		zap.Uint64("server_id", w.cfg.ServerID),
		zap.String("addr", w.cfg.ListenAddr),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go w.handleConn(ctx, conn)
	}
}

// sampleHealth builds this worker's HealthTuple (§4.2): cpu_load from
// gopsutil, active_connections from its own listener, avg_latency_ms as an
// exponential moving average updated by every completed embed job.
func (w *Worker) sampleHealth() HealthTuple {
	return HealthTuple{
		ServerID:         w.cfg.ServerID,
		CPULoad:          sampleCPULoad(),
		ActiveConns:      int(w.activeConns.Load()),
		AvgLatencyMillis: w.avgLatency.Load(),
	}
}

func (w *Worker) recordLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	const alpha = 0.2
	for {
		old := w.avgLatency.Load()
		next := ms
		if old > 0 {
			next = alpha*ms + (1-alpha)*old
		}
		if w.avgLatency.CAS(old, next) {
			return
		}
	}
}

func (w *Worker) handleConn(ctx context.Context, conn net.Conn) {
	w.activeConns.Inc()
	defer w.activeConns.Dec()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(w.cfg.JobDeadline + w.cfg.PollTimeout + 5*time.Second))
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	if len(frame) == 0 {
		return
	}
	switch frame[0] {
	case OpEncryptRequest:
		w.handleEncryptRequest(ctx, conn, frame[1:])
	case OpJobForward:
		w.handleJobForward(conn, frame[1:])
	case OpHealthPoll:
		wire.WriteFrame(conn, append([]byte{OpHealthTuple}, encodeTuple(w.sampleHealth())...))
	default:
	}
}

// handleEncryptRequest makes this worker the dispatcher for the inbound
// job (§4.2 Election of worker per request): poll peer health scores with
// a 200ms deadline, pick the argmax (ties to lowest server_id), forward,
// and retry against the next-best candidate up to MaxRetries on failure.
func (w *Worker) handleEncryptRequest(ctx context.Context, conn net.Conn, payload []byte) {
	job, err := decodeJob(payload)
	start := time.Now()
	reply := func(res JobResult) {
		wire.WriteFrame(conn, append([]byte{OpEncryptReply}, encodeResult(res)...))
	}
	if err != nil {
		reply(JobResult{Err: "invalid job"})
		return
	}

	tuples := w.pollScores(ctx)
	excluded := map[uint64]bool{}
	var lastErr error

	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		candidates := make(map[uint64]HealthTuple, len(tuples))
		for id, t := range tuples {
			if !excluded[id] {
				candidates[id] = t
			}
		}
		id, ok := pickBest(candidates)
		if !ok {
			lastErr = ErrServiceUnavailable
			break
		}

		var res JobResult
		if id == w.cfg.ServerID {
			res, err = w.embed(job)
		} else {
			res, err = w.forward(ctx, id, job)
		}
		if err == nil {
			w.recordLatency(time.Since(start))
			reply(res)
			return
		}
		w.log.Warn("worker job attempt failed, re-electing",
			zap.Uint64("worker", id), zap.Int("attempt", attempt), zap.Error(err))
		excluded[id] = true
		lastErr = err
	}

	w.log.Error("job exhausted retries", zap.Error(lastErr))
	reply(JobResult{Err: ErrServiceUnavailable.Error()})
}

// pollScores gathers a current HealthTuple for every peer (§4.2 Election
// of worker per request): a tuple gossiped within the poll deadline counts
// as current; anything staler is polled directly with the 200ms deadline,
// and a peer that cannot answer in time is scored at zero. This worker's
// own tuple is included without a self-poll round-trip (§9 open question,
// recommended resolution: skip the self-poll, still include self in the
// argmax).
func (w *Worker) pollScores(ctx context.Context) map[uint64]HealthTuple {
	out := map[uint64]HealthTuple{w.cfg.ServerID: w.sampleHealth()}

	peers := make(map[uint64]struct{})
	for id := range w.cfg.PeerAddrs {
		if id != w.cfg.ServerID {
			peers[id] = struct{}{}
		}
	}
	for _, id := range w.gossip.KnownPeers() {
		peers[id] = struct{}{}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for id := range peers {
		if t, age, ok := w.gossip.Tuple(id); ok && age <= w.cfg.PollTimeout {
			out[id] = t
			continue
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := w.pollPeer(ctx, id)
			if err != nil {
				t = worstTuple(id)
			}
			mu.Lock()
			out[id] = t
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// pollPeer asks one peer for its current tuple over a short-lived framed
// connection, bounded by the 200ms poll deadline.
func (w *Worker) pollPeer(ctx context.Context, peerID uint64) (HealthTuple, error) {
	addr, ok := w.cfg.PeerAddrs[peerID]
	if !ok {
		return HealthTuple{}, errors.Errorf("no address for peer %d", peerID)
	}
	pctx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	defer cancel()
	conn, err := w.dialPeer(pctx, addr)
	if err != nil {
		return HealthTuple{}, err
	}
	defer conn.Close()
	if dl, ok := pctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	if err := wire.WriteFrame(conn, []byte{OpHealthPoll}); err != nil {
		return HealthTuple{}, err
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return HealthTuple{}, err
	}
	if len(frame) == 0 || frame[0] != OpHealthTuple {
		return HealthTuple{}, errors.New("unexpected health poll reply")
	}
	return decodeTuple(frame[1:])
}

// dialPeer dials another worker's listener, upgrading to TLS when
// WorkerSecurity is configured.
func (w *Worker) dialPeer(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	if !w.cfg.WorkerSecurity.Enabled() {
		return d.DialContext(ctx, "tcp", addr)
	}
	tlsCfg, err := w.cfg.WorkerSecurity.ClientTLSConfig()
	if err != nil {
		return nil, errors.Wrap(err, "cannot build worker tls config")
	}
	return tls.DialWithDialer(&d, "tcp", addr, tlsCfg)
}

// embed performs the job locally (§4.3): decode the carrier, compute the
// content-addressed image id, embed the permission record, and re-encode.
func (w *Worker) embed(job EncryptJob) (JobResult, error) {
	img, err := png.Decode(bytes.NewReader(job.CarrierPNG))
	if err != nil {
		return JobResult{}, errors.Wrap(err, "cannot decode carrier")
	}
	rec := codec.PermissionRecord{
		Owner:          job.Owner,
		Viewer:         job.Viewer,
		QuotaRemaining: job.Quota,
		IssuedAt:       job.IssuedAt,
	}
	out, err := codec.Embed(img, rec)
	if err != nil {
		return JobResult{Err: err.Error()}, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return JobResult{}, errors.Wrap(err, "cannot encode carrier")
	}
	return JobResult{
		CarrierPNG: buf.Bytes(),
		ImageID:    codec.Fingerprint(img, job.Owner),
	}, nil
}

// forward relays job to peerID's worker listener and awaits its result
// within JobDeadline (§4.2 Forwarding contract).
func (w *Worker) forward(ctx context.Context, peerID uint64, job EncryptJob) (JobResult, error) {
	addr, ok := w.cfg.PeerAddrs[peerID]
	if !ok {
		return JobResult{}, errors.Errorf("unknown peer %d", peerID)
	}
	dctx, cancel := context.WithTimeout(ctx, w.cfg.JobDeadline)
	defer cancel()

	conn, err := w.dialPeer(dctx, addr)
	if err != nil {
		return JobResult{}, errors.Wrapf(err, "cannot dial worker %d", peerID)
	}
	defer conn.Close()
	if dl, ok := dctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	payload := append([]byte{OpJobForward}, encodeJob(job)...)
	if err := wire.WriteFrame(conn, payload); err != nil {
		return JobResult{}, err
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return JobResult{}, err
	}
	if len(frame) == 0 || frame[0] != OpJobResult {
		return JobResult{}, errors.New("unexpected job forward reply")
	}
	res, err := decodeResult(frame[1:])
	if err != nil {
		return JobResult{}, err
	}
	if res.Err != "" {
		return JobResult{}, errors.New(res.Err)
	}
	return res, nil
}

// handleJobForward is the elected-worker side of forward: embed and reply
// with OpJobResult (§4.2).
func (w *Worker) handleJobForward(conn net.Conn, payload []byte) {
	job, err := decodeJob(payload)
	if err != nil {
		wire.WriteFrame(conn, append([]byte{OpJobResult}, encodeResult(JobResult{Err: "invalid job"})...))
		return
	}
	res, err := w.embed(job)
	if err != nil {
		res = JobResult{Err: err.Error()}
	}
	wire.WriteFrame(conn, append([]byte{OpJobResult}, encodeResult(res)...))
}

// Close stops the listener and gossip layer.
func (w *Worker) Close() error {
	if w.ln != nil {
		w.ln.Close()
	}
	return w.gossip.Shutdown()
}
