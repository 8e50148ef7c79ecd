// Package engine is the public surface of the transfer system. An
// Engine owns the transfer registry, drains the queue through its
// admission slots, negotiates a transport per peer, and walks the
// fallback chain when one fails mid-transfer; checkpoints let the next
// attempt continue instead of starting over.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/byteferry/byteferry/internal/bandwidth"
	"github.com/byteferry/byteferry/internal/compress"
	"github.com/byteferry/byteferry/internal/faults"
	"github.com/byteferry/byteferry/internal/negotiate"
	"github.com/byteferry/byteferry/internal/progress"
	"github.com/byteferry/byteferry/internal/queue"
	"github.com/byteferry/byteferry/internal/resume"
	"github.com/byteferry/byteferry/internal/session"
	"github.com/byteferry/byteferry/internal/transport"
	"github.com/byteferry/byteferry/pkg/manifest"
	"github.com/byteferry/byteferry/pkg/protocol"
)

// Trust re-exports the session authorization interface so callers wire
// policy without importing internal/session.
type Trust = session.Trust

// AcceptAll re-exports the auto-accept policy.
type AcceptAll = session.AcceptAll

// DefaultRetention is how long terminal transfers stay visible in the
// registry before the cleanup pass drops them.
const DefaultRetention = time.Hour

// sweepInterval paces the cleanup pass.
const sweepInterval = 10 * time.Minute

// Options configures an Engine. Transports maps each protocol the node
// supports to its adapter; the negotiator never selects a protocol
// missing from it.
type Options struct {
	SelfID     string
	Logger     *slog.Logger
	Negotiator *negotiate.Negotiator
	Transports map[transport.Protocol]transport.Transport
	Queue      *queue.Manager
	Store      *resume.Store
	Trust      Trust
	Codec      *compress.Codec
	Retention  time.Duration
	// EventBuffer sizes the Events channel; a slow consumer loses the
	// oldest progress events, never state transitions ordering.
	EventBuffer int
}

// TransferStatus is the externally visible state of one transfer.
type TransferStatus struct {
	TransferID string
	QueueID    string
	PeerID     string
	Role       session.Role
	Protocol   transport.Protocol
	State      session.State
	Reason     string
	Progress   progress.Snapshot
	Failures   []session.FileFailure
}

type record struct {
	transferID string
	queueID    string
	peerID     string
	role       session.Role
	man        *manifest.TransferManifest
	roots      []string
	priority   queue.Priority

	mu         sync.Mutex
	sess       *session.Session
	protocol   transport.Protocol
	err        error
	finishedAt time.Time
}

func (r *record) snapshot() TransferStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := TransferStatus{
		TransferID: r.transferID,
		QueueID:    r.queueID,
		PeerID:     r.peerID,
		Role:       r.role,
		Protocol:   r.protocol,
		State:      session.StatePending,
	}
	if r.sess != nil {
		// Inbound records learn their identity from the offer, after
		// registration.
		if st.TransferID == "" {
			st.TransferID = r.sess.TransferID()
		}
		if st.PeerID == "" {
			st.PeerID = r.sess.PeerID()
		}
		st.State = r.sess.State()
		st.Reason = r.sess.Reason()
		st.Progress = r.sess.Progress()
		st.Failures = r.sess.Failures()
	}
	return st
}

// Engine coordinates transfers for one node.
type Engine struct {
	selfID     string
	logger     *slog.Logger
	neg        *negotiate.Negotiator
	transports map[transport.Protocol]transport.Transport
	queue      *queue.Manager
	store      *resume.Store
	trust      Trust
	limiter    *bandwidth.Limiter
	codec      *compress.Codec
	retention  time.Duration

	events chan session.Event
	wake   chan struct{}

	mu        sync.Mutex
	transfers map[string]*record
	receivers map[string]*record // keyed by session ID until the offer names a transfer
	closed    bool

	wg sync.WaitGroup
}

// New creates an engine. The queue and negotiator are required; Store
// and Trust are only needed on nodes that receive.
func New(opts Options) (*Engine, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("engine: queue manager is required")
	}
	if opts.Negotiator == nil {
		return nil, fmt.Errorf("engine: negotiator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codec := opts.Codec
	if codec == nil {
		codec = compress.New()
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Engine{
		selfID:     opts.SelfID,
		logger:     logger,
		neg:        opts.Negotiator,
		transports: opts.Transports,
		queue:      opts.Queue,
		store:      opts.Store,
		trust:      opts.Trust,
		limiter:    bandwidth.NewLimiter(0),
		codec:      codec,
		retention:  retention,
		events:     make(chan session.Event, buf),
		wake:       make(chan struct{}, 1),
		transfers:  make(map[string]*record),
		receivers:  make(map[string]*record),
	}, nil
}

// Events delivers state transitions and throttled progress snapshots
// for every session the engine runs.
func (e *Engine) Events() <-chan session.Event { return e.events }

func (e *Engine) emit(ev session.Event) {
	select {
	case e.events <- ev:
	default:
		// Drop a progress event rather than stall a transfer; state
		// transitions are rare enough that the buffer absorbs them.
		if ev.Progress == nil {
			e.logger.Warn("event buffer full, state event dropped",
				"session", ev.SessionID, "state", ev.State)
		}
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue and runs periodic cleanup until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	e.signal() // pick up items replayed from a previous run
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-e.wake:
			e.dispatch(ctx)
		case <-ticker.C:
			e.cleanup()
		}
	}
}

// dispatch claims queue items while admission slots are free.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		item, ok := e.queue.Next()
		if !ok {
			return
		}
		rec := e.recordForItem(item)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runTransfer(ctx, rec)
			e.signal()
		}()
	}
}

// recordForItem finds the registry entry for a claimed queue item,
// rebuilding the manifest for items replayed from a previous process.
func (e *Engine) recordForItem(item queue.Item) *record {
	e.mu.Lock()
	if rec, ok := e.transfers[item.TransferID]; ok {
		e.mu.Unlock()
		return rec
	}
	e.mu.Unlock()

	rec := &record{
		queueID:  item.QueueID,
		peerID:   item.PeerID,
		role:     session.RoleSender,
		roots:    item.Paths,
		priority: item.Priority,
	}
	m, err := manifest.Build(item.Paths, manifest.Options{SenderID: e.selfID})
	if err != nil {
		rec.mu.Lock()
		rec.err = err
		rec.mu.Unlock()
		return rec
	}
	rec.transferID = m.TransferID
	rec.man = m
	e.queue.SetTransferID(item.QueueID, m.TransferID)

	e.mu.Lock()
	e.transfers[m.TransferID] = rec
	e.mu.Unlock()
	return rec
}

// StartTransfer scans paths, enqueues a transfer to peerID and returns
// its transfer ID. The transfer starts when an admission slot frees up.
func (e *Engine) StartTransfer(ctx context.Context, peerID string, paths []string, prio queue.Priority) (string, error) {
	m, err := manifest.Build(paths, manifest.Options{SenderID: e.selfID})
	if err != nil {
		return "", err
	}
	item, err := e.queue.Enqueue(peerID, paths, prio, m.TotalSize)
	if err != nil {
		return "", err
	}
	if err := e.queue.SetTransferID(item.QueueID, m.TransferID); err != nil {
		return "", err
	}

	rec := &record{
		transferID: m.TransferID,
		queueID:    item.QueueID,
		peerID:     peerID,
		role:       session.RoleSender,
		man:        m,
		roots:      paths,
		priority:   prio,
	}
	e.mu.Lock()
	e.transfers[m.TransferID] = rec
	e.mu.Unlock()

	e.signal()
	return m.TransferID, nil
}

// runTransfer drives one outgoing transfer to a terminal state, walking
// the transport fallback chain on transport failures. Each attempt is a
// fresh session; the receiver's checkpoint keeps retries incremental.
func (e *Engine) runTransfer(ctx context.Context, rec *record) {
	rec.mu.Lock()
	if rec.err != nil {
		err := rec.err
		rec.finishedAt = time.Now()
		rec.mu.Unlock()
		e.queue.Release(rec.queueID, queue.StateFailed, err.Error())
		return
	}
	rec.mu.Unlock()

	proto, caps, err := e.neg.Select(ctx, rec.peerID)
	if err != nil {
		e.finish(rec, err)
		return
	}

	for {
		err = e.attempt(ctx, rec, proto, caps)
		if err == nil || ctx.Err() != nil {
			break
		}
		if !faults.Is(err, faults.KindTransport) {
			break
		}
		// A rejection is the peer answering, not the transport failing;
		// another protocol would only get rejected again.
		rec.mu.Lock()
		rejected := rec.sess != nil && rec.sess.Reason() == "rejected-by-peer"
		rec.mu.Unlock()
		if rejected {
			break
		}
		e.neg.Invalidate(rec.peerID)
		next, ok := e.neg.Fallback(ctx, rec.peerID, proto)
		if !ok {
			break
		}
		if _, have := e.transports[next]; !have {
			break
		}
		e.logger.Info("retrying over fallback transport",
			"transfer", rec.transferID, "peer", rec.peerID, "from", proto, "to", next)
		proto = next
	}
	e.finish(rec, err)
}

// attempt runs one sender session over one protocol.
func (e *Engine) attempt(ctx context.Context, rec *record, proto transport.Protocol, caps protocol.Capabilities) error {
	tr, ok := e.transports[proto]
	if !ok {
		return faults.Newf(faults.KindTransport, "no local adapter for %s", proto)
	}
	addr, err := negotiate.Addr(proto, caps)
	if err != nil {
		return faults.New(faults.KindTransport, err)
	}
	conn, err := tr.Dial(ctx, addr)
	if err != nil {
		return faults.New(faults.KindTransport, fmt.Errorf("dial %s: %w", proto, err))
	}
	defer conn.Close()

	sess := session.NewSender(session.SenderConfig{
		Config: session.Config{
			PeerID:  rec.peerID,
			Streams: e.neg.StreamBudget(caps),
			Logger:  e.logger,
			Limiter: e.limiter,
			Codec:   e.codec,
			OnEvent: e.emit,
		},
		Manifest:    rec.man,
		SourceRoots: rec.roots,
	})
	rec.mu.Lock()
	rec.sess = sess
	rec.protocol = proto
	rec.mu.Unlock()

	return sess.Run(ctx, conn)
}

func (e *Engine) finish(rec *record, err error) {
	rec.mu.Lock()
	rec.err = err
	rec.finishedAt = time.Now()
	sess := rec.sess
	rec.mu.Unlock()

	final := queue.StateDone
	reason := ""
	if err != nil {
		final = queue.StateFailed
		reason = err.Error()
	} else if sess != nil && sess.State() == session.StateCancelled {
		final = queue.StateFailed
		reason = "cancelled"
	}
	if rerr := e.queue.Release(rec.queueID, final, reason); rerr != nil {
		e.logger.Warn("queue release failed", "queue_id", rec.queueID, "error", rerr)
	}
}

// ServeIncoming accepts connections on tr and runs a receiver session
// per connection until ctx ends. Call once per listening transport.
func (e *Engine) ServeIncoming(ctx context.Context, tr transport.Transport) error {
	if e.trust == nil {
		return fmt.Errorf("engine: incoming transfers need a trust policy")
	}
	for {
		conn, err := tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept on %s: %w", tr.Protocol(), err)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer conn.Close()
			e.runReceiver(ctx, tr.Protocol(), conn)
		}()
	}
}

func (e *Engine) runReceiver(ctx context.Context, proto transport.Protocol, conn transport.Conn) {
	sess := session.NewReceiver(session.ReceiverConfig{
		Config: session.Config{
			Logger:  e.logger,
			Limiter: e.limiter,
			Codec:   e.codec,
			OnEvent: e.emit,
		},
		Trust: e.trust,
		Store: e.store,
	})

	// Register before Run so an in-flight inbound transfer is visible
	// and controllable as soon as the offer names it.
	rec := &record{
		role:     session.RoleReceiver,
		sess:     sess,
		protocol: proto,
	}
	e.mu.Lock()
	e.receivers[sess.ID()] = rec
	e.mu.Unlock()

	err := sess.Run(ctx, conn)

	e.mu.Lock()
	delete(e.receivers, sess.ID())
	rec.mu.Lock()
	rec.transferID = sess.TransferID()
	rec.peerID = sess.PeerID()
	rec.err = err
	rec.finishedAt = time.Now()
	tid := rec.transferID
	rec.mu.Unlock()
	if tid != "" {
		e.transfers[tid] = rec
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("incoming transfer failed", "session", sess.ID(), "error", err)
	}
}

func (e *Engine) lookup(transferID string) (*record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.transfers[transferID]; ok {
		return rec, nil
	}
	// Inbound sessions sit in receivers until Run returns; match them by
	// the transfer the offer named.
	for _, rec := range e.receivers {
		rec.mu.Lock()
		sess := rec.sess
		rec.mu.Unlock()
		if sess != nil && sess.TransferID() == transferID {
			return rec, nil
		}
	}
	return nil, faults.Newf(faults.KindResume, "unknown transfer %s", transferID)
}

func (e *Engine) activeSession(transferID string) (*session.Session, error) {
	rec, err := e.lookup(transferID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.sess == nil {
		return nil, fmt.Errorf("transfer %s has not started", transferID)
	}
	return rec.sess, nil
}

// PauseTransfer suspends an in-flight transfer at its next chunk
// boundary.
func (e *Engine) PauseTransfer(transferID string) error {
	sess, err := e.activeSession(transferID)
	if err != nil {
		return err
	}
	return sess.Pause()
}

// ResumeSession continues a paused transfer.
func (e *Engine) ResumeSession(transferID string) error {
	sess, err := e.activeSession(transferID)
	if err != nil {
		return err
	}
	return sess.Resume()
}

// CancelTransfer stops a transfer whether it is queued or running.
func (e *Engine) CancelTransfer(transferID string) error {
	rec, err := e.lookup(transferID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	sess := rec.sess
	queueID := rec.queueID
	rec.mu.Unlock()

	if sess != nil && !sess.State().Terminal() {
		return sess.Cancel()
	}
	if queueID != "" {
		return e.queue.Cancel(queueID)
	}
	return nil
}

// ResumeTransfer re-enqueues a transfer that ended without completing.
// The receiver's checkpoint makes the new attempt incremental; the
// manifest must still describe the source files exactly.
func (e *Engine) ResumeTransfer(ctx context.Context, transferID string) error {
	rec, err := e.lookup(transferID)
	if err != nil {
		return err
	}
	if rec.role != session.RoleSender {
		return faults.Newf(faults.KindResume, "transfer %s is inbound; the sender resumes it", transferID)
	}
	rec.mu.Lock()
	sess := rec.sess
	rec.mu.Unlock()
	if sess != nil && !sess.State().Terminal() {
		return faults.Newf(faults.KindResume, "transfer %s is still running", transferID)
	}
	if sess != nil && sess.State() == session.StateCompleted {
		return faults.Newf(faults.KindResume, "transfer %s already completed", transferID)
	}

	// The source must not have drifted since the manifest was built, or
	// resumed chunks would verify against stale digests.
	fresh, err := manifest.Build(rec.roots, manifest.Options{SenderID: e.selfID})
	if err != nil {
		return faults.New(faults.KindResume, err)
	}
	if fresh.Checksum != rec.man.Checksum {
		return faults.Newf(faults.KindResume,
			"source files changed since transfer %s was created", transferID)
	}

	item, err := e.queue.Enqueue(rec.peerID, rec.roots, rec.priority, rec.man.TotalSize)
	if err != nil {
		return err
	}
	if err := e.queue.SetTransferID(item.QueueID, transferID); err != nil {
		return err
	}
	rec.mu.Lock()
	rec.queueID = item.QueueID
	rec.sess = nil
	rec.err = nil
	rec.finishedAt = time.Time{}
	rec.mu.Unlock()

	e.signal()
	return nil
}

// SetBandwidthLimit changes the shared byte budget for every stream of
// every session, effective on their next acquisition. Zero removes the
// limit. Queue start estimates are reprojected from the new budget.
func (e *Engine) SetBandwidthLimit(bytesPerSec int64) {
	e.limiter.SetLimit(bytesPerSec)
	e.queue.EstimateStarts(float64(bytesPerSec))
	e.logger.Info("bandwidth limit set", "bytes_per_sec", bytesPerSec)
}

// BandwidthLimit returns the current shared limit, zero for unlimited.
func (e *Engine) BandwidthLimit() int64 { return e.limiter.Limit() }

// ActiveTransfers lists every transfer the registry knows, newest
// state included.
func (e *Engine) ActiveTransfers() []TransferStatus {
	e.mu.Lock()
	recs := make([]*record, 0, len(e.transfers)+len(e.receivers))
	for _, r := range e.transfers {
		recs = append(recs, r)
	}
	for _, r := range e.receivers {
		recs = append(recs, r)
	}
	e.mu.Unlock()

	out := make([]TransferStatus, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	return out
}

// Status returns the state of one transfer.
func (e *Engine) Status(transferID string) (TransferStatus, error) {
	rec, err := e.lookup(transferID)
	if err != nil {
		return TransferStatus{}, err
	}
	return rec.snapshot(), nil
}

// cleanup drops terminal transfers past retention and sweeps expired
// checkpoints.
func (e *Engine) cleanup() {
	cutoff := time.Now().Add(-e.retention)
	e.mu.Lock()
	for id, rec := range e.transfers {
		rec.mu.Lock()
		done := !rec.finishedAt.IsZero() && rec.finishedAt.Before(cutoff)
		if rec.sess != nil {
			done = done && rec.sess.State().Terminal()
		}
		rec.mu.Unlock()
		if done {
			delete(e.transfers, id)
		}
	}
	e.mu.Unlock()

	if e.store != nil {
		if dropped, err := e.store.Sweep(time.Now()); err != nil {
			e.logger.Warn("checkpoint sweep failed", "error", err)
		} else if dropped > 0 {
			e.logger.Info("expired checkpoints swept", "dropped", dropped)
		}
	}
}

// Close waits for running sessions. Cancel the Run context first.
func (e *Engine) Close() {
	e.wg.Wait()
	close(e.events)
}
