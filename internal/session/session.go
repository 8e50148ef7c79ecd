// Package session drives one transfer between two peers from manifest
// offer to verified completion. A session owns the state machine and the
// sender or receiver pipeline; transport selection and retry across
// transports belong to the engine above it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/byteferry/byteferry/internal/bandwidth"
	"github.com/byteferry/byteferry/internal/chunk"
	"github.com/byteferry/byteferry/internal/compress"
	"github.com/byteferry/byteferry/internal/faults"
	"github.com/byteferry/byteferry/internal/progress"
	"github.com/byteferry/byteferry/internal/resume"
	"github.com/byteferry/byteferry/internal/stream"
	"github.com/byteferry/byteferry/internal/transport"
	"github.com/byteferry/byteferry/pkg/manifest"
)

// Role distinguishes the two ends of a session.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// DefaultChunkRetries bounds how often one chunk may be retransmitted
// before its file is declared failed.
const DefaultChunkRetries = 3

// DefaultNegotiateTimeout bounds the offer/accept handshake. A peer
// that connects and never answers fails the session instead of pinning
// it in Negotiating.
const DefaultNegotiateTimeout = 30 * time.Second

// DefaultStallWindow bounds how long either side waits for the peer to
// make progress mid-transfer before declaring the path dead. The
// resulting transport fault feeds the engine's fallback chain.
const DefaultStallWindow = 30 * time.Second

// progressInterval throttles progress events.
const progressInterval = 500 * time.Millisecond

// checkpointEvery is the chunk cadence for intra-file checkpoints on
// very large files.
const checkpointEvery = 256

// Config carries the pieces shared by both roles.
type Config struct {
	SessionID string
	PeerID    string
	Streams   int
	Retries   int
	Logger    *slog.Logger
	Limiter   *bandwidth.Limiter
	Codec     *compress.Codec

	// NegotiateTimeout bounds the control handshake; zero selects
	// DefaultNegotiateTimeout.
	NegotiateTimeout time.Duration
	// StallWindow bounds mid-transfer silence from the peer; zero
	// selects DefaultStallWindow.
	StallWindow time.Duration

	// OnEvent receives state transitions and throttled progress
	// snapshots. It is called synchronously and must not call back into
	// the session.
	OnEvent func(Event)
}

// SenderConfig configures the sending side.
type SenderConfig struct {
	Config
	Manifest *manifest.TransferManifest
	// SourceRoots are the paths the manifest was built from; manifest
	// entry paths resolve against them.
	SourceRoots []string
}

// ReceiverConfig configures the receiving side.
type ReceiverConfig struct {
	Config
	Trust Trust
	// Store persists checkpoints between runs. Optional; without it a
	// dropped transfer restarts from scratch.
	Store *resume.Store
}

// Session is one directed transfer.
type Session struct {
	id          string
	role        Role
	peerID      string
	streams     int
	retries     int
	negTimeout  time.Duration
	stallWindow time.Duration
	logger      *slog.Logger
	limiter *bandwidth.Limiter
	codec   *compress.Codec
	onEvent func(Event)
	gate    *gate

	// sender side
	man   *manifest.TransferManifest
	roots []string

	// receiver side
	trust       Trust
	store       *resume.Store
	downloadDir string

	mu         sync.Mutex
	transferID string
	state      State
	reason     string
	tracker    *progress.Tracker
	failures   []FileFailure
	cancel     context.CancelFunc
	lastEmit   time.Time
}

func newSession(cfg Config, role Role) *Session {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = bandwidth.NewLimiter(0)
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = DefaultChunkRetries
	}
	negTimeout := cfg.NegotiateTimeout
	if negTimeout <= 0 {
		negTimeout = DefaultNegotiateTimeout
	}
	stallWindow := cfg.StallWindow
	if stallWindow <= 0 {
		stallWindow = DefaultStallWindow
	}
	return &Session{
		id:          id,
		role:        role,
		peerID:      cfg.PeerID,
		streams:     stream.ClampStreams(cfg.Streams),
		retries:     retries,
		negTimeout:  negTimeout,
		stallWindow: stallWindow,
		logger:      logger,
		limiter:     limiter,
		codec:       cfg.Codec,
		onEvent:     cfg.OnEvent,
		gate:        newGate(),
		state:       StatePending,
	}
}

// NewSender creates the sending end of a transfer.
func NewSender(cfg SenderConfig) *Session {
	s := newSession(cfg.Config, RoleSender)
	s.man = cfg.Manifest
	s.roots = cfg.SourceRoots
	s.transferID = cfg.Manifest.TransferID
	s.tracker = progress.NewTracker(s.transferID, cfg.Manifest.TotalSize, cfg.Manifest.FileCount)
	return s
}

// NewReceiver creates the receiving end. The manifest arrives with the
// peer's offer.
func NewReceiver(cfg ReceiverConfig) *Session {
	s := newSession(cfg.Config, RoleReceiver)
	s.trust = cfg.Trust
	s.store = cfg.Store
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Role returns which end of the transfer this session is.
func (s *Session) Role() Role { return s.role }

// TransferID returns the transfer this session carries. Empty on a
// receiver that has not yet seen the offer.
func (s *Session) TransferID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferID
}

// PeerID returns the remote peer, once known.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the explanation attached to the last transition.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Failures lists files that could not be delivered intact.
func (s *Session) Failures() []FileFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileFailure, len(s.failures))
	copy(out, s.failures)
	return out
}

// Progress returns the current progress snapshot.
func (s *Session) Progress() progress.Snapshot {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return progress.Snapshot{TransferID: s.TransferID()}
	}
	return tracker.Snapshot()
}

// Pause suspends chunk movement at the next chunk boundary.
func (s *Session) Pause() error {
	if err := s.transition(StatePaused, "paused"); err != nil {
		return err
	}
	s.gate.pause()
	return nil
}

// Resume continues a paused session.
func (s *Session) Resume() error {
	if err := s.transition(StateTransferring, "resumed"); err != nil {
		return err
	}
	s.gate.resume()
	return nil
}

// Cancel stops the session at the next chunk boundary. Cancelling a
// terminal session is a no-op.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	err := s.transitionLocked(StateCancelled, "cancelled")
	cancel := s.cancel
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.gate.resume()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Session) emitLocked(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// maybeEmitProgress sends a throttled progress event.
func (s *Session) maybeEmitProgress() {
	s.mu.Lock()
	if s.tracker == nil || time.Since(s.lastEmit) < progressInterval {
		s.mu.Unlock()
		return
	}
	s.lastEmit = time.Now()
	snap := s.tracker.Snapshot()
	ev := Event{
		SessionID:  s.id,
		TransferID: s.transferID,
		PeerID:     s.peerID,
		State:      s.state,
		Progress:   &snap,
	}
	s.emitLocked(ev)
	s.mu.Unlock()
}

// fail moves the session to Failed (unless it was cancelled) and wraps
// the cause.
func (s *Session) fail(kind faults.Kind, reason string, err error) error {
	if s.State() == StateCancelled {
		return nil
	}
	if terr := s.transition(StateFailed, reason); terr != nil {
		s.logger.Warn("failed transition rejected", "session", s.id, "error", terr)
	}
	if err == nil {
		err = errors.New(reason)
	}
	return faults.New(kind, err)
}

// finishCancelled converts a context error into a clean cancel result.
func (s *Session) finishCancelled(err error) (bool, error) {
	if s.State() == StateCancelled {
		return true, nil
	}
	return false, err
}

// errPeerSilent marks a control read that outlived its deadline.
var errPeerSilent = errors.New("peer made no progress within the deadline")

// decodeWithin runs one JSON decode bounded by d. On timeout or context
// cancellation the stream is closed so the blocked read unwinds. A
// paused session keeps waiting; pausing is not silence.
func (s *Session) decodeWithin(ctx context.Context, dec *json.Decoder, v any, d time.Duration, ctrl transport.Stream) error {
	done := make(chan error, 1)
	go func() { done <- dec.Decode(v) }()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			ctrl.Close()
			<-done
			return ctx.Err()
		case <-timer.C:
			if s.State() == StatePaused {
				timer.Reset(d)
				continue
			}
			ctrl.Close()
			<-done
			return errPeerSilent
		}
	}
}

// Run executes the session over an established connection. It returns
// nil on completion or cancellation; failures come back as typed fault
// errors with the session left in Failed.
func (s *Session) Run(ctx context.Context, conn transport.Conn) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.role == RoleSender {
		return s.runSender(runCtx, conn)
	}
	return s.runReceiver(runCtx, conn)
}

// ---- sender ----

func (s *Session) runSender(ctx context.Context, conn transport.Conn) error {
	if err := s.transition(StateNegotiating, "offering"); err != nil {
		return err
	}

	ctrl, err := conn.OpenStream(ctx)
	if err != nil {
		return s.fail(faults.KindTransport, "control stream failed", err)
	}
	defer ctrl.Close()

	compressOn := s.decideCompression()
	enc := json.NewEncoder(ctrl)
	dec := json.NewDecoder(ctrl)

	offer := offerMsg{
		SessionID: s.id,
		SenderID:  s.man.SenderID,
		Manifest:  s.man,
		Compress:  compressOn,
		Streams:   s.streams,
	}
	// The whole handshake is bounded: a peer that accepts the connection
	// and then says nothing must not pin the session in Negotiating.
	var acc acceptMsg
	handshake := make(chan error, 1)
	go func() {
		if err := enc.Encode(offer); err != nil {
			handshake <- fmt.Errorf("offer send: %w", err)
			return
		}
		handshake <- dec.Decode(&acc)
	}()
	select {
	case err := <-handshake:
		if err != nil {
			if cancelled, cerr := s.finishCancelled(err); cancelled {
				return cerr
			}
			return s.fail(faults.KindTransport, "handshake failed", err)
		}
	case <-ctx.Done():
		ctrl.Close()
		if cancelled, cerr := s.finishCancelled(ctx.Err()); cancelled {
			return cerr
		}
		return s.fail(faults.KindTransport, "handshake interrupted", ctx.Err())
	case <-time.After(s.negTimeout):
		ctrl.Close()
		return s.fail(faults.KindTransport, "negotiation timed out",
			fmt.Errorf("no accept within %s", s.negTimeout))
	}
	if !acc.Accepted {
		return s.fail(faults.KindTransport, "rejected-by-peer",
			fmt.Errorf("peer rejected transfer: %s", acc.Reason))
	}

	streams := s.streams
	if acc.Streams > 0 && acc.Streams < streams {
		streams = acc.Streams
	}
	if err := s.transition(StateTransferring, "accepted"); err != nil {
		return err
	}

	snd, err := stream.NewSender(ctx, conn, streams)
	if err != nil {
		return s.fail(faults.KindTransport, "stream setup failed", err)
	}

	completed := make(map[uint32]bool, len(acc.CompletedFiles))
	for _, i := range acc.CompletedFiles {
		completed[i] = true
	}

	for i, entry := range s.man.Files {
		idx := uint32(i)
		if entry.LinkTarget != "" {
			continue
		}
		if entry.ChunkCount == 0 {
			s.tracker.FileDone()
			continue
		}
		if completed[idx] {
			s.tracker.SkipBytes(entry.Size)
			s.tracker.FileDone()
			continue
		}
		if err := s.sendFile(ctx, snd, idx, entry, acc.ResumeFrom[idx], compressOn); err != nil {
			snd.Close()
			if cancelled, cerr := s.finishCancelled(err); cancelled {
				return cerr
			}
			return err
		}
		s.tracker.FileDone()
	}

	failed, err := s.senderRepair(ctx, dec, ctrl, snd, compressOn)
	if err != nil {
		snd.Close()
		if cancelled, cerr := s.finishCancelled(err); cancelled {
			return cerr
		}
		return s.fail(faults.KindTransport, "repair loop failed", err)
	}
	if err := snd.Close(); err != nil {
		return s.fail(faults.KindTransport, "stream close failed", err)
	}

	if len(failed) > 0 {
		s.mu.Lock()
		s.failures = failed
		s.mu.Unlock()
		return s.fail(faults.KindIntegrity, "delivery failures",
			fmt.Errorf("%d files failed verification at the receiver", len(failed)))
	}
	return s.transition(StateCompleted, "all files verified")
}

// decideCompression samples the largest file once and fixes the
// compression setting for the whole transfer.
func (s *Session) decideCompression() bool {
	if s.codec == nil {
		return false
	}
	var largest *manifest.FileEntry
	var largestIdx uint32
	for i := range s.man.Files {
		e := &s.man.Files[i]
		if e.LinkTarget != "" || e.ChunkCount == 0 {
			continue
		}
		if largest == nil || e.Size > largest.Size {
			largest = e
			largestIdx = uint32(i)
		}
	}
	if largest == nil {
		return false
	}
	src, err := s.sourcePath(largest.Path)
	if err != nil {
		return false
	}
	sp, err := chunk.NewSplitter(src, largestIdx, 0)
	if err != nil {
		return false
	}
	defer sp.Close()
	c, err := sp.Next(nil)
	if err != nil {
		return false
	}
	on := s.codec.Decide(s.man.TotalSize, c.Payload)
	s.logger.Info("compression decided", "session", s.id, "enabled", on)
	return on
}

// sourcePath maps a manifest entry path onto the local filesystem.
func (s *Session) sourcePath(rel string) (string, error) {
	seg, rest, _ := strings.Cut(rel, "/")
	for _, root := range s.roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if filepath.Base(abs) != seg {
			continue
		}
		if rest == "" {
			return abs, nil
		}
		return filepath.Join(abs, filepath.FromSlash(rest)), nil
	}
	return "", faults.Newf(faults.KindStorage, "no source root covers %s", rel)
}

func (s *Session) sendFile(ctx context.Context, snd *stream.Sender, idx uint32, entry manifest.FileEntry, resumeSeq uint32, compressOn bool) error {
	src, err := s.sourcePath(entry.Path)
	if err != nil {
		return s.fail(faults.KindStorage, "source missing", err)
	}
	sp, err := chunk.NewSplitter(src, idx, 0)
	if err != nil {
		return s.fail(faults.KindStorage, "source open failed", err)
	}
	defer sp.Close()

	if resumeSeq > 0 {
		if err := sp.Seek(resumeSeq); err != nil {
			return s.fail(faults.KindResume, "resume position invalid", err)
		}
		s.tracker.SkipBytes(int64(resumeSeq) * chunk.DefaultChunkSize)
	}

	buf := make([]byte, chunk.DefaultChunkSize)
	for {
		if err := s.gate.wait(ctx); err != nil {
			return err
		}
		c, err := sp.Next(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.fail(faults.KindStorage, "source read failed", err)
		}
		if err := s.sendChunk(ctx, snd, c, compressOn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendChunk(ctx context.Context, snd *stream.Sender, c chunk.Chunk, compressOn bool) error {
	if compressOn && s.codec != nil {
		if packed, ok := s.codec.Compress(c.Payload); ok {
			c.Payload = packed
			c.Compressed = true
		}
	}
	if err := s.limiter.Acquire(ctx, len(c.Payload)); err != nil {
		return err
	}
	if err := snd.Dispatch(ctx, c); err != nil {
		return s.fail(faults.KindTransport, "chunk dispatch failed", err)
	}
	s.tracker.AddBytes(int(c.RawLen))
	s.maybeEmitProgress()
	return nil
}

// senderRepair serves retransmission requests until the receiver
// declares the transfer done. Each control read is bounded by the stall
// window; a receiver that stops talking fails the session.
func (s *Session) senderRepair(ctx context.Context, dec *json.Decoder, ctrl transport.Stream, snd *stream.Sender, compressOn bool) ([]FileFailure, error) {
	for {
		var msg ctrlMsg
		if err := s.decodeWithin(ctx, dec, &msg, s.stallWindow, ctrl); err != nil {
			return nil, fmt.Errorf("control read: %w", err)
		}
		switch msg.Type {
		case ctrlNack:
			if err := s.gate.wait(ctx); err != nil {
				return nil, err
			}
			if err := s.resend(ctx, snd, msg.FileIndex, msg.Sequence, compressOn); err != nil {
				return nil, err
			}
		case ctrlDone:
			return msg.Failed, nil
		default:
			s.logger.Warn("unknown control message", "session", s.id, "type", msg.Type)
		}
	}
}

func (s *Session) resend(ctx context.Context, snd *stream.Sender, idx, seq uint32, compressOn bool) error {
	if int(idx) >= len(s.man.Files) {
		return fmt.Errorf("nack for unknown file %d", idx)
	}
	entry := s.man.Files[idx]
	src, err := s.sourcePath(entry.Path)
	if err != nil {
		return err
	}
	sp, err := chunk.NewSplitter(src, idx, 0)
	if err != nil {
		return err
	}
	defer sp.Close()
	if err := sp.Seek(seq); err != nil {
		return err
	}
	c, err := sp.Next(nil)
	if err != nil {
		return err
	}
	s.logger.Info("retransmitting chunk", "session", s.id, "file", entry.Path, "sequence", seq)
	if compressOn && s.codec != nil {
		if packed, ok := s.codec.Compress(c.Payload); ok {
			c.Payload = packed
			c.Compressed = true
		}
	}
	if err := s.limiter.Acquire(ctx, len(c.Payload)); err != nil {
		return err
	}
	return snd.Dispatch(ctx, c)
}
