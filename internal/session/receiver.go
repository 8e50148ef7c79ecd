package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/byteferry/byteferry/internal/chunk"
	"github.com/byteferry/byteferry/internal/compress"
	"github.com/byteferry/byteferry/internal/faults"
	"github.com/byteferry/byteferry/internal/progress"
	"github.com/byteferry/byteferry/internal/resume"
	"github.com/byteferry/byteferry/internal/stream"
	"github.com/byteferry/byteferry/internal/transport"
	"github.com/byteferry/byteferry/pkg/manifest"
)

// rxFile is the receive-side state for one in-flight file.
type rxFile struct {
	index    uint32
	entry    manifest.FileEntry
	asm      *chunk.Assembler
	retries  map[uint32]int
	pending  map[uint32]bool        // sequences nacked, awaiting retransmission
	deferred map[uint32]chunk.Chunk // verified arrivals beyond the reorder window
	failed   bool
}

// maxDeferred bounds how many out-of-window chunks one file parks while
// a retransmission is in flight.
const maxDeferred = 4 * chunk.DefaultReorderWindow

func (s *Session) runReceiver(ctx context.Context, conn transport.Conn) error {
	if err := s.transition(StateNegotiating, "awaiting offer"); err != nil {
		return err
	}

	ctrl, err := conn.AcceptStream(ctx)
	if err != nil {
		if cancelled, cerr := s.finishCancelled(err); cancelled {
			return cerr
		}
		return s.fail(faults.KindTransport, "control stream failed", err)
	}
	defer ctrl.Close()

	dec := json.NewDecoder(ctrl)
	enc := json.NewEncoder(ctrl)

	var off offerMsg
	if err := s.decodeWithin(ctx, dec, &off, s.negTimeout, ctrl); err != nil {
		if cancelled, cerr := s.finishCancelled(err); cancelled {
			return cerr
		}
		return s.fail(faults.KindTransport, "offer read failed", err)
	}
	if off.Manifest == nil {
		enc.Encode(acceptMsg{Reason: "offer carries no manifest"})
		return s.fail(faults.KindManifest, "empty offer", nil)
	}
	m := off.Manifest

	// Paths come from the peer; reject anything that would write outside
	// the download root before touching the filesystem.
	if err := validatePaths(m); err != nil {
		enc.Encode(acceptMsg{Reason: "manifest contains unsafe paths"})
		return s.fail(faults.KindManifest, "unsafe manifest path", err)
	}

	s.mu.Lock()
	s.transferID = m.TransferID
	if s.peerID == "" {
		s.peerID = off.SenderID
	}
	s.mu.Unlock()

	if !manifest.Verify(m) {
		enc.Encode(acceptMsg{Reason: "manifest checksum mismatch"})
		return s.fail(faults.KindManifest, "manifest verification failed", nil)
	}

	decision, err := s.trust.Authorize(ctx, Offer{
		TransferID: m.TransferID,
		SenderID:   off.SenderID,
		TotalBytes: m.TotalSize,
		FileCount:  m.FileCount,
		Manifest:   m,
	})
	if err != nil {
		enc.Encode(acceptMsg{Reason: "authorization error"})
		return s.fail(faults.KindTransport, "authorization failed", err)
	}
	if !decision.Accept {
		enc.Encode(acceptMsg{Reason: decision.Reason})
		s.transition(StateFailed, "rejected: "+decision.Reason)
		return nil
	}
	s.downloadDir = decision.DownloadDir

	s.mu.Lock()
	s.tracker = progress.NewTracker(m.TransferID, m.TotalSize, m.FileCount)
	s.mu.Unlock()

	token, completedFiles, resumeFrom := s.loadCheckpoint(m)

	if err := s.materialize(m); err != nil {
		enc.Encode(acceptMsg{Reason: "storage preparation failed"})
		return s.fail(faults.KindStorage, "skeleton creation failed", err)
	}

	for _, idx := range completedFiles {
		s.tracker.SkipBytes(m.Files[idx].Size)
		s.tracker.FileDone()
	}

	streams := s.streams
	if off.Streams > 0 && off.Streams < streams {
		streams = off.Streams
	}
	if err := enc.Encode(acceptMsg{
		Accepted:       true,
		Streams:        streams,
		CompletedFiles: completedFiles,
		ResumeFrom:     resumeFrom,
	}); err != nil {
		return s.fail(faults.KindTransport, "accept send failed", err)
	}

	if err := s.transition(StateTransferring, "accepted offer"); err != nil {
		return err
	}

	rcv, err := stream.NewReceiver(ctx, conn, streams)
	if err != nil {
		if cancelled, cerr := s.finishCancelled(err); cancelled {
			return cerr
		}
		return s.fail(faults.KindTransport, "stream setup failed", err)
	}

	// Nacks ride the control stream from their own goroutine; encoding
	// inline from the chunk loop can deadlock against a sender blocked on
	// a full stream.
	nacks := make(chan ctrlMsg, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range nacks {
			if err := enc.Encode(msg); err != nil {
				s.logger.Warn("nack send failed", "session", s.id, "error", err)
				return
			}
		}
	}()

	failures, err := s.receiveChunks(ctx, m, rcv, nacks, &token, completedFiles, resumeFrom)

	close(nacks)
	<-writerDone

	if err != nil {
		if cancelled, cerr := s.finishCancelled(err); cancelled {
			return cerr
		}
		return err
	}

	if err := enc.Encode(ctrlMsg{Type: ctrlDone, Failed: failures}); err != nil {
		return s.fail(faults.KindTransport, "done send failed", err)
	}

	if len(failures) > 0 {
		s.mu.Lock()
		s.failures = failures
		s.mu.Unlock()
		return s.fail(faults.KindIntegrity, "delivery failures",
			fmt.Errorf("%d files failed verification", len(failures)))
	}

	if s.store != nil {
		if err := s.store.Delete(m.TransferID); err != nil {
			s.logger.Warn("checkpoint cleanup failed", "session", s.id, "error", err)
		}
	}
	return s.transition(StateCompleted, "all files verified")
}

// receiveChunks drains the fan-in until every content file is verified
// or failed. Chunk-level damage is repaired through bounded nacks;
// storage errors abort the session, and a stream that stops delivering
// for a whole stall window fails it with a transport fault.
func (s *Session) receiveChunks(ctx context.Context, m *manifest.TransferManifest, rcv *stream.Receiver, nacks chan<- ctrlMsg, token *resume.Token, completedFiles []uint32, resumeFrom map[uint32]uint32) ([]FileFailure, error) {
	completed := make(map[uint32]bool, len(completedFiles))
	for _, idx := range completedFiles {
		completed[idx] = true
	}
	remaining := 0
	for i, e := range m.Files {
		if e.LinkTarget == "" && e.ChunkCount > 0 && !completed[uint32(i)] {
			remaining++
		}
	}

	files := make(map[uint32]*rxFile)
	var failures []FileFailure
	sinceCheckpoint := 0

	failFile := func(rf *rxFile, reason string) {
		rf.failed = true
		rf.asm.Abort()
		failures = append(failures, FileFailure{
			FileIndex: rf.index,
			Path:      rf.entry.Path,
			Reason:    reason,
		})
		s.logger.Warn("file failed", "session", s.id, "file", rf.entry.Path, "reason", reason)
		remaining--
	}

	// requestResend asks for one sequence again. Only damage charges the
	// retry budget: a chunk displaced by a stalled window is not charged,
	// its retransmission was never yet attempted. A sequence already on
	// the wire is not asked for twice.
	requestResend := func(rf *rxFile, seq uint32, reason string, charge bool) {
		if charge {
			rf.retries[seq]++
			if rf.retries[seq] > s.retries {
				failFile(rf, fmt.Sprintf("chunk %d exceeded %d retransmissions: %s", seq, s.retries, reason))
				return
			}
		}
		if rf.pending[seq] {
			return
		}
		select {
		case nacks <- ctrlMsg{Type: ctrlNack, FileIndex: rf.index, Sequence: seq}:
			rf.pending[seq] = true
		default:
			// A backlog this deep means the link is shedding chunks
			// faster than repair can keep up; fail the file rather than
			// deadlock the pipeline on the control stream.
			failFile(rf, "retransmission backlog overflow")
		}
	}

	// recordChunk books one accepted chunk and finalizes the file when it
	// was the last.
	recordChunk := func(rf *rxFile, c chunk.Chunk) error {
		token.MarkChunk(int(c.FileIndex), c.Sequence)
		s.tracker.AddBytes(int(c.RawLen))
		s.maybeEmitProgress()
		sinceCheckpoint++
		if !rf.asm.Complete() {
			return nil
		}
		switch err := rf.asm.Finish(); {
		case err == nil:
			token.MarkFileDone(int(c.FileIndex), rf.entry.Size)
			s.tracker.FileDone()
			remaining--
			s.saveCheckpoint(token)
			sinceCheckpoint = 0
		case faults.Is(err, faults.KindIntegrity):
			failFile(rf, "file digest mismatch after reassembly")
		default:
			return s.fail(faults.KindStorage, "file finalize failed", err)
		}
		return nil
	}

	// acceptChunk feeds one chunk to the assembler. Arrivals beyond the
	// reorder window are parked: they already passed verification and
	// slot straight in once the gap closes.
	acceptChunk := func(rf *rxFile, c chunk.Chunk) error {
		var stall *chunk.StallError
		switch err := rf.asm.Accept(c); {
		case err == nil:
			return recordChunk(rf, c)
		case errors.Is(err, chunk.ErrChecksumMismatch):
			requestResend(rf, c.Sequence, "checksum mismatch", true)
		case errors.As(err, &stall):
			requestResend(rf, stall.Missing, "reorder window stalled", false)
			if len(rf.deferred) < maxDeferred {
				rf.deferred[c.Sequence] = c
			} else {
				requestResend(rf, c.Sequence, "deferred backlog full", false)
			}
		default:
			return s.fail(faults.KindStorage, "chunk write failed", err)
		}
		return nil
	}

	// drainDeferred replays parked chunks once the window has moved.
	drainDeferred := func(rf *rxFile) error {
		for !rf.failed {
			seq, ok := lowestDeferred(rf)
			if !ok {
				return nil
			}
			c := rf.deferred[seq]
			var stall *chunk.StallError
			switch err := rf.asm.Accept(c); {
			case err == nil:
				delete(rf.deferred, seq)
				if err := recordChunk(rf, c); err != nil {
					return err
				}
			case errors.As(err, &stall):
				return nil // still out of reach
			default:
				delete(rf.deferred, seq)
				return s.fail(faults.KindStorage, "chunk write failed", err)
			}
		}
		return nil
	}

	stallTimer := time.NewTimer(s.stallWindow)
	defer stallTimer.Stop()

	for remaining > 0 {
		var c chunk.Chunk
		var ok bool
	recv:
		for {
			select {
			case c, ok = <-rcv.Chunks():
				break recv
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stallTimer.C:
				if s.State() == StatePaused {
					stallTimer.Reset(s.stallWindow)
					continue
				}
				return nil, s.fail(faults.KindTransport, "stalled streams",
					fmt.Errorf("no chunk within %s, %d files outstanding", s.stallWindow, remaining))
			}
		}
		if !stallTimer.Stop() {
			select {
			case <-stallTimer.C:
			default:
			}
		}
		stallTimer.Reset(s.stallWindow)

		if !ok {
			if err := rcv.Err(); err != nil {
				return nil, s.fail(faults.KindTransport, "stream read failed", err)
			}
			return nil, s.fail(faults.KindTransport, "sender closed early",
				fmt.Errorf("streams closed with %d files outstanding", remaining))
		}
		if err := s.gate.wait(ctx); err != nil {
			return nil, err
		}
		if completed[c.FileIndex] {
			continue
		}

		rf := files[c.FileIndex]
		if rf == nil {
			var err error
			rf, err = s.openFile(m, c.FileIndex, resumeFrom[c.FileIndex])
			if err != nil {
				return nil, s.fail(faults.KindStorage, "output open failed", err)
			}
			files[c.FileIndex] = rf
		}
		if rf.failed {
			continue
		}
		delete(rf.pending, c.Sequence)

		payload, derr := s.unpack(c)
		if derr != nil {
			requestResend(rf, c.Sequence, "decompression failed", true)
			continue
		}
		c.Payload = payload

		if err := acceptChunk(rf, c); err != nil {
			return nil, err
		}
		if err := drainDeferred(rf); err != nil {
			return nil, err
		}
		if sinceCheckpoint >= checkpointEvery {
			s.saveCheckpoint(token)
			sinceCheckpoint = 0
		}
	}
	return failures, nil
}

// lowestDeferred returns the smallest parked sequence for a file.
func lowestDeferred(rf *rxFile) (uint32, bool) {
	var min uint32
	found := false
	for seq := range rf.deferred {
		if !found || seq < min {
			min, found = seq, true
		}
	}
	return min, found
}

// unpack restores the pre-compression payload of a chunk.
func (s *Session) unpack(c chunk.Chunk) ([]byte, error) {
	if !c.Compressed {
		return c.Payload, nil
	}
	codec := s.codec
	if codec == nil {
		codec = compress.New()
	}
	return codec.Decompress(c.Payload, int(c.RawLen))
}

func (s *Session) outPath(entry manifest.FileEntry) string {
	return filepath.Join(s.downloadDir, filepath.FromSlash(entry.Path))
}

// openFile prepares the assembler for a file, continuing a checkpointed
// prefix when one survives.
func (s *Session) openFile(m *manifest.TransferManifest, idx uint32, resumeSeq uint32) (*rxFile, error) {
	if int(idx) >= len(m.Files) {
		return nil, fmt.Errorf("chunk for unknown file %d", idx)
	}
	entry := m.Files[idx]
	out := s.outPath(entry)

	var asm *chunk.Assembler
	var err error
	if resumeSeq > 0 {
		asm, err = chunk.ResumeAssembler(out, entry, 0, resumeSeq, chunk.DefaultChunkSize)
		if err != nil {
			s.logger.Warn("resume of partial file failed, restarting it",
				"session", s.id, "file", entry.Path, "error", err)
			asm, err = chunk.NewAssembler(out, entry, 0)
		} else {
			s.tracker.SkipBytes(asm.BytesWritten())
		}
	} else {
		asm, err = chunk.NewAssembler(out, entry, 0)
	}
	if err != nil {
		return nil, err
	}
	return &rxFile{
		index:    idx,
		entry:    entry,
		asm:      asm,
		retries:  make(map[uint32]int),
		pending:  make(map[uint32]bool),
		deferred: make(map[uint32]chunk.Chunk),
	}, nil
}

// validatePaths rejects manifest entries that would land outside the
// download directory: absolute paths, paths with ".." components, and
// symlink targets that resolve past the root.
func validatePaths(m *manifest.TransferManifest) error {
	for _, d := range m.Directories {
		if !filepath.IsLocal(filepath.FromSlash(d.Path)) {
			return fmt.Errorf("directory path %q escapes the download root", d.Path)
		}
	}
	for _, f := range m.Files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return fmt.Errorf("file path %q escapes the download root", f.Path)
		}
		if f.LinkTarget == "" {
			continue
		}
		if path.IsAbs(f.LinkTarget) || filepath.IsAbs(filepath.FromSlash(f.LinkTarget)) {
			return fmt.Errorf("symlink %q targets absolute path %q", f.Path, f.LinkTarget)
		}
		resolved := path.Join(path.Dir(f.Path), f.LinkTarget)
		if !filepath.IsLocal(filepath.FromSlash(resolved)) {
			return fmt.Errorf("symlink %q escapes the download root via %q", f.Path, f.LinkTarget)
		}
	}
	return nil
}

// materialize creates the directory tree, symlink entries and empty
// files straight from the manifest; none of them carry chunks.
func (s *Session) materialize(m *manifest.TransferManifest) error {
	if err := os.MkdirAll(s.downloadDir, 0755); err != nil {
		return err
	}
	for _, d := range m.Directories {
		path := filepath.Join(s.downloadDir, filepath.FromSlash(d.Path))
		if err := os.MkdirAll(path, 0755); err != nil {
			return err
		}
		if err := os.Chmod(path, d.Mode|0700); err != nil {
			return err
		}
	}
	for _, f := range m.Files {
		path := filepath.Join(s.downloadDir, filepath.FromSlash(f.Path))
		switch {
		case f.LinkTarget != "":
			os.Remove(path)
			if err := os.Symlink(f.LinkTarget, path); err != nil {
				return err
			}
		case f.ChunkCount == 0:
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			ef, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode)
			if err != nil {
				return err
			}
			ef.Close()
			s.tracker.FileDone()
		}
	}
	return nil
}

// loadCheckpoint returns the resume token for a transfer, falling back
// to a fresh one when none survives validation. A checkpoint that fails
// re-verification is discarded rather than trusted.
func (s *Session) loadCheckpoint(m *manifest.TransferManifest) (resume.Token, []uint32, map[uint32]uint32) {
	fresh := resume.NewToken(s.id, s.peerID, m)
	if s.store == nil {
		return fresh, nil, nil
	}
	tok, err := s.store.Load(m.TransferID)
	if err != nil {
		return fresh, nil, nil
	}
	if err := tok.Validate(m, time.Now()); err != nil {
		s.logger.Warn("discarding checkpoint", "session", s.id, "error", err)
		s.store.Delete(m.TransferID)
		return fresh, nil, nil
	}
	if err := tok.VerifyLastFile(s.downloadDir, m); err != nil {
		s.logger.Warn("checkpoint re-verification failed, starting over",
			"session", s.id, "error", err)
		s.store.Delete(m.TransferID)
		return fresh, nil, nil
	}
	tok.SessionID = s.id

	var completedFiles []uint32
	resumeFrom := make(map[uint32]uint32)
	for i, e := range m.Files {
		if e.LinkTarget != "" || e.ChunkCount == 0 {
			continue
		}
		if tok.Files[i].Completed {
			completedFiles = append(completedFiles, uint32(i))
			continue
		}
		if seq := tok.ResumeSequence(i); seq > 0 {
			resumeFrom[uint32(i)] = seq
		}
	}
	s.logger.Info("resuming from checkpoint", "session", s.id,
		"transfer", m.TransferID, "completed_files", len(completedFiles),
		"partial_files", len(resumeFrom))
	return tok, completedFiles, resumeFrom
}

func (s *Session) saveCheckpoint(token *resume.Token) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(*token); err != nil {
		s.logger.Warn("checkpoint save failed", "session", s.id, "error", err)
	}
}
