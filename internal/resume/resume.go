// Package resume persists transfer checkpoints so an interrupted
// transfer restarts from its last verified chunk instead of from zero.
// Tokens live in a local badger store and expire after a day; a resumed
// transfer re-proves the most recently completed file before trusting
// the checkpoint.
package resume

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/byteferry/byteferry/internal/chunk"
	"github.com/byteferry/byteferry/internal/faults"
	"github.com/byteferry/byteferry/pkg/manifest"
)

// TokenTTL is how long a checkpoint stays redeemable. Past it the
// partial data may no longer reflect the source, so the transfer starts
// over.
const TokenTTL = 24 * time.Hour

const keyPrefix = "resume/"

// FileState records one file's chunk completion inside a token.
type FileState struct {
	Index      uint32 `json:"index"`
	ChunkCount uint32 `json:"chunk_count"`
	Bitmap     []byte `json:"bitmap"`
	Completed  bool   `json:"completed"`
}

// Token is a persisted checkpoint for one transfer.
type Token struct {
	TransferID       string      `json:"transfer_id"`
	SessionID        string      `json:"session_id"`
	PeerID           string      `json:"peer_id"`
	ManifestChecksum []byte      `json:"manifest_checksum"`
	Files            []FileState `json:"files"`
	LastCompleted    int         `json:"last_completed"` // file index, -1 when none
	BytesDone        int64       `json:"bytes_done"`
	IssuedAt         time.Time   `json:"issued_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

// NewToken builds a fresh checkpoint for a transfer of m.
func NewToken(sessionID, peerID string, m *manifest.TransferManifest) Token {
	now := time.Now().UTC()
	files := make([]FileState, len(m.Files))
	for i, f := range m.Files {
		files[i] = FileState{
			Index:      uint32(i),
			ChunkCount: f.ChunkCount,
			Bitmap:     chunk.NewBitmap(int(f.ChunkCount)).Marshal(),
		}
	}
	return Token{
		TransferID:       m.TransferID,
		SessionID:        sessionID,
		PeerID:           peerID,
		ManifestChecksum: m.Checksum[:],
		Files:            files,
		LastCompleted:    -1,
		IssuedAt:         now,
		ExpiresAt:        now.Add(TokenTTL),
	}
}

// MarkFileDone records file index as fully verified.
func (t *Token) MarkFileDone(index int, bytes int64) {
	if index < 0 || index >= len(t.Files) {
		return
	}
	t.Files[index].Completed = true
	t.LastCompleted = index
	t.BytesDone += bytes
}

// MarkChunk records one verified chunk of a file.
func (t *Token) MarkChunk(fileIndex int, sequence uint32) {
	bm, err := t.FileBitmap(fileIndex)
	if err != nil {
		return
	}
	bm.Set(int(sequence))
	t.Files[fileIndex].Bitmap = bm.Marshal()
}

// FileBitmap decodes the completion bitmap for a file.
func (t *Token) FileBitmap(fileIndex int) (*chunk.Bitmap, error) {
	if fileIndex < 0 || fileIndex >= len(t.Files) {
		return nil, fmt.Errorf("file index %d out of range", fileIndex)
	}
	fs := t.Files[fileIndex]
	return chunk.BitmapFromBytes(fs.Bitmap, int(fs.ChunkCount))
}

// ResumeSequence returns the first chunk still needed for a file: one
// past the highest contiguous verified prefix.
func (t *Token) ResumeSequence(fileIndex int) uint32 {
	bm, err := t.FileBitmap(fileIndex)
	if err != nil {
		return 0
	}
	high, ok := bm.HighestContiguous()
	if !ok {
		return 0
	}
	return uint32(high) + 1
}

// Expired reports whether the token is past its TTL.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Validate checks a loaded token against the manifest being resumed.
func (t *Token) Validate(m *manifest.TransferManifest, now time.Time) error {
	if t.Expired(now) {
		return faults.Newf(faults.KindResume, "resume token for %s expired at %s",
			t.TransferID, t.ExpiresAt.Format(time.RFC3339))
	}
	if t.TransferID != m.TransferID {
		return faults.Newf(faults.KindResume, "resume token bound to transfer %s, not %s",
			t.TransferID, m.TransferID)
	}
	if !bytes.Equal(t.ManifestChecksum, m.Checksum[:]) {
		return faults.Newf(faults.KindResume,
			"manifest changed since checkpoint for %s", t.TransferID)
	}
	if len(t.Files) != len(m.Files) {
		return faults.Newf(faults.KindResume,
			"checkpoint file count %d does not match manifest %d", len(t.Files), len(m.Files))
	}
	return nil
}

// VerifyLastFile re-hashes the most recently completed file on disk
// against its manifest digest. Silent corruption of already-received
// data is the one failure a checkpoint alone cannot see.
func (t *Token) VerifyLastFile(dir string, m *manifest.TransferManifest) error {
	if t.LastCompleted < 0 {
		return nil
	}
	if t.LastCompleted >= len(m.Files) {
		return faults.Newf(faults.KindResume, "checkpoint names file %d beyond manifest", t.LastCompleted)
	}
	entry := m.Files[t.LastCompleted]
	path := filepath.Join(dir, filepath.FromSlash(entry.Path))

	f, err := os.Open(path)
	if err != nil {
		return faults.WithPath(faults.KindResume, entry.Path,
			fmt.Errorf("re-verify completed file: %w", err))
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return faults.WithPath(faults.KindResume, entry.Path, err)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	if sum != entry.Checksum {
		return faults.WithPath(faults.KindResume, entry.Path,
			errors.New("completed file no longer matches its digest"))
	}
	return nil
}

// Store persists tokens in a badger database.
type Store struct {
	db *badger.DB
}

// Open creates or opens the store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store.
func (s *Store) Close() error { return s.db.Close() }

func tokenKey(transferID string) []byte {
	return []byte(keyPrefix + transferID)
}

// Save writes the token, bounded at the badger layer by its expiry.
func (s *Store) Save(t Token) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal resume token: %w", err)
	}
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return faults.Newf(faults.KindResume, "refusing to save expired token for %s", t.TransferID)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(tokenKey(t.TransferID), raw).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("save resume token: %w", err)
	}
	return nil
}

// Load returns the token for a transfer. A missing or expired token is a
// resume-kind fault.
func (s *Store) Load(transferID string) (Token, error) {
	var t Token
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(transferID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Token{}, faults.Newf(faults.KindResume, "no resume token for transfer %s", transferID)
	}
	if err != nil {
		return Token{}, fmt.Errorf("load resume token: %w", err)
	}
	if t.Expired(time.Now()) {
		return Token{}, faults.Newf(faults.KindResume, "resume token for %s expired", transferID)
	}
	return t, nil
}

// Delete removes a token, typically after the transfer completes.
func (s *Store) Delete(transferID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tokenKey(transferID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete resume token: %w", err)
	}
	return nil
}

// List returns every live token.
func (s *Store) List() ([]Token, error) {
	var out []Token
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t Token
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list resume tokens: %w", err)
	}
	return out, nil
}

// Sweep removes tokens past their expiry that badger's lazy TTL hasn't
// collected yet. Returns how many were dropped.
func (s *Store) Sweep(now time.Time) (int, error) {
	tokens, err := s.List()
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, t := range tokens {
		if t.Expired(now) {
			if err := s.Delete(t.TransferID); err != nil {
				return dropped, err
			}
			dropped++
		}
	}
	return dropped, nil
}
