// Package manifest builds immutable transfer manifests: the file and
// directory set of a transfer together with per-file and aggregate
// checksums. Manifests are created once by the sender and consumed
// read-only by every downstream component.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/byteferry/byteferry/internal/faults"
)

// DefaultChunkSize is the fixed chunk size used to derive per-file chunk
// counts. The final chunk of a file may be shorter.
const DefaultChunkSize = 64 * 1024

// SymlinkPolicy controls how symbolic links are recorded.
type SymlinkPolicy int

const (
	// FollowTargets resolves links and transfers the target content.
	// A link whose target is independently covered by the scanned roots
	// is recorded as a typed link entry instead, so the content moves
	// exactly once. This is the default.
	FollowTargets SymlinkPolicy = iota
	// PreserveLinks records the link structure itself; target content is
	// transferred only if independently selected.
	PreserveLinks
)

// Options configures a manifest build.
type Options struct {
	SenderID  string
	ChunkSize uint32
	Symlinks  SymlinkPolicy
}

// FileEntry describes one file in the manifest. A non-empty LinkTarget
// marks the entry as a symbolic link record; such entries carry no
// content and a zero checksum.
type FileEntry struct {
	Path       string      `json:"path"`
	Size       int64       `json:"size"`
	Checksum   [32]byte    `json:"checksum"`
	Mode       fs.FileMode `json:"mode"`
	ModifiedAt int64       `json:"modified_at"`
	ChunkCount uint32      `json:"chunk_count"`
	LinkTarget string      `json:"link_target,omitempty"`
}

// DirectoryEntry describes one directory in the manifest.
type DirectoryEntry struct {
	Path      string      `json:"path"`
	Mode      fs.FileMode `json:"mode"`
	CreatedAt int64       `json:"created_at"`
}

// TransferManifest is the immutable description of a transfer's file set.
// The checksum is deterministic for identical file sets and metadata and
// changes if any entry changes.
type TransferManifest struct {
	TransferID  string           `json:"transfer_id"`
	SenderID    string           `json:"sender_id"`
	CreatedAt   int64            `json:"created_at"`
	TotalSize   int64            `json:"total_size"`
	FileCount   int              `json:"file_count"`
	Files       []FileEntry      `json:"files"`
	Directories []DirectoryEntry `json:"directories"`
	Checksum    [32]byte         `json:"checksum"`
}

// FileByPath returns the entry for path, if present.
func (m *TransferManifest) FileByPath(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

type scanner struct {
	opts    Options
	roots   []string // absolute scanned roots, for link-target coverage checks
	visited map[string]bool
	files   []FileEntry
	dirs    []DirectoryEntry
}

// Build scans the given paths and produces a transfer manifest. Each file
// is digested with a streaming SHA-256 (constant memory regardless of
// size) and the manifest checksum is folded over all entries in
// path-sorted order so two builds over an unchanged set are identical.
// Unreadable paths, permission failures, and symlink cycles fail the
// build with a manifest-kind error.
func Build(paths []string, opts Options) (*TransferManifest, error) {
	if len(paths) == 0 {
		return nil, faults.Newf(faults.KindManifest, "no paths provided")
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	s := &scanner{opts: opts, visited: make(map[string]bool)}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, faults.WithPath(faults.KindManifest, p, err)
		}
		s.roots = append(s.roots, abs)
	}

	for i, p := range paths {
		info, err := os.Lstat(s.roots[i])
		if err != nil {
			return nil, faults.WithPath(faults.KindManifest, p, err)
		}
		base := filepath.Base(s.roots[i])
		if err := s.scan(s.roots[i], filepath.ToSlash(base), info); err != nil {
			return nil, err
		}
	}

	sort.Slice(s.files, func(i, j int) bool { return s.files[i].Path < s.files[j].Path })
	sort.Slice(s.dirs, func(i, j int) bool { return s.dirs[i].Path < s.dirs[j].Path })

	m := &TransferManifest{
		TransferID:  uuid.NewString(),
		SenderID:    opts.SenderID,
		CreatedAt:   time.Now().Unix(),
		Files:       s.files,
		Directories: s.dirs,
	}
	for _, f := range m.Files {
		if f.LinkTarget == "" {
			m.TotalSize += f.Size
			m.FileCount++
		}
	}
	m.Checksum = digest(m)
	return m, nil
}

// Verify recomputes the manifest checksum and reports whether it matches.
func Verify(m *TransferManifest) bool {
	return digest(m) == m.Checksum
}

func (s *scanner) scan(absPath, relPath string, info fs.FileInfo) error {
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return s.scanLink(absPath, relPath, info)
	case info.IsDir():
		return s.scanDir(absPath, relPath, info)
	default:
		return s.scanFile(absPath, relPath, info)
	}
}

func (s *scanner) scanDir(absPath, relPath string, info fs.FileInfo) error {
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return faults.WithPath(faults.KindManifest, relPath, err)
	}
	if s.visited[resolved] {
		return faults.Newf(faults.KindManifest, "symlink cycle detected at %s", relPath)
	}
	s.visited[resolved] = true

	s.dirs = append(s.dirs, DirectoryEntry{
		Path:      relPath,
		Mode:      info.Mode().Perm(),
		CreatedAt: info.ModTime().Unix(),
	})

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return faults.WithPath(faults.KindManifest, relPath, err)
	}
	for _, e := range entries {
		childInfo, err := e.Info()
		if err != nil {
			return faults.WithPath(faults.KindManifest, relPath+"/"+e.Name(), err)
		}
		child := filepath.Join(absPath, e.Name())
		if err := s.scan(child, relPath+"/"+e.Name(), childInfo); err != nil {
			return err
		}
	}
	return nil
}

func (s *scanner) scanFile(absPath, relPath string, info fs.FileInfo) error {
	sum, err := fileDigest(absPath)
	if err != nil {
		return faults.WithPath(faults.KindManifest, relPath, err)
	}
	s.files = append(s.files, FileEntry{
		Path:       relPath,
		Size:       info.Size(),
		Checksum:   sum,
		Mode:       info.Mode().Perm(),
		ModifiedAt: info.ModTime().Unix(),
		ChunkCount: chunkCount(info.Size(), s.opts.ChunkSize),
	})
	return nil
}

func (s *scanner) scanLink(absPath, relPath string, info fs.FileInfo) error {
	target, err := os.Readlink(absPath)
	if err != nil {
		return faults.WithPath(faults.KindManifest, relPath, err)
	}

	if s.opts.Symlinks == PreserveLinks {
		s.files = append(s.files, FileEntry{
			Path:       relPath,
			Mode:       info.Mode().Perm(),
			ModifiedAt: info.ModTime().Unix(),
			LinkTarget: target,
		})
		return nil
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return faults.WithPath(faults.KindManifest, relPath, err)
	}
	// Target already covered by a scanned root: record the link itself so
	// the content moves exactly once.
	if s.coveredByRoots(resolved) {
		s.files = append(s.files, FileEntry{
			Path:       relPath,
			Mode:       info.Mode().Perm(),
			ModifiedAt: info.ModTime().Unix(),
			LinkTarget: target,
		})
		return nil
	}

	targetInfo, err := os.Stat(resolved)
	if err != nil {
		return faults.WithPath(faults.KindManifest, relPath, err)
	}
	if targetInfo.IsDir() {
		return s.scanDir(resolved, relPath, targetInfo)
	}
	return s.scanFile(resolved, relPath, targetInfo)
}

func (s *scanner) coveredByRoots(resolved string) bool {
	for _, root := range s.roots {
		rootResolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if resolved == rootResolved {
			continue // the link's own root
		}
		rel, err := filepath.Rel(rootResolved, resolved)
		if err == nil && rel != ".." && !filepath.IsAbs(rel) && (rel == "." || !hasDotDotPrefix(rel)) {
			return true
		}
	}
	return false
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// fileDigest computes a streaming SHA-256 over the file content.
func fileDigest(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// digest folds every entry into a single SHA-256 over a canonical
// serialization. Transfer ID and creation time are excluded so identical
// file sets yield identical checksums.
func digest(m *TransferManifest) [32]byte {
	h := sha256.New()
	for _, f := range m.Files {
		fmt.Fprintf(h, "F|%s|%d|%s|%o|%d|%s\n",
			f.Path, f.Size, hex.EncodeToString(f.Checksum[:]), f.Mode, f.ModifiedAt, f.LinkTarget)
	}
	for _, d := range m.Directories {
		fmt.Fprintf(h, "D|%s|%o\n", d.Path, d.Mode)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func chunkCount(size int64, chunkSize uint32) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}
