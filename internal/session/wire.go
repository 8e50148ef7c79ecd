package session

import (
	"github.com/byteferry/byteferry/pkg/manifest"
)

// Control messages ride the first stream of a connection as a JSON
// sequence, one message per side per phase: offer, accept, then nack
// repair traffic from the receiver closed out by a done message.

type offerMsg struct {
	SessionID string                     `json:"session_id"`
	SenderID  string                     `json:"sender_id"`
	Manifest  *manifest.TransferManifest `json:"manifest"`
	Compress  bool                       `json:"compress"`
	Streams   int                        `json:"streams"`
}

type acceptMsg struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Streams  int    `json:"streams,omitempty"`

	// Resume state from the receiver's checkpoint: files already
	// verified, and the next needed sequence per partially received
	// file.
	CompletedFiles []uint32          `json:"completed_files,omitempty"`
	ResumeFrom     map[uint32]uint32 `json:"resume_from,omitempty"`
}

const (
	ctrlNack = "nack"
	ctrlDone = "done"
)

// ctrlMsg is receiver-to-sender repair traffic.
type ctrlMsg struct {
	Type      string        `json:"type"`
	FileIndex uint32        `json:"file_index,omitempty"`
	Sequence  uint32        `json:"sequence,omitempty"`
	Failed    []FileFailure `json:"failed,omitempty"`
}

// FileFailure names one file that could not be delivered intact.
type FileFailure struct {
	FileIndex uint32 `json:"file_index"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
}
