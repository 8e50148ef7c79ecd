package session

import (
	"context"

	"github.com/byteferry/byteferry/pkg/manifest"
)

// Offer summarizes an incoming transfer for authorization.
type Offer struct {
	TransferID string
	SenderID   string
	TotalBytes int64
	FileCount  int
	Manifest   *manifest.TransferManifest
}

// Decision is the trust layer's verdict on an offer.
type Decision struct {
	Accept      bool
	Reason      string
	DownloadDir string
}

// Trust authorizes incoming transfers. Implementations decide per peer
// and per offer; the engine ships an auto-accept variant for trusted
// environments and tests.
type Trust interface {
	Authorize(ctx context.Context, offer Offer) (Decision, error)
}

// AcceptAll authorizes everything into a fixed directory after a disk
// space check.
type AcceptAll struct {
	Dir string
}

// Authorize implements Trust.
func (a AcceptAll) Authorize(ctx context.Context, offer Offer) (Decision, error) {
	if err := CheckDiskSpace(a.Dir, offer.TotalBytes); err != nil {
		return Decision{Reason: err.Error()}, nil
	}
	return Decision{Accept: true, DownloadDir: a.Dir}, nil
}

