// Package archive persists bus traffic beyond the in-memory history ring.
package archive

import (
	"context"
	"errors"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// ErrUnavailable reports that a backing store could not be reached.
var ErrUnavailable = errors.New("archive backend unavailable")

// Filter narrows a listing of archived messages.
type Filter struct {
	AgentID string // sender or receiver
	Action  string
	Type    comms.MessageType
	Limit   int
}

// Multi fans every message out to several archivers.
type Multi []comms.Archiver

// Archive implements comms.Archiver. Every sink is attempted; failures are
// joined.
func (m Multi) Archive(ctx context.Context, msg comms.Message) error {
	var errs []error
	for _, a := range m {
		if err := a.Archive(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
