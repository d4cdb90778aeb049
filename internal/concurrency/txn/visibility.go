// Licensed under the MIT License. See LICENSE file in the project root for details.

package txn

import (
	"fmt"

	"github.com/kianostad/epochgc/internal/storage"
)

// VisibilityKind selects which timestamp of a transaction a snapshot uses.
type VisibilityKind uint8

const (
	// ReadID reads at the transaction's start timestamp.
	ReadID VisibilityKind = iota + 1
	// CommitID reads at the transaction's commit timestamp.
	CommitID
)

func (k VisibilityKind) String() string {
	switch k {
	case ReadID:
		return "READ_ID"
	case CommitID:
		return "COMMIT_ID"
	default:
		return fmt.Sprintf("VisibilityKind(%d)", uint8(k))
	}
}

// VisibilityType is the verdict of the oracle for one version.
type VisibilityType uint8

const (
	Invisible VisibilityType = iota
	Deleted
	Visible
)

func (v VisibilityType) String() string {
	switch v {
	case Invisible:
		return "invisible"
	case Deleted:
		return "deleted"
	case Visible:
		return "visible"
	default:
		return fmt.Sprintf("VisibilityType(%d)", uint8(v))
	}
}

// Oracle implements snapshot visibility over tuple headers.
type Oracle struct{}

// IsVisible decides whether the version described by h is visible to c at
// the timestamp selected by kind.
//
// Free slots and versions whose creator has not committed are invisible to
// everyone but their owner. A committed tombstone (begin == end) reads as
// Deleted once its commit id is reached.
func (Oracle) IsVisible(c *Context, h *storage.Header, kind VisibilityKind) VisibilityType {
	ts := c.VisibilityID(kind)
	owner := h.TxnID()
	begin, end := h.BeginCID(), h.EndCID()

	switch {
	case owner == storage.InvalidTxnID:
		return Invisible
	case owner == c.ID():
		return Visible
	case begin == storage.MaxCID:
		return Invisible
	case begin > ts:
		return Invisible
	case begin == end:
		return Deleted
	case ts < end:
		return Visible
	default:
		return Invisible
	}
}
