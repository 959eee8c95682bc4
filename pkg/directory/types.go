// Package directory implements the replicated user registry described in
// §3-4.1: the user table, per-user offline inboxes, and the eight client
// operations in §6, all mutated only through the consensus log in
// pkg/directory/raft.
package directory

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

var errShortImageID = errors.New("image id must be 16 bytes")

// User is the immutable-username, mutable-address record from §3.
type User struct {
	Username string
	Addr     PeerAddr
	Online   bool
	LastSeen time.Time
	ImageIDs map[ImageID]struct{}
}

// PeerAddr is an IPv4 host/port pair, the shape the wire protocol carries
// (§6 Register: ip4(4B), port(2B)).
type PeerAddr struct {
	IP   [4]byte
	Port uint16
}

// ImageID is the 16-byte content-addressed fingerprint from §3: derived from
// the original pixel bytes plus owner username, stable across re-encryption.
type ImageID [16]byte

func (id ImageID) String() string { return hex.EncodeToString(id[:]) }

// MarshalText lets ImageID serve as a JSON object key (used by User.ImageIDs
// in the state.json snapshot) and round-trip through JSON in general.
func (id ImageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ImageID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(id) {
		return errShortImageID
	}
	copy(id[:], b)
	return nil
}

// RequestStatus is the lifecycle of a PendingRequest.
type RequestStatus uint8

const (
	StatusPending RequestStatus = iota
	StatusAccepted
	StatusRejected
)

// PendingRequest is an image-sharing request living in the recipient's
// inbox until fetched (§3).
type PendingRequest struct {
	RequestID      [16]byte
	From           string
	To             string
	ImageID        ImageID
	RequestedViews uint32
	Status         RequestStatus
	Timestamp      time.Time
}

// PendingPermissionUpdate is queued for a target user that was offline when
// its owner posted a permission change (§3).
type PendingPermissionUpdate struct {
	FromOwner  string
	TargetUser string
	ImageID    ImageID
	NewQuota   uint32
	IssuedAt   uint64 // ms since epoch
}

// dedupKey identifies a permission update for at-most-once delivery (§3
// invariants, §8 At-most-once delivery). Fields are exported so the key
// survives the state.json snapshot round-trip.
type dedupKey struct {
	FromOwner string
	ImageID   ImageID
	IssuedAt  uint64
}
