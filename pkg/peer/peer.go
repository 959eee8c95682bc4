// Package peer ties the p2p transport to a peer's local carrier store: it
// maintains the single-writer image index from §5, answers the three peer
// RPCs (§4.4) for the images this peer shares, and applies quota mutations
// to carriers on disk through pkg/codec.
package peer

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/p2pshare/core/pkg/codec"
	"github.com/p2pshare/core/pkg/directory"
	"github.com/p2pshare/core/pkg/log"
	"github.com/p2pshare/core/pkg/transport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrUnknownImage = errors.New("unknown image")

// Index is the local image index from §5 Shared state: a single-writer
// mapping from content-addressed image id to carrier path, rebuilt by
// scanning the peer's share directory.
type Index struct {
	dir   string
	owner string

	mu   sync.RWMutex
	byID map[[16]byte]string
}

func NewIndex(dir, owner string) *Index {
	return &Index{dir: dir, owner: owner, byID: make(map[[16]byte]string)}
}

// Rebuild rescans the share directory and replaces the index contents.
// Fingerprints mask pixel LSBs, so a carrier keeps its id across view
// decrements and quota updates (§3 Image identifier).
func (ix *Index) Rebuild() error {
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		return errors.Wrapf(err, "cannot scan share directory %#v", ix.dir)
	}
	byID := make(map[[16]byte]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".png") {
			continue
		}
		path := filepath.Join(ix.dir, e.Name())
		img, err := codec.LoadCarrier(path)
		if err != nil {
			continue // not a decodable carrier; skip, keep scanning
		}
		// The fingerprint is keyed by the image's owner, not by whoever
		// holds the file: a received carrier names its owner in the
		// embedded record, while a not-yet-encrypted local image belongs
		// to this peer.
		owner := ix.owner
		if rec, err := codec.Extract(img); err == nil {
			owner = rec.Owner
		}
		byID[codec.Fingerprint(img, owner)] = path
	}
	ix.mu.Lock()
	ix.byID = byID
	ix.mu.Unlock()
	return nil
}

// Add records a freshly encrypted carrier without a full rescan.
func (ix *Index) Add(id [16]byte, path string) {
	ix.mu.Lock()
	ix.byID[id] = path
	ix.mu.Unlock()
}

func (ix *Index) Path(id [16]byte) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	path, ok := ix.byID[id]
	return path, ok
}

// IDs returns every indexed image id, the manifest a peer advertises.
func (ix *Index) IDs() [][16]byte {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([][16]byte, 0, len(ix.byID))
	for id := range ix.byID {
		out = append(out, id)
	}
	return out
}

// Node implements transport.Handler over a local Index, using the
// directory client to record incoming share requests (§4.4 Message types).
type Node struct {
	username  string
	index     *Index
	directory *directory.Client

	log *zap.Logger
}

func NewNode(username string, index *Index, dir *directory.Client) *Node {
	return &Node{
		username:  username,
		index:     index,
		directory: dir,
		log:       log.NewLoggerWithLevel("peer", log.Level()),
	}
}

// Thumbnail answers a preview request with the downsampled JPEG (§4.4).
func (n *Node) Thumbnail(ctx context.Context, req transport.ThumbnailRequest) (transport.ThumbnailResponse, error) {
	path, ok := n.index.Path(req.ImageID)
	if !ok {
		return transport.ThumbnailResponse{}, ErrUnknownImage
	}
	img, err := codec.LoadCarrier(path)
	if err != nil {
		return transport.ThumbnailResponse{}, err
	}
	data, err := transport.Downsample(img)
	if err != nil {
		return transport.ThumbnailResponse{}, err
	}
	return transport.ThumbnailResponse{JPEGBytes: data}, nil
}

// ImageRequest files the incoming request into this owner's directory
// inbox and acks with the directory-issued request id; the actual
// accept/reject happens later, asynchronously (§4.4).
func (n *Node) ImageRequest(ctx context.Context, req transport.ImageRequest) (transport.ImageAck, error) {
	if _, ok := n.index.Path(req.ImageID); !ok {
		return transport.ImageAck{}, ErrUnknownImage
	}
	var imageID directory.ImageID
	copy(imageID[:], req.ImageID[:])
	id, err := n.directory.LeaveRequest(req.From, n.username, imageID, req.RequestedViews)
	if err != nil {
		return transport.ImageAck{}, errors.Wrap(err, "cannot record share request")
	}
	return transport.ImageAck{RequestID: id}, nil
}

// PermissionPush applies an owner's quota change to the local carrier
// (§4.4). A stale update is still acked as delivered — the viewer has
// received it, the carrier just refuses to regress (§9 open question,
// recommended resolution: reject stale updates).
func (n *Node) PermissionPush(ctx context.Context, req transport.PermissionPush) (transport.PermissionAck, error) {
	path, ok := n.index.Path(req.ImageID)
	if !ok {
		return transport.PermissionAck{}, ErrUnknownImage
	}
	img, err := codec.LoadCarrier(path)
	if err != nil {
		return transport.PermissionAck{}, err
	}
	out, _, err := codec.UpdateQuota(img, req.NewQuota, req.IssuedAt)
	if err != nil {
		if errors.Cause(err) == codec.ErrStaleUpdate {
			n.log.Debug("ignoring stale permission update",
				zap.String("owner", req.Owner), zap.Uint64("issued_at", req.IssuedAt))
			return transport.PermissionAck{Delivered: true}, nil
		}
		return transport.PermissionAck{}, err
	}
	if err := codec.SaveCarrier(path, out); err != nil {
		return transport.PermissionAck{}, err
	}
	return transport.PermissionAck{Delivered: true}, nil
}

// ViewImage performs one local view of a shared carrier: extract, gate on
// quota, decrement, re-embed, persist (§4.3 View decrement). The decoded
// image is returned for display.
func (n *Node) ViewImage(id [16]byte) (image.Image, codec.PermissionRecord, error) {
	path, ok := n.index.Path(id)
	if !ok {
		return nil, codec.PermissionRecord{}, ErrUnknownImage
	}
	img, err := codec.LoadCarrier(path)
	if err != nil {
		return nil, codec.PermissionRecord{}, err
	}
	out, rec, err := codec.DecrementView(img)
	if err != nil {
		return nil, rec, err
	}
	if err := codec.SaveCarrier(path, out); err != nil {
		return nil, rec, err
	}
	return out, rec, nil
}
