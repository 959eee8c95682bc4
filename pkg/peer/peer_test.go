package peer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/p2pshare/core/pkg/codec"
	"github.com/p2pshare/core/pkg/transport"
)

func writeCarrier(t *testing.T, dir, name string, rec codec.PermissionRecord) ([16]byte, string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: 90, G: 120, B: 150, A: 255})
		}
	}
	id := codec.Fingerprint(img, rec.Owner)
	out, err := codec.Embed(img, rec)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := codec.SaveCarrier(path, out); err != nil {
		t.Fatalf("SaveCarrier: %v", err)
	}
	return id, path
}

func TestIndexRebuildFindsCarriersByOwnerFingerprint(t *testing.T) {
	dir := t.TempDir()
	rec := codec.PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 3, IssuedAt: 100}
	id, path := writeCarrier(t, dir, "cat.png", rec)

	// Bob's index must key the received carrier by Alice's fingerprint.
	ix := NewIndex(dir, "bob")
	if err := ix.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	got, ok := ix.Path(id)
	if !ok || got != path {
		t.Fatalf("Path(%x) = (%q, %v), want (%q, true)", id, got, ok, path)
	}
	if len(ix.IDs()) != 1 {
		t.Fatalf("IDs() = %d entries, want 1", len(ix.IDs()))
	}
}

func TestIndexRebuildSkipsNonCarrierFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png either"), 0o644); err != nil {
		t.Fatal(err)
	}
	ix := NewIndex(dir, "alice")
	if err := ix.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(ix.IDs()) != 0 {
		t.Fatalf("IDs() = %d entries, want none", len(ix.IDs()))
	}
}

func TestNodeThumbnail(t *testing.T) {
	dir := t.TempDir()
	rec := codec.PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 3, IssuedAt: 100}
	id, _ := writeCarrier(t, dir, "cat.png", rec)

	ix := NewIndex(dir, "bob")
	if err := ix.Rebuild(); err != nil {
		t.Fatal(err)
	}
	n := NewNode("bob", ix, nil)

	resp, err := n.Thumbnail(context.Background(), transport.ThumbnailRequest{ImageID: id})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(resp.JPEGBytes)); err != nil {
		t.Fatalf("thumbnail is not decodable jpeg: %v", err)
	}

	if _, err := n.Thumbnail(context.Background(), transport.ThumbnailRequest{ImageID: [16]byte{0xff}}); err != ErrUnknownImage {
		t.Fatalf("Thumbnail(unknown) err = %v, want ErrUnknownImage", err)
	}
}

func TestNodeViewImageDecrementsUntilDenied(t *testing.T) {
	dir := t.TempDir()
	rec := codec.PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 2, IssuedAt: 100}
	id, path := writeCarrier(t, dir, "cat.png", rec)

	ix := NewIndex(dir, "bob")
	if err := ix.Rebuild(); err != nil {
		t.Fatal(err)
	}
	n := NewNode("bob", ix, nil)

	if _, got, err := n.ViewImage(id); err != nil || got.QuotaRemaining != 1 {
		t.Fatalf("first view = (%+v, %v), want quota 1", got, err)
	}
	if _, got, err := n.ViewImage(id); err != nil || got.QuotaRemaining != 0 {
		t.Fatalf("second view = (%+v, %v), want quota 0", got, err)
	}
	if _, _, err := n.ViewImage(id); err != codec.ErrAccessDenied {
		t.Fatalf("third view err = %v, want ErrAccessDenied", err)
	}

	// The exhausted carrier on disk is still a parseable record.
	img, err := codec.LoadCarrier(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := codec.Extract(img)
	if err != nil {
		t.Fatalf("Extract after denial: %v", err)
	}
	if got.QuotaRemaining != 0 {
		t.Fatalf("QuotaRemaining on disk = %d, want 0", got.QuotaRemaining)
	}
}

func TestNodePermissionPushUpdatesCarrier(t *testing.T) {
	dir := t.TempDir()
	rec := codec.PermissionRecord{Owner: "dave", Viewer: "carol", QuotaRemaining: 5, IssuedAt: 100}
	id, path := writeCarrier(t, dir, "dog.png", rec)

	ix := NewIndex(dir, "carol")
	if err := ix.Rebuild(); err != nil {
		t.Fatal(err)
	}
	n := NewNode("carol", ix, nil)

	ack, err := n.PermissionPush(context.Background(), transport.PermissionPush{
		Owner: "dave", Viewer: "carol", ImageID: id, NewQuota: 0, IssuedAt: 200,
	})
	if err != nil || !ack.Delivered {
		t.Fatalf("PermissionPush = (%+v, %v), want delivered", ack, err)
	}

	img, err := codec.LoadCarrier(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := codec.DecrementView(img); err != codec.ErrAccessDenied {
		t.Fatalf("view after revocation err = %v, want ErrAccessDenied", err)
	}

	// A stale push is acked but the carrier keeps its newer record.
	ack, err = n.PermissionPush(context.Background(), transport.PermissionPush{
		Owner: "dave", Viewer: "carol", ImageID: id, NewQuota: 9, IssuedAt: 150,
	})
	if err != nil || !ack.Delivered {
		t.Fatalf("stale PermissionPush = (%+v, %v), want delivered no-op", ack, err)
	}
	img, err = codec.LoadCarrier(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := codec.Extract(img)
	if err != nil {
		t.Fatal(err)
	}
	if got.QuotaRemaining != 0 || got.IssuedAt != 200 {
		t.Fatalf("record after stale push = %+v, want quota 0 issued_at 200", got)
	}
}
