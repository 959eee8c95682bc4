package codec

import (
	"image"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func blankCarrier(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	return img
}

func TestEmbedExtractRoundTrip(t *testing.T) {
	rec := PermissionRecord{
		Owner:          "alice",
		Viewer:         "bob",
		QuotaRemaining: 3,
		IssuedAt:       1000,
	}
	carrier := blankCarrier(64, 64)

	out, err := Embed(carrier, rec)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	got, err := Extract(out)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestEmbedDoesNotMutateCaller(t *testing.T) {
	rec := PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 1, IssuedAt: 1}
	carrier := blankCarrier(32, 32)
	before := append([]byte{}, carrier.Pix...)

	if _, err := Embed(carrier, rec); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(before, carrier.Pix) {
		t.Fatal("Embed mutated the caller's pixel buffer")
	}
}

func TestExtractNotEncrypted(t *testing.T) {
	carrier := blankCarrier(32, 32)
	if _, err := Extract(carrier); err != ErrNotEncrypted {
		t.Fatalf("Extract() error = %v, want ErrNotEncrypted", err)
	}
}

func TestEmbedCarrierTooSmall(t *testing.T) {
	rec := PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 1, IssuedAt: 1}
	carrier := blankCarrier(2, 2)
	if _, err := Embed(carrier, rec); err != ErrCarrierTooSmall {
		t.Fatalf("Embed() error = %v, want ErrCarrierTooSmall", err)
	}
}

func TestExtractCorruptCRC(t *testing.T) {
	rec := PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 1, IssuedAt: 1}
	carrier := blankCarrier(64, 64)
	out, err := Embed(carrier, rec)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a bit well inside the body region without touching the header,
	// so the CRC check (not the magic/length check) is what fires.
	out.Pix[200] ^= 1

	if _, err := Extract(out); err != ErrCorrupt {
		t.Fatalf("Extract() error = %v, want ErrCorrupt", err)
	}
}

func TestDecrementView(t *testing.T) {
	rec := PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 2, IssuedAt: 1}
	carrier := blankCarrier(64, 64)
	out, err := Embed(carrier, rec)
	if err != nil {
		t.Fatal(err)
	}

	out, got, err := DecrementView(out)
	if err != nil {
		t.Fatalf("DecrementView() error = %v", err)
	}
	if got.QuotaRemaining != 1 {
		t.Fatalf("QuotaRemaining = %d, want 1", got.QuotaRemaining)
	}

	out, got, err = DecrementView(out)
	if err != nil {
		t.Fatalf("DecrementView() error = %v", err)
	}
	if got.QuotaRemaining != 0 {
		t.Fatalf("QuotaRemaining = %d, want 0", got.QuotaRemaining)
	}

	if _, _, err := DecrementView(out); err != ErrAccessDenied {
		t.Fatalf("DecrementView() error = %v, want ErrAccessDenied", err)
	}
}

func TestUpdateQuotaRejectsStaleIssuedAt(t *testing.T) {
	rec := PermissionRecord{Owner: "alice", Viewer: "bob", QuotaRemaining: 2, IssuedAt: 100}
	carrier := blankCarrier(64, 64)
	out, err := Embed(carrier, rec)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := UpdateQuota(out, 5, 100); err != ErrStaleUpdate {
		t.Fatalf("UpdateQuota() with equal issuedAt error = %v, want ErrStaleUpdate", err)
	}
	if _, _, err := UpdateQuota(out, 5, 50); err != ErrStaleUpdate {
		t.Fatalf("UpdateQuota() with earlier issuedAt error = %v, want ErrStaleUpdate", err)
	}

	out2, got, err := UpdateQuota(out, 9, 200)
	if err != nil {
		t.Fatalf("UpdateQuota() error = %v", err)
	}
	if got.QuotaRemaining != 9 || got.IssuedAt != 200 {
		t.Fatalf("UpdateQuota() = %+v, want QuotaRemaining=9 IssuedAt=200", got)
	}

	reExtracted, err := Extract(out2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, reExtracted); diff != "" {
		t.Fatalf("re-extracted record mismatch (-want +got):\n%s", diff)
	}
}
