package transport

import "testing"

func TestThumbnailRequestRoundTrip(t *testing.T) {
	want := ThumbnailRequest{ImageID: [16]byte{1, 2, 3, 4}}
	frame := want.encode()
	if frame[0] != OpThumbnailRequest {
		t.Fatalf("frame[0] = %#x, want OpThumbnailRequest", frame[0])
	}
	got, err := decodeThumbnailRequest(frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got.ImageID != want.ImageID {
		t.Fatalf("decodeThumbnailRequest() = %+v, want %+v", got, want)
	}
}

func TestThumbnailResponseRoundTrip(t *testing.T) {
	want := ThumbnailResponse{JPEGBytes: []byte{0xff, 0xd8, 0xff, 0xd9}}
	frame := want.encode()
	got, err := decodeThumbnailResponse(frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	if string(got.JPEGBytes) != string(want.JPEGBytes) {
		t.Fatalf("JPEGBytes = %v, want %v", got.JPEGBytes, want.JPEGBytes)
	}
}

func TestImageRequestRoundTrip(t *testing.T) {
	want := ImageRequest{From: "alice", ImageID: [16]byte{9, 9}, RequestedViews: 5}
	frame := want.encode()
	got, err := decodeImageRequest(frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("decodeImageRequest() = %+v, want %+v", got, want)
	}
}

func TestImageAckRoundTrip(t *testing.T) {
	want := ImageAck{RequestID: NewRequestID()}
	frame := want.encode()
	got, err := decodeImageAck(frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("decodeImageAck() = %+v, want %+v", got, want)
	}
}

func TestPermissionPushRoundTrip(t *testing.T) {
	want := PermissionPush{
		Owner:    "alice",
		Viewer:   "bob",
		ImageID:  [16]byte{7},
		NewQuota: 4,
		IssuedAt: 99,
	}
	frame := want.encode()
	got, err := decodePermissionPush(frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("decodePermissionPush() = %+v, want %+v", got, want)
	}
}

func TestPermissionAckRoundTrip(t *testing.T) {
	for _, want := range []PermissionAck{{Delivered: true}, {Delivered: false}} {
		frame := want.encode()
		got, err := decodePermissionAck(frame[1:])
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("decodePermissionAck() = %+v, want %+v", got, want)
		}
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == b {
		t.Fatal("NewRequestID() returned the same id twice")
	}
}
