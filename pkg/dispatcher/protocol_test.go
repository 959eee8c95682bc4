package dispatcher

import "testing"

func TestEncryptJobRoundTrip(t *testing.T) {
	want := EncryptJob{
		CarrierPNG: []byte{0x89, 0x50, 0x4e, 0x47, 1, 2, 3},
		Owner:      "alice",
		Viewer:     "bob",
		Quota:      7,
		IssuedAt:   42,
	}
	got, err := decodeJob(encodeJob(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.Owner != want.Owner || got.Viewer != want.Viewer ||
		got.Quota != want.Quota || got.IssuedAt != want.IssuedAt ||
		string(got.CarrierPNG) != string(want.CarrierPNG) {
		t.Fatalf("decodeJob() = %+v, want %+v", got, want)
	}
}

func TestJobResultRoundTripSuccess(t *testing.T) {
	want := JobResult{
		CarrierPNG: []byte{1, 2, 3, 4, 5},
		ImageID:    [16]byte{1, 2, 3},
	}
	got, err := decodeResult(encodeResult(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.ImageID != want.ImageID || string(got.CarrierPNG) != string(want.CarrierPNG) || got.Err != "" {
		t.Fatalf("decodeResult() = %+v, want %+v", got, want)
	}
}

func TestJobResultRoundTripError(t *testing.T) {
	want := JobResult{Err: "service unavailable"}
	got, err := decodeResult(encodeResult(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.Err != want.Err {
		t.Fatalf("decodeResult().Err = %q, want %q", got.Err, want.Err)
	}
	if len(got.CarrierPNG) != 0 {
		t.Fatalf("decodeResult().CarrierPNG = %v, want empty on error result", got.CarrierPNG)
	}
}
