package snapshot

import (
	"bytes"
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestFileSnapshotterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	fs, err := NewFileSnapshotter(path)
	if err != nil {
		t.Fatalf("NewFileSnapshotter: %v", err)
	}

	want := []byte(`{"users":{}}`)
	if err := fs.Save(ioutil.NopCloser(bytes.NewReader(want))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r, err := fs.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseSnapshotBackupURL(t *testing.T) {
	cases := []struct {
		url     string
		wantErr bool
		typ     Type
	}{
		{"file:///tmp/state.json", false, FileType},
		{"s3://my-bucket/path/state.json", false, S3Type},
		{"s3://my-bucket", false, S3Type},
		{"https://nyc3.digitaloceanspaces.com/my-space/state.json", false, SpacesType},
		{"ftp://nope", true, 0},
	}
	for _, c := range cases {
		u, err := ParseSnapshotBackupURL(c.url)
		if c.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got none", c.url)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.url, err)
		}
		if u.Type != c.typ {
			t.Errorf("%s: got type %v, want %v", c.url, u.Type, c.typ)
		}
	}
}
