package raft

import (
	"bytes"
	"testing"
)

func TestFileStorageAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	entries := []Entry{
		{Term: 1, Index: 1, Command: []byte("one")},
		{Term: 1, Index: 2, Command: []byte("two")},
		{Term: 2, Index: 3, Command: []byte("three")},
	}
	for _, e := range entries {
		if err := fs.AppendEntry(e); err != nil {
			t.Fatalf("AppendEntry(%d): %v", e.Index, err)
		}
	}
	if err := fs.SaveTermVote(2, 1); err != nil {
		t.Fatalf("SaveTermVote: %v", err)
	}

	// A crash-restart is a fresh storage over the same directory.
	fs2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	term, votedFor, err := fs2.LoadTermVote()
	if err != nil || term != 2 || votedFor != 1 {
		t.Fatalf("LoadTermVote = (%d, %d, %v), want (2, 1, nil)", term, votedFor, err)
	}
	if got := fs2.LastIndex(); got != 3 {
		t.Fatalf("LastIndex = %d, want 3", got)
	}
	for _, want := range entries {
		e, ok := fs2.EntryAt(want.Index)
		if !ok || e.Term != want.Term || !bytes.Equal(e.Command, want.Command) {
			t.Fatalf("EntryAt(%d) = (%+v, %v), want %+v", want.Index, e, ok, want)
		}
	}
}

func TestFileStorageTruncateFrom(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := fs.AppendEntry(Entry{Term: 1, Index: i, Command: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := fs.TruncateFrom(3); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}
	if got := fs.LastIndex(); got != 2 {
		t.Fatalf("LastIndex after truncate = %d, want 2", got)
	}
	// The conflicting tail must be gone on disk as well.
	fs2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := fs2.LastIndex(); got != 2 {
		t.Fatalf("LastIndex after reopen = %d, want 2", got)
	}
}

func TestFileStorageSnapshotCompaction(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 4; i++ {
		if err := fs.AppendEntry(Entry{Term: 1, Index: i, Command: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	state := []byte(`{"users":{}}`)
	if err := fs.SaveSnapshot(3, 1, state); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := fs.DiscardBefore(3); err != nil {
		t.Fatalf("DiscardBefore: %v", err)
	}

	fs2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx, term, data, err := fs2.LoadSnapshot()
	if err != nil || idx != 3 || term != 1 || !bytes.Equal(data, state) {
		t.Fatalf("LoadSnapshot = (%d, %d, %q, %v), want (3, 1, %q, nil)", idx, term, data, err, state)
	}
	// Only the tail after the snapshot survives in log.bin, and entry
	// indices pick up where the snapshot left off.
	if got := fs2.LastIndex(); got != 4 {
		t.Fatalf("LastIndex = %d, want 4", got)
	}
	if _, ok := fs2.EntryAt(3); ok {
		t.Fatal("EntryAt(3) should be folded into the snapshot")
	}
	e, ok := fs2.EntryAt(4)
	if !ok || !bytes.Equal(e.Command, []byte{4}) {
		t.Fatalf("EntryAt(4) = (%+v, %v), want the surviving tail entry", e, ok)
	}
}
