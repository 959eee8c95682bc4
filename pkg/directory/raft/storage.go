package raft

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// fileStorage implements Storage in three files: state.json (snapshot:
// last_applied_idx, the term of that entry, and the full state machine),
// log.bin (append-only [len][term][entry_bytes] records, fsynced after every
// append), and term_vote.json (current term and voted_for). state.json does
// not hold the term or the vote; those are only in term_vote.json.
type fileStorage struct {
	mu sync.Mutex

	dir        string
	termVote   *os.File
	log        *os.File
	entries    []Entry // in-memory index mirroring log.bin after lastIncludedIndex
	firstIndex uint64  // last index folded into the snapshot (0 if none); entries[0] has index firstIndex+1
}

const (
	termVoteFile = "term_vote.json"
	logFile      = "log.bin"
	snapshotFile = "state.json"
)

type termVoteRecord struct {
	Term     uint64 `json:"term"`
	VotedFor uint64 `json:"voted_for"`
}

func NewFileStorage(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create data dir %#v", dir)
	}
	fs := &fileStorage{dir: dir}

	// The snapshot's lastIncludedIndex must be known before replaying
	// log.bin, since log.bin only ever holds entries after that point
	// (§6 Persistent state layout) and entry indices are derived from
	// file position.
	var rec snapshotRecord
	ok, err := readJSONIfExists(filepath.Join(dir, snapshotFile), &rec)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read state.json")
	}
	if ok {
		fs.firstIndex = rec.LastIncludedIndex
	}

	logPath := filepath.Join(dir, logFile)
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open log.bin")
	}
	fs.log = f
	if err := fs.loadLogIntoMemory(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *fileStorage) loadLogIntoMemory() error {
	if _, err := fs.log.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(fs.log, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "corrupt log.bin: truncated length prefix")
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		var termBuf [8]byte
		if _, err := io.ReadFull(fs.log, termBuf[:]); err != nil {
			return errors.Wrap(err, "corrupt log.bin: truncated term")
		}
		term := binary.BigEndian.Uint64(termBuf[:])
		body := make([]byte, int(n)-8)
		if _, err := io.ReadFull(fs.log, body); err != nil {
			return errors.Wrap(err, "corrupt log.bin: truncated entry body")
		}
		index := fs.firstIndex + uint64(len(fs.entries)) + 1
		fs.entries = append(fs.entries, Entry{Term: term, Index: index, Command: body})
	}
	return nil
}

func (fs *fileStorage) SaveTermVote(term, votedFor uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return atomicWriteJSON(filepath.Join(fs.dir, termVoteFile), &termVoteRecord{Term: term, VotedFor: votedFor})
}

func (fs *fileStorage) LoadTermVote() (uint64, uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var rec termVoteRecord
	ok, err := readJSONIfExists(filepath.Join(fs.dir, termVoteFile), &rec)
	if err != nil || !ok {
		return 0, 0, err
	}
	return rec.Term, rec.VotedFor, nil
}

// AppendEntry appends e to log.bin and fsyncs, satisfying the commit
// boundary fsync rule in §6.
func (fs *fileStorage) AppendEntry(e Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rel := e.Index - fs.firstIndex
	if rel >= 1 && rel <= uint64(len(fs.entries)) {
		// overwriting an existing slot (e.g. leader resending after a
		// conflict) — truncate first.
		if err := fs.truncateFromLocked(e.Index); err != nil {
			return err
		}
	}

	buf := make([]byte, 4+8+len(e.Command))
	binary.BigEndian.PutUint32(buf[:4], uint32(8+len(e.Command)))
	binary.BigEndian.PutUint64(buf[4:12], e.Term)
	copy(buf[12:], e.Command)

	if _, err := fs.log.Write(buf); err != nil {
		return errors.Wrap(err, "cannot append log entry")
	}
	if err := fs.log.Sync(); err != nil {
		return errors.Wrap(err, "cannot fsync log.bin")
	}
	fs.entries = append(fs.entries, e)
	return nil
}

func (fs *fileStorage) TruncateFrom(index uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.truncateFromLocked(index)
}

func (fs *fileStorage) truncateFromLocked(index uint64) error {
	if index <= fs.firstIndex {
		fs.entries = nil
	} else {
		rel := index - fs.firstIndex - 1
		if rel < uint64(len(fs.entries)) {
			fs.entries = fs.entries[:rel]
		}
	}
	return fs.rewriteLogLocked()
}

func (fs *fileStorage) rewriteLogLocked() error {
	tmp := filepath.Join(fs.dir, logFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, e := range fs.entries {
		buf := make([]byte, 4+8+len(e.Command))
		binary.BigEndian.PutUint32(buf[:4], uint32(8+len(e.Command)))
		binary.BigEndian.PutUint64(buf[4:12], e.Term)
		copy(buf[12:], e.Command)
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()
	if err := os.Rename(tmp, filepath.Join(fs.dir, logFile)); err != nil {
		return err
	}
	fs.log.Close()
	newLog, err := os.OpenFile(filepath.Join(fs.dir, logFile), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	fs.log = newLog
	return nil
}

func (fs *fileStorage) Entries(from uint64) ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if from <= fs.firstIndex {
		return append([]Entry(nil), fs.entries...), nil
	}
	rel := from - fs.firstIndex - 1
	if rel >= uint64(len(fs.entries)) {
		return nil, nil
	}
	return append([]Entry(nil), fs.entries[rel:]...), nil
}

func (fs *fileStorage) LastIndex() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.firstIndex + uint64(len(fs.entries))
}

func (fs *fileStorage) EntryAt(index uint64) (Entry, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if index <= fs.firstIndex {
		return Entry{}, false
	}
	rel := index - fs.firstIndex - 1
	if rel >= uint64(len(fs.entries)) {
		return Entry{}, false
	}
	return fs.entries[rel], true
}

func (fs *fileStorage) TermAt(index uint64) uint64 {
	e, ok := fs.EntryAt(index)
	if !ok {
		return 0
	}
	return e.Term
}

type snapshotRecord struct {
	LastIncludedIndex uint64 `json:"last_applied_idx"`
	LastIncludedTerm  uint64 `json:"last_included_term"`
	Data              []byte `json:"state"`
}

// SaveSnapshot writes state.json atomically via rename-over-temp (§5
// Resources, §6 Persistent state layout).
func (fs *fileStorage) SaveSnapshot(lastIncludedIndex, lastIncludedTerm uint64, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return atomicWriteJSON(filepath.Join(fs.dir, snapshotFile), &snapshotRecord{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Data:              data,
	})
}

func (fs *fileStorage) LoadSnapshot() (uint64, uint64, []byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var rec snapshotRecord
	ok, err := readJSONIfExists(filepath.Join(fs.dir, snapshotFile), &rec)
	if err != nil || !ok {
		return 0, 0, nil, err
	}
	return rec.LastIncludedIndex, rec.LastIncludedTerm, rec.Data, nil
}

// DiscardBefore drops log entries already folded into the latest snapshot.
func (fs *fileStorage) DiscardBefore(index uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if index <= fs.firstIndex {
		return nil
	}
	rel := index - fs.firstIndex
	if rel >= uint64(len(fs.entries)) {
		fs.entries = nil
	} else {
		fs.entries = append([]Entry(nil), fs.entries[rel:]...)
	}
	fs.firstIndex = index
	return fs.rewriteLogLocked()
}
