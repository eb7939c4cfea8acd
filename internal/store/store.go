// internal/store/store.go
package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"loopmvp/internal/ledger"
	"loopmvp/internal/proto"
)

const (
	BackendJSONL   = "jsonl"
	BackendLevelDB = "leveldb"
)

var ErrCorruptJournal = errors.New("store: corrupt journal")

const maxScanSize = 2 * proto.MaxFrameSize

// Journal is a ledger.Journal that owns an open resource.
type Journal interface {
	ledger.Journal
	Close() error
}

// Open returns the journal for backend rooted at base. The JSONL backend
// writes base+".jsonl"; LevelDB uses the directory base+".db".
func Open(backend, base string) (Journal, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendJSONL:
		return NewJSONL(base + ".jsonl")
	case BackendLevelDB:
		return OpenLevel(base + ".db")
	}
	return nil, errors.Errorf("store: unknown backend %q", backend)
}

// JSONL appends one JSON entry per line and fsyncs after every write.
type JSONL struct {
	mu   sync.Mutex
	path string
}

func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "store: create journal dir")
	}
	return &JSONL{path: path}, nil
}

func (s *JSONL) Path() string {
	return s.path
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func (s *JSONL) Append(e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "store: open journal")
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return errors.Wrap(err, "store: write entry")
	}
	return errors.Wrap(syncFile(f), "store: sync journal")
}

// Load reads every entry. Unlike a cache file, a line that does not decode is
// an error: skipping it would silently break the hash chain.
func (s *JSONL) Load() ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "store: open journal")
	}
	defer f.Close()

	var out []ledger.Entry
	sc := newScanner(f)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, errors.Wrapf(ErrCorruptJournal, "%s line %d: %v", s.path, line, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "store: scan journal")
	}
	return out, nil
}

func (s *JSONL) Close() error {
	return nil
}
