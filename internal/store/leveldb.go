package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"loopmvp/internal/ledger"
)

const (
	entryPrefix = "entry:"
	keyCount    = "meta:count"
)

// Level stores entries under zero-padded sequence keys so that a prefix scan
// returns them in append order.
type Level struct {
	mu    sync.Mutex
	db    *leveldb.DB
	count uint64
}

func OpenLevel(path string) (*Level, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: open leveldb")
	}
	l := &Level{db: db}
	val, err := db.Get([]byte(keyCount), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		_ = db.Close()
		return nil, errors.Wrap(err, "store: read entry count")
	default:
		n, perr := strconv.ParseUint(string(val), 10, 64)
		if perr != nil {
			_ = db.Close()
			return nil, errors.Wrapf(ErrCorruptJournal, "entry count %q", val)
		}
		l.count = n
	}
	return l, nil
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, seq))
}

func (l *Level) Append(e ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	val, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "store: encode entry")
	}
	next := l.count + 1
	batch := new(leveldb.Batch)
	batch.Put(entryKey(next), val)
	batch.Put([]byte(keyCount), []byte(strconv.FormatUint(next, 10)))
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "store: commit entry")
	}
	l.count = next
	return nil
}

func (l *Level) Load() ([]ledger.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Entry
	iter := l.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for iter.Next() {
		var e ledger.Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			seq := strings.TrimPrefix(string(iter.Key()), entryPrefix)
			iter.Release()
			return nil, errors.Wrapf(ErrCorruptJournal, "entry %s: %v", seq, err)
		}
		out = append(out, e)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "store: iterate entries")
	}
	if uint64(len(out)) != l.count {
		return nil, errors.Wrapf(ErrCorruptJournal, "found %d entries, count says %d", len(out), l.count)
	}
	return out, nil
}

func (l *Level) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
