// Package history is the durable collaborator behind direct and group
// message logs and group-state persistence (spec §6). Envelopes are
// appended under monotonically increasing per-peer/per-group sequence
// keys in an embedded leveldb database; group records are written with a
// batch so the index update is atomic.
package history

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/logger"
	"github.com/localmesh/node/internal/wire"
)

var l = logger.DefaultLogger.NewFacility("history", "durable message and group-state log")

const (
	directPrefix = "direct/"
	groupPrefix  = "group/"
	groupIdxKey  = "groups/"
)

// GroupRecord mirrors the group engine's authoritative state (spec §3).
type GroupRecord struct {
	GroupID  string   `json:"group_id"`
	Name     string   `json:"name"`
	Members  []string `json:"members"`
	MasterID string   `json:"master_id"`
	Epoch    int64    `json:"epoch"`
}

// Store wraps an on-disk leveldb database implementing the history
// collaborator's contract (spec §6): append-only, tail-readable direct and
// group logs plus atomically persisted group state.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the leveldb database rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open history store", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AppendDirect appends env to the durable log kept for peerID.
func (s *Store) AppendDirect(peerID string, env wire.Envelope) error {
	return s.append(directPrefix+peerID+"/", env)
}

// ReadDirect returns every envelope ever appended for peerID, in order.
func (s *Store) ReadDirect(peerID string) ([]wire.Envelope, error) {
	return s.read(directPrefix + peerID + "/")
}

// AppendGroup appends env to the durable log kept for groupID.
func (s *Store) AppendGroup(groupID string, env wire.Envelope) error {
	return s.append(groupPrefix+groupID+"/", env)
}

// ReadGroup returns every envelope ever appended for groupID, in order.
func (s *Store) ReadGroup(groupID string) ([]wire.Envelope, error) {
	return s.read(groupPrefix + groupID + "/")
}

func (s *Store) append(prefix string, env wire.Envelope) error {
	seq, err := s.nextSeq(prefix)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.IoError, "marshal history record", err)
	}
	key := []byte(fmt.Sprintf("%s%020d", prefix, seq))
	if err := s.db.Put(key, b, nil); err != nil {
		return errs.Wrap(errs.IoError, "append history record", err)
	}
	return nil
}

// nextSeq scans for the highest existing sequence under prefix and returns
// one past it. History append rates on a LAN node are low enough that a
// linear scan per append is not a concern; correctness over cleverness.
func (s *Store) nextSeq(prefix string) (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var last uint64
	for iter.Next() {
		last++
	}
	if err := iter.Error(); err != nil {
		return 0, errs.Wrap(errs.IoError, "scan history sequence", err)
	}
	return last, nil
}

func (s *Store) read(prefix string) ([]wire.Envelope, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []wire.Envelope
	for iter.Next() {
		var env wire.Envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			l.Warnln("skipping corrupt history record:", err)
			continue
		}
		out = append(out, env)
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Wrap(errs.IoError, "read history", err)
	}
	return out, nil
}

// SaveGroup atomically persists a group's authoritative record.
func (s *Store) SaveGroup(groupID string, rec GroupRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.IoError, "marshal group record", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(groupIdxKey+groupID), b)
	if err := s.db.Write(batch, nil); err != nil {
		return errs.Wrap(errs.IoError, "persist group record", err)
	}
	return nil
}

// LoadGroups returns every persisted group record, keyed by group_id.
func (s *Store) LoadGroups() (map[string]GroupRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(groupIdxKey)), nil)
	defer iter.Release()

	out := make(map[string]GroupRecord)
	for iter.Next() {
		var rec GroupRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			l.Warnln("skipping corrupt group record:", err)
			continue
		}
		out[rec.GroupID] = rec
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Wrap(errs.IoError, "load groups", err)
	}
	return out, nil
}
