// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
)

// PebbleOptions configures a PebbleBackend.
type PebbleOptions struct {
	// Dir is the path to the Pebble database directory.
	Dir string
	// FS overrides the file system, e.g. vfs.NewMem() in tests.
	FS vfs.FS
	// NoSync skips the WAL fsync on writes. Faster, but results of the
	// last moments before a crash may be lost.
	NoSync bool
	// Codec serializes records. Defaults to JSON.
	Codec Codec
}

// PebbleBackend stores results in an embedded Pebble database. It is
// meant for single-node deployments: the chord counter is only atomic
// across workers in the same process.
//
// Keys: "r/<id>" for records, "c/<group>/n" for chord counters and
// "c/<group>/m/<index>" for completed chord members.
type PebbleBackend struct {
	mu    sync.Mutex // serializes read-modify-write cycles
	db    *pebble.DB
	codec Codec
	wo    *pebble.WriteOptions
}

// OpenPebbleBackend creates or opens a Pebble database.
func OpenPebbleBackend(opts PebbleOptions) (*PebbleBackend, error) {
	if opts.Dir == "" {
		return nil, errors.New("cabbage: PebbleOptions.Dir is required")
	}
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, errors.Wrap(err, "cabbage: open pebble")
	}
	c := opts.Codec
	if c == nil {
		c = JSONCodec{}
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	return &PebbleBackend{db: db, codec: c, wo: wo}, nil
}

func recordKey(id string) []byte {
	return []byte("r/" + id)
}

func chordCounterKey(groupID string) []byte {
	return []byte("c/" + groupID + "/n")
}

func chordMemberKey(groupID string, index int) []byte {
	return []byte("c/" + groupID + "/m/" + strconv.Itoa(index))
}

// get returns a copy of the value at key, or nil if not found.
func (r *PebbleBackend) get(key []byte) ([]byte, error) {
	v, closer, err := r.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

func (r *PebbleBackend) Store(ctx context.Context, rec *ResultRecord) error {
	data, err := encodeRecord(r.codec, rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.get(recordKey(rec.ID))
	if err != nil {
		return err
	}
	if cur != nil {
		old, err := decodeRecord(r.codec, cur)
		if err == nil && old.Status.Terminal() {
			return ErrTerminalState
		}
	}
	return r.db.Set(recordKey(rec.ID), data, r.wo)
}

func (r *PebbleBackend) Load(ctx context.Context, id string) (*ResultRecord, error) {
	data, err := r.get(recordKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrResultNotFound
	}
	return decodeRecord(r.codec, data)
}

func (r *PebbleBackend) Forget(ctx context.Context, id string) error {
	return r.db.Delete(recordKey(id), r.wo)
}

func (r *PebbleBackend) InitChord(ctx context.Context, groupID string, size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.get(chordCounterKey(groupID))
	if err != nil {
		return err
	}
	if cur != nil {
		return nil
	}
	return r.db.Set(chordCounterKey(groupID), []byte(strconv.Itoa(size)), r.wo)
}

func (r *PebbleBackend) MarkChordMember(ctx context.Context, groupID string, index int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.get(chordCounterKey(groupID))
	if err != nil {
		return 0, false, err
	}
	if cur == nil {
		return 0, false, ErrResultNotFound
	}
	remaining, err := strconv.Atoi(string(cur))
	if err != nil {
		return 0, false, errors.Wrapf(err, "cabbage: corrupt chord counter %s", groupID)
	}
	marker, err := r.get(chordMemberKey(groupID, index))
	if err != nil {
		return 0, false, err
	}
	if marker != nil {
		return remaining, false, nil
	}
	remaining--
	b := r.db.NewBatch()
	defer b.Close()
	if err := b.Set(chordMemberKey(groupID, index), []byte{1}, nil); err != nil {
		return 0, false, err
	}
	if err := b.Set(chordCounterKey(groupID), []byte(strconv.Itoa(remaining)), nil); err != nil {
		return 0, false, err
	}
	if err := b.Commit(r.wo); err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}

func (r *PebbleBackend) Close() error {
	return r.db.Close()
}
