// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"sync"
)

// InMemoryBackend keeps results in memory. Records are serialized with
// the codec, just like in persistent backends.
type InMemoryBackend struct {
	mu      sync.Mutex
	codec   Codec
	results map[string][]byte
	status  map[string]Status
	chords  map[string]*memChord
}

type memChord struct {
	remaining int
	done      map[int]bool
}

// NewInMemoryBackend creates a new in-memory backend. If c is nil, the
// JSON codec is used.
func NewInMemoryBackend(c Codec) *InMemoryBackend {
	if c == nil {
		c = JSONCodec{}
	}
	return &InMemoryBackend{
		codec:   c,
		results: make(map[string][]byte),
		status:  make(map[string]Status),
		chords:  make(map[string]*memChord),
	}
}

func (r *InMemoryBackend) Store(ctx context.Context, rec *ResultRecord) error {
	data, err := encodeRecord(r.codec, rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status[rec.ID].Terminal() {
		return ErrTerminalState
	}
	r.results[rec.ID] = data
	r.status[rec.ID] = rec.Status
	return nil
}

func (r *InMemoryBackend) Load(ctx context.Context, id string) (*ResultRecord, error) {
	r.mu.Lock()
	data, found := r.results[id]
	r.mu.Unlock()
	if !found {
		return nil, ErrResultNotFound
	}
	return decodeRecord(r.codec, data)
}

func (r *InMemoryBackend) Forget(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.results, id)
	delete(r.status, id)
	return nil
}

func (r *InMemoryBackend) InitChord(ctx context.Context, groupID string, size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.chords[groupID]; !found {
		r.chords[groupID] = &memChord{remaining: size, done: make(map[int]bool)}
	}
	return nil
}

func (r *InMemoryBackend) MarkChordMember(ctx context.Context, groupID string, index int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, found := r.chords[groupID]
	if !found {
		return 0, false, ErrResultNotFound
	}
	if ch.done[index] {
		return ch.remaining, false, nil
	}
	ch.done[index] = true
	ch.remaining--
	return ch.remaining, true, nil
}

func (r *InMemoryBackend) Close() error {
	return nil
}
