// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ResultRecord is the outcome of an invocation as stored in a Backend.
type ResultRecord struct {
	ID         string      `json:"id"`
	Task       string      `json:"task"`
	Queue      string      `json:"queue,omitempty"`
	Status     Status      `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	Error      *TaskError  `json:"error,omitempty"`
	RetryCount int         `json:"retry_count"`
	StartedAt  int64       `json:"started_at,omitempty"` // start of the last attempt (unix nanos)
	Timestamp  int64       `json:"ts"`                   // time of the last update (unix nanos)
}

// Time returns the time of the last update.
func (rec *ResultRecord) Time() time.Time {
	return time.Unix(0, rec.Timestamp)
}

// Backend stores the results of invocations.
//
// Records in state SUCCESS or FAILURE are immutable: Store returns
// ErrTerminalState when trying to overwrite them.
//
// Backends also keep the counters of chords. MarkChordMember must be
// atomic across all workers sharing the backend.
type Backend interface {
	// Store creates or updates a record.
	Store(ctx context.Context, rec *ResultRecord) error

	// Load returns the record of an invocation, or ErrResultNotFound.
	Load(ctx context.Context, id string) (*ResultRecord, error)

	// Forget deletes the record of an invocation.
	Forget(ctx context.Context, id string) error

	// InitChord initializes the counter of a chord with the number of
	// members of its group.
	InitChord(ctx context.Context, groupID string, size int) error

	// MarkChordMember records that the member with the given index has
	// reached a terminal state and returns the number of members still
	// outstanding. Marking the same index again doesn't change the
	// counter and returns counted == false.
	MarkChordMember(ctx context.Context, groupID string, index int) (remaining int, counted bool, err error)

	// Close releases the resources of the backend.
	Close() error
}

func encodeRecord(c Codec, rec *ResultRecord) ([]byte, error) {
	out := *rec
	v, err := c.EncodeValue(rec.Result)
	if err != nil {
		return nil, errors.Wrapf(err, "cabbage: encode result of %s", rec.ID)
	}
	out.Result = v
	return c.Marshal(&out)
}

func decodeRecord(c Codec, data []byte) (*ResultRecord, error) {
	var rec ResultRecord
	if err := c.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "cabbage: decode result")
	}
	v, err := c.DecodeValue(rec.Result)
	if err != nil {
		return nil, errors.Wrap(err, "cabbage: decode result")
	}
	rec.Result = v
	return &rec, nil
}
