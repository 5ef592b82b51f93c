// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"fmt"

	"github.com/pkg/errors"
)

const envelopeVersion = 1

// Envelope is the wire representation of one task invocation.
type Envelope struct {
	V        int                    `json:"v"`
	ID       string                 `json:"id"`
	Task     string                 `json:"task"`
	Args     []interface{}          `json:"args"`
	Kwargs   map[string]interface{} `json:"kwargs,omitempty"`
	Queue    string                 `json:"queue"`
	Attempt  int                    `json:"attempt"`             // current retry, starts at 0
	ParentID string                 `json:"parent_id,omitempty"` // predecessor in a chain
	Link     *Signature             `json:"link,omitempty"`      // continuation on success
	Chord    *ChordRef              `json:"chord,omitempty"`     // set on chord members
	Enqueued int64                  `json:"enqueued"`            // time the invocation has been submitted
}

// ChordRef links an invocation to the chord it is a member of.
type ChordRef struct {
	GroupID  string      `json:"group_id"`
	Index    int         `json:"index"`
	Members  []string    `json:"members"` // result IDs of all members, in order
	Callback *Signature  `json:"callback"`
	Policy   ChordPolicy `json:"policy,omitempty"`
	Parent   *ChordRef   `json:"parent,omitempty"` // chord the callback belongs to
}

// messageID returns the broker message ID of the given attempt.
// Retries are new messages; the first attempt uses the invocation ID.
func messageID(id string, attempt int) string {
	if attempt == 0 {
		return id
	}
	return fmt.Sprintf("%s.%d", id, attempt)
}

// EncodeEnvelope serializes env with c.
func EncodeEnvelope(c Codec, env *Envelope) ([]byte, error) {
	out, err := mapEnvelope(env, func(args []interface{}) ([]interface{}, error) {
		return encodeArgs(c, args)
	}, func(kwargs map[string]interface{}) (map[string]interface{}, error) {
		return encodeKwargs(c, kwargs)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cabbage: encode envelope %s", env.ID)
	}
	out.V = envelopeVersion
	return c.Marshal(out)
}

// DecodeEnvelope deserializes an envelope. It returns a *DecodeError if
// data is malformed or incompatible.
func DecodeEnvelope(c Codec, data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty message"}
	}
	var env Envelope
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed " + c.Name(), Err: err}
	}
	if env.V != envelopeVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", env.V)}
	}
	if env.ID == "" {
		return nil, &DecodeError{Reason: "missing id"}
	}
	if env.Task == "" {
		return nil, &DecodeError{Reason: "missing task"}
	}
	if env.Attempt < 0 {
		return nil, &DecodeError{Reason: "negative attempt"}
	}
	for ref := env.Chord; ref != nil; ref = ref.Parent {
		if ref.GroupID == "" || ref.Index < 0 || ref.Index >= len(ref.Members) || ref.Callback == nil {
			return nil, &DecodeError{Reason: "invalid chord reference"}
		}
	}
	out, err := mapEnvelope(&env, func(args []interface{}) ([]interface{}, error) {
		return decodeArgs(c, args)
	}, func(kwargs map[string]interface{}) (map[string]interface{}, error) {
		return decodeKwargs(c, kwargs)
	})
	if err != nil {
		return nil, &DecodeError{Reason: "invalid value", Err: err}
	}
	return out, nil
}

// mapEnvelope returns a copy of env with all values converted.
func mapEnvelope(env *Envelope,
	fnArgs func([]interface{}) ([]interface{}, error),
	fnKwargs func(map[string]interface{}) (map[string]interface{}, error),
) (*Envelope, error) {
	out := *env
	var err error
	if out.Args, err = fnArgs(env.Args); err != nil {
		return nil, err
	}
	if out.Kwargs, err = fnKwargs(env.Kwargs); err != nil {
		return nil, err
	}
	if out.Link, err = mapSignature(env.Link, fnArgs, fnKwargs); err != nil {
		return nil, err
	}
	if out.Chord, err = mapChordRef(env.Chord, fnArgs, fnKwargs); err != nil {
		return nil, err
	}
	return &out, nil
}

func mapChordRef(ref *ChordRef,
	fnArgs func([]interface{}) ([]interface{}, error),
	fnKwargs func(map[string]interface{}) (map[string]interface{}, error),
) (*ChordRef, error) {
	if ref == nil {
		return nil, nil
	}
	out := *ref
	var err error
	if out.Callback, err = mapSignature(ref.Callback, fnArgs, fnKwargs); err != nil {
		return nil, err
	}
	if out.Parent, err = mapChordRef(ref.Parent, fnArgs, fnKwargs); err != nil {
		return nil, err
	}
	return &out, nil
}
