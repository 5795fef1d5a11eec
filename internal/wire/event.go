// event.go - Wire event shape and canonical encoding.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package wire implements the three event shapes of the relay protocol —
// gift-wrap, seal, and inner request/response — and the canonical JSON
// encoding used to compute event ids.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/nostrbridge/relayproxy/internal/xcrypto"
)

// Event kinds used by the pipeline.
const (
	KindEphemeralGiftWrap = 21059
	KindSeal              = 13
	KindHTTPRequest       = 80
	KindHTTPResponse      = 81
)

// Event is the wire representation of a Nostr event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// ErrMalformed is returned by ParseEvent when the JSON does not decode into
// the expected field types.
var ErrMalformed = fmt.Errorf("wire: malformed event")

// ParseEvent decodes and structurally validates a wire Event from JSON.
func ParseEvent(data []byte) (*Event, error) {
	var raw struct {
		ID        interface{} `json:"id"`
		PubKey    interface{} `json:"pubkey"`
		CreatedAt interface{} `json:"created_at"`
		Kind      interface{} `json:"kind"`
		Tags      interface{} `json:"tags"`
		Content   interface{} `json:"content"`
		Sig       interface{} `json:"sig"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, ok1 := raw.ID.(string)
	pubkey, ok2 := raw.PubKey.(string)
	createdF, ok3 := raw.CreatedAt.(float64)
	kindF, ok4 := raw.Kind.(float64)
	content, ok5 := raw.Content.(string)
	sig, ok6 := raw.Sig.(string)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, fmt.Errorf("%w: bad field type", ErrMalformed)
	}

	tags, err := decodeTags(raw.Tags)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: int64(createdF),
		Kind:      int(kindF),
		Tags:      tags,
		Content:   content,
		Sig:       sig,
	}, nil
}

func decodeTags(v interface{}) ([][]string, error) {
	if v == nil {
		return [][]string{}, nil
	}
	rawList, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: tags must be a list", ErrMalformed)
	}
	tags := make([][]string, 0, len(rawList))
	for _, rawTag := range rawList {
		items, ok := rawTag.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: tag must be a list of strings", ErrMalformed)
		}
		tag := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("%w: tag entry must be a string", ErrMalformed)
			}
			tag = append(tag, s)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// ComputeID recomputes the canonical event id for e's current fields.
func (e *Event) ComputeID() (string, error) {
	return xcrypto.EventID(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
}

// VerifyID reports whether e.ID matches the hash of e's other fields.
func (e *Event) VerifyID() (bool, error) {
	want, err := e.ComputeID()
	if err != nil {
		return false, err
	}
	return want == e.ID, nil
}

// Verify reports whether e carries a valid id and a valid Schnorr
// signature over that id by e.PubKey.
func (e *Event) Verify() (bool, error) {
	ok, err := e.VerifyID()
	if err != nil || !ok {
		return false, err
	}
	return xcrypto.Verify(e.PubKey, e.ID, e.Sig)
}

// Sign computes e's id from its current fields and signs it with secret,
// setting both e.PubKey (from secret) implicitly is the caller's
// responsibility — Sign only fills ID and Sig.
func (e *Event) Sign(secret xcrypto.Secret) error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	sig, err := xcrypto.Sign(secret, id)
	if err != nil {
		return err
	}
	e.ID = id
	e.Sig = sig
	return nil
}

// Marshal serializes e as wire JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
