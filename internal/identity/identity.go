// identity.go - nprofile computation and persistence.
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

// Package identity computes and optionally persists the nprofile bech32
// identity bundle: the proxy's public key plus up to nprofileMaxRelays
// connected, "safe" relays.
package identity

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	bolt "go.etcd.io/bbolt"

	"github.com/nostrbridge/relayproxy/internal/publisher"
	"github.com/nostrbridge/relayproxy/internal/xcrypto"
)

// bucketName is the single bbolt bucket used to store the last-computed
// nprofile per public key.
var bucketName = []byte("nprofiles")

// Compute builds the nprofile for pubkey, advertising up to maxRelays of
// the given connected relay URLs that are "safe" (no embedded userinfo, no
// query string). A maxRelays of zero or less places no cap: every safe
// relay is advertised.
func Compute(pubkey xcrypto.Public, connectedRelays []string, maxRelays int) (string, error) {
	safe := make([]string, 0, len(connectedRelays))
	for _, r := range connectedRelays {
		if publisher.SafeRelay(r) {
			safe = append(safe, r)
		}
		if len(safe) == maxRelays {
			break
		}
	}

	np, err := nip19.EncodeProfile(pubkey.Hex(), safe)
	if err != nil {
		return "", fmt.Errorf("identity: encode nprofile: %w", err)
	}
	return np, nil
}

// Store persists the last-computed nprofile per public key. It is read
// back only for startup logging and is never consulted by the event
// pipeline.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) a bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("identity: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save records nprofile for pubkey at the given time.
func (s *Store) Save(pubkey xcrypto.Public, nprofile string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		value := at.UTC().Format(time.RFC3339) + "|" + nprofile
		return b.Put([]byte(pubkey.Hex()), []byte(value))
	})
}

// Last returns the previously saved nprofile and timestamp for pubkey, if
// any.
func (s *Store) Last(pubkey xcrypto.Public) (nprofile string, at time.Time, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(pubkey.Hex()))
		if v == nil {
			return nil
		}
		parts := splitOnce(string(v), '|')
		if len(parts) != 2 {
			return nil
		}
		t, err := time.Parse(time.RFC3339, parts[0])
		if err != nil {
			return nil
		}
		at = t
		nprofile = parts[1]
		ok = true
		return nil
	})
	return
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
