// xcrypto_test.go - Conversation-key derivation and event signing tests.
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

package xcrypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConversationKeySymmetric(t *testing.T) {
	require := require.New(t)

	a, err := RandomSecret()
	require.NoError(err)
	b, err := RandomSecret()
	require.NoError(err)

	aPub, err := PublicOf(a)
	require.NoError(err)
	bPub, err := PublicOf(b)
	require.NoError(err)

	k1, err := ConversationKey(a, bPub)
	require.NoError(err)
	k2, err := ConversationKey(b, aPub)
	require.NoError(err)

	require.Equal(k1, k2, "conversation key must be symmetric")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	require := require.New(t)

	a, err := RandomSecret()
	require.NoError(err)
	b, err := RandomSecret()
	require.NoError(err)
	bPub, err := PublicOf(b)
	require.NoError(err)

	key, err := ConversationKey(a, bPub)
	require.NoError(err)

	ct, err := Encrypt("hello world", key)
	require.NoError(err)

	pt, err := Decrypt(ct, key)
	require.NoError(err)
	require.Equal("hello world", pt)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	require := require.New(t)

	a, err := RandomSecret()
	require.NoError(err)
	b, err := RandomSecret()
	require.NoError(err)
	bPub, err := PublicOf(b)
	require.NoError(err)

	key, err := ConversationKey(a, bPub)
	require.NoError(err)
	ct, err := Encrypt("secret", key)
	require.NoError(err)

	c, err := RandomSecret()
	require.NoError(err)
	wrongKey, err := ConversationKey(c, bPub)
	require.NoError(err)

	_, err = Decrypt(ct, wrongKey)
	require.Error(err)
	require.ErrorIs(err, ErrDecrypt)
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	require := require.New(t)

	a, err := RandomSecret()
	require.NoError(err)
	bPub, err := PublicOf(a)
	require.NoError(err)
	key, err := ConversationKey(a, bPub)
	require.NoError(err)

	huge := strings.Repeat("x", MaxPlaintext+1)
	_, err = Encrypt(huge, key)
	require.Error(err)
	require.ErrorIs(err, ErrFormat)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	require := require.New(t)

	secret, err := RandomSecret()
	require.NoError(err)
	pub, err := PublicOf(secret)
	require.NoError(err)

	id, err := EventID(pub.Hex(), 1700000000, 1, nil, "hello")
	require.NoError(err)

	sig, err := Sign(secret, id)
	require.NoError(err)

	ok, err := Verify(pub.Hex(), id, sig)
	require.NoError(err)
	require.True(ok)
}

func TestVerifyRejectsTamperedID(t *testing.T) {
	require := require.New(t)

	secret, err := RandomSecret()
	require.NoError(err)
	pub, err := PublicOf(secret)
	require.NoError(err)

	id, err := EventID(pub.Hex(), 1700000000, 1, nil, "hello")
	require.NoError(err)
	sig, err := Sign(secret, id)
	require.NoError(err)

	otherID, err := EventID(pub.Hex(), 1700000001, 1, nil, "hello")
	require.NoError(err)

	ok, err := Verify(pub.Hex(), otherID, sig)
	require.NoError(err)
	require.False(ok)
}

func TestSecretPublicHexRoundTrip(t *testing.T) {
	require := require.New(t)

	secret, err := RandomSecret()
	require.NoError(err)

	parsed, err := SecretFromHex(secret.Hex())
	require.NoError(err)
	require.Equal(secret, parsed)

	pub, err := PublicOf(secret)
	require.NoError(err)
	parsedPub, err := PublicFromHex(pub.Hex())
	require.NoError(err)
	require.Equal(pub, parsedPub)
}

func TestSecretFromHexRejectsWrongLength(t *testing.T) {
	require := require.New(t)

	_, err := SecretFromHex("deadbeef")
	require.Error(err)
	require.ErrorIs(err, ErrFormat)
}
