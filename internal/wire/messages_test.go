// messages_test.go - Request/response inner message shape tests.
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

package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequestMessagePartZeroRequiresMetadata(t *testing.T) {
	require := require.New(t)

	msg, err := ParseRequestMessage(`{"id":"r1","partIndex":0,"parts":1,"bodyBase64":"","url":"/foo","method":"GET","headers":{"X-A":"1"}}`)
	require.NoError(err)
	require.True(msg.HasMetadata())
	require.Equal("/foo", msg.URL)
	require.Equal("GET", msg.Method)
	require.Equal("1", msg.Headers["X-A"])
}

func TestParseRequestMessagePartZeroRejectsMissingURL(t *testing.T) {
	require := require.New(t)

	_, err := ParseRequestMessage(`{"id":"r1","partIndex":0,"parts":1,"bodyBase64":"","method":"GET"}`)
	require.Error(err)
	require.ErrorIs(err, ErrInvalidMessage)
}

func TestParseRequestMessageNonZeroPartHasNoMetadata(t *testing.T) {
	require := require.New(t)

	msg, err := ParseRequestMessage(`{"id":"r1","partIndex":1,"parts":2,"bodyBase64":"YWJj"}`)
	require.NoError(err)
	require.False(msg.HasMetadata())
}

func TestParseRequestMessageRejectsOversizedID(t *testing.T) {
	require := require.New(t)

	id := strings.Repeat("a", MaxRequestIDLen+1)
	_, err := ParseRequestMessage(`{"id":"` + id + `","partIndex":0,"parts":1,"bodyBase64":"","url":"/x","method":"GET"}`)
	require.Error(err)
	require.ErrorIs(err, ErrInvalidMessage)
}

func TestParseRequestMessageRejectsNegativePartIndex(t *testing.T) {
	require := require.New(t)

	_, err := ParseRequestMessage(`{"id":"r1","partIndex":-1,"parts":1,"bodyBase64":""}`)
	require.Error(err)
}

func TestResponseMessageMarshal(t *testing.T) {
	require := require.New(t)

	msg := &ResponseMessage{ID: "r1", PartIndex: 0, Parts: 1, BodyBase64: "aGk=", Status: 200, Headers: map[string]string{"Content-Type": "text/plain"}}
	s, err := msg.Marshal()
	require.NoError(err)
	require.Contains(s, `"status":200`)
	require.Contains(s, `"bodyBase64":"aGk="`)
}
