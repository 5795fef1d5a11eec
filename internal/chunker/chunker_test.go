// chunker_test.go - Response body chunking tests.
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

package chunker

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkEmptyBodyYieldsOnePart(t *testing.T) {
	require := require.New(t)

	parts := Chunk("r1", 200, map[string]string{"X": "1"}, nil)
	require.Len(parts, 1)
	require.Equal(0, parts[0].PartIndex)
	require.Equal(1, parts[0].Parts)
	require.Equal("", parts[0].BodyBase64)
	require.Equal(200, parts[0].Status)
}

func TestChunkBoundsEachPartToPartBodyMax(t *testing.T) {
	require := require.New(t)

	body := bytes.Repeat([]byte("a"), 40000)
	parts := Chunk("r1", 200, map[string]string{}, body)

	require.Equal(3, len(parts), "40000 bytes at 16384/part must yield 3 parts")
	for i, p := range parts {
		require.Equal(i, p.PartIndex)
		require.Equal(len(parts), p.Parts)
		decoded, err := base64.StdEncoding.DecodeString(p.BodyBase64)
		require.NoError(err)
		require.LessOrEqual(len(decoded), PartBodyMax)
	}
}

func TestChunkOnlyFirstPartCarriesStatusAndHeaders(t *testing.T) {
	require := require.New(t)

	body := bytes.Repeat([]byte("b"), PartBodyMax+1)
	parts := Chunk("r1", 201, map[string]string{"X": "1"}, body)
	require.Len(parts, 2)
	require.Equal(201, parts[0].Status)
	require.Equal("1", parts[0].Headers["X"])
	require.Equal(0, parts[1].Status)
	require.Nil(parts[1].Headers)
}

func TestChunkReassemblesToOriginalBody(t *testing.T) {
	require := require.New(t)

	body := bytes.Repeat([]byte("xyz"), 10000)
	parts := Chunk("r1", 200, map[string]string{}, body)

	var out []byte
	for _, p := range parts {
		decoded, err := base64.StdEncoding.DecodeString(p.BodyBase64)
		require.NoError(err)
		out = append(out, decoded...)
	}
	require.Equal(body, out)
}
