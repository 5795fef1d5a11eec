// chunker.go - Response body chunking.
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

// Package chunker splits an HTTP response body into size-bounded, base64
// encoded parts for outbound publication.
package chunker

import (
	"encoding/base64"

	"github.com/nostrbridge/relayproxy/internal/wire"
)

// PartBodyMax is the pre-base64 chunk size ceiling.
const PartBodyMax = 16384

// Chunk splits body into ceil(len(body)/PartBodyMax) ResponseMessages
// sharing id and parts, with status/headers on partIndex 0 only. An empty
// body yields exactly one message with an empty bodyBase64.
func Chunk(id string, status int, headers map[string]string, body []byte) []*wire.ResponseMessage {
	if len(body) == 0 {
		return []*wire.ResponseMessage{
			{ID: id, PartIndex: 0, Parts: 1, BodyBase64: "", Status: status, Headers: headers},
		}
	}

	total := (len(body) + PartBodyMax - 1) / PartBodyMax
	parts := make([]*wire.ResponseMessage, 0, total)
	for i := 0; i < total; i++ {
		start := i * PartBodyMax
		end := start + PartBodyMax
		if end > len(body) {
			end = len(body)
		}
		msg := &wire.ResponseMessage{
			ID:         id,
			PartIndex:  i,
			Parts:      total,
			BodyBase64: base64.StdEncoding.EncodeToString(body[start:end]),
		}
		if i == 0 {
			msg.Status = status
			msg.Headers = headers
		}
		parts = append(parts, msg)
	}
	return parts
}
