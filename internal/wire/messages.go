// messages.go - Request/response inner message shapes.
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
	"encoding/json"
	"fmt"
)

// MaxRequestIDLen bounds RequestMessage.id.
const MaxRequestIDLen = 100

// RequestMessage is the inner content of an HttpRequest event.
type RequestMessage struct {
	ID          string            `json:"id"`
	PartIndex   int               `json:"partIndex"`
	Parts       int               `json:"parts"`
	BodyBase64  string            `json:"bodyBase64"`
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	hasMetadata bool
}

// ResponseMessage is the inner content of an HttpResponse event,
// symmetric with RequestMessage except that partIndex==0 carries a status
// code instead of url/method.
type ResponseMessage struct {
	ID         string            `json:"id"`
	PartIndex  int               `json:"partIndex"`
	Parts      int               `json:"parts"`
	BodyBase64 string            `json:"bodyBase64"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// ErrInvalidMessage is returned by ParseRequestMessage when a field
// fails validation.
var ErrInvalidMessage = fmt.Errorf("wire: invalid request message")

// ParseRequestMessage decodes and validates the inner content of an
// HttpRequest event.
func ParseRequestMessage(content string) (*RequestMessage, error) {
	var raw struct {
		ID         interface{} `json:"id"`
		PartIndex  interface{} `json:"partIndex"`
		Parts      interface{} `json:"parts"`
		BodyBase64 interface{} `json:"bodyBase64"`
		URL        interface{} `json:"url"`
		Method     interface{} `json:"method"`
		Headers    interface{} `json:"headers"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	id, ok := raw.ID.(string)
	if !ok || id == "" || len(id) > MaxRequestIDLen {
		return nil, fmt.Errorf("%w: id", ErrInvalidMessage)
	}

	partIndexF, ok := raw.PartIndex.(float64)
	if !ok || partIndexF < 0 || partIndexF != float64(int(partIndexF)) {
		return nil, fmt.Errorf("%w: partIndex", ErrInvalidMessage)
	}
	partIndex := int(partIndexF)

	partsF, ok := raw.Parts.(float64)
	if !ok || partsF <= 0 || partsF != float64(int(partsF)) {
		return nil, fmt.Errorf("%w: parts", ErrInvalidMessage)
	}
	parts := int(partsF)

	body, ok := raw.BodyBase64.(string)
	if !ok {
		return nil, fmt.Errorf("%w: bodyBase64", ErrInvalidMessage)
	}

	msg := &RequestMessage{
		ID:         id,
		PartIndex:  partIndex,
		Parts:      parts,
		BodyBase64: body,
	}

	if partIndex == 0 {
		url, ok := raw.URL.(string)
		if !ok || url == "" || url[0] != '/' {
			return nil, fmt.Errorf("%w: url", ErrInvalidMessage)
		}
		method, ok := raw.Method.(string)
		if !ok || method == "" {
			return nil, fmt.Errorf("%w: method", ErrInvalidMessage)
		}
		headers, err := decodeHeaders(raw.Headers)
		if err != nil {
			return nil, err
		}
		msg.URL = url
		msg.Method = method
		msg.Headers = headers
		msg.hasMetadata = true
	}

	return msg, nil
}

func decodeHeaders(v interface{}) (map[string]string, error) {
	if v == nil {
		return map[string]string{}, nil
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: headers", ErrInvalidMessage)
	}
	headers := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%w: header value for %q is not a string", ErrInvalidMessage, k)
		}
		headers[k] = s
	}
	return headers, nil
}

// HasMetadata reports whether this part carried url/method/headers (i.e.
// it was partIndex 0 when parsed).
func (m *RequestMessage) HasMetadata() bool { return m.hasMetadata }

// Marshal serializes m as the content string of an inner HttpResponse
// event.
func (m *ResponseMessage) Marshal() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
