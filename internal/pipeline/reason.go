// reason.go - Closed outcome-reason enum.
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

package pipeline

// Reason names the closed set of outcomes a single event can produce. It
// is used only for logging and metrics labels, never for control flow
// beyond the switch that produces it.
type Reason string

const (
	ReasonAccepted         Reason = "accepted"
	ReasonMalformedEvent   Reason = "malformed_event"
	ReasonDecryptFail      Reason = "decrypt_fail"
	ReasonVerifyFail       Reason = "verify_fail"
	ReasonIdentityMismatch Reason = "identity_mismatch"
	ReasonOutOfWindow      Reason = "out_of_window"
	ReasonReplay           Reason = "replay"
	ReasonForbidden        Reason = "forbidden"
	ReasonOriginFail       Reason = "origin_fail"
	ReasonTransformerFault Reason = "transformer_fault"
	ReasonPublishFail      Reason = "publish_fail"
	ReasonRelayConnectFail Reason = "relay_connect_fail"
	ReasonIncomplete       Reason = "incomplete"
)
