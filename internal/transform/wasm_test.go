// wasm_test.go - WASI-sandboxed transformer construction tests.
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

package transform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests cover NewWasmTransformer's failure paths only. Exercising a
// live guest module's stdin/stdout round trip would require a compiled
// .wasm binary, which this suite has no way to produce; that gap is
// recorded next to the Redis dedup backend's own no-live-service
// exemption.

func TestNewWasmTransformerRejectsMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := NewWasmTransformer(context.Background(), filepath.Join(t.TempDir(), "does-not-exist.wasm"))
	require.Error(err)
}

func TestNewWasmTransformerRejectsInvalidModule(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "garbage.wasm")
	require.NoError(os.WriteFile(path, []byte("this is not a wasm binary"), 0o644))

	_, err := NewWasmTransformer(context.Background(), path)
	require.Error(err, "a malformed module must fail to compile rather than panic")
}
