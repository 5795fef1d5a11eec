// wasm.go - WASI-sandboxed response transformer.
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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// wasmEnvelope is the JSON object streamed to/from the guest module on
// stdin/stdout, carrying exactly the fields Transform threads through.
type wasmEnvelope struct {
	Request     RequestInfo  `json:"request"`
	Response    ResponseInfo `json:"response"`
	SecretKey   string       `json:"secretKey"`
	Destination string       `json:"destination"`
	NProfile    string       `json:"nprofile"`
}

// WasmTransformer implements Transformer by running a WASI command module
// once per call: the request/response/context envelope is written to the
// guest's stdin as JSON, and the guest writes either an empty line (meaning
// "use original") or a ResponseInfo JSON object to stdout.
//
// This embeds the transformer as a sandboxed guest module rather than an
// out-of-process subprocess, so the sandbox needs no OS process isolation:
// wazero's WASI sandbox already confines the guest to the streams it is
// explicitly given.
type WasmTransformer struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	calls    atomic.Uint64
}

// NewWasmTransformer compiles the module at path for repeated instantiation.
func NewWasmTransformer(ctx context.Context, path string) (*WasmTransformer, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transform: read wasm module: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("transform: instantiate wasi: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("transform: compile wasm module: %w", err)
	}

	return &WasmTransformer{runtime: rt, compiled: compiled}, nil
}

// Close releases the wazero runtime.
func (w *WasmTransformer) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *WasmTransformer) Transform(ctx context.Context, req RequestInfo, resp ResponseInfo, secretKeyHex, destination, nprofile string) (*ResponseInfo, error) {
	in, err := json.Marshal(wasmEnvelope{
		Request:     req,
		Response:    resp,
		SecretKey:   secretKeyHex,
		Destination: destination,
		NProfile:    nprofile,
	})
	if err != nil {
		return nil, fmt.Errorf("transform: marshal envelope: %w", err)
	}

	var stdout bytes.Buffer
	callID := w.calls.Add(1)
	cfg := wazero.NewModuleConfig().
		WithName("transform-call-" + strconv.FormatUint(callID, 10)).
		WithStdin(bytes.NewReader(in)).
		WithStdout(&stdout).
		WithStderr(os.Stderr)

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("transform: run wasm module: %w", err)
	}
	defer mod.Close(ctx)

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}

	var result ResponseInfo
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("transform: unmarshal guest output: %w", err)
	}
	return &result, nil
}
