package wasm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/vhqtvn/krakatau-wasm/internal/codec"
)

// warmupAllocationSize is the throwaway allocation made before every real one. The engine's
// heap is unreliable on the first allocation after instantiation.
const warmupAllocationSize = 8

// call runs one raw request cycle: allocate, write, invoke, read, free. The caller must hold
// the bridge lock. The returned bytes are host-owned.
func (e *engineInstance) call(ctx context.Context, op codec.Operation, payload []byte) (out []byte, err error) {
	entry, entryName := e.decompile, exportDecompile
	if op == codec.OpAssemble {
		entry, entryName = e.assemble, exportAssemble
	}
	if entry == nil {
		return nil, &MissingExportError{Name: entryName}
	}

	if _, err := e.allocate.Call(ctx, warmupAllocationSize); err != nil {
		return nil, fmt.Errorf("%w: warm-up allocation: %v", ErrAllocationFailed, err)
	}

	ptr, err := callU32(ctx, e.allocate, uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	if ptr == 0 {
		return nil, fmt.Errorf("%w: allocator returned null for %d bytes", ErrAllocationFailed, len(payload))
	}

	// Size is re-read on every cycle; the module may have grown its memory.
	if uint64(ptr)+uint64(len(payload)) > uint64(e.memory.Size()) {
		return nil, fmt.Errorf("%w: region [%d, %d) exceeds memory size %d",
			ErrAllocationFailed, ptr, uint64(ptr)+uint64(len(payload)), e.memory.Size())
	}
	if !e.memory.Write(ptr, payload) {
		return nil, fmt.Errorf("%w: failed to write request to memory", ErrAllocationFailed)
	}

	// From here on the engine may hold response state, so it is always released.
	defer func() {
		if _, freeErr := e.freeResponse.Call(ctx); freeErr != nil && err == nil {
			out = nil
			err = fmt.Errorf("%w: %s: %v", ErrEngineInvocationFailed, exportFreeResponse, freeErr)
		}
	}()

	e.aborted = false
	status, err := callU32(ctx, entry, uint64(ptr), uint64(len(payload)))
	if err != nil {
		if e.aborted {
			return nil, fmt.Errorf("%w: %w: %v", ErrEngineInvocationFailed, ErrEngineAborted, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrEngineInvocationFailed, entryName, err)
	}
	if int32(status) < 0 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrEngineInvocationFailed, entryName, int32(status))
	}

	length, err := callU32(ctx, e.responseLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseLength, err)
	}
	if int32(length) < 0 {
		return nil, fmt.Errorf("%w: %d", ErrResponseLength, int32(length))
	}

	respPtr, err := callU32(ctx, e.responsePtr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseAddress, err)
	}
	if respPtr == 0 {
		return nil, fmt.Errorf("%w: null pointer", ErrResponseAddress)
	}

	view, ok := e.memory.Read(respPtr, length)
	if !ok {
		return nil, fmt.Errorf("%w: region [%d, %d) exceeds memory size %d",
			ErrResponseAddress, respPtr, uint64(respPtr)+uint64(length), e.memory.Size())
	}

	// The view aliases engine memory, which free_response invalidates.
	return bytes.Clone(view), nil
}

// callU32 calls an export that returns a single i32 and hands back its raw bits.
func callU32(ctx context.Context, fn api.Function, params ...uint64) (uint32, error) {
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%s returned no results", fn.Definition().Name())
	}
	return uint32(results[0]), nil
}
