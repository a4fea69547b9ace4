package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// DefaultDecompileResponse is what a FakeEngine returns from decompile_json unless overridden.
const DefaultDecompileResponse = `{"success":true,"file_path":"Hello.class","output":".version 52 0\n.class public super com/example/Hello\n.super java/lang/Object\n.end class\n","error":null}`

// DefaultAssembleResponse is what a FakeEngine returns from assemble_json unless overridden.
const DefaultAssembleResponse = `{"success":true,"file_path":"Hello.j","class_files":[{"name":"com/example/Hello","base64_content":"yv66vgAAADQ="}],"error":null}`

// FakeEngine describes a synthetic engine module that honours the engine export contract with
// canned responses. The zero value is a healthy engine.
//
// Besides the contract exports it exports the mutable globals alloc_calls, free_calls,
// last_request_ptr and last_request_len for assertions.
type FakeEngine struct {
	DecompileResponse string
	AssembleResponse  string

	OmitAssemble bool   // don't export assemble_json
	OmitMemory   bool   // don't export the linear memory
	OmitExport   string // don't export this function

	AllocateNull    bool  // allocate_input_buffer always returns 0
	InvokeStatus    int32 // non-zero: entry points return this status instead of the length
	ResponseLength  int32 // non-zero: get_response_length returns this
	NullResponsePtr bool  // get_response_ptr returns 0
	Trap            bool  // entry points execute unreachable
	Abort           bool  // entry points call env.abort

	// Pause imports test.pause and calls it first thing in every entry point.
	Pause bool
}

// WriteFile encodes the module into a temp dir and returns its path.
func (f FakeEngine) WriteFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.wasm")
	if err := os.WriteFile(path, f.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write fake engine: %v", err)
	}
	return path
}

const (
	typeAlloc  = 0 // (i32) -> i32
	typeEntry  = 1 // (i32, i32) -> i32
	typeGetter = 2 // () -> i32
	typeVoid   = 3 // () -> ()
	typeAbort  = 4 // (i32, i32, i32, i32) -> ()

	globalHeap     = 0
	globalRespPtr  = 1
	globalRespLen  = 2
	globalAllocs   = 3
	globalFrees    = 4
	globalLastPtr  = 5
	globalLastLen  = 6
	dataBase       = 16
	memoryPages    = 4
	minimumHeapTop = 1024
)

// Bytes encodes the module in the WebAssembly binary format.
func (f FakeEngine) Bytes() []byte {
	decompileResp := f.DecompileResponse
	if decompileResp == "" {
		decompileResp = DefaultDecompileResponse
	}
	assembleResp := f.AssembleResponse
	if assembleResp == "" {
		assembleResp = DefaultAssembleResponse
	}

	decompileOff := int32(dataBase)
	assembleOff := decompileOff + int32(len(decompileResp))
	heapBase := (assembleOff + int32(len(assembleResp)) + 7) &^ 7
	if heapBase < minimumHeapTop {
		heapBase = minimumHeapTop
	}

	var imports [][]byte
	funcIndex := uint32(0)
	abortIdx, pauseIdx := uint32(0), uint32(0)
	if f.Abort {
		imports = append(imports, importFunc("env", "abort", typeAbort))
		abortIdx = funcIndex
		funcIndex++
	}
	if f.Pause {
		imports = append(imports, importFunc("test", "pause", typeVoid))
		pauseIdx = funcIndex
		funcIndex++
	}

	entry := func(off, length int32) []byte {
		var b []byte
		if f.Pause {
			b = append(b, opCall)
			b = append(b, uleb(pauseIdx)...)
		}
		if f.Trap {
			return append(b, opUnreachable)
		}
		if f.Abort {
			for range 4 {
				b = append(b, i32Const(0)...)
			}
			b = append(b, opCall)
			b = append(b, uleb(abortIdx)...)
			return append(b, i32Const(0)...)
		}

		b = append(b, opLocalGet, 0, opGlobalSet, globalLastPtr)
		b = append(b, opLocalGet, 1, opGlobalSet, globalLastLen)

		// Reject empty input and anything that isn't a JSON object.
		b = append(b, opLocalGet, 1, opI32Eqz, opIf, blockEmpty)
		b = append(b, i32Const(-1)...)
		b = append(b, opReturn, opEnd)
		b = append(b, opLocalGet, 0, opI32Load8U, 0, 0)
		b = append(b, i32Const('{')...)
		b = append(b, opI32Ne, opIf, blockEmpty)
		b = append(b, i32Const(-1)...)
		b = append(b, opReturn, opEnd)

		b = append(b, i32Const(off)...)
		b = append(b, opGlobalSet, globalRespPtr)
		b = append(b, i32Const(length)...)
		b = append(b, opGlobalSet, globalRespLen)
		if f.InvokeStatus != 0 {
			return append(b, i32Const(f.InvokeStatus)...)
		}
		return append(b, i32Const(length)...)
	}

	var alloc []byte
	alloc = append(alloc, opGlobalGet, globalAllocs)
	alloc = append(alloc, i32Const(1)...)
	alloc = append(alloc, opI32Add, opGlobalSet, globalAllocs)
	if f.AllocateNull {
		alloc = append(alloc, i32Const(0)...)
	} else {
		alloc = append(alloc, opLocalGet, 0, opI32Eqz, opIf, blockEmpty)
		alloc = append(alloc, i32Const(0)...)
		alloc = append(alloc, opReturn, opEnd)
		// Bump allocation aligned to 8 bytes; the old heap top is the result.
		alloc = append(alloc, opGlobalGet, globalHeap)
		alloc = append(alloc, opGlobalGet, globalHeap, opLocalGet, 0)
		alloc = append(alloc, i32Const(7)...)
		alloc = append(alloc, opI32Add)
		alloc = append(alloc, i32Const(-8)...)
		alloc = append(alloc, opI32And, opI32Add, opGlobalSet, globalHeap)
	}

	var length []byte
	if f.ResponseLength != 0 {
		length = i32Const(f.ResponseLength)
	} else {
		length = []byte{opGlobalGet, globalRespLen}
	}

	var ptr []byte
	if f.NullResponsePtr {
		ptr = i32Const(0)
	} else {
		ptr = []byte{opGlobalGet, globalRespPtr}
	}

	var free []byte
	free = append(free, i32Const(0)...)
	free = append(free, opGlobalSet, globalRespPtr)
	free = append(free, i32Const(0)...)
	free = append(free, opGlobalSet, globalRespLen)
	free = append(free, opGlobalGet, globalFrees)
	free = append(free, i32Const(1)...)
	free = append(free, opI32Add, opGlobalSet, globalFrees)
	free = append(free, i32Const(heapBase)...)
	free = append(free, opGlobalSet, globalHeap)

	type function struct {
		name     string
		typeIdx  uint32
		body     []byte
		exported bool
	}
	functions := []function{
		{"allocate_input_buffer", typeAlloc, alloc, true},
		{"decompile_json", typeEntry, entry(decompileOff, int32(len(decompileResp))), true},
		{"assemble_json", typeEntry, entry(assembleOff, int32(len(assembleResp))), !f.OmitAssemble},
		{"get_response_length", typeGetter, length, true},
		{"get_response_ptr", typeGetter, ptr, true},
		{"free_response", typeVoid, free, true},
	}

	types := [][]byte{
		funcType([]byte{valI32}, []byte{valI32}),
		funcType([]byte{valI32, valI32}, []byte{valI32}),
		funcType(nil, []byte{valI32}),
		funcType(nil, nil),
		funcType([]byte{valI32, valI32, valI32, valI32}, nil),
	}

	var funcDecls, codes, exports [][]byte
	for i, fn := range functions {
		funcDecls = append(funcDecls, uleb(fn.typeIdx))
		codes = append(codes, codeEntry(fn.body))
		if fn.exported && fn.name != f.OmitExport {
			exports = append(exports, exportEntry(fn.name, exportKindFunc, funcIndex+uint32(i)))
		}
	}
	if !f.OmitMemory {
		exports = append(exports, exportEntry("memory", exportKindMemory, 0))
	}
	exports = append(exports,
		exportEntry("alloc_calls", exportKindGlobal, globalAllocs),
		exportEntry("free_calls", exportKindGlobal, globalFrees),
		exportEntry("last_request_ptr", exportKindGlobal, globalLastPtr),
		exportEntry("last_request_len", exportKindGlobal, globalLastLen),
	)

	globals := [][]byte{
		mutableI32(heapBase),
		mutableI32(0),
		mutableI32(0),
		mutableI32(0),
		mutableI32(0),
		mutableI32(0),
		mutableI32(0),
	}

	data := [][]byte{
		dataSegment(decompileOff, []byte(decompileResp)),
		dataSegment(assembleOff, []byte(assembleResp)),
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(sectionType, vec(types))...)
	if len(imports) > 0 {
		out = append(out, section(sectionImport, vec(imports))...)
	}
	out = append(out, section(sectionFunction, vec(funcDecls))...)
	out = append(out, section(sectionMemory, vec([][]byte{{0x00, memoryPages}}))...)
	out = append(out, section(sectionGlobal, vec(globals))...)
	out = append(out, section(sectionExport, vec(exports))...)
	out = append(out, section(sectionCode, vec(codes))...)
	out = append(out, section(sectionData, vec(data))...)
	return out
}

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	exportKindFunc   = 0x00
	exportKindMemory = 0x02
	exportKindGlobal = 0x03

	valI32     = 0x7f
	blockEmpty = 0x40

	opUnreachable = 0x00
	opIf          = 0x04
	opEnd         = 0x0b
	opReturn      = 0x0f
	opCall        = 0x10
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load8U   = 0x2d
	opI32Const    = 0x41
	opI32Eqz      = 0x45
	opI32Ne       = 0x47
	opI32Add      = 0x6a
	opI32And      = 0x71
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := append([]byte{id}, uleb(uint32(len(content)))...)
	return append(out, content...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint32(len(results)))...)
	return append(out, results...)
}

func importFunc(module, field string, typeIdx uint32) []byte {
	out := name(module)
	out = append(out, name(field)...)
	out = append(out, 0x00)
	return append(out, uleb(typeIdx)...)
}

func exportEntry(field string, kind byte, idx uint32) []byte {
	out := name(field)
	out = append(out, kind)
	return append(out, uleb(idx)...)
}

func mutableI32(init int32) []byte {
	out := []byte{valI32, 0x01}
	out = append(out, i32Const(init)...)
	return append(out, opEnd)
}

func codeEntry(instructions []byte) []byte {
	body := []byte{0x00} // no locals
	body = append(body, instructions...)
	body = append(body, opEnd)
	return append(uleb(uint32(len(body))), body...)
}

func dataSegment(offset int32, content []byte) []byte {
	out := []byte{0x00}
	out = append(out, i32Const(offset)...)
	out = append(out, opEnd)
	out = append(out, uleb(uint32(len(content)))...)
	return append(out, content...)
}
