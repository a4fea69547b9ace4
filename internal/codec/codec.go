// Package codec builds and parses the JSON envelopes exchanged with the engine module.
//
// Field names are a fixed contract with the module build. Changing any of them requires
// rebuilding the module in lockstep.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// Operation identifies which engine entry point a request targets.
type Operation string

const (
	OpDecompile Operation = "decompile"
	OpAssemble  Operation = "assemble"
)

// Request is one engine operation. The only implementations are DecompileRequest and
// AssembleRequest.
type Request interface {
	Operation() Operation
	Path() string
	isRequest()
}

// DecompileRequest asks the engine to disassemble a compiled class.
type DecompileRequest struct {
	FilePath        string
	Content         []byte
	Roundtrip       bool
	NoShortCodeAttr bool
}

func (DecompileRequest) Operation() Operation { return OpDecompile }
func (r DecompileRequest) Path() string      { return r.FilePath }
func (DecompileRequest) isRequest()          {}

// AssembleRequest asks the engine to assemble source text into class files.
type AssembleRequest struct {
	FilePath string
	Source   string
}

func (AssembleRequest) Operation() Operation { return OpAssemble }
func (r AssembleRequest) Path() string      { return r.FilePath }
func (AssembleRequest) isRequest()          {}

type decompileEnvelope struct {
	FilePath        string `json:"file_path"`
	Base64Content   string `json:"base64_content"`
	Roundtrip       bool   `json:"roundtrip"`
	NoShortCodeAttr bool   `json:"no_short_code_attr"`
}

type assembleEnvelope struct {
	FilePath   string `json:"file_path"`
	SourceCode string `json:"source_code"`
}

// Encode serializes a request into the JSON bytes the engine expects.
func Encode(req Request) ([]byte, error) {
	switch r := req.(type) {
	case DecompileRequest:
		return json.Marshal(decompileEnvelope{
			FilePath:        r.FilePath,
			Base64Content:   base64.StdEncoding.EncodeToString(r.Content),
			Roundtrip:       r.Roundtrip,
			NoShortCodeAttr: r.NoShortCodeAttr,
		})
	case AssembleRequest:
		return json.Marshal(assembleEnvelope{
			FilePath:   r.FilePath,
			SourceCode: r.Source,
		})
	case nil:
		return nil, errors.New("request cannot be nil")
	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
}

// Response is the decoded engine reply. Output is set on successful decompiles, ClassFiles on
// successful assembles and Error on failures.
type Response struct {
	Success    bool        `json:"success"`
	FilePath   string      `json:"file_path,omitempty"`
	Output     *string     `json:"output,omitempty"`
	Error      *string     `json:"error,omitempty"`
	ClassFiles []ClassFile `json:"class_files,omitempty"`
}

// ClassFile is one class produced by the assembler.
type ClassFile struct {
	Name          *string `json:"name,omitempty"`
	Base64Content string  `json:"base64_content"`
}

// Bytes decodes the class file content.
func (c ClassFile) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(c.Base64Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode class file content: %w", err)
	}
	return data, nil
}

// Decode parses the raw bytes copied out of engine memory.
func Decode(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, errors.New("empty response")
	}
	if !utf8.Valid(data) {
		return nil, errors.New("response is not valid UTF-8")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("invalid response JSON: %w", err)
	}
	return &resp, nil
}

// OutputText returns the decompiled text or an empty string.
func (r *Response) OutputText() string {
	if r == nil || r.Output == nil {
		return ""
	}
	return *r.Output
}

// ErrorText returns the engine's error message or an empty string.
func (r *Response) ErrorText() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return *r.Error
}
