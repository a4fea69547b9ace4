package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vhqtvn/krakatau-wasm/internal/classfile"
	"github.com/vhqtvn/krakatau-wasm/internal/codec"
	"github.com/vhqtvn/krakatau-wasm/internal/wasm"
)

const (
	fileField       = "file"
	sourceExtension = ".j"
)

// Aliases accepted for the no_short_code_attr flag.
var noShortCodeAttrParams = []string{"no_short_code_attr", "noShortCodeAttr", "no_shortcodeattr"}

// AssembleResponse is the JSON body of an assemble call, successful or not.
type AssembleResponse struct {
	Success    bool              `json:"success"`
	FilePath   string            `json:"file_path"`
	ClassFiles []codec.ClassFile `json:"class_files"`
	Error      *string           `json:"error"`
}

// payload is the file extracted from a request.
type payload struct {
	data     []byte
	filename string
}

func (s *server) handleDecompile(w http.ResponseWriter, r *http.Request) {
	p, err := s.readPayload(w, r, false)
	if err != nil {
		s.sendFailure(w, r, "Failed to read request", err)
		return
	}
	if len(p.data) == 0 {
		s.sendFailure(w, r, "", invalidInput("No class file data provided"))
		return
	}
	if !classfile.HasMagic(p.data) {
		s.sendFailure(w, r, "", invalidInput("Invalid class file: expected magic number 0xCAFEBABE"))
		return
	}

	// A header that does not parse is left for the engine to report.
	info, _ := classfile.Inspect(p.data)

	filename := p.filename
	if filename == "" {
		filename = r.URL.Query().Get("filename")
	}
	if filename == "" {
		filename = info.FileName()
	}

	req := codec.DecompileRequest{
		FilePath:        filename,
		Content:         p.data,
		Roundtrip:       queryFlag(r, "roundtrip"),
		NoShortCodeAttr: queryFlag(r, noShortCodeAttrParams...),
	}

	out, err := s.engine.Decompile(r.Context(), req)
	if err != nil {
		s.sendFailure(w, r, "Decompilation failed", err)
		return
	}

	event := s.logger.Debug().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("file_path", filename).
		Int("class_bytes", len(p.data)).
		Int("output_bytes", len(out))
	if info != nil {
		event = event.
			Str("class", info.ClassName).
			Str("super_class", info.SuperClass).
			Str("java_version", info.JavaVersion())
	}
	event.Msg("decompiled")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

func (s *server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	p, err := s.readPayload(w, r, true)
	if err != nil {
		s.sendFailure(w, r, "Failed to read request", err)
		return
	}
	if len(p.data) == 0 {
		s.sendFailure(w, r, "", invalidInput("No source file provided"))
		return
	}

	filename := p.filename
	if filename == "" {
		filename = r.URL.Query().Get("filename")
	}
	if filepath.Ext(filename) != sourceExtension {
		s.sendFailure(w, r, "", invalidInput("Source file must have a %s extension", sourceExtension))
		return
	}
	if !utf8.Valid(p.data) {
		s.sendFailure(w, r, "", invalidInput("Source file must be UTF-8 text"))
		return
	}

	resp, err := s.engine.Assemble(r.Context(), codec.AssembleRequest{
		FilePath: filename,
		Source:   string(p.data),
	})

	var failure *wasm.EngineFailureError
	switch {
	case err == nil:
	case errors.As(err, &failure) && resp != nil:
		// Assembly errors in the source are a result, not a server fault.
	default:
		s.sendFailure(w, r, "Assembly failed", err)
		return
	}

	body := AssembleResponse{
		Success:    resp.Success,
		FilePath:   resp.FilePath,
		ClassFiles: resp.ClassFiles,
		Error:      resp.Error,
	}
	if body.FilePath == "" {
		body.FilePath = filename
	}
	if body.ClassFiles == nil {
		body.ClassFiles = []codec.ClassFile{}
	}
	if failure != nil && body.Error == nil {
		msg := failure.Message
		body.Error = &msg
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.sendJSON(w, http.StatusOK, &body)
}

// readPayload extracts the uploaded file. A multipart body must carry it in the "file" field;
// otherwise the raw body is the file unless multipart is required.
func (s *server) readPayload(w http.ResponseWriter, r *http.Request, multipartOnly bool) (*payload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if multipartOnly {
			return nil, invalidInput("Expected a multipart/form-data upload with a %q field", fileField)
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, s.bodyError(err)
		}
		return &payload{data: data}, nil
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, invalidInput("Malformed multipart body: %v", err)
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return &payload{}, nil
		}
		if err != nil {
			return nil, s.bodyError(err)
		}

		if part.FormName() != fileField {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, s.bodyError(err)
		}

		p := &payload{data: data}
		if name := part.FileName(); name != "" {
			p.filename = filepath.Base(name)
		}
		return p, nil
	}
}

func (s *server) bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return invalidInput("Request body exceeds %d bytes", tooLarge.Limit)
	}
	return invalidInput("Failed to read request body: %v", err)
}

// queryFlag is true when any of the named parameters is the literal "true".
func queryFlag(r *http.Request, names ...string) bool {
	query := r.URL.Query()
	for _, name := range names {
		if query.Get(name) == "true" {
			return true
		}
	}
	return false
}
