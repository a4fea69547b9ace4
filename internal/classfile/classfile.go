// Package classfile inspects compiled Java classes before they are handed to the engine.
package classfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"

	parser "github.com/wreulicke/classfile-parser"
)

// Magic is the first four bytes of every class file.
const Magic uint32 = 0xCAFEBABE

// FallbackFileName is used when no better name can be derived.
const FallbackFileName = "input.class"

var ErrNotClassFile = errors.New("not a class file")

var majorVersions = map[uint16]string{
	45: "1.1", 46: "1.2", 47: "1.3", 48: "1.4",
	49: "5", 50: "6", 51: "7", 52: "8",
	53: "9", 54: "10", 55: "11", 56: "12",
	57: "13", 58: "14", 59: "15", 60: "16",
	61: "17", 62: "18", 63: "19", 64: "20",
	65: "21", 66: "22", 67: "23", 68: "24",
	69: "25",
}

// Info is what the class header says about itself.
type Info struct {
	ClassName    string // internal form, e.g. com/example/Foo
	SuperClass   string
	MajorVersion uint16
}

// JavaVersion maps the major version to a release name.
func (i *Info) JavaVersion() string {
	if v, ok := majorVersions[i.MajorVersion]; ok {
		return v
	}
	return fmt.Sprintf("unknown (%d)", i.MajorVersion)
}

// FileName is the simple class name with a .class suffix. A nil or nameless Info yields
// FallbackFileName.
func (i *Info) FileName() string {
	if i == nil || i.ClassName == "" {
		return FallbackFileName
	}
	return path.Base(i.ClassName) + ".class"
}

// HasMagic reports whether data starts with 0xCAFEBABE.
func HasMagic(data []byte) bool {
	return len(data) >= 4 && binary.BigEndian.Uint32(data) == Magic
}

// Inspect parses the class header. Only the constant pool and this/super entries are needed,
// but the whole structure must be well formed.
func Inspect(data []byte) (info *Info, err error) {
	if !HasMagic(data) {
		return nil, ErrNotClassFile
	}

	// The parser indexes the constant pool without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			info, err = nil, fmt.Errorf("failed to parse class file: %v", r)
		}
	}()

	cf, err := parser.New(bytes.NewReader(data)).Parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse class file: %w", err)
	}

	name, err := cf.ThisClassName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve class name: %w", err)
	}

	info = &Info{
		ClassName:    name,
		MajorVersion: uint16(cf.MajorVersion),
	}
	if cf.SuperClass != 0 {
		if super, err := cf.SuperClassName(); err == nil {
			info.SuperClass = super
		}
	}
	return info, nil
}
