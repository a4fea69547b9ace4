package testutil

import "encoding/binary"

// MinimalClass returns a structurally valid class file (major version 52) declaring the
// abstract class internalName with one abstract method "run()V".
func MinimalClass(internalName string) []byte {
	var b []byte
	u2 := func(v uint16) { b = binary.BigEndian.AppendUint16(b, v) }
	utf8 := func(s string) {
		b = append(b, 1)
		u2(uint16(len(s)))
		b = append(b, s...)
	}
	class := func(nameIndex uint16) {
		b = append(b, 7)
		u2(nameIndex)
	}

	b = binary.BigEndian.AppendUint32(b, 0xCAFEBABE)
	u2(0)  // minor
	u2(52) // major

	// Constant pool count is entries + 1.
	u2(7)
	utf8(internalName)       // #1
	class(1)                 // #2
	utf8("java/lang/Object") // #3
	class(3)                 // #4
	utf8("run")              // #5
	utf8("()V")              // #6

	u2(0x0421) // public super abstract
	u2(2)      // this
	u2(4)      // super
	u2(0)      // interfaces
	u2(0)      // fields

	u2(1)      // methods
	u2(0x0401) // public abstract
	u2(5)
	u2(6)
	u2(0) // method attributes

	u2(0) // class attributes
	return b
}
