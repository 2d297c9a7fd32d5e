package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"runtime/debug"
)

func Fatal(v any) {
	fmt.Printf("fatal: %v\n", v)
	debug.PrintStack()
	os.Exit(1)
}

func MustNo(err error) {
	if err != nil {
		Fatal(err)
	}
}

func Read[T any](content []byte, val *T) {
	reader := bytes.NewReader(content)
	err := binary.Read(reader, binary.LittleEndian, val) // PE is little endian
	MustNo(err)
}

func Assert(res bool) {
	if !res {
		Fatal(res)
	}
}

func ReadSlice[T any](content []byte, size int) []T {
	Assert(len(content) % size == 0)
	ret := make([]T, 0)
	for len(content) > 0 {
		var ele T
		Read[T](content, &ele)
		ret = append(ret, ele)
		content = content[size:]
	}
	return ret
}

// Write serializes val little-endian and appends it to buf, returning the
// grown slice. Mirrors Read's use of encoding/binary.
func Write[T any](buf []byte, val T) []byte {
	b := bytes.Buffer{}
	err := binary.Write(&b, binary.LittleEndian, val)
	MustNo(err)
	return append(buf, b.Bytes()...)
}

// AlignTo rounds n up to the next multiple of align. align must be a
// power of two; n itself need not be.
func AlignTo(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a power of two, as required of every
// alignment accepted by the section builder.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}