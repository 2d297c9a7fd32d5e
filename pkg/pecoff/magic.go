package pecoff

import "bytes"

// DOS and PE signatures, checked before trusting any other header
// field.
var (
	dosMagic = []byte("MZ")
	peMagic  = []byte("PE\x00\x00")
)

// CheckDOSMagic reports whether content begins with the MS-DOS stub
// signature expected at the front of every PE image.
func CheckDOSMagic(content []byte) bool {
	return bytes.HasPrefix(content, dosMagic)
}

// CheckPEMagic reports whether content at the given offset is the PE
// signature that follows the DOS stub.
func CheckPEMagic(content []byte, offset uint32) bool {
	if uint32(len(content)) < offset+4 {
		return false
	}
	return bytes.Equal(content[offset:offset+4], peMagic)
}
