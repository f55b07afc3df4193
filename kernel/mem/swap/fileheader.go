package swap

import (
	"encoding/binary"

	"github.com/kkmonlee/kmOS/kernel"
)

// fileSignature is the fixed 10-byte magic stamped at the start of every
// swap device's slot 0, the start of its swap-file header.
var fileSignature = [10]byte{'K', 'M', 'O', 'S', 'S', 'W', 'A', 'P', 0, 1}

const fileHeaderVersion = 1

// headerPaddingSize is the fixed padding region between the fixed fields
// and the variable-length bad-page list.
const headerPaddingSize = 500

// fixedHeaderSize is everything before the bad-page list: 10-byte
// signature + 4-byte version + 4-byte last-page-count + 4-byte
// bad-page-count + 500-byte padding.
const fixedHeaderSize = 10 + 4 + 4 + 4 + headerPaddingSize

var (
	errBadSignature = &kernel.Error{Module: "swap", Message: "swap file header signature mismatch"}
	errBadVersion   = &kernel.Error{Module: "swap", Message: "unsupported swap file header version"}
	errTruncated    = &kernel.Error{Module: "swap", Message: "swap file header truncated"}
)

// FileHeader is the persistent state written to slot 0 of every active
// device: how many pages it last reported holding, and which slots are
// permanently marked bad.
type FileHeader struct {
	LastPageCount uint32
	BadPages      []uint32
}

// Encode packs h into its on-device byte layout.
func (h FileHeader) Encode() []byte {
	buf := make([]byte, fixedHeaderSize+4*len(h.BadPages))
	copy(buf[0:10], fileSignature[:])
	binary.LittleEndian.PutUint32(buf[10:14], fileHeaderVersion)
	binary.LittleEndian.PutUint32(buf[14:18], h.LastPageCount)
	binary.LittleEndian.PutUint32(buf[18:22], uint32(len(h.BadPages)))
	for i, slot := range h.BadPages {
		off := fixedHeaderSize + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], slot)
	}
	return buf
}

// DecodeFileHeader unpacks a header previously written by Encode.
func DecodeFileHeader(buf []byte) (FileHeader, *kernel.Error) {
	if len(buf) < fixedHeaderSize {
		return FileHeader{}, errTruncated
	}
	if string(buf[0:10]) != string(fileSignature[:]) {
		return FileHeader{}, errBadSignature
	}
	if binary.LittleEndian.Uint32(buf[10:14]) != fileHeaderVersion {
		return FileHeader{}, errBadVersion
	}

	h := FileHeader{LastPageCount: binary.LittleEndian.Uint32(buf[14:18])}
	badCount := binary.LittleEndian.Uint32(buf[18:22])
	if len(buf) < fixedHeaderSize+4*int(badCount) {
		return FileHeader{}, errTruncated
	}
	for i := uint32(0); i < badCount; i++ {
		off := fixedHeaderSize + 4*int(i)
		h.BadPages = append(h.BadPages, binary.LittleEndian.Uint32(buf[off:off+4]))
	}
	return h, nil
}
