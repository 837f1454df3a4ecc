package signwrap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	// eocdSize is the fixed size of a ZIP end-of-central-directory record.
	eocdSize = 22
	// maxCommentSize is the largest value representable in the 16-bit
	// comment-length field of the EOCD record.
	maxCommentSize = 0xFFFF
)

var eocdSignature = []byte{0x50, 0x4B, 0x05, 0x06}

// Trailer describes the end-of-central-directory record found at the tail
// of a file.
type Trailer struct {
	// CommentSizeOffset is the absolute file offset of the 2-byte
	// little-endian comment-length field.
	CommentSizeOffset int64
	// CommentSize is the effective comment length. In lenient mode it is
	// recomputed from the actual tail of the file rather than read from the
	// stored field.
	CommentSize uint16
	// Consistent reports whether the stored comment length agreed with the
	// number of bytes actually following the record.
	Consistent bool
}

// LocateTrailer scans the tail of the file at path for a ZIP EOCD record.
//
// In strict mode a candidate is only accepted when its stored comment length
// matches the bytes remaining after the record. In lenient mode the first
// candidate found (scanning backward) is accepted and the comment length is
// recomputed from the actual tail, which recovers a trailer whose stored
// field was left stale by an earlier signing attempt.
//
// A nil Trailer with a nil error means the file carries no usable trailer
// and can be signed directly. The bool reports whether any candidate
// signature bytes were seen at all, so callers can warn about a trailer that
// was found but failed validation.
func LocateTrailer(path string, lenient bool) (*Trailer, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	size := info.Size()
	if size < eocdSize {
		// Too short to contain a trailer.
		return nil, false, nil
	}

	bufLen := int64(eocdSize + maxCommentSize)
	if size < bufLen {
		bufLen = size
	}
	bufOffset := size - bufLen

	buf := make([]byte, bufLen)
	if _, err := f.ReadAt(buf, bufOffset); err != nil {
		return nil, false, fmt.Errorf("failed to read tail of %s: %w", path, err)
	}

	sawCandidate := false
	for pos := len(buf) - eocdSize; pos >= 0; pos-- {
		if !bytes.Equal(buf[pos:pos+len(eocdSignature)], eocdSignature) {
			continue
		}
		sawCandidate = true

		headerEnd := pos + eocdSize
		sizePos := headerEnd - 2
		stored := binary.LittleEndian.Uint16(buf[sizePos:])

		if lenient {
			// Trust the record position and recompute the comment length
			// from the bytes actually present after it.
			effective := len(buf) - headerEnd
			return &Trailer{
				CommentSizeOffset: bufOffset + int64(sizePos),
				CommentSize:       uint16(effective),
				Consistent:        int(stored) == effective,
			}, true, nil
		}

		// A stored length that overflows the available bytes is a
		// validation failure, not an error.
		if headerEnd+int(stored) == len(buf) {
			return &Trailer{
				CommentSizeOffset: bufOffset + int64(sizePos),
				CommentSize:       stored,
				Consistent:        true,
			}, true, nil
		}
	}

	return nil, sawCandidate, nil
}

// WriteCommentSize overwrites the 2-byte comment-length field at the given
// offset in place. No other byte of the file is touched.
func WriteCommentSize(path string, offset int64, size uint16) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for patching: %w", path, err)
	}
	defer f.Close()

	var field [2]byte
	binary.LittleEndian.PutUint16(field[:], size)
	if _, err := f.WriteAt(field[:], offset); err != nil {
		return fmt.Errorf("failed to patch comment size in %s: %w", path, err)
	}
	return nil
}
