package ntfsfs

import (
	"encoding/binary"
	"unicode/utf16"
)

// Attribute type codes this decoder cares about (spec.md §4.1).
const (
	attrTypeFileName = 0x30
	attrTypeData     = 0x80
	attrTypeEnd      = 0xFFFFFFFF
)

const (
	fileAttrReparsePoint = 0x400

	reparseTagSymlink     = 0xA000000C
	reparseTagMountPoint  = 0xA0000003
)

// $FILE_NAME namespace values. A DOS (8.3) name is suppressed whenever a
// non-DOS name for the same parent also exists; Win32 and Win32&DOS names
// are preferred over DOS/POSIX ones when picking a record's shared mtime
// and size (spec.md §4.1).
const (
	namespacePosix    = 0
	namespaceWin32    = 1
	namespaceDOS      = 2
	namespaceWin32DOS = 3
)

// attribute is one decoded attribute header within an MFT record.
type attribute struct {
	typ          uint32
	nonResident  bool
	resident     []byte // resident value bytes, nil if non-resident
	dataSize     uint64 // non-resident: attribute's logical data size
	dataRuns     []byte // non-resident: raw run list bytes
}

// walkAttributes iterates the attribute list starting at firstAttrOffset
// within buf, invoking fn for each. Iteration stops at the 0xFFFFFFFF end
// marker or when length framing runs out.
func walkAttributes(buf []byte, firstAttrOffset uint16, fn func(attribute)) {
	pos := int(firstAttrOffset)
	for pos+8 <= len(buf) {
		typ := binary.LittleEndian.Uint32(buf[pos:])
		if typ == attrTypeEnd {
			return
		}
		length := binary.LittleEndian.Uint32(buf[pos+4:])
		if length == 0 || pos+int(length) > len(buf) {
			return
		}
		attrBuf := buf[pos : pos+int(length)]
		nonResident := attrBuf[8] != 0

		a := attribute{typ: typ, nonResident: nonResident}
		if nonResident {
			if len(attrBuf) >= 56 {
				runsOffset := binary.LittleEndian.Uint16(attrBuf[32:34])
				a.dataSize = binary.LittleEndian.Uint64(attrBuf[48:56])
				if int(runsOffset) < len(attrBuf) {
					a.dataRuns = attrBuf[runsOffset:]
				}
			}
		} else {
			if len(attrBuf) >= 24 {
				dataLen := binary.LittleEndian.Uint32(attrBuf[16:20])
				dataOff := binary.LittleEndian.Uint16(attrBuf[20:22])
				end := int(dataOff) + int(dataLen)
				if end <= len(attrBuf) {
					a.resident = attrBuf[dataOff:end]
				}
			}
		}

		fn(a)
		pos += int(length)
	}
}

// fileNameAttr is the decoded $FILE_NAME resident value, per the standard
// MFT_FILE_NAME layout original_source reads field-by-field.
type fileNameAttr struct {
	parentRecordIdx  uint32
	modificationTime uint64
	dataSize         uint64
	fileAttributes   uint32
	reparseTag       uint32
	namespace        uint8
	name             string
}

func parseFileNameAttr(v []byte) (fileNameAttr, bool) {
	if len(v) < 66 {
		return fileNameAttr{}, false
	}
	parentRef := binary.LittleEndian.Uint64(v[0:8]) & mftRefMask
	nameLenChars := int(v[64])
	namespace := v[65]
	nameStart := 66
	nameEnd := nameStart + nameLenChars*2
	if nameEnd > len(v) {
		return fileNameAttr{}, false
	}
	name := utf16LEToString(v[nameStart:nameEnd])

	return fileNameAttr{
		parentRecordIdx:  uint32(parentRef),
		modificationTime: binary.LittleEndian.Uint64(v[16:24]),
		dataSize:         binary.LittleEndian.Uint64(v[48:56]),
		fileAttributes:   binary.LittleEndian.Uint32(v[56:60]),
		reparseTag:       binary.LittleEndian.Uint32(v[60:64]),
		namespace:        namespace,
		name:             name,
	}, true
}

func (f fileNameAttr) isReparsePoint() bool {
	return f.fileAttributes&fileAttrReparsePoint != 0
}

func (f fileNameAttr) isSymlinkReparse() bool {
	return f.isReparsePoint() && (f.reparseTag == reparseTagSymlink || f.reparseTag == reparseTagMountPoint)
}

// utf16LEToString decodes a little-endian UTF-16 byte slice. Surrogate pairs
// are left to Go's utf16 package; NTFS names are always well-formed UTF-16.
func utf16LEToString(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}
