// Package ntfsfs decodes an NTFS volume's Master File Table directly from a
// raw block-device byte stream, bypassing the kernel's NTFS driver. It is
// grounded on original_source/scanners/NtfsScannerEngine.cpp, re-expressed
// in the style of the retrieval pack's binary-struct decoders (offset reads
// via encoding/binary, e.g. the go-diskfs ext4 superblock reader).
package ntfsfs

import (
	"encoding/binary"
	"fmt"
)

const bootSectorSize = 512

// oemID is the 8-byte marker every NTFS boot sector carries at offset 3.
var oemID = [8]byte{'N', 'T', 'F', 'S', ' ', ' ', ' ', ' '}

// bootSector holds the fields of the NTFS boot sector this decoder needs.
// Offsets below are relative to the start of the 512-byte sector.
type bootSector struct {
	bytesPerSector        uint16
	sectorsPerCluster     uint8
	mftStartLcn           uint64
	clustersPerFileRecord int8
}

func parseBootSector(buf []byte) (bootSector, error) {
	if len(buf) < bootSectorSize {
		return bootSector{}, fmt.Errorf("ntfsfs: boot sector short read: %d bytes", len(buf))
	}
	var got [8]byte
	copy(got[:], buf[3:11])
	if got != oemID {
		return bootSector{}, ErrBadOemID
	}

	bs := bootSector{
		bytesPerSector:        binary.LittleEndian.Uint16(buf[0x0B:]),
		sectorsPerCluster:     buf[0x0D],
		mftStartLcn:           binary.LittleEndian.Uint64(buf[0x30:]),
		clustersPerFileRecord: int8(buf[0x40]),
	}
	if bs.bytesPerSector == 0 || bs.sectorsPerCluster == 0 {
		return bootSector{}, ErrInvalidGeometry
	}
	return bs, nil
}

// bytesPerCluster and recordSize implement spec.md §4.1's boot-sector rules.
func (bs bootSector) bytesPerCluster() uint64 {
	return uint64(bs.bytesPerSector) * uint64(bs.sectorsPerCluster)
}

func (bs bootSector) mftOffset() uint64 {
	return bs.mftStartLcn * bs.bytesPerCluster()
}

func (bs bootSector) recordSize() uint32 {
	if bs.clustersPerFileRecord > 0 {
		return uint32(bs.clustersPerFileRecord) * uint32(bs.bytesPerCluster())
	}
	return 1 << uint(-bs.clustersPerFileRecord)
}
