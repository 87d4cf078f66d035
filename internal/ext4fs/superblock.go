package ext4fs

import (
	"encoding/binary"
	"fmt"
)

const superblockOffset = 1024
const superblockSize = 1024

const superblockSignature = 0xEF53

const (
	incompatFiletype = 0x0002
	incompatExtents  = 0x0040
	incompat64Bit    = 0x0080
)

// superblock holds the fields this decoder needs out of the ext4
// superblock, per other_examples' go-diskfs offsets.
type superblock struct {
	blockSize       uint64
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	inodeSize       uint16
	blockCount      uint64
	incompatFeatures uint32
	descSize        uint16
}

func parseSuperblock(buf []byte) (superblock, error) {
	if len(buf) < superblockSize {
		return superblock{}, fmt.Errorf("%w: %d bytes", ErrShortRead, len(buf))
	}
	sig := binary.LittleEndian.Uint16(buf[0x38:0x3A])
	if sig != superblockSignature {
		return superblock{}, ErrBadSuperblockSignature
	}

	incompat := binary.LittleEndian.Uint32(buf[0x60:0x64])
	logBlockSize := binary.LittleEndian.Uint32(buf[0x18:0x1C])

	blockCountLo := binary.LittleEndian.Uint32(buf[0x4:0x8])
	var blockCountHi uint32
	if incompat&incompat64Bit != 0 {
		blockCountHi = binary.LittleEndian.Uint32(buf[0x150:0x154])
	}

	descSize := uint16(32)
	if incompat&incompat64Bit != 0 {
		if ds := binary.LittleEndian.Uint16(buf[0xFE:0x100]); ds > 32 {
			descSize = ds
		}
	}

	return superblock{
		blockSize:        1024 << logBlockSize,
		blocksPerGroup:    binary.LittleEndian.Uint32(buf[0x20:0x24]),
		inodesPerGroup:    binary.LittleEndian.Uint32(buf[0x28:0x2C]),
		inodeSize:         binary.LittleEndian.Uint16(buf[0x58:0x5A]),
		blockCount:        uint64(blockCountHi)<<32 | uint64(blockCountLo),
		incompatFeatures:  incompat,
		descSize:          descSize,
	}, nil
}

func (sb superblock) usesExtentsFeature() bool { return sb.incompatFeatures&incompatExtents != 0 }
func (sb superblock) recordsFileType() bool    { return sb.incompatFeatures&incompatFiletype != 0 }

func (sb superblock) numBlockGroups() uint32 {
	n := sb.blockCount / uint64(sb.blocksPerGroup)
	if sb.blockCount%uint64(sb.blocksPerGroup) != 0 {
		n++
	}
	return uint32(n)
}

// blockGroupDescriptor holds the one field this decoder needs: where the
// group's inode table starts.
type blockGroupDescriptor struct {
	inodeTableBlock uint64
}

func parseBlockGroupDescriptors(buf []byte, sb superblock) ([]blockGroupDescriptor, error) {
	n := sb.numBlockGroups()
	descs := make([]blockGroupDescriptor, n)
	for i := uint32(0); i < n; i++ {
		start := uint64(i) * uint64(sb.descSize)
		if start+uint64(sb.descSize) > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: block group descriptor table truncated", ErrShortRead)
		}
		d := buf[start:]
		lo := binary.LittleEndian.Uint32(d[0x08:0x0C])
		var hi uint32
		if sb.descSize >= 64 {
			hi = binary.LittleEndian.Uint32(d[0x28:0x2C])
		}
		descs[i] = blockGroupDescriptor{inodeTableBlock: uint64(hi)<<32 | uint64(lo)}
	}
	return descs, nil
}

// groupDescriptorTableBlock returns which block holds the block group
// descriptor table: block 2 for a 1024-byte block size (block 0 is the boot
// area and block 1 the superblock), block 1 otherwise (the superblock then
// sits at byte 1024 inside block 0).
func (sb superblock) groupDescriptorTableBlock() uint64 {
	if sb.blockSize == 1024 {
		return 2
	}
	return 1
}
