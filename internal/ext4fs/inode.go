package ext4fs

import "encoding/binary"

const (
	modeTypeMask   = 0xF000
	modeDirectory  = 0x4000
	modeRegular    = 0x8000
	modeSymlink    = 0xA000

	inodeFlagExtents = 0x00080000

	rootInodeNumber = 2
)

// inode holds the fields this decoder needs from an ext4 inode record.
type inode struct {
	mode      uint16
	size      uint64
	mtimeUnix uint32
	flags     uint32
	blockArea [60]byte // i_block: either the 15 classic block pointers or an extent tree root
}

func parseInode(buf []byte) inode {
	var blockArea [60]byte
	copy(blockArea[:], buf[0x28:0x64])

	sizeLo := binary.LittleEndian.Uint32(buf[0x4:0x8])
	sizeHi := binary.LittleEndian.Uint32(buf[0x6C:0x70])

	return inode{
		mode:      binary.LittleEndian.Uint16(buf[0x0:0x2]),
		size:      uint64(sizeHi)<<32 | uint64(sizeLo),
		mtimeUnix: binary.LittleEndian.Uint32(buf[0x10:0x14]),
		flags:     binary.LittleEndian.Uint32(buf[0x20:0x24]),
		blockArea: blockArea,
	}
}

func (i inode) fileMode() uint16  { return i.mode & modeTypeMask }
func (i inode) isDir() bool       { return i.fileMode() == modeDirectory }
func (i inode) isRegular() bool   { return i.fileMode() == modeRegular }
func (i inode) isSymlink() bool   { return i.fileMode() == modeSymlink }
func (i inode) usesExtents() bool { return i.flags&inodeFlagExtents != 0 }

// inodeOffset computes the byte offset of inode number within the device,
// given its owning block group's inode table location.
func inodeOffset(num uint32, sb superblock, gd blockGroupDescriptor) uint64 {
	index := (num - 1) % sb.inodesPerGroup
	return gd.inodeTableBlock*sb.blockSize + uint64(index)*uint64(sb.inodeSize)
}

func groupForInode(num uint32, sb superblock) uint32 {
	return (num - 1) / sb.inodesPerGroup
}
