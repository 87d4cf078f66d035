package ext4fs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const testBlockSize = 1024

func putDirEntry(buf []byte, pos int, ino uint32, name string, fileType uint8) int {
	recLen := 8 + len(name)
	binary.LittleEndian.PutUint32(buf[pos:pos+4], ino)
	binary.LittleEndian.PutUint16(buf[pos+4:pos+6], uint16(recLen))
	buf[pos+6] = byte(len(name))
	buf[pos+7] = fileType
	copy(buf[pos+8:pos+8+len(name)], name)
	return pos + recLen
}

func putExtentInode(buf []byte, mode uint16, size uint64, mtime uint32, startBlock uint32) {
	binary.LittleEndian.PutUint16(buf[0x0:0x2], mode)
	binary.LittleEndian.PutUint32(buf[0x4:0x8], uint32(size))
	binary.LittleEndian.PutUint32(buf[0x10:0x14], mtime)
	binary.LittleEndian.PutUint32(buf[0x20:0x24], inodeFlagExtents)
	binary.LittleEndian.PutUint16(buf[0x28:0x2A], extentHeaderMagic)
	binary.LittleEndian.PutUint16(buf[0x2A:0x2C], 1) // entries
	binary.LittleEndian.PutUint16(buf[0x2C:0x2E], 4) // max
	binary.LittleEndian.PutUint16(buf[0x2E:0x30], 0) // depth 0: leaf
	// single leaf extent at i_block+12 (absolute offset 0x34): logicalBlock=0
	// at [0x34:0x38], len at [0x38:0x3A], startHi at [0x3A:0x3C], startLo at
	// [0x3C:0x40].
	binary.LittleEndian.PutUint16(buf[0x38:0x3A], 1) // length
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], startBlock)
}

func putFileInode(buf []byte, size uint64, mtime uint32) {
	binary.LittleEndian.PutUint16(buf[0x0:0x2], modeRegular)
	binary.LittleEndian.PutUint32(buf[0x4:0x8], uint32(size))
	binary.LittleEndian.PutUint32(buf[0x10:0x14], mtime)
}

func buildTestExt4Image(t *testing.T) []byte {
	t.Helper()
	const totalBlocks = 12
	image := make([]byte, totalBlocks*testBlockSize)

	sbOff := 1 * testBlockSize
	sb := image[sbOff : sbOff+superblockSize]
	binary.LittleEndian.PutUint32(sb[0x4:0x8], totalBlocks) // block count lo
	binary.LittleEndian.PutUint32(sb[0x18:0x1C], 0)          // log block size -> 1024
	binary.LittleEndian.PutUint32(sb[0x20:0x24], 8192)       // blocks per group
	binary.LittleEndian.PutUint32(sb[0x28:0x2C], 32)         // inodes per group
	binary.LittleEndian.PutUint16(sb[0x58:0x5A], 128)        // inode size
	binary.LittleEndian.PutUint16(sb[0x38:0x3A], superblockSignature)
	binary.LittleEndian.PutUint32(sb[0x60:0x64], incompatExtents|incompatFiletype)

	gdtOff := 2 * testBlockSize
	binary.LittleEndian.PutUint32(image[gdtOff+0x08:gdtOff+0x0C], 3) // inode table starts at block 3

	const inodeSize = 128
	inodeTableOff := 3 * testBlockSize

	inodeAt := func(num uint32) []byte {
		index := int(num - 1)
		start := inodeTableOff + index*inodeSize
		return image[start : start+inodeSize]
	}

	putExtentInode(inodeAt(2), modeDirectory, 0, 1000, 7)   // root dir -> block 7
	putExtentInode(inodeAt(11), modeDirectory, 0, 1001, 8) // "sub" dir -> block 8
	putFileInode(inodeAt(12), 5, 1002)                      // file1.txt
	putFileInode(inodeAt(13), 7, 1003)                      // file2.txt

	rootBlockOff := 7 * testBlockSize
	rootBlock := image[rootBlockOff : rootBlockOff+testBlockSize]
	pos := 0
	pos = putDirEntry(rootBlock, pos, 2, ".", 2)
	pos = putDirEntry(rootBlock, pos, 2, "..", 2)
	pos = putDirEntry(rootBlock, pos, 11, "sub", 2)
	putDirEntry(rootBlock, pos, 12, "file1.txt", 1)

	subBlockOff := 8 * testBlockSize
	subBlock := image[subBlockOff : subBlockOff+testBlockSize]
	pos = 0
	pos = putDirEntry(subBlock, pos, 11, ".", 2)
	pos = putDirEntry(subBlock, pos, 2, "..", 2)
	putDirEntry(subBlock, pos, 13, "file2.txt", 1)

	return image
}

func TestDecodeWalksDirectoryTree(t *testing.T) {
	image := buildTestExt4Image(t)
	tbl, err := Decode(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	names := make(map[string]int)
	for i := range tbl.Records {
		names[tbl.Name(uint32(i))] = i
	}

	if _, ok := names["sub"]; !ok {
		t.Fatalf("missing \"sub\" entry, got names %v", names)
	}
	if _, ok := names["file1.txt"]; !ok {
		t.Fatalf("missing \"file1.txt\" entry, got names %v", names)
	}
	if _, ok := names["file2.txt"]; !ok {
		t.Fatalf("missing \"file2.txt\" entry, got names %v", names)
	}

	rootIdx := uint32(0)
	if !tbl.Records[rootIdx].IsDir() {
		t.Fatalf("record 0 should be the root directory")
	}

	subIdx := uint32(names["sub"])
	if !tbl.Records[subIdx].IsDir() {
		t.Fatalf("\"sub\" should be a directory")
	}
	if tbl.Records[subIdx].ParentRecordIdx != rootIdx {
		t.Fatalf("\"sub\" parent = %d, want root (%d)", tbl.Records[subIdx].ParentRecordIdx, rootIdx)
	}

	file1Idx := uint32(names["file1.txt"])
	if tbl.Records[file1Idx].ParentRecordIdx != rootIdx {
		t.Fatalf("file1.txt parent = %d, want root", tbl.Records[file1Idx].ParentRecordIdx)
	}
	if tbl.Records[file1Idx].Size != 5 {
		t.Fatalf("file1.txt size = %d, want 5", tbl.Records[file1Idx].Size)
	}

	file2Idx := uint32(names["file2.txt"])
	if tbl.Records[file2Idx].ParentRecordIdx != subIdx {
		t.Fatalf("file2.txt parent = %d, want sub (%d)", tbl.Records[file2Idx].ParentRecordIdx, subIdx)
	}
	if tbl.Records[file2Idx].Size != 7 {
		t.Fatalf("file2.txt size = %d, want 7", tbl.Records[file2Idx].Size)
	}
}

// buildTestExt4ImageWithHardLink mirrors buildTestExt4Image but adds a
// single inode (14) referenced by name from both the root directory and
// "sub", modeling spec.md's S2 hard-link edge case.
func buildTestExt4ImageWithHardLink(t *testing.T) []byte {
	t.Helper()
	const totalBlocks = 12
	image := make([]byte, totalBlocks*testBlockSize)

	sbOff := 1 * testBlockSize
	sb := image[sbOff : sbOff+superblockSize]
	binary.LittleEndian.PutUint32(sb[0x4:0x8], totalBlocks)
	binary.LittleEndian.PutUint32(sb[0x18:0x1C], 0)
	binary.LittleEndian.PutUint32(sb[0x20:0x24], 8192)
	binary.LittleEndian.PutUint32(sb[0x28:0x2C], 32)
	binary.LittleEndian.PutUint16(sb[0x58:0x5A], 128)
	binary.LittleEndian.PutUint16(sb[0x38:0x3A], superblockSignature)
	binary.LittleEndian.PutUint32(sb[0x60:0x64], incompatExtents|incompatFiletype)

	gdtOff := 2 * testBlockSize
	binary.LittleEndian.PutUint32(image[gdtOff+0x08:gdtOff+0x0C], 3)

	const inodeSize = 128
	inodeTableOff := 3 * testBlockSize
	inodeAt := func(num uint32) []byte {
		index := int(num - 1)
		start := inodeTableOff + index*inodeSize
		return image[start : start+inodeSize]
	}

	putExtentInode(inodeAt(2), modeDirectory, 0, 1000, 7)  // root dir -> block 7
	putExtentInode(inodeAt(11), modeDirectory, 0, 1001, 8) // "sub" dir -> block 8
	putFileInode(inodeAt(14), 9, 1004)                     // shared hard-linked inode

	rootBlockOff := 7 * testBlockSize
	rootBlock := image[rootBlockOff : rootBlockOff+testBlockSize]
	pos := 0
	pos = putDirEntry(rootBlock, pos, 2, ".", 2)
	pos = putDirEntry(rootBlock, pos, 2, "..", 2)
	pos = putDirEntry(rootBlock, pos, 11, "sub", 2)
	putDirEntry(rootBlock, pos, 14, "linked.txt", 1)

	subBlockOff := 8 * testBlockSize
	subBlock := image[subBlockOff : subBlockOff+testBlockSize]
	pos = 0
	pos = putDirEntry(subBlock, pos, 11, ".", 2)
	pos = putDirEntry(subBlock, pos, 2, "..", 2)
	putDirEntry(subBlock, pos, 14, "linked-alias.txt", 1)

	return image
}

// TestDecodeHardLinkProducesTwoRecordsWithDistinctParents documents the
// deliberate choice (see DESIGN.md) to emit one record per directory entry
// for a shared inode rather than a single inode-keyed record updated in
// place, per spec.md's own S2 edge case.
func TestDecodeHardLinkProducesTwoRecordsWithDistinctParents(t *testing.T) {
	image := buildTestExt4ImageWithHardLink(t)
	tbl, err := Decode(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var linkedIdx, aliasIdx = -1, -1
	for i := range tbl.Records {
		switch tbl.Name(uint32(i)) {
		case "linked.txt":
			linkedIdx = i
		case "linked-alias.txt":
			aliasIdx = i
		}
	}
	if linkedIdx == -1 || aliasIdx == -1 {
		t.Fatalf("expected both hard-link names present, got linked=%d alias=%d", linkedIdx, aliasIdx)
	}
	if linkedIdx == aliasIdx {
		t.Fatalf("expected two distinct records for the hard-linked inode, got the same index %d", linkedIdx)
	}

	linked, alias := tbl.Records[linkedIdx], tbl.Records[aliasIdx]
	if linked.ParentRecordIdx == alias.ParentRecordIdx {
		t.Fatalf("expected distinct parents, both = %d", linked.ParentRecordIdx)
	}
	if linked.Size != alias.Size || linked.ModificationTime != alias.ModificationTime {
		t.Fatalf("hard-linked records should share size/mtime: %+v vs %+v", linked, alias)
	}
}

func TestParseSuperblockRejectsBadSignature(t *testing.T) {
	buf := make([]byte, superblockSize)
	if _, err := parseSuperblock(buf); err != ErrBadSuperblockSignature {
		t.Fatalf("got err %v, want ErrBadSuperblockSignature", err)
	}
}
