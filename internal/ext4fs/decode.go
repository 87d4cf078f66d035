package ext4fs

import (
	"fmt"
	"io"

	"github.com/reikooters/kerything/internal/kerecord"
)

type queueItem struct {
	inodeNum     uint32
	parentTblIdx uint32
}

// Decode walks an ext4 volume's directory tree starting at the fixed root
// inode (2) and returns a kerecord.Table covering every live file and
// directory entry. Like ntfsfs.Decode, it never touches the kernel's ext4
// driver: every field is read directly off the raw device bytes.
func Decode(dev io.ReaderAt) (kerecord.Table, error) {
	sbBuf := make([]byte, superblockSize)
	if _, err := dev.ReadAt(sbBuf, superblockOffset); err != nil {
		return kerecord.Table{}, fmt.Errorf("ext4fs: reading superblock: %w", err)
	}
	sb, err := parseSuperblock(sbBuf)
	if err != nil {
		return kerecord.Table{}, err
	}

	gdtBuf := make([]byte, uint64(sb.numBlockGroups())*uint64(sb.descSize))
	if _, err := dev.ReadAt(gdtBuf, int64(sb.groupDescriptorTableBlock()*sb.blockSize)); err != nil {
		return kerecord.Table{}, fmt.Errorf("ext4fs: reading block group descriptor table: %w", err)
	}
	descs, err := parseBlockGroupDescriptors(gdtBuf, sb)
	if err != nil {
		return kerecord.Table{}, err
	}

	readInode := func(num uint32) (inode, error) {
		gd := descs[groupForInode(num, sb)]
		buf := make([]byte, sb.inodeSize)
		if _, err := dev.ReadAt(buf, int64(inodeOffset(num, sb, gd))); err != nil {
			return inode{}, fmt.Errorf("ext4fs: reading inode %d: %w", num, err)
		}
		return parseInode(buf), nil
	}

	builder := kerecord.NewBuilder(4096)
	rootOff, rootLen := builder.Append("/")
	records := []kerecord.Record{
		kerecord.NewRecord(kerecord.RootSentinel, 0, 0, rootOff, rootLen, true, false),
	}

	visitedDirs := map[uint32]bool{rootInodeNumber: true}
	queue := []queueItem{{inodeNum: rootInodeNumber, parentTblIdx: 0}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		dirInode, err := readInode(item.inodeNum)
		if err != nil {
			return kerecord.Table{}, err
		}
		if !dirInode.isDir() {
			continue
		}

		blocks, err := dataBlocks(dev, sb, dirInode)
		if err != nil {
			return kerecord.Table{}, fmt.Errorf("ext4fs: resolving data blocks for inode %d: %w", item.inodeNum, err)
		}

		blockBuf := make([]byte, sb.blockSize)
		for _, b := range blocks {
			if _, err := dev.ReadAt(blockBuf, int64(b*sb.blockSize)); err != nil {
				return kerecord.Table{}, fmt.Errorf("ext4fs: reading directory block %d: %w", b, err)
			}
			for _, e := range parseDirBlock(blockBuf) {
				childInode, err := readInode(e.inode)
				if err != nil {
					return kerecord.Table{}, err
				}

				// A hard-linked inode reached from two directories gets one
				// record per directory entry rather than a single inode-keyed
				// record updated in place. This is a deliberate deviation from
				// §4.2's update-in-place prose, settled in favor of spec.md's
				// own hard-link edge case, which expects two records with
				// distinct parents out of this exact scenario; see DESIGN.md.
				off, length := builder.Append(e.name)
				rec := kerecord.NewRecord(item.parentTblIdx, childInode.size, uint64(childInode.mtimeUnix)*1_000_000_000,
					off, length, childInode.isDir(), childInode.isSymlink())
				tblIdx := uint32(len(records))
				records = append(records, rec)

				if childInode.isDir() && !visitedDirs[e.inode] {
					visitedDirs[e.inode] = true
					queue = append(queue, queueItem{inodeNum: e.inode, parentTblIdx: tblIdx})
				}
			}
		}
	}

	return kerecord.Table{Records: records, Pool: builder.Pool()}, nil
}
