// Package ext4fs decodes an ext4 filesystem's directory tree directly from a
// raw block-device byte stream. The traversal algorithm is grounded on
// original_source/scanners/Ext4ScannerEngine.cpp, which drives libext2fs;
// since libext2fs has no Go binding, the on-disk struct layout here follows
// the retrieval pack's pure-Go ext4 reader (other_examples' go-diskfs
// superblock/inode decoders) instead.
package ext4fs

import "errors"

var (
	// ErrBadSuperblockSignature is returned when the superblock's magic
	// number at offset 0x38 is not 0xEF53.
	ErrBadSuperblockSignature = errors.New("ext4fs: bad superblock signature")
	// ErrUnsupportedLayout is returned for extent-tree shapes this decoder
	// does not accept: a node whose header magic is wrong, or a tree nested
	// deeper than the walker's level limit. Classic double- and
	// triple-indirect block pointers are not followed and do not raise it.
	ErrUnsupportedLayout = errors.New("ext4fs: unsupported on-disk layout")
	// ErrShortRead is returned when a buffer handed to a parser (superblock,
	// group descriptor table, extent node) is too short for its structure.
	ErrShortRead = errors.New("ext4fs: short read")
)
