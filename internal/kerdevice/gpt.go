// Package kerdevice resolves the stable device identity spec.md §6.3
// requires ("partuuid:<uuid>", read from the partition table, never from
// the filesystem) and matches mounted devices against their canonical
// /dev node, in the same raw-binary-structure style as internal/ntfsfs
// and internal/ext4fs. Label/filesystem-type enumeration is best-effort,
// shelled out to lsblk the way the teacher shells out to btrfs.
package kerdevice

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	gptSignature    = "EFI PART"
	defaultSectorSz = 512
)

// gptHeader mirrors the UEFI GPT header layout (little-endian throughout).
type gptHeader struct {
	Signature                [8]byte
	Revision                 uint32
	HeaderSize               uint32
	HeaderCRC32              uint32
	Reserved                 uint32
	MyLBA                    uint64
	AlternateLBA             uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 [16]byte
	PartitionEntryLBA        uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry     uint32
	PartitionEntryArrayCRC32 uint32
}

// gptEntryFixed is the fixed-size prefix of a GPT partition entry; the
// partition name (UTF-16LE, variable trailing length up to the entry
// size) follows it.
type gptEntryFixed struct {
	PartitionTypeGUID   [16]byte
	UniquePartitionGUID [16]byte
	StartingLBA         uint64
	EndingLBA           uint64
	Attributes          uint64
}

// Partition is one decoded GPT partition table entry.
type Partition struct {
	Index      int // 1-based, matching Linux's partition-number convention
	TypeGUID   string
	UniqueGUID string
	Name       string
}

// sectorSize returns the block device's logical sector size, falling
// back to 512 bytes if the ioctl isn't supported (e.g. a regular file
// used in tests).
func sectorSize(f *os.File) int {
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil || sz <= 0 {
		return defaultSectorSz
	}
	return sz
}

// ReadPartitionTable parses the protective-MBR GPT at LBA1 of diskPath
// (a whole-disk device node, e.g. "/dev/sda") and returns every
// partition entry present.
func ReadPartitionTable(diskPath string) ([]Partition, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return nil, fmt.Errorf("kerdevice: opening %s: %w", diskPath, err)
	}
	defer f.Close()

	secSz := sectorSize(f)

	hdrBuf := make([]byte, secSz)
	if _, err := f.ReadAt(hdrBuf, int64(secSz)); err != nil {
		return nil, fmt.Errorf("kerdevice: reading GPT header: %w", err)
	}

	var hdr gptHeader
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("kerdevice: decoding GPT header: %w", err)
	}
	if string(hdr.Signature[:]) != gptSignature {
		return nil, fmt.Errorf("kerdevice: %s has no GPT signature (MBR-only or unpartitioned disk)", diskPath)
	}
	if hdr.NumberOfPartitionEntries == 0 || hdr.SizeOfPartitionEntry < 128 {
		return nil, fmt.Errorf("kerdevice: %s has an implausible GPT entry table (count=%d size=%d)",
			diskPath, hdr.NumberOfPartitionEntries, hdr.SizeOfPartitionEntry)
	}

	tableSize := int64(hdr.NumberOfPartitionEntries) * int64(hdr.SizeOfPartitionEntry)
	tableBuf := make([]byte, tableSize)
	if _, err := f.ReadAt(tableBuf, int64(hdr.PartitionEntryLBA)*int64(secSz)); err != nil {
		return nil, fmt.Errorf("kerdevice: reading GPT partition entries: %w", err)
	}

	var out []Partition
	for i := uint32(0); i < hdr.NumberOfPartitionEntries; i++ {
		entryBuf := tableBuf[int64(i)*int64(hdr.SizeOfPartitionEntry) : int64(i+1)*int64(hdr.SizeOfPartitionEntry)]

		var fixed gptEntryFixed
		if err := binary.Read(bytes.NewReader(entryBuf), binary.LittleEndian, &fixed); err != nil {
			return nil, fmt.Errorf("kerdevice: decoding GPT entry %d: %w", i, err)
		}
		if isZeroGUID(fixed.PartitionTypeGUID) {
			continue // unused entry
		}

		name := ""
		if len(entryBuf) > 56 {
			name = decodeUTF16LE(entryBuf[56:])
		}

		out = append(out, Partition{
			Index:      int(i) + 1,
			TypeGUID:   guidString(fixed.PartitionTypeGUID),
			UniqueGUID: guidString(fixed.UniquePartitionGUID),
			Name:       name,
		})
	}
	return out, nil
}

func isZeroGUID(b [16]byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// guidString renders a GPT GUID's mixed-endian on-disk bytes as the
// standard hyphenated textual form (matching blkid/lsblk's PARTUUID
// output).
func guidString(b [16]byte) string {
	d1 := binary.LittleEndian.Uint32(b[0:4])
	d2 := binary.LittleEndian.Uint16(b[4:6])
	d3 := binary.LittleEndian.Uint16(b[6:8])
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		d1, d2, d3, b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15])
}

func decodeUTF16LE(b []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(b); i += 2 {
		r := uint16(b[i]) | uint16(b[i+1])<<8
		if r == 0 {
			break
		}
		sb.WriteRune(rune(r))
	}
	return sb.String()
}

// ResolvePartUUID finds partitionDevNode's disk and partition number via
// sysfs, reads that disk's GPT, and returns the matching partition's
// unique GUID as deviceId's payload ("partuuid:<uuid>", spec.md §6.3).
func ResolvePartUUID(partitionDevNode string) (string, error) {
	base := filepath.Base(partitionDevNode)
	sysPath := "/sys/class/block/" + base

	numBuf, err := os.ReadFile(sysPath + "/partition")
	if err != nil {
		return "", fmt.Errorf("kerdevice: %s doesn't look like a partition device: %w", partitionDevNode, err)
	}
	partNum, err := strconv.Atoi(strings.TrimSpace(string(numBuf)))
	if err != nil {
		return "", fmt.Errorf("kerdevice: parsing partition number for %s: %w", partitionDevNode, err)
	}

	realSysPath, err := filepath.EvalSymlinks(sysPath)
	if err != nil {
		return "", fmt.Errorf("kerdevice: resolving %s: %w", sysPath, err)
	}
	diskName := filepath.Base(filepath.Dir(realSysPath))
	diskPath := "/dev/" + diskName

	partitions, err := ReadPartitionTable(diskPath)
	if err != nil {
		return "", err
	}
	for _, p := range partitions {
		if p.Index == partNum {
			return p.UniqueGUID, nil
		}
	}
	return "", fmt.Errorf("kerdevice: no GPT entry for partition %d on %s", partNum, diskPath)
}

// DeviceID is the stable "partuuid:<uuid>" identity for partitionDevNode.
func DeviceID(partitionDevNode string) (string, error) {
	uuid, err := ResolvePartUUID(partitionDevNode)
	if err != nil {
		return "", err
	}
	return "partuuid:" + uuid, nil
}
