package ntfsfs

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/reikooters/kerything/internal/kerecord"
)

// filetimeUnixOffset is the number of 100ns ticks between the Windows
// FILETIME epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeUnixOffset = 116444736000000000

// filetimeToUnixNano converts an NTFS FILETIME tick count to nanoseconds
// since the Unix epoch. Per spec.md §6.4, ft == 0 is the distinct "N/A"
// sentinel; every other value should convert, including ones before 1970.
// This field only stores non-negative nanoseconds though, so a tick count
// from before 1970 -- legitimate, NTFS's own epoch starts in 1601 -- or one
// whose converted value would overflow the field is reported out-of-range
// rather than folded into the N/A case.
func filetimeToUnixNano(ft uint64) (nanos uint64, outOfRange bool) {
	if ft == 0 {
		return 0, false
	}
	if ft < filetimeUnixOffset {
		return 0, true
	}
	ticksSinceEpoch := ft - filetimeUnixOffset
	secs := ticksSinceEpoch / 10_000_000
	const maxSecs = math.MaxUint64 / 1_000_000_000
	if secs > maxSecs {
		return 0, true
	}
	remainderTicks := ticksSinceEpoch % 10_000_000
	return secs*1_000_000_000 + remainderTicks*100, false
}

// pendingEntry is one surviving MFT record name between the
// attribute-collection pass and the parent-pointer resolution pass. A
// single MFT record with multiple retained names (hard links) produces one
// pendingEntry per name, all sharing the record's mtime/size/isDir/isSymlink.
type pendingEntry struct {
	mftIndex        uint32
	parentMftIndex  uint32
	name            string
	size            uint64
	mtimeUnixNano   uint64
	mtimeOutOfRange bool
	isDir           bool
	isSymlink       bool
}

// Decode reads an NTFS volume's MFT from dev (a block device or disk image)
// and returns a kerecord.Table covering every live, non-system file and
// directory record. It never touches the kernel's NTFS driver: every field
// is read directly off the raw bytes, per original_source's scanner engine.
func Decode(dev io.ReaderAt) (kerecord.Table, error) {
	sector := make([]byte, bootSectorSize)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return kerecord.Table{}, fmt.Errorf("ntfsfs: reading boot sector: %w", err)
	}
	bs, err := parseBootSector(sector)
	if err != nil {
		return kerecord.Table{}, err
	}

	recSize := bs.recordSize()
	mftRecord0 := make([]byte, recSize)
	if _, err := io.ReadFull(io.NewSectionReader(dev, int64(bs.mftOffset()), int64(recSize)), mftRecord0); err != nil {
		return kerecord.Table{}, fmt.Errorf("ntfsfs: reading $MFT record 0: %w", err)
	}
	hdr0, err := parseRecordHeader(mftRecord0)
	if err != nil {
		return kerecord.Table{}, err
	}
	if err := applyFixups(mftRecord0, hdr0, bs.bytesPerSector); err != nil {
		return kerecord.Table{}, err
	}

	var runs []dataRun
	var mftDataSize uint64
	walkAttributes(mftRecord0, hdr0.firstAttributeOffset, func(a attribute) {
		if a.typ == attrTypeData && a.nonResident && runs == nil {
			r, derr := decodeDataRuns(a.dataRuns)
			if derr == nil {
				runs = r
				mftDataSize = a.dataSize
			}
		}
	})
	if runs == nil {
		return kerecord.Table{}, fmt.Errorf("ntfsfs: $MFT has no non-resident $DATA attribute")
	}

	mftReader := &mftExtentReader{dev: dev, runs: runs, bytesPerCluster: bs.bytesPerCluster()}
	numRecords := mftDataSize / uint64(recSize)

	var pending []pendingEntry
	sideMap := make(map[uint32]uint32, numRecords)

	buf := make([]byte, recSize)
	for idx := uint64(0); idx < numRecords; idx++ {
		if _, err := mftReader.ReadAt(buf, int64(idx*uint64(recSize))); err != nil {
			if err == io.ErrUnexpectedEOF {
				break
			}
			return kerecord.Table{}, fmt.Errorf("ntfsfs: reading MFT record %d: %w", idx, err)
		}

		hdr, err := parseRecordHeader(buf)
		if err != nil {
			continue // unallocated slack past the last real record
		}
		if !hdr.inUse() || hdr.baseFileRecord != 0 {
			continue // free slot or attribute-list extension record
		}
		if err := applyFixups(buf, hdr, bs.bytesPerSector); err != nil {
			continue // corrupt record; skip rather than abort the whole scan
		}

		entries := collectEntry(buf, hdr, uint32(idx))
		if len(entries) == 0 {
			continue
		}
		if idx < 16 && strings.HasPrefix(entries[0].name, "$") {
			continue // system metadata file ($MFT, $LogFile, $Bitmap, ...)
		}

		for _, e := range entries {
			if _, exists := sideMap[uint32(idx)]; !exists {
				sideMap[uint32(idx)] = uint32(len(pending))
			}
			pending = append(pending, e)
		}
	}

	builder := kerecord.NewBuilder(len(pending) * 20)
	records := make([]kerecord.Record, 0, len(pending))
	for _, e := range pending {
		parentIdx := uint32(kerecord.RootSentinel)
		if e.parentMftIndex != e.mftIndex {
			if p, ok := sideMap[e.parentMftIndex]; ok {
				parentIdx = p
			}
		}
		off, length := builder.Append(e.name)
		rec := kerecord.NewRecord(parentIdx, e.size, e.mtimeUnixNano, off, length, e.isDir, e.isSymlink)
		if e.mtimeOutOfRange {
			rec = rec.WithMtimeOutOfRange()
		}
		records = append(records, rec)
	}

	return kerecord.Table{Records: records, Pool: builder.Pool()}, nil
}

// collectEntry walks one in-use record's attributes and returns one
// pendingEntry per retained $FILE_NAME. Per spec.md §4.1's namespace dedup
// rule, a DOS 8.3 alias is suppressed only when another name under the same
// parent has a non-DOS namespace; names that survive under distinct parents
// become distinct records ("hard links"). Every retained name shares the
// record's $DATA size, isDir/isSymlink bits, and a modification time that
// prefers a Win32 or Win32&DOS name's timestamp over a DOS/POSIX one's.
func collectEntry(buf []byte, hdr recordHeader, mftIndex uint32) []pendingEntry {
	var names []fileNameAttr
	var dataSize uint64
	haveData := false
	isSymlink := false

	walkAttributes(buf, hdr.firstAttributeOffset, func(a attribute) {
		switch a.typ {
		case attrTypeFileName:
			if a.resident == nil {
				return
			}
			fn, ok := parseFileNameAttr(a.resident)
			if !ok {
				return
			}
			names = append(names, fn)
			if fn.isSymlinkReparse() {
				isSymlink = true
			}
		case attrTypeData:
			if haveData {
				return
			}
			if a.nonResident {
				dataSize = a.dataSize
			} else {
				dataSize = uint64(len(a.resident))
			}
			haveData = true
		}
	})
	if len(names) == 0 {
		return nil
	}

	retained := make([]fileNameAttr, 0, len(names))
	for _, fn := range names {
		if fn.namespace == namespaceDOS && hasNonDOSSibling(names, fn.parentRecordIdx) {
			continue
		}
		retained = append(retained, fn)
	}
	if len(retained) == 0 {
		return nil
	}

	var mtimeFT uint64
	var sizeFromName uint64
	haveMtime := false
	for _, fn := range retained {
		if !haveMtime || fn.namespace == namespaceWin32 || fn.namespace == namespaceWin32DOS {
			mtimeFT = fn.modificationTime
			sizeFromName = fn.dataSize
			haveMtime = true
		}
	}
	if !haveData {
		dataSize = sizeFromName
	}
	mtimeUnixNano, mtimeOutOfRange := filetimeToUnixNano(mtimeFT)

	out := make([]pendingEntry, len(retained))
	for i, fn := range retained {
		out[i] = pendingEntry{
			mftIndex:        mftIndex,
			parentMftIndex:  fn.parentRecordIdx,
			name:            fn.name,
			size:            dataSize,
			mtimeUnixNano:   mtimeUnixNano,
			mtimeOutOfRange: mtimeOutOfRange,
			isDir:           hdr.isDirectory(),
			isSymlink:       isSymlink,
		}
	}
	return out
}

// hasNonDOSSibling reports whether names contains an entry under parent
// whose namespace isn't DOS -- the condition original_source's
// NtfsScannerEngine checks before suppressing a DOS 8.3 alias.
func hasNonDOSSibling(names []fileNameAttr, parent uint32) bool {
	for _, o := range names {
		if o.namespace != namespaceDOS && o.parentRecordIdx == parent {
			return true
		}
	}
	return false
}

