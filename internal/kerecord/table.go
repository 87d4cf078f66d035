package kerecord

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Table is a device's raw decode output: the record array plus its backing
// string pool, before any acceleration structure (trigrams, sort orders) is
// built on top of it.
type Table struct {
	Records []Record
	Pool    StringPool
}

// Limits bounds what DecodeTable will accept, per spec.md §4.8's parse
// contract for the job supervisor. Zero values disable the corresponding
// check (used by tests that decode trusted fixtures).
type Limits struct {
	MaxRecords   uint64
	MaxPoolBytes uint64
}

// DefaultLimits matches the daemon's acceptance window for scanner output.
var DefaultLimits = Limits{
	MaxRecords:   500_000_000,
	MaxPoolBytes: 8 << 30, // 8 GiB
}

// EncodeTable writes the §4.3 wire format: u64 recordCount, packed records,
// u64 poolSize, pool bytes. All integers are little-endian.
func EncodeTable(w io.Writer, records []Record, pool StringPool) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(records)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("kerecord: write record count: %w", err)
	}

	buf := make([]byte, recordWireSize)
	for _, r := range records {
		binary.LittleEndian.PutUint32(buf[0:4], r.ParentRecordIdx)
		binary.LittleEndian.PutUint64(buf[4:12], r.Size)
		binary.LittleEndian.PutUint64(buf[12:20], r.ModificationTime)
		binary.LittleEndian.PutUint32(buf[20:24], r.NameOffset)
		binary.LittleEndian.PutUint16(buf[24:26], r.NameLen)
		buf[26] = r.flags
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("kerecord: write record: %w", err)
		}
	}

	binary.LittleEndian.PutUint64(hdr[:], uint64(len(pool)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("kerecord: write pool size: %w", err)
	}
	if _, err := w.Write(pool); err != nil {
		return fmt.Errorf("kerecord: write pool: %w", err)
	}
	return nil
}

// DecodeTable reads the §4.3 wire format back, rejecting record/pool counts
// outside limits, short reads, and names that violate invariant I1.
func DecodeTable(r io.Reader, limits Limits) (Table, error) {
	var hdr [8]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Table{}, fmt.Errorf("kerecord: read record count: %w", err)
	}
	recordCount := binary.LittleEndian.Uint64(hdr[:])
	if recordCount == 0 {
		return Table{}, fmt.Errorf("kerecord: record count is zero")
	}
	if limits.MaxRecords != 0 && recordCount > limits.MaxRecords {
		return Table{}, fmt.Errorf("kerecord: record count %d exceeds limit %d", recordCount, limits.MaxRecords)
	}

	records := make([]Record, recordCount)
	buf := make([]byte, recordWireSize)
	for i := range records {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Table{}, fmt.Errorf("kerecord: short read on record %d: %w", i, err)
		}
		records[i] = Record{
			ParentRecordIdx:  binary.LittleEndian.Uint32(buf[0:4]),
			Size:             binary.LittleEndian.Uint64(buf[4:12]),
			ModificationTime: binary.LittleEndian.Uint64(buf[12:20]),
			NameOffset:       binary.LittleEndian.Uint32(buf[20:24]),
			NameLen:          binary.LittleEndian.Uint16(buf[24:26]),
			flags:            buf[26],
		}
	}

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Table{}, fmt.Errorf("kerecord: read pool size: %w", err)
	}
	poolSize := binary.LittleEndian.Uint64(hdr[:])
	if poolSize == 0 {
		return Table{}, fmt.Errorf("kerecord: pool size is zero")
	}
	if limits.MaxPoolBytes != 0 && poolSize > limits.MaxPoolBytes {
		return Table{}, fmt.Errorf("kerecord: pool size %d exceeds limit %d", poolSize, limits.MaxPoolBytes)
	}

	pool := make([]byte, poolSize)
	if _, err := io.ReadFull(r, pool); err != nil {
		return Table{}, fmt.Errorf("kerecord: short read on pool: %w", err)
	}

	t := Table{Records: records, Pool: StringPool(pool)}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate enforces invariants I1 and I2 over the whole table.
func (t Table) Validate() error {
	n := uint32(len(t.Records))
	for i, r := range t.Records {
		if _, err := t.Pool.Slice(r.NameOffset, r.NameLen); err != nil {
			return fmt.Errorf("kerecord: record %d: %w", i, err)
		}
		if r.ParentRecordIdx != RootSentinel && r.ParentRecordIdx >= n {
			return fmt.Errorf("kerecord: record %d: parent index %d out of bounds (n=%d)", i, r.ParentRecordIdx, n)
		}
	}
	return nil
}

// Name returns the decoded name of record i.
func (t Table) Name(i uint32) string {
	name, _ := t.Pool.Slice(t.Records[i].NameOffset, t.Records[i].NameLen)
	return name
}
