package ntfsfs

import "errors"

var (
	// ErrBadOemID is returned when the boot sector's OEM marker isn't "NTFS    ".
	ErrBadOemID = errors.New("ntfsfs: not an NTFS volume (bad OEM id)")
	// ErrInvalidGeometry is returned when bytesPerSector or sectorsPerCluster is zero.
	ErrInvalidGeometry = errors.New("ntfsfs: invalid boot sector geometry")
	// ErrBadFixup is returned when an MFT record's update sequence doesn't
	// match the sentinel at the end of each sector.
	ErrBadFixup = errors.New("ntfsfs: update sequence fixup mismatch")
	// ErrBadRecordSignature is returned when a record doesn't start with "FILE".
	ErrBadRecordSignature = errors.New("ntfsfs: bad MFT record signature")
	// ErrShortRecord is returned when a record buffer is too short for the
	// fixed MFT record header, or when a data-run list ends mid-run.
	ErrShortRecord = errors.New("ntfsfs: short MFT record read")
)
