package ntfsfs

import (
	"fmt"
	"io"
)

// mftExtentReader presents the $MFT's own non-resident $DATA stream (a list
// of cluster runs scattered across the volume) as one logical byte stream,
// so record-index arithmetic can stay oblivious to fragmentation.
type mftExtentReader struct {
	dev            io.ReaderAt
	runs           []dataRun
	bytesPerCluster uint64
}

// ReadAt reads len(p) bytes starting at logical offset off within the MFT
// stream, translating through the run list. Sparse runs read back as zeros.
func (m *mftExtentReader) ReadAt(p []byte, off int64) (int, error) {
	remaining := p
	logical := uint64(off)
	var runStart uint64

	for _, run := range m.runs {
		runBytes := run.lengthClusters * m.bytesPerCluster
		runEnd := runStart + runBytes
		if len(remaining) == 0 {
			break
		}
		if logical < runEnd && logical+uint64(len(remaining)) > runStart {
			skip := uint64(0)
			if logical > runStart {
				skip = logical - runStart
			}
			avail := runBytes - skip
			n := uint64(len(remaining))
			if n > avail {
				n = avail
			}
			if run.sparse {
				for i := uint64(0); i < n; i++ {
					remaining[i] = 0
				}
			} else {
				physOff := int64(run.lcn*m.bytesPerCluster + skip)
				if _, err := io.ReadFull(io.NewSectionReader(m.dev, physOff, int64(n)), remaining[:n]); err != nil {
					return 0, fmt.Errorf("ntfsfs: reading MFT extent at physical offset %d: %w", physOff, err)
				}
			}
			remaining = remaining[n:]
			logical += n
		}
		runStart = runEnd
	}
	if len(remaining) != 0 {
		return len(p) - len(remaining), io.ErrUnexpectedEOF
	}
	return len(p), nil
}
