package kerquery

import (
	"container/heap"

	"github.com/reikooters/kerything/internal/kerindex"
)

// cursorItem is one device's current head during the global merge, keyed
// exactly as spec.md §4.5 specifies: (rank, deviceId, recordIdx), with the
// rank comparison inverted when sortDir = desc.
type cursorItem struct {
	deviceIdx int
	pos       int
	recordIdx uint32
	rank      uint32
}

type cursorHeap struct {
	items   []cursorItem
	results []deviceResult
	desc    bool
}

func (h *cursorHeap) Len() int { return len(h.items) }

func (h *cursorHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.rank != b.rank {
		if h.desc {
			return a.rank > b.rank
		}
		return a.rank < b.rank
	}
	da, db := h.results[a.deviceIdx].deviceID, h.results[b.deviceIdx].deviceID
	if da != db {
		return da < db
	}
	return a.recordIdx < b.recordIdx
}

func (h *cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *cursorHeap) Push(x any) { h.items = append(h.items, x.(cursorItem)) }

func (h *cursorHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// mergePage performs the global k-way merge across every device's
// pre-ordered hit list: one cursor per device, popping offset+limit times
// and emitting rows from position offset onward. Each device's `ordered`
// slice is already walked in pop order (ascending rank, or descending when
// sortDir = desc), so the heap only needs each cursor's current rank value
// to decide which device's head comes next.
func mergePage(perDevice []deviceResult, key kerindex.SortKey, desc bool, offset, limit uint32) []Row {
	h := &cursorHeap{results: perDevice, desc: desc}
	for di, d := range perDevice {
		if len(d.ordered) > 0 {
			heap.Push(h, cursorItem{deviceIdx: di, pos: 0, recordIdx: d.ordered[0], rank: d.idx.Rank(key)[d.ordered[0]]})
		}
	}
	heap.Init(h)

	want := uint64(offset) + uint64(limit)
	var rows []Row
	var popped uint64
	for h.Len() > 0 && popped < want {
		item := heap.Pop(h).(cursorItem)
		popped++

		if popped > uint64(offset) {
			d := perDevice[item.deviceIdx]
			rec := d.idx.Table.Records[item.recordIdx]
			rows = append(rows, Row{
				EntryID:  entryID(d.deviceID, item.recordIdx),
				DeviceID: d.deviceID,
				Name:     d.idx.Table.Name(item.recordIdx),
				DirID:    rec.ParentRecordIdx,
				Size:     rec.Size,
				Mtime:    int64(rec.ModificationTime / 1_000_000_000),
				Flags:    rec.Flags(),
			})
		}

		next := item.pos + 1
		if next < len(perDevice[item.deviceIdx].ordered) {
			nextRecIdx := perDevice[item.deviceIdx].ordered[next]
			heap.Push(h, cursorItem{
				deviceIdx: item.deviceIdx,
				pos:       next,
				recordIdx: nextRecIdx,
				rank:      perDevice[item.deviceIdx].idx.Rank(key)[nextRecIdx],
			})
		}
	}
	return rows
}
