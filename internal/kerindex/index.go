// Package kerindex builds the per-device acceleration structures the query
// engine (kerquery) reads: a sorted trigram postings list and four record
// orderings with their inverse rank vectors. It never mutates a
// kerecord.Table; a rescan always builds a fresh Index over a fresh Table.
package kerindex

import "github.com/reikooters/kerything/internal/kerecord"

// Index is one device's full acceleration structure, built once after
// decode and replaced wholesale on every rescan.
type Index struct {
	Table kerecord.Table

	// Postings is the flat (trigram, recordIdx) list, globally sorted by
	// (trigram, recordIdx), queried via PostingRange.
	Postings []Posting

	OrderByName  []uint32
	OrderBySize  []uint32
	OrderByMtime []uint32
	OrderByPath  []uint32

	RankByName  []uint32
	RankBySize  []uint32
	RankByMtime []uint32
	RankByPath  []uint32
}

// SortKey identifies one of the four orderings a query can request.
type SortKey int

const (
	SortByName SortKey = iota
	SortByPath
	SortBySize
	SortByMtime
)

// Order returns the ascending permutation for key.
func (idx *Index) Order(key SortKey) []uint32 {
	switch key {
	case SortByPath:
		return idx.OrderByPath
	case SortBySize:
		return idx.OrderBySize
	case SortByMtime:
		return idx.OrderByMtime
	default:
		return idx.OrderByName
	}
}

// Rank returns the inverse permutation for key: Rank(key)[recordIdx] is
// that record's ascending position under key.
func (idx *Index) Rank(key SortKey) []uint32 {
	switch key {
	case SortByPath:
		return idx.RankByPath
	case SortBySize:
		return idx.RankBySize
	case SortByMtime:
		return idx.RankByMtime
	default:
		return idx.RankByName
	}
}

// Build constructs an Index over tbl: trigram postings, the four sort
// orders, and their rank-vector inverses, per spec.md §4.4.
func Build(tbl kerecord.Table) *Index {
	n := len(tbl.Records)
	names := make([]string, n)
	for i := range tbl.Records {
		names[i] = tbl.Name(uint32(i))
	}

	orderByName := buildOrder(n, func(a, b uint32) bool {
		if names[a] != names[b] {
			return nameLess(names[a], names[b])
		}
		return a < b
	})
	orderBySize := buildOrder(n, func(a, b uint32) bool {
		ra, rb := tbl.Records[a], tbl.Records[b]
		if ra.Size != rb.Size {
			return ra.Size < rb.Size
		}
		if names[a] != names[b] {
			return nameLess(names[a], names[b])
		}
		return a < b
	})
	orderByMtime := buildOrder(n, func(a, b uint32) bool {
		ra, rb := tbl.Records[a], tbl.Records[b]
		if ra.ModificationTime != rb.ModificationTime {
			return ra.ModificationTime < rb.ModificationTime
		}
		if names[a] != names[b] {
			return nameLess(names[a], names[b])
		}
		return a < b
	})
	orderByPath := buildOrder(n, func(a, b uint32) bool {
		ra, rb := tbl.Records[a], tbl.Records[b]
		if ra.ParentRecordIdx != rb.ParentRecordIdx {
			return ra.ParentRecordIdx < rb.ParentRecordIdx
		}
		if names[a] != names[b] {
			return nameLess(names[a], names[b])
		}
		return a < b
	})

	return &Index{
		Table:        tbl,
		Postings:     buildPostings(names),
		OrderByName:  orderByName,
		OrderBySize:  orderBySize,
		OrderByMtime: orderByMtime,
		OrderByPath:  orderByPath,
		RankByName:   invert(orderByName),
		RankBySize:   invert(orderBySize),
		RankByMtime:  invert(orderByMtime),
		RankByPath:   invert(orderByPath),
	}
}
