package kerindex

import "sort"

// Trigram is three case-folded name bytes, packed for cheap comparison and
// storage (no separate length field -- every trigram is exactly 3 bytes).
type Trigram [3]byte

// Posting is one (trigram, recordIdx) pair in the flat, globally sorted
// postings list.
type Posting struct {
	Tri       Trigram
	RecordIdx uint32
}

// asciiLower folds 'A'-'Z' to 'a'-'z' and leaves every other byte (including
// non-ASCII UTF-8 continuation bytes) untouched, matching spec.md's
// ASCII-only case-folding rule for both indexing and query refinement.
func asciiLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// recordTrigrams returns the de-duplicated, case-folded trigrams of name:
// every window of three consecutive bytes, each trigram kept once per
// record even if it recurs in the name.
func recordTrigrams(name string) []Trigram {
	if len(name) < 3 {
		return nil
	}
	seen := make(map[Trigram]bool, len(name))
	var out []Trigram
	for i := 0; i+3 <= len(name); i++ {
		var t Trigram
		t[0] = asciiLower(name[i])
		t[1] = asciiLower(name[i+1])
		t[2] = asciiLower(name[i+2])
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// buildPostings emits (trigram, recordIdx) for every record with
// nameLen >= 3, de-duplicated per record, then globally sorts the result by
// (trigram, recordIdx) -- spec.md §4.4's exact ordering.
func buildPostings(names []string) []Posting {
	var postings []Posting
	for idx, name := range names {
		for _, t := range recordTrigrams(name) {
			postings = append(postings, Posting{Tri: t, RecordIdx: uint32(idx)})
		}
	}
	sort.Slice(postings, func(i, j int) bool {
		if postings[i].Tri != postings[j].Tri {
			return trigramLess(postings[i].Tri, postings[j].Tri)
		}
		return postings[i].RecordIdx < postings[j].RecordIdx
	})
	return postings
}

// less2 compares trigrams that share a first byte by their remaining two
// bytes, byte by byte.
func less2(a, b Trigram) bool {
	if a[1] != b[1] {
		return a[1] < b[1]
	}
	return a[2] < b[2]
}

// PostingRange returns the [start, end) slice bounds within Postings whose
// trigram equals tri, via binary search on the sorted flat list -- the
// lookup C6's candidate filtering performs per query trigram.
func (idx *Index) PostingRange(tri Trigram) (start, end int) {
	start = sort.Search(len(idx.Postings), func(i int) bool {
		return !trigramLess(idx.Postings[i].Tri, tri)
	})
	end = sort.Search(len(idx.Postings), func(i int) bool {
		return trigramLess(tri, idx.Postings[i].Tri)
	})
	return start, end
}

func trigramLess(a, b Trigram) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return less2(a, b)
}
