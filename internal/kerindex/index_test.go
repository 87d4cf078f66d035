package kerindex

import (
	"testing"

	"github.com/reikooters/kerything/internal/kerecord"
)

func buildTestTable(names []string, sizes []uint64, mtimes []uint64, parents []uint32) kerecord.Table {
	b := kerecord.NewBuilder(64)
	records := make([]kerecord.Record, len(names))
	for i, name := range names {
		off, length := b.Append(name)
		records[i] = kerecord.NewRecord(parents[i], sizes[i], mtimes[i], off, length, false, false)
	}
	return kerecord.Table{Records: records, Pool: b.Pool()}
}

func TestRecordTrigramsDedupesAndFolds(t *testing.T) {
	got := recordTrigrams("AAAA")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (single distinct trigram \"aaa\")", len(got))
	}
	if got[0] != (Trigram{'a', 'a', 'a'}) {
		t.Fatalf("trigram = %v, want lowercased \"aaa\"", got[0])
	}
}

func TestRecordTrigramsShortName(t *testing.T) {
	if got := recordTrigrams("ab"); got != nil {
		t.Fatalf("expected no trigrams for a 2-byte name, got %v", got)
	}
}

func TestBuildPostingsSortedByTrigramThenRecord(t *testing.T) {
	postings := buildPostings([]string{"abcabc", "abc"})
	for i := 1; i < len(postings); i++ {
		if trigramLess(postings[i].Tri, postings[i-1].Tri) {
			t.Fatalf("postings not sorted by trigram at %d: %v before %v", i, postings[i-1], postings[i])
		}
		if postings[i].Tri == postings[i-1].Tri && postings[i].RecordIdx < postings[i-1].RecordIdx {
			t.Fatalf("postings not sorted by recordIdx within trigram at %d", i)
		}
	}
}

func TestPostingRangeFindsExactTrigram(t *testing.T) {
	tbl := buildTestTable(
		[]string{"hello.txt", "help.txt", "world.txt"},
		[]uint64{1, 2, 3},
		[]uint64{10, 20, 30},
		[]uint32{kerecord.RootSentinel, kerecord.RootSentinel, kerecord.RootSentinel},
	)
	idx := Build(tbl)

	start, end := idx.PostingRange(Trigram{'h', 'e', 'l'})
	if end-start != 2 {
		t.Fatalf("PostingRange(\"hel\") matched %d postings, want 2 (hello.txt, help.txt)", end-start)
	}
	for _, p := range idx.Postings[start:end] {
		if p.RecordIdx != 0 && p.RecordIdx != 1 {
			t.Fatalf("unexpected record %d in \"hel\" range", p.RecordIdx)
		}
	}

	start, end = idx.PostingRange(Trigram{'z', 'z', 'z'})
	if end != start {
		t.Fatalf("PostingRange(\"zzz\") matched %d postings, want 0", end-start)
	}
}

func TestOrderByNameIsCaseInsensitiveAscending(t *testing.T) {
	tbl := buildTestTable(
		[]string{"Banana", "apple", "cherry"},
		[]uint64{1, 1, 1},
		[]uint64{1, 1, 1},
		[]uint32{kerecord.RootSentinel, kerecord.RootSentinel, kerecord.RootSentinel},
	)
	idx := Build(tbl)

	var gotNames []string
	for _, recIdx := range idx.OrderByName {
		gotNames = append(gotNames, tbl.Name(recIdx))
	}
	want := []string{"apple", "Banana", "cherry"}
	for i := range want {
		if gotNames[i] != want[i] {
			t.Fatalf("OrderByName = %v, want %v", gotNames, want)
		}
	}
}

func TestRankIsTrueInverseOfOrder(t *testing.T) {
	tbl := buildTestTable(
		[]string{"c", "a", "b"},
		[]uint64{3, 1, 2},
		[]uint64{1, 1, 1},
		[]uint32{kerecord.RootSentinel, kerecord.RootSentinel, kerecord.RootSentinel},
	)
	idx := Build(tbl)

	for pos, recIdx := range idx.OrderBySize {
		if idx.RankBySize[recIdx] != uint32(pos) {
			t.Fatalf("RankBySize[%d] = %d, want %d", recIdx, idx.RankBySize[recIdx], pos)
		}
	}
}

func TestBuildOrderParallelMatchesSequentialAboveThreshold(t *testing.T) {
	n := parallelSortThreshold + 1000
	values := make([]uint32, n)
	for i := range values {
		values[i] = uint32(n - i) // strictly descending input
	}
	less := func(a, b uint32) bool { return values[a] < values[b] }

	order := buildOrder(n, less)
	if len(order) != n {
		t.Fatalf("len(order) = %d, want %d", len(order), n)
	}
	for i := 1; i < n; i++ {
		if values[order[i]] < values[order[i-1]] {
			t.Fatalf("parallel order not sorted at %d", i)
		}
	}
}
