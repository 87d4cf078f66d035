// Package kerquery implements the cross-device search (spec.md §4.5):
// tokenization, trigram candidate filtering, substring refinement, and a
// global k-way merge over each device's chosen ordering. It reads
// kerindex.Index structures but never mutates them; kerstore (C7) owns the
// device map this package's callers resolve against.
package kerquery

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/reikooters/kerything/internal/kerindex"
)

// SortDir is the direction a sort key is applied in.
type SortDir int

const (
	Ascending SortDir = iota
	Descending
)

// Request is one Search call's parameters, matching the Search operation's
// wire shape from spec.md §6.1 (deviceIds empty means "all devices").
type Request struct {
	Query     string
	DeviceIDs []string
	SortKey   kerindex.SortKey
	SortDir   SortDir
	Offset    uint32
	Limit     uint32
}

// Row is one result row: the seven fields spec.md §6.1 defines for Search.
type Row struct {
	EntryID  uint64
	DeviceID string
	Name     string
	DirID    uint32
	Size     uint64
	Mtime    int64
	Flags    uint32
}

// Source is one device's searchable index, keyed by its stable deviceId
// string ("partuuid:<uuid>", per spec.md §6.3).
type Source struct {
	DeviceID string
	Index    *kerindex.Index
}

// entryID derives the stable row handle spec.md §4.5 defines:
// (fnv1a_32(deviceId) << 32) | recordIdx.
func entryID(deviceID string, recordIdx uint32) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return uint64(h.Sum32())<<32 | uint64(recordIdx)
}

// tokenize splits query on whitespace runs and drops empty tokens.
func tokenize(query string) []string {
	return strings.Fields(query)
}

// asciiLowerString ASCII case-folds s, leaving non-ASCII bytes untouched --
// the same rule kerindex applies when building trigrams.
func asciiLowerString(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Search runs one query across devices and returns the total hit count plus
// the requested page of rows, per spec.md §4.5's algorithm.
func Search(devices []Source, req Request) (totalHits uint64, rows []Row, err error) {
	selected := selectDevices(devices, req.DeviceIDs)
	tokens := tokenize(req.Query)

	var perDevice []deviceResult
	if len(tokens) == 0 {
		perDevice = emptyQueryResults(selected, req.SortKey, req.SortDir)
	} else {
		perDevice, err = searchResults(selected, tokens, req.SortKey, req.SortDir)
		if err != nil {
			return 0, nil, err
		}
	}

	for _, d := range perDevice {
		totalHits += uint64(len(d.ordered))
	}

	rows = mergePage(perDevice, req.SortKey, req.SortDir == Descending, req.Offset, req.Limit)
	return totalHits, rows, nil
}

func selectDevices(devices []Source, ids []string) []Source {
	if len(ids) == 0 {
		return devices
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Source
	for _, d := range devices {
		if want[d.DeviceID] {
			out = append(out, d)
		}
	}
	return out
}

// deviceResult holds one device's hit list, already sorted in merge-ready
// order: ascending by rank for SortDir=Ascending, descending for
// SortDir=Descending.
type deviceResult struct {
	deviceID string
	idx      *kerindex.Index
	ordered  []uint32
}

func emptyQueryResults(devices []Source, key kerindex.SortKey, dir SortDir) []deviceResult {
	out := make([]deviceResult, len(devices))
	for i, d := range devices {
		order := d.idx.Order(key)
		ordered := make([]uint32, len(order))
		if dir == Descending {
			for j, recIdx := range order {
				ordered[len(order)-1-j] = recIdx
			}
		} else {
			copy(ordered, order)
		}
		out[i] = deviceResult{deviceID: d.DeviceID, idx: d.idx, ordered: ordered}
	}
	return out
}

func searchResults(devices []Source, tokens []string, key kerindex.SortKey, dir SortDir) ([]deviceResult, error) {
	out := make([]deviceResult, len(devices))
	g, _ := errgroup.WithContext(context.Background())
	for i, d := range devices {
		i, d := i, d
		g.Go(func() error {
			candidates := candidatesForDevice(d.idx, tokens)
			hits := refine(d.idx, candidates, tokens)
			ordered := sortHitsByRank(d.idx, hits, key, dir)
			out[i] = deviceResult{deviceID: d.DeviceID, idx: d.idx, ordered: ordered}
			return nil
		})
	}
	_ = g.Wait() // no device's search step returns an error
	return out, nil
}

// candidatesForDevice narrows the search space via the trigram index. If no
// token is long enough to produce a trigram, every record is a candidate
// and refinement alone decides hits.
func candidatesForDevice(idx *kerindex.Index, tokens []string) []uint32 {
	tris := queryTrigrams(tokens)
	if len(tris) == 0 {
		all := make([]uint32, len(idx.Table.Records))
		for i := range all {
			all[i] = uint32(i)
		}
		return all
	}

	var candidates []uint32
	for i, tri := range tris {
		start, end := idx.PostingRange(tri)
		set := make([]uint32, end-start)
		for j, p := range idx.Postings[start:end] {
			set[j] = p.RecordIdx
		}
		if i == 0 {
			candidates = set
			continue
		}
		candidates = intersectSorted(candidates, set)
		if len(candidates) == 0 {
			return nil
		}
	}
	return candidates
}

// queryTrigrams returns the distinct trigrams of every token with length
// >= 3; shorter tokens contribute nothing to trigram filtering but still
// take part in substring refinement.
func queryTrigrams(tokens []string) []kerindex.Trigram {
	seen := make(map[kerindex.Trigram]bool)
	var out []kerindex.Trigram
	for _, tok := range tokens {
		if len(tok) < 3 {
			continue
		}
		folded := asciiLowerString(tok)
		for i := 0; i+3 <= len(folded); i++ {
			t := kerindex.Trigram{folded[i], folded[i+1], folded[i+2]}
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// intersectSorted merges two ascending-sorted recordIdx lists, keeping
// only values present in both.
func intersectSorted(a, b []uint32) []uint32 {
	var out []uint32
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// refine keeps only candidates whose lowercased name contains every token
// as a case-insensitive substring, run in parallel chunks once the
// candidate set is large (mirroring kerindex's parallel-sort threshold).
func refine(idx *kerindex.Index, candidates []uint32, tokens []string) []uint32 {
	folded := make([]string, len(tokens))
	for i, tok := range tokens {
		folded[i] = asciiLowerString(tok)
	}
	matches := func(recIdx uint32) bool {
		name := asciiLowerString(idx.Table.Name(recIdx))
		for _, tok := range folded {
			if !strings.Contains(name, tok) {
				return false
			}
		}
		return true
	}

	if len(candidates) < parallelRefineThreshold {
		var out []uint32
		for _, c := range candidates {
			if matches(c) {
				out = append(out, c)
			}
		}
		return out
	}

	workers := 8
	chunkSize := (len(candidates) + workers - 1) / workers
	results := make([][]uint32, workers)
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		w := w
		start := w * chunkSize
		if start >= len(candidates) {
			continue
		}
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		g.Go(func() error {
			var local []uint32
			for _, c := range candidates[start:end] {
				if matches(c) {
					local = append(local, c)
				}
			}
			results[w] = local
			return nil
		})
	}
	_ = g.Wait()

	var out []uint32
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

const parallelRefineThreshold = 200_000

// sortHitsByRank orders hits by the chosen key's rank vector, ascending or
// descending, splitting into goroutine-sorted chunks merged by a plain
// k-way walk once |hits| reaches the same 200,000 threshold kerindex uses
// for building orders in the first place.
func sortHitsByRank(idx *kerindex.Index, hits []uint32, key kerindex.SortKey, dir SortDir) []uint32 {
	rank := idx.Rank(key)
	less := func(a, b uint32) bool {
		if dir == Descending {
			return rank[a] > rank[b]
		}
		return rank[a] < rank[b]
	}

	if len(hits) < parallelRefineThreshold {
		sort.Slice(hits, func(i, j int) bool { return less(hits[i], hits[j]) })
		return hits
	}

	workers := 8
	chunkSize := (len(hits) + workers - 1) / workers
	g, _ := errgroup.WithContext(context.Background())
	var chunks [][]uint32
	for start := 0; start < len(hits); start += chunkSize {
		end := start + chunkSize
		if end > len(hits) {
			end = len(hits)
		}
		chunk := hits[start:end]
		chunks = append(chunks, chunk)
		g.Go(func() error {
			sort.Slice(chunk, func(i, j int) bool { return less(chunk[i], chunk[j]) })
			return nil
		})
	}
	_ = g.Wait()
	return mergeSortedHitChunks(chunks, less)
}

// mergeSortedHitChunks k-way merges already-sorted chunks under less.
func mergeSortedHitChunks(chunks [][]uint32, less func(a, b uint32) bool) []uint32 {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]uint32, 0, total)
	heads := make([]int, len(chunks))
	for {
		best := -1
		for ci, c := range chunks {
			if heads[ci] >= len(c) {
				continue
			}
			if best == -1 || less(c[heads[ci]], chunks[best][heads[best]]) {
				best = ci
			}
		}
		if best == -1 {
			break
		}
		out = append(out, chunks[best][heads[best]])
		heads[best]++
	}
	return out
}
