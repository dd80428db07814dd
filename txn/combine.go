package txn

import (
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/page"
)

// boundFragmentCount returns how many fragments (newest first) a
// combine should actually use, per spec.md §6's per-strategy bound:
// full versioning never needs more than the single newest fragment;
// differential needs the newest plus one base; incremental and
// sliding chain up to the configured restore depth.
func boundFragmentCount(v common.VersioningType, maxRevisionsToRestore, available int) int {
	var want int
	switch v {
	case common.VersioningFull:
		want = 1
	case common.VersioningDifferential:
		want = 2
	default: // incremental, sliding
		want = maxRevisionsToRestore
		if want <= 0 {
			want = available
		}
	}
	if want > available {
		want = available
	}
	if want < 1 {
		want = 1
	}
	return want
}

// combineLeafFragments overlays fragments (ordered newest first, per
// ref.Fragments's "sorted by revision descending" convention with the
// newest fragment prepended) into a single logical leaf page (spec.md
// §4.E "Fragment combining"). Overlaying proceeds oldest-to-newest so a
// later fragment's record — live or tombstoned — always wins.
func combineLeafFragments(fragments []*page.LeafPage, key page.Key, revision uint64) *page.LeafPage {
	result := page.NewLeafPage(key, revision)
	for i := len(fragments) - 1; i >= 0; i-- {
		overlayLeaf(result, fragments[i])
	}
	return result
}

func overlayLeaf(dst, src *page.LeafPage) {
	for offset := uint16(0); offset < page.RecordsPerLeaf; offset++ {
		if !src.IsOccupied(offset) {
			continue
		}
		rec, ok := src.GetRecord(offset)
		if !ok {
			continue
		}
		cp := *rec
		if !rec.Deleted {
			cp.Payload = append([]byte(nil), rec.Payload...)
		}
		_ = dst.SetRecord(offset, &cp)
	}
}
