package iommu

import (
	"sort"
)

type span struct {
	first, count int
}

// spaceAllocator is a first-fit allocator of page ranges.
type spaceAllocator struct {
	free []span
}

func makeSpaceAllocator(nPages int) spaceAllocator {
	return spaceAllocator{free: []span{{0, nPages}}}
}

func (a *spaceAllocator) Alloc(count int) (first int, ok bool) {
	for i, s := range a.free {
		if s.count < count {
			continue
		}
		first = s.first
		if s.count == count {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{s.first + count, s.count - count}
		}
		return first, true
	}
	return 0, false
}

func (a *spaceAllocator) Free(first, count int) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].first > first })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{first, count}

	if i+1 < len(a.free) && a.free[i].first+a.free[i].count == a.free[i+1].first {
		a.free[i].count += a.free[i+1].count
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].first+a.free[i-1].count == a.free[i].first {
		a.free[i-1].count += a.free[i].count
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

func (a *spaceAllocator) CountFree() (n int) {
	for _, s := range a.free {
		n += s.count
	}
	return n
}
