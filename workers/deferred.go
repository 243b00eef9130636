package workers

import (
	"container/heap"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

type deferredItem struct {
	env *contracts.Envelope
	due time.Time
	seq uint64
}

// deferredSet orders envelopes by due time, then by arrival
type deferredSet []deferredItem

func (d deferredSet) Len() int { return len(d) }

func (d deferredSet) Less(i, j int) bool {
	if d[i].due.Equal(d[j].due) {
		return d[i].seq < d[j].seq
	}
	return d[i].due.Before(d[j].due)
}

func (d deferredSet) Swap(i, j int) { d[i], d[j] = d[j], d[i] }

func (d *deferredSet) Push(x any) { *d = append(*d, x.(deferredItem)) }

func (d *deferredSet) Pop() any {
	old := *d
	n := len(old)
	item := old[n-1]
	old[n-1] = deferredItem{}
	*d = old[:n-1]
	return item
}

func (d *deferredSet) add(item deferredItem) {
	heap.Push(d, item)
}

// popDue removes and returns every envelope due at or before now
func (d *deferredSet) popDue(now time.Time) []*contracts.Envelope {
	var due []*contracts.Envelope
	for d.Len() > 0 && !(*d)[0].due.After(now) {
		due = append(due, heap.Pop(d).(deferredItem).env)
	}
	return due
}

// next returns the earliest due time
func (d deferredSet) next() (time.Time, bool) {
	if len(d) == 0 {
		return time.Time{}, false
	}
	return d[0].due, true
}
