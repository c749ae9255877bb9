package replication

import (
	"container/list"
	"time"
)

// bufferedPage is a page waiting for acknowledgement. seq identifies this
// particular copy of the address so a late acknowledgement cannot remove a
// newer copy captured in the meantime.
type bufferedPage struct {
	page MemoryPage
	seq  uint64
}

// pageBuffer holds unacknowledged pages in capture order, at most one entry
// per address. It is not safe for concurrent use; vmState guards it.
type pageBuffer struct {
	order   *list.List               // *bufferedPage, oldest first
	index   map[uint64]*list.Element // address -> element in order
	bytes   int64
	nextSeq uint64
}

func newPageBuffer() *pageBuffer {
	return &pageBuffer{
		order: list.New(),
		index: make(map[uint64]*list.Element),
	}
}

// push appends copies of pages. A page whose address is already buffered
// replaces the older copy and moves to the back.
func (b *pageBuffer) push(pages []MemoryPage) {
	for _, p := range pages {
		if el, ok := b.index[p.Address]; ok {
			b.remove(el)
		}
		b.nextSeq++
		el := b.order.PushBack(&bufferedPage{page: p.Clone(), seq: b.nextSeq})
		b.index[p.Address] = el
		b.bytes += p.Bytes()
	}
}

// pending returns the buffered pages oldest first, with the sequence number
// of each copy at the same index.
func (b *pageBuffer) pending() ([]MemoryPage, []uint64) {
	pages := make([]MemoryPage, 0, b.order.Len())
	seqs := make([]uint64, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		bp := el.Value.(*bufferedPage)
		pages = append(pages, bp.page)
		seqs = append(seqs, bp.seq)
	}
	return pages, seqs
}

// ack removes the page at address if the buffered copy is still seq.
func (b *pageBuffer) ack(address, seq uint64) bool {
	el, ok := b.index[address]
	if !ok || el.Value.(*bufferedPage).seq != seq {
		return false
	}
	b.remove(el)
	return true
}

// dropOldest discards pages from the front until fewer than limit bytes
// remain, returning the number dropped.
func (b *pageBuffer) dropOldest(limit int64) int {
	dropped := 0
	for b.bytes >= limit && b.order.Len() > 0 {
		b.remove(b.order.Front())
		dropped++
	}
	return dropped
}

// oldest returns the capture time of the oldest buffered page.
func (b *pageBuffer) oldest() (time.Time, bool) {
	front := b.order.Front()
	if front == nil {
		return time.Time{}, false
	}
	return front.Value.(*bufferedPage).page.CapturedAt, true
}

func (b *pageBuffer) len() int {
	return b.order.Len()
}

func (b *pageBuffer) remove(el *list.Element) {
	bp := b.order.Remove(el).(*bufferedPage)
	delete(b.index, bp.page.Address)
	b.bytes -= bp.page.Bytes()
}
