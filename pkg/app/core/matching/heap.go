package matching

import "container/heap"

// BidHeap implements heap.Interface for buy orders: highest price on top,
// earliest timestamp first within a price, order id as the final tie-break.
// Use container/heap package to manipulate this heap (Init, Push, Pop).
type BidHeap []*Order

func (h BidHeap) Len() int { return len(h) }
func (h BidHeap) Less(i, j int) bool {
	if h[i].Price != h[j].Price {
		return h[i].Price > h[j].Price
	}
	return earlier(h[i], h[j])
}
func (h BidHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *BidHeap) Push(x interface{}) {
	*h = append(*h, x.(*Order))
}

func (h *BidHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// Peek returns the best bid without removing it
func (h BidHeap) Peek() *Order {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// AskHeap implements heap.Interface for sell orders (lowest price on top)
type AskHeap []*Order

func (h AskHeap) Len() int { return len(h) }
func (h AskHeap) Less(i, j int) bool {
	if h[i].Price != h[j].Price {
		return h[i].Price < h[j].Price
	}
	return earlier(h[i], h[j])
}
func (h AskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *AskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Order))
}

func (h *AskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// Peek returns the best ask without removing it
func (h AskHeap) Peek() *Order {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func earlier(a, b *Order) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// partition splits orders into initialised bid and ask heaps. Orders with
// an unknown side or nothing left to trade are skipped.
func partition(orders []Order) (*BidHeap, *AskHeap) {
	bids := &BidHeap{}
	asks := &AskHeap{}
	for i := range orders {
		o := orders[i]
		if o.Amount == 0 {
			continue
		}
		switch {
		case o.IsBuy():
			*bids = append(*bids, &o)
		case o.IsSell():
			*asks = append(*asks, &o)
		}
	}
	heap.Init(bids)
	heap.Init(asks)
	return bids, asks
}
