package book

import (
	"container/heap"
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/venue"
)

// RestingOrder is a maker order resting on one side of a token's book.
type RestingOrder struct {
	ID       string
	Side     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Filled   decimal.Decimal
}

func (o *RestingOrder) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// tokenBook is a price-time priority book for one token: a heap of price
// levels per side, FIFO order lists within a level.
type tokenBook struct {
	token  string
	mu     sync.Mutex
	bids   *bookSide
	asks   *bookSide
	orders map[string]*orderRef
}

func newTokenBook(token string) *tokenBook {
	return &tokenBook{
		token:  token,
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		orders: make(map[string]*orderRef),
	}
}

func (b *tokenBook) sideFor(side string) (*bookSide, error) {
	switch side {
	case venue.SideBuy:
		return b.bids, nil
	case venue.SideSell:
		return b.asks, nil
	}
	return nil, fmt.Errorf("invalid side %q", side)
}

func (b *tokenBook) place(order *RestingOrder) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order id required")
	}
	if _, exists := b.orders[order.ID]; exists {
		return nil
	}
	if order.Remaining().LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}
	if order.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("price must be positive")
	}
	side, err := b.sideFor(order.Side)
	if err != nil {
		return err
	}
	b.orders[order.ID] = side.add(order)
	return nil
}

func (b *tokenBook) remove(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *tokenBook) removeLocked(orderID string) bool {
	ref, ok := b.orders[orderID]
	if !ok {
		return false
	}
	ref.sideBook.remove(ref)
	delete(b.orders, orderID)
	return true
}

func (b *tokenBook) bestPrice(side string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.sideFor(side)
	if err != nil {
		return decimal.Zero, false
	}
	level := s.best()
	if level == nil {
		return decimal.Zero, false
	}
	return level.price, true
}

func (b *tokenBook) liquidityAt(side string, price decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.sideFor(side)
	if err != nil {
		return decimal.Zero
	}
	level := s.levels[price.String()]
	if level == nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for e := level.orders.Front(); e != nil; e = e.Next() {
		total = total.Add(e.Value.(*RestingOrder).Remaining())
	}
	return total
}

// executeAt fills against the oldest maker at exactly price. One call, one
// counterparty: the router re-quotes and calls again for the rest of the
// level.
func (b *tokenBook) executeAt(side string, price, amount decimal.Decimal) (maker *RestingOrder, filled decimal.Decimal, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, decimal.Zero, fmt.Errorf("amount must be positive")
	}
	s, serr := b.sideFor(side)
	if serr != nil {
		return nil, decimal.Zero, serr
	}
	level := s.levels[price.String()]
	if level == nil || level.orders.Len() == 0 {
		return nil, decimal.Zero, venue.ErrNoLiquidity
	}

	front := level.orders.Front()
	maker = front.Value.(*RestingOrder)
	remaining := maker.Remaining()
	if remaining.LessThanOrEqual(decimal.Zero) {
		b.removeLocked(maker.ID)
		return nil, decimal.Zero, venue.ErrNoLiquidity
	}

	filled = amount
	if filled.GreaterThan(remaining) {
		filled = remaining
	}
	maker.Filled = maker.Filled.Add(filled)
	if maker.Remaining().LessThanOrEqual(decimal.Zero) {
		b.removeLocked(maker.ID)
	}
	return maker, filled, nil
}

type orderRef struct {
	order    *RestingOrder
	element  *list.Element
	level    *priceLevel
	sideBook *bookSide
}

type priceLevel struct {
	price  decimal.Decimal
	key    string
	orders *list.List
	index  int
}

type bookSide struct {
	levels map[string]*priceLevel
	heap   priceHeap
}

func newBookSide(isBid bool) *bookSide {
	side := &bookSide{
		levels: make(map[string]*priceLevel),
		heap:   priceHeap{isMax: isBid},
	}
	heap.Init(&side.heap)
	return side
}

func (s *bookSide) add(order *RestingOrder) *orderRef {
	key := order.Price.String()
	level := s.levels[key]
	if level == nil {
		level = &priceLevel{price: order.Price, key: key, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	element := level.orders.PushBack(order)
	return &orderRef{order: order, element: element, level: level, sideBook: s}
}

func (s *bookSide) remove(ref *orderRef) {
	if ref == nil || ref.level == nil || ref.element == nil {
		return
	}
	ref.level.orders.Remove(ref.element)
	if ref.level.orders.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.key)
	}
}

func (s *bookSide) best() *priceLevel {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap.levels[0]
}

type priceHeap struct {
	levels []*priceLevel
	isMax  bool
}

func (h priceHeap) Len() int { return len(h.levels) }

func (h priceHeap) Less(i, j int) bool {
	cmp := h.levels[i].price.Cmp(h.levels[j].price)
	if h.isMax {
		return cmp > 0
	}
	return cmp < 0
}

func (h priceHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *priceHeap) Push(x interface{}) {
	level := x.(*priceLevel)
	level.index = len(h.levels)
	h.levels = append(h.levels, level)
}

func (h *priceHeap) Pop() interface{} {
	old := h.levels
	n := len(old)
	item := old[n-1]
	item.index = -1
	h.levels = old[:n-1]
	return item
}
