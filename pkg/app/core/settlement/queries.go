package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/auth"
	"github.com/uhyunpark/shadowswap/pkg/app/core/escrow"
	"github.com/uhyunpark/shadowswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/shadowswap/pkg/storage"
)

// Read-only queries. They go straight to Pebble and do not take the engine
// lock; each read sees a committed state.

func (e *Engine) Book(id string) (*orderbook.Book, error) { return e.loadBook(id) }

// Books lists every book in id order.
func (e *Engine) Books() ([]*orderbook.Book, error) {
	var out []*orderbook.Book
	err := e.store.Scan(storage.BookPrefix(), func(_ []byte, decode func(any) error) error {
		var b orderbook.Book
		if err := decode(&b); err != nil {
			return err
		}
		out = append(out, &b)
		return nil
	})
	return out, err
}

func (e *Engine) Order(book string, id uint64) (*orderbook.Order, error) {
	return e.loadOrder(book, id)
}

func (e *Engine) Escrow(book string, orderID uint64) (*escrow.Escrow, error) {
	return e.loadEscrow(book, orderID)
}

// ActiveOrders returns the book's Active and Partial orders in id order.
func (e *Engine) ActiveOrders(book string) ([]*orderbook.Order, error) {
	var out []*orderbook.Order
	err := e.store.Scan(storage.OrderPrefix(book), func(_ []byte, decode func(any) error) error {
		var o orderbook.Order
		if err := decode(&o); err != nil {
			return err
		}
		if o.Status.Open() {
			out = append(out, &o)
		}
		return nil
	})
	return out, err
}

// Trades returns up to limit receipts, newest first. limit <= 0 means all.
func (e *Engine) Trades(book string, limit int) ([]*Receipt, error) {
	var out []*Receipt
	err := e.store.ScanReverse(storage.TradePrefix(book), func(_ []byte, decode func(any) error) error {
		var r Receipt
		if err := decode(&r); err != nil {
			return err
		}
		out = append(out, &r)
		if limit > 0 && len(out) >= limit {
			return storage.ErrStopScan
		}
		return nil
	})
	return out, err
}

func (e *Engine) Authorization(book string, authority common.Address) (*auth.Token, error) {
	tok, err := e.loadToken(book, authority)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: no authorization for %s on %s", core.ErrNotFound, authority.Hex(), book)
	}
	return tok, nil
}

func (e *Engine) loadBook(id string) (*orderbook.Book, error) {
	var b orderbook.Book
	ok, err := e.store.Get(storage.BookKey(id), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: book %s", core.ErrNotFound, id)
	}
	return &b, nil
}

func (e *Engine) loadOrder(book string, id uint64) (*orderbook.Order, error) {
	var o orderbook.Order
	ok, err := e.store.Get(storage.OrderKey(book, id), &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s#%d", core.ErrNotFound, book, id)
	}
	return &o, nil
}

func (e *Engine) loadEscrow(book string, id uint64) (*escrow.Escrow, error) {
	var es escrow.Escrow
	ok, err := e.store.Get(storage.EscrowKey(book, id), &es)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s#%d", core.ErrNotFound, book, id)
	}
	return &es, nil
}

// loadToken returns nil, nil when no token exists.
func (e *Engine) loadToken(book string, authority common.Address) (*auth.Token, error) {
	var t auth.Token
	ok, err := e.store.Get(storage.AuthKey(book, authority), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}
