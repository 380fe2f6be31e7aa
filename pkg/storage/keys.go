package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
// Design principles:
// 1. Prefix-based for range scans (all orders of a book)
// 2. Zero-padded numbers so lexicographic order is numeric order
// 3. Book id as the first component for everything book-scoped

// Key prefixes
const (
	prefixBook    = "book:"
	prefixOrder   = "ord:"
	prefixEscrow  = "esc:"
	prefixAuth    = "auth:"
	prefixTrade   = "trade:"
	prefixDigest  = "dig:"   // payload digest -> order id, rejects replayed payloads
	prefixBalance = "bal:"   // custody account balances
	prefixVault   = "vault:" // custody escrow vaults
)

// BookKey returns the key for a book
// Format: "book:{book}"
// Example: "book:WSOL-USDC"
func BookKey(book string) []byte {
	return []byte(prefixBook + book)
}

// BookPrefix returns the prefix covering every book
func BookPrefix() []byte {
	return []byte(prefixBook)
}

// OrderKey returns the key for an order
// Format: "ord:{book}:{id}"
// Example: "ord:WSOL-USDC:00000000000000000042"
func OrderKey(book string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, book, id))
}

// OrderPrefix returns the prefix for all orders of a book, in id order
func OrderPrefix(book string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, book))
}

// EscrowKey returns the key for the escrow backing an order
// Format: "esc:{book}:{id}"
func EscrowKey(book string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEscrow, book, id))
}

// AuthKey returns the key for an authorization token
// Format: "auth:{book}:{authority}"
func AuthKey(book string, authority common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixAuth, book, authority.Hex()))
}

// AuthPrefix returns the prefix for all tokens of a book
func AuthPrefix(book string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixAuth, book))
}

// TradeKey returns the key for a settled trade
// Format: "trade:{book}:{seq}"
// seq is the book's trade counter, so keys sort in settlement order
func TradeKey(book string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, book, seq))
}

// TradePrefix returns the prefix for all trades of a book
func TradePrefix(book string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, book))
}

// DigestKey returns the key indexing an order by its payload digest
// Format: "dig:{book}:{hex digest}"
func DigestKey(book string, digest [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%s:%x", prefixDigest, book, digest[:]))
}

// BalanceKey returns the key for a custody account balance
// Format: "bal:{asset}:{address}"
func BalanceKey(asset string, owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset, owner.Hex()))
}

// VaultKey returns the key for the custody vault holding an order's escrow
// Format: "vault:{book}:{id}"
func VaultKey(book string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixVault, book, id))
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "ord:WSOL-USDC:" -> upper bound "ord:WSOL-USDC;"
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil // prefix is all 0xff: scan to the end
}
