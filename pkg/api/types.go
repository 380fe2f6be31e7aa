package api

import (
	"encoding/hex"

	"github.com/uhyunpark/shadowswap/pkg/app/core/auth"
	"github.com/uhyunpark/shadowswap/pkg/app/core/escrow"
	"github.com/uhyunpark/shadowswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/shadowswap/pkg/app/core/settlement"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts are smallest units; timestamps are unix milliseconds.

// ==============================
// REST Response Types
// ==============================

// BookInfo is a book's configuration and counters.
type BookInfo struct {
	ID               string `json:"id"` // e.g., "WSOL-USDC"
	BaseAsset        string `json:"baseAsset"`
	QuoteAsset       string `json:"quoteAsset"`
	Admin            string `json:"admin"`
	FeeBps           uint16 `json:"feeBps"`
	MinBaseOrderSize uint64 `json:"minBaseOrderSize"`
	BaseDecimals     uint8  `json:"baseDecimals"`
	OrderCount       uint64 `json:"orderCount"`
	ActiveOrders     uint64 `json:"activeOrders"`
	TradeCount       uint64 `json:"tradeCount"`
	IsActive         bool   `json:"isActive"`
	LastTradeAt      int64  `json:"lastTradeAt"`
	CreatedAt        int64  `json:"createdAt"`
}

func bookInfo(b *orderbook.Book) BookInfo {
	return BookInfo{
		ID:               b.ID,
		BaseAsset:        b.Pair.Base,
		QuoteAsset:       b.Pair.Quote,
		Admin:            b.Admin.Hex(),
		FeeBps:           b.FeeBps,
		MinBaseOrderSize: b.MinBaseOrderSize,
		BaseDecimals:     b.BaseDecimals,
		OrderCount:       b.OrderCount,
		ActiveOrders:     b.ActiveOrders,
		TradeCount:       b.TradeCount,
		IsActive:         b.IsActive,
		LastTradeAt:      b.LastTradeAt,
		CreatedAt:        b.CreatedAt,
	}
}

// OrderInfo is the public view of an order. The price is never exposed.
type OrderInfo struct {
	ID            uint64      `json:"id"`
	Book          string      `json:"book"`
	Owner         string      `json:"owner"`
	Side          string      `json:"side"` // "buy" or "sell"
	Amount        uint64      `json:"amount"`
	Remaining     uint64      `json:"remaining"`
	Status        string      `json:"status"` // "active" | "partial" | "filled" | "cancelled"
	PayloadDigest string      `json:"payloadDigest"`
	Timestamp     uint64      `json:"timestamp"`
	UpdatedAt     int64       `json:"updatedAt"`
	Escrow        *EscrowInfo `json:"escrow,omitempty"`
}

func orderInfo(o *orderbook.Order) OrderInfo {
	return OrderInfo{
		ID:            o.ID,
		Book:          o.Book,
		Owner:         o.Owner.Hex(),
		Side:          o.Side.String(),
		Amount:        o.Amount,
		Remaining:     o.Remaining,
		Status:        o.Status.String(),
		PayloadDigest: "0x" + hex.EncodeToString(o.PayloadDigest[:]),
		Timestamp:     o.Timestamp,
		UpdatedAt:     o.UpdatedAt,
	}
}

// EscrowInfo is the accounting state of an order's escrow.
type EscrowInfo struct {
	Asset     string `json:"asset"`
	Kind      string `json:"kind"` // "base" or "quote"
	Deposited uint64 `json:"deposited"`
	Remaining uint64 `json:"remaining"`
}

func escrowInfo(e *escrow.Escrow) *EscrowInfo {
	return &EscrowInfo{
		Asset:     e.Asset,
		Kind:      e.Kind.String(),
		Deposited: e.AmountDeposited,
		Remaining: e.AmountRemaining,
	}
}

// TradeInfo is a settled trade.
type TradeInfo struct {
	Seq            uint64 `json:"seq"`
	Book           string `json:"book"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	BuyerOrderID   uint64 `json:"buyerOrderId"`
	SellerOrderID  uint64 `json:"sellerOrderId"`
	BaseAmount     uint64 `json:"baseAmount"`
	QuoteAmount    uint64 `json:"quoteAmount"`
	ExecutionPrice uint64 `json:"executionPrice"`
	BuyerStatus    string `json:"buyerStatus"`
	SellerStatus   string `json:"sellerStatus"`
	BuyerRefund    uint64 `json:"buyerRefund"`
	SellerRefund   uint64 `json:"sellerRefund"`
	Digest         string `json:"digest"`
	Timestamp      int64  `json:"timestamp"`
}

func tradeInfo(r *settlement.Receipt) TradeInfo {
	return TradeInfo{
		Seq:            r.Seq,
		Book:           r.Trade.Book,
		Buyer:          r.Trade.Buyer.Hex(),
		Seller:         r.Trade.Seller.Hex(),
		BuyerOrderID:   r.Trade.BuyerOrderID,
		SellerOrderID:  r.Trade.SellerOrderID,
		BaseAmount:     r.Trade.BaseAmount,
		QuoteAmount:    r.Trade.QuoteAmount,
		ExecutionPrice: r.Trade.ExecutionPrice,
		BuyerStatus:    r.BuyerStatus.String(),
		SellerStatus:   r.SellerStatus.String(),
		BuyerRefund:    r.BuyerRefund,
		SellerRefund:   r.SellerRefund,
		Digest:         r.Digest.Hex(),
		Timestamp:      r.Trade.Timestamp,
	}
}

// AuthorizationInfo is an authority's token on a book.
type AuthorizationInfo struct {
	Authority string `json:"authority"`
	Book      string `json:"book"`
	Nonce     uint64 `json:"nonce"`
	ExpiresAt int64  `json:"expiresAt"`
	Active    bool   `json:"active"`
}

func authorizationInfo(t *auth.Token) AuthorizationInfo {
	return AuthorizationInfo{
		Authority: t.Authority.Hex(),
		Book:      t.Book,
		Nonce:     t.Nonce,
		ExpiresAt: t.ExpiresAt,
		Active:    t.Active,
	}
}

// BalanceInfo is a free (unescrowed) custody balance.
type BalanceInfo struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

// BoundaryInfo tells clients which key to seal orders to.
type BoundaryInfo struct {
	PublicKey  string `json:"publicKey"` // hex
	MaxPayload int    `json:"maxPayload"`
}

// ==============================
// REST Request Types
// ==============================

// Every mutating request carries an EIP-712 signature over the matching
// instruction; the signer is the caller.

// PlaceOrderRequest is the payload for POST /api/v1/books/{book}/orders.
type PlaceOrderRequest struct {
	Owner     string `json:"owner"`
	Payload   string `json:"payload"`  // hex, sealed to the boundary key
	ScopeKey  string `json:"scopeKey"` // hex, owner's key for sealed results
	Signature string `json:"signature"`
}

// CancelOrderRequest is the payload for POST /api/v1/books/{book}/orders/{id}/cancel.
type CancelOrderRequest struct {
	Owner     string `json:"owner"`
	Signature string `json:"signature"`
}

// SettleRequest is the payload for POST /api/v1/books/{book}/settlements.
type SettleRequest struct {
	BuyerOrderID   uint64 `json:"buyerOrderId"`
	SellerOrderID  uint64 `json:"sellerOrderId"`
	MatchedAmount  uint64 `json:"matchedAmount"`
	ExecutionPrice uint64 `json:"executionPrice"`
	Nonce          uint64 `json:"nonce"`
	Signature      string `json:"signature"`
}

// AdminRequest is the payload for POST /api/v1/books/{book}/admin.
type AdminRequest struct {
	Action    string `json:"action"` // "pause" | "resume" | "authorize" | "revoke"
	Authority string `json:"authority,omitempty"`
	ExpiresAt uint64 `json:"expiresAt,omitempty"`
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

// SubmitOrderResponse is the response from order placement.
type SubmitOrderResponse struct {
	Status  string    `json:"status"` // "accepted"
	OrderID uint64    `json:"orderId"`
	Order   OrderInfo `json:"order"`
}

// CancelOrderResponse reports the refunded escrow.
type CancelOrderResponse struct {
	Status   string `json:"status"` // "cancelled"
	OrderID  uint64 `json:"orderId"`
	Refunded uint64 `json:"refunded"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`    // "trade", "match", "order"
	Channel string      `json:"channel"` // e.g., "trades:WSOL-USDC"
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:WSOL-USDC", "matches:WSOL-USDC", "orders:WSOL-USDC"]
}
