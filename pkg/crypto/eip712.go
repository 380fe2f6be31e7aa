package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator input.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

func DefaultDomain() Domain {
	return Domain{
		Name:    "ShadowSwap",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// Instruction is a typed message a participant signs.
type Instruction interface {
	PrimaryType() string
	Fields() []apitypes.Type
	Message() apitypes.TypedDataMessage
}

// SettleInstruction is signed by the keeper holding the book's
// authorization token.
type SettleInstruction struct {
	Book           string `json:"book"`
	BuyerOrderID   uint64 `json:"buyer_order_id"`
	SellerOrderID  uint64 `json:"seller_order_id"`
	MatchedAmount  uint64 `json:"matched_amount"`
	ExecutionPrice uint64 `json:"execution_price"`
	Nonce          uint64 `json:"nonce"`
}

func (SettleInstruction) PrimaryType() string { return "Settle" }

func (SettleInstruction) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "book", Type: "string"},
		{Name: "buyerOrderId", Type: "uint64"},
		{Name: "sellerOrderId", Type: "uint64"},
		{Name: "matchedAmount", Type: "uint64"},
		{Name: "executionPrice", Type: "uint64"},
		{Name: "nonce", Type: "uint64"},
	}
}

func (s SettleInstruction) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"book":           s.Book,
		"buyerOrderId":   u64(s.BuyerOrderID),
		"sellerOrderId":  u64(s.SellerOrderID),
		"matchedAmount":  u64(s.MatchedAmount),
		"executionPrice": u64(s.ExecutionPrice),
		"nonce":          u64(s.Nonce),
	}
}

// CancelInstruction is signed by the order owner.
type CancelInstruction struct {
	Book    string         `json:"book"`
	OrderID uint64         `json:"order_id"`
	Owner   common.Address `json:"owner"`
}

func (CancelInstruction) PrimaryType() string { return "Cancel" }

func (CancelInstruction) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "book", Type: "string"},
		{Name: "orderId", Type: "uint64"},
		{Name: "owner", Type: "address"},
	}
}

func (c CancelInstruction) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"book":    c.Book,
		"orderId": u64(c.OrderID),
		"owner":   c.Owner.Hex(),
	}
}

// PlaceInstruction binds a sealed payload to its owner. The payload itself is
// only referenced by digest.
type PlaceInstruction struct {
	Book          string         `json:"book"`
	PayloadDigest common.Hash    `json:"payload_digest"`
	Owner         common.Address `json:"owner"`
}

func (PlaceInstruction) PrimaryType() string { return "Place" }

func (PlaceInstruction) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "book", Type: "string"},
		{Name: "payloadDigest", Type: "bytes32"},
		{Name: "owner", Type: "address"},
	}
}

func (p PlaceInstruction) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"book":          p.Book,
		"payloadDigest": p.PayloadDigest.Hex(),
		"owner":         p.Owner.Hex(),
	}
}

// AdminInstruction is signed by a book admin. Action is one of "pause",
// "resume", "authorize", "revoke"; Authority and ExpiresAt apply to the last
// two. Deadline (unix ms) bounds replay.
type AdminInstruction struct {
	Book      string         `json:"book"`
	Action    string         `json:"action"`
	Authority common.Address `json:"authority"`
	ExpiresAt uint64         `json:"expires_at"`
	Deadline  uint64         `json:"deadline"`
}

func (AdminInstruction) PrimaryType() string { return "Admin" }

func (AdminInstruction) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "book", Type: "string"},
		{Name: "action", Type: "string"},
		{Name: "authority", Type: "address"},
		{Name: "expiresAt", Type: "uint64"},
		{Name: "deadline", Type: "uint64"},
	}
}

func (a AdminInstruction) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"book":      a.Book,
		"action":    a.Action,
		"authority": a.Authority.Hex(),
		"expiresAt": u64(a.ExpiresAt),
		"deadline":  u64(a.Deadline),
	}
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// EIP712Signer hashes, signs and recovers instructions under one domain.
type EIP712Signer struct {
	domain Domain
}

func NewEIP712Signer(domain Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) typedData(in Instruction) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			in.PrimaryType(): in.Fields(),
		},
		PrimaryType: in.PrimaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: in.Message(),
	}
}

// Hash returns the EIP-712 digest keccak256("\x19\x01" || domainSeparator || structHash).
func (e *EIP712Signer) Hash(in Instruction) ([]byte, error) {
	td := e.typedData(in)
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", td.PrimaryType, err)
	}
	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

func (e *EIP712Signer) Sign(signer *Signer, in Instruction) ([]byte, error) {
	hash, err := e.Hash(in)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// Recover returns the address that signed in.
func (e *EIP712Signer) Recover(in Instruction, signature []byte) (common.Address, error) {
	hash, err := e.Hash(in)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// TypedDataJSON renders in for eth_signTypedData_v4 wallets.
func (e *EIP712Signer) TypedDataJSON(in Instruction) (string, error) {
	b, err := json.MarshalIndent(e.typedData(in), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(b), nil
}
