// Command seal-order prepares client requests for a shadowswap node: it seals
// an order to the boundary key and signs the matching EIP-712 instruction,
// or opens a sealed match result with the owner's key.
//
//	seal-order -boundary <hex> -book WSOL-USDC -side buy -amount 1000000000 -price 50000000
//	seal-order -cancel 3 -book WSOL-USDC -key <hex>
//	seal-order -open <hex> -scope-seed <hex> -owner 0x...
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shadowswap/pkg/api"
	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
	"github.com/uhyunpark/shadowswap/pkg/crypto"
)

func main() {
	var (
		boundary  = flag.String("boundary", "", "boundary public key (hex), from GET /api/v1/boundary")
		book      = flag.String("book", "WSOL-USDC", "book id")
		side      = flag.String("side", "buy", "buy or sell")
		amount    = flag.Uint64("amount", 0, "base amount in smallest units")
		price     = flag.Uint64("price", 0, "limit price in quote units per whole base unit")
		keyHex    = flag.String("key", "", "owner secp256k1 private key (hex); generated when empty")
		scopeSeed = flag.String("scope-seed", "", "owner HPKE seed (hex) for sealed results; generated when empty")
		cancel    = flag.Int64("cancel", -1, "sign a cancel for this order id instead of placing")
		open      = flag.String("open", "", "sealed result field (hex) to open")
		owner     = flag.String("owner", "", "owner address, used with -open")
	)
	flag.Parse()

	if *open != "" {
		exitOn(openResult(*open, *scopeSeed, *owner))
		return
	}

	signer, err := loadSigner(*keyHex)
	exitOn(err)
	eip := crypto.NewEIP712Signer(crypto.DefaultDomain())

	if *cancel >= 0 {
		instr := crypto.CancelInstruction{Book: *book, OrderID: uint64(*cancel), Owner: signer.Address()}
		sig, err := eip.Sign(signer, instr)
		exitOn(err)
		printJSON(map[string]any{
			"path": fmt.Sprintf("/api/v1/books/%s/orders/%d/cancel", *book, *cancel),
			"body": api.CancelOrderRequest{Owner: signer.Address().Hex(), Signature: "0x" + hex.EncodeToString(sig)},
		})
		return
	}

	pt, err := plaintext(*side, *amount, *price)
	exitOn(err)
	pub, err := hex.DecodeString(strings.TrimPrefix(*boundary, "0x"))
	if err != nil || len(pub) == 0 {
		exitOn(fmt.Errorf("-boundary must be the hex boundary public key"))
	}
	payload, err := crypto.SealOrder(pub, pt)
	exitOn(err)

	seed, scope, err := loadScope(*scopeSeed)
	exitOn(err)

	instr := crypto.PlaceInstruction{Book: *book, PayloadDigest: common.Hash(crypto.PayloadDigest(payload)), Owner: signer.Address()}
	sig, err := eip.Sign(signer, instr)
	exitOn(err)

	printJSON(map[string]any{
		"path": fmt.Sprintf("/api/v1/books/%s/orders", *book),
		"body": api.PlaceOrderRequest{
			Owner:     signer.Address().Hex(),
			Payload:   "0x" + hex.EncodeToString(payload),
			ScopeKey:  scope.PublicHex(),
			Signature: "0x" + hex.EncodeToString(sig),
		},
		// keep these to open results and cancel later
		"ownerKey":  signer.PrivateKeyHex(),
		"scopeSeed": seed,
	})
}

func plaintext(side string, amount, price uint64) (matching.Plaintext, error) {
	pt := matching.Plaintext{Amount: amount, Price: price, Timestamp: uint32(time.Now().Unix())}
	switch strings.ToLower(side) {
	case "buy":
		pt.Side = core.Buy
	case "sell":
		pt.Side = core.Sell
	default:
		return pt, fmt.Errorf("-side must be buy or sell, got %q", side)
	}
	if amount == 0 || price == 0 {
		return pt, fmt.Errorf("-amount and -price must be positive")
	}
	return pt, nil
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

func loadScope(seedHex string) (string, *crypto.KeyPair, error) {
	if seedHex == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return "", nil, err
		}
		seedHex = hex.EncodeToString(seed)
	}
	kp, err := crypto.KeyPairFromHex(seedHex)
	return seedHex, kp, err
}

func openResult(sealedHex, seedHex, owner string) error {
	if seedHex == "" || !common.IsHexAddress(owner) {
		return fmt.Errorf("-open needs -scope-seed and -owner")
	}
	kp, err := crypto.KeyPairFromHex(seedHex)
	if err != nil {
		return err
	}
	sealed, err := hex.DecodeString(strings.TrimPrefix(sealedHex, "0x"))
	if err != nil {
		return fmt.Errorf("-open is not hex: %w", err)
	}
	v, err := crypto.OpenResult(kp, matching.OwnerScope{Owner: common.HexToAddress(owner)}, sealed)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	exitOn(err)
	fmt.Println(string(out))
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
