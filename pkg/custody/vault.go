// Package custody holds participant funds: free account balances and the
// per-order vaults that back escrows. Every mutation is a single Pebble batch.
package custody

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/storage"
)

// Balance is a participant's free (unescrowed) balance of one asset.
type Balance struct {
	Owner  common.Address `json:"owner"`
	Asset  string         `json:"asset"`
	Amount uint64         `json:"amount"`
}

// Vault is the custody account behind one order's escrow.
type Vault struct {
	Book    string         `json:"book"`
	OrderID uint64         `json:"order_id"`
	Owner   common.Address `json:"owner"`
	Asset   string         `json:"asset"`
	Amount  uint64         `json:"amount"`
}

// Deposit locks funds from an owner's balance into a new order vault.
type Deposit struct {
	Book    string
	OrderID uint64
	Owner   common.Address
	Asset   string
	Amount  uint64
}

// Leg moves Amount of Asset out of the vault of (Book, OrderID) into To's
// balance.
type Leg struct {
	Book    string
	OrderID uint64
	To      common.Address
	Asset   string
	Amount  uint64
}

func (l Leg) String() string {
	return fmt.Sprintf("%d %s from %s#%d to %s", l.Amount, l.Asset, l.Book, l.OrderID, l.To.Hex())
}

// Custodian is a pebble-backed custody service.
// Thread-safe: every operation holds mu for its full read-modify-write.
type Custodian struct {
	mu     sync.Mutex
	store  *storage.Store
	logger *zap.Logger
}

func NewCustodian(store *storage.Store, logger *zap.Logger) *Custodian {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Custodian{store: store, logger: logger.Named("custody")}
}

// Credit adds funds to an owner's free balance (bridge deposit / faucet).
func (c *Custodian) Credit(_ context.Context, owner common.Address, asset string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("deposit amount must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bal, err := c.balanceLocked(owner, asset)
	if err != nil {
		return err
	}
	if bal.Amount > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s %s", core.ErrArithmeticOverflow, owner.Hex(), asset)
	}
	bal.Amount += amount
	if err := c.store.Put(storage.BalanceKey(asset, owner), bal); err != nil {
		return err
	}
	c.logger.Debug("credited", zap.String("owner", owner.Hex()), zap.String("asset", asset), zap.Uint64("amount", amount))
	return nil
}

// Withdraw removes funds from an owner's free balance.
// Returns error if insufficient balance.
func (c *Custodian) Withdraw(_ context.Context, owner common.Address, asset string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("withdraw amount must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bal, err := c.balanceLocked(owner, asset)
	if err != nil {
		return err
	}
	if bal.Amount < amount {
		return fmt.Errorf("insufficient balance: have %d, need %d", bal.Amount, amount)
	}
	bal.Amount -= amount
	return c.store.Put(storage.BalanceKey(asset, owner), bal)
}

// Balance returns an owner's free balance of asset.
func (c *Custodian) Balance(owner common.Address, asset string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, err := c.balanceLocked(owner, asset)
	if err != nil {
		return 0, err
	}
	return bal.Amount, nil
}

// Vault returns the custody vault backing an order, or ErrNotFound.
func (c *Custodian) Vault(book string, orderID uint64) (*Vault, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vaultLocked(book, orderID)
}

// Lock moves funds from the owner's balance into a fresh vault for the order.
func (c *Custodian) Lock(_ context.Context, d Deposit) error {
	if d.Amount == 0 {
		return fmt.Errorf("lock amount must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.vaultLocked(d.Book, d.OrderID); err == nil {
		return fmt.Errorf("%w: vault %s#%d", core.ErrAlreadyExists, d.Book, d.OrderID)
	}

	bal, err := c.balanceLocked(d.Owner, d.Asset)
	if err != nil {
		return err
	}
	if bal.Amount < d.Amount {
		return fmt.Errorf("%w: insufficient balance to lock: have %d, need %d", core.ErrInsufficientEscrow, bal.Amount, d.Amount)
	}
	bal.Amount -= d.Amount

	v := &Vault{Book: d.Book, OrderID: d.OrderID, Owner: d.Owner, Asset: d.Asset, Amount: d.Amount}

	b := c.store.NewBatch()
	defer b.Close()
	if err := b.Put(storage.BalanceKey(d.Asset, d.Owner), bal); err != nil {
		return err
	}
	if err := b.Put(storage.VaultKey(d.Book, d.OrderID), v); err != nil {
		return err
	}
	return b.Commit()
}

// Unlock reverses Lock for an order whose creation failed after funds were
// locked. The vault must still hold the full deposit; it is removed so the
// order id can be locked again.
func (c *Custodian) Unlock(_ context.Context, d Deposit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.vaultLocked(d.Book, d.OrderID)
	if err != nil {
		return err
	}
	if v.Amount != d.Amount || v.Asset != d.Asset || v.Owner != d.Owner {
		return fmt.Errorf("vault %s#%d does not match deposit being unlocked", d.Book, d.OrderID)
	}
	bal, err := c.balanceLocked(d.Owner, d.Asset)
	if err != nil {
		return err
	}
	bal.Amount += v.Amount

	b := c.store.NewBatch()
	defer b.Close()
	if err := b.Put(storage.BalanceKey(d.Asset, d.Owner), bal); err != nil {
		return err
	}
	if err := b.Delete(storage.VaultKey(d.Book, d.OrderID)); err != nil {
		return err
	}
	return b.Commit()
}

// Transfer executes all legs or none. Every leg is validated against the
// source vault (asset and cumulative amount) before anything is written.
func (c *Custodian) Transfer(_ context.Context, legs ...Leg) error {
	if len(legs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	vaults := make(map[string]*Vault)
	balances := make(map[string]*Balance)

	for _, l := range legs {
		if l.Amount == 0 {
			continue
		}
		vk := string(storage.VaultKey(l.Book, l.OrderID))
		v, ok := vaults[vk]
		if !ok {
			loaded, err := c.vaultLocked(l.Book, l.OrderID)
			if err != nil {
				return fmt.Errorf("transfer %s: %w", l, err)
			}
			v = loaded
			vaults[vk] = v
		}
		if v.Asset != l.Asset {
			return fmt.Errorf("transfer %s: vault holds %s", l, v.Asset)
		}
		if v.Amount < l.Amount {
			return fmt.Errorf("%w: transfer %s: vault holds %d", core.ErrInsufficientEscrow, l, v.Amount)
		}
		v.Amount -= l.Amount

		bk := string(storage.BalanceKey(l.Asset, l.To))
		bal, ok := balances[bk]
		if !ok {
			loaded, err := c.balanceLocked(l.To, l.Asset)
			if err != nil {
				return err
			}
			bal = loaded
			balances[bk] = bal
		}
		if bal.Amount > math.MaxUint64-l.Amount {
			return fmt.Errorf("%w: transfer %s", core.ErrArithmeticOverflow, l)
		}
		bal.Amount += l.Amount
	}

	b := c.store.NewBatch()
	defer b.Close()
	for k, v := range vaults {
		if err := b.Put([]byte(k), v); err != nil {
			return err
		}
	}
	for k, bal := range balances {
		if err := b.Put([]byte(k), bal); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("transfer commit: %w", err)
	}

	for _, l := range legs {
		c.logger.Debug("transferred", zap.Stringer("leg", l))
	}
	return nil
}

// Revert undoes previously executed legs, moving funds from each recipient
// back into the source vault. Used when the caller's own commit fails after
// Transfer succeeded.
func (c *Custodian) Revert(_ context.Context, legs ...Leg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vaults := make(map[string]*Vault)
	balances := make(map[string]*Balance)
	for _, l := range legs {
		if l.Amount == 0 {
			continue
		}
		bk := string(storage.BalanceKey(l.Asset, l.To))
		bal, ok := balances[bk]
		if !ok {
			loaded, err := c.balanceLocked(l.To, l.Asset)
			if err != nil {
				return err
			}
			bal = loaded
			balances[bk] = bal
		}
		if bal.Amount < l.Amount {
			return fmt.Errorf("revert %s: recipient holds only %d", l, bal.Amount)
		}
		bal.Amount -= l.Amount

		vk := string(storage.VaultKey(l.Book, l.OrderID))
		v, ok := vaults[vk]
		if !ok {
			loaded, err := c.vaultLocked(l.Book, l.OrderID)
			if err != nil {
				return err
			}
			v = loaded
			vaults[vk] = v
		}
		v.Amount += l.Amount
	}

	b := c.store.NewBatch()
	defer b.Close()
	for k, v := range vaults {
		if err := b.Put([]byte(k), v); err != nil {
			return err
		}
	}
	for k, bal := range balances {
		if err := b.Put([]byte(k), bal); err != nil {
			return err
		}
	}
	return b.Commit()
}

func (c *Custodian) balanceLocked(owner common.Address, asset string) (*Balance, error) {
	var bal Balance
	ok, err := c.store.Get(storage.BalanceKey(asset, owner), &bal)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Balance{Owner: owner, Asset: asset}, nil
	}
	return &bal, nil
}

func (c *Custodian) vaultLocked(book string, orderID uint64) (*Vault, error) {
	var v Vault
	ok, err := c.store.Get(storage.VaultKey(book, orderID), &v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: vault %s#%d", core.ErrNotFound, book, orderID)
	}
	return &v, nil
}
