package ledger

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ammscope/internal/asset"
)

var (
	// ErrInsufficientBalance is returned when a transfer or burn exceeds the holder balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientAllowance is returned when a delegated transfer exceeds the approval.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Ledger tracks fungible balances for any number of assets. Pool shares use the
// pool address as their asset identifier, so one ledger serves both asset
// balances and share accounting.
//
// Every mutation is journaled; Snapshot and Revert give the surrounding
// operation its all-or-nothing semantics. The journal assumes one transaction
// in flight at a time, matching the serialized execution model of the engine.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[asset.ID]map[common.Address]*big.Int
	supplies   map[asset.ID]*big.Int
	allowances map[asset.ID]map[common.Address]map[common.Address]*big.Int
	journal    []journalEntry
}

type entryKind uint8

const (
	entryBalance entryKind = iota
	entrySupply
	entryAllowance
)

type journalEntry struct {
	kind    entryKind
	asset   asset.ID
	owner   common.Address
	spender common.Address
	prev    *big.Int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances:   make(map[asset.ID]map[common.Address]*big.Int),
		supplies:   make(map[asset.ID]*big.Int),
		allowances: make(map[asset.ID]map[common.Address]map[common.Address]*big.Int),
	}
}

// BalanceOf returns a copy of the holder balance for the asset.
func (l *Ledger) BalanceOf(id asset.ID, holder common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[id][holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TotalSupply returns a copy of the minted supply of the asset.
func (l *Ledger) TotalSupply(id asset.ID) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.supplies[id]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Allowance returns a copy of the amount spender may move from owner.
func (l *Ledger) Allowance(id asset.ID, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.allowances[id][owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Mint credits amount of the asset to the holder.
func (l *Ledger) Mint(id asset.ID, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setSupply(id, new(big.Int).Add(l.supply(id), amount))
	l.setBalance(id, to, new(big.Int).Add(l.balance(id, to), amount))
	return nil
}

// Burn removes amount of the asset from the holder.
func (l *Ledger) Burn(id asset.ID, from common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(id, from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.setSupply(id, new(big.Int).Sub(l.supply(id), amount))
	l.setBalance(id, from, new(big.Int).Sub(bal, amount))
	return nil
}

// Transfer moves amount of the asset between holders.
func (l *Ledger) Transfer(id asset.ID, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(id, from, to, amount)
}

// Approve lets spender move up to amount of owner's asset balance.
func (l *Ledger) Approve(id asset.ID, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(id, owner, spender, new(big.Int).Set(amount))
	return nil
}

// TransferFrom moves amount of owner's balance to the recipient, consuming
// spender's allowance.
func (l *Ledger) TransferFrom(id asset.ID, spender, owner, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowed := l.allowance(id, owner, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.transfer(id, owner, to, amount); err != nil {
		return err
	}
	l.setAllowance(id, owner, spender, new(big.Int).Sub(allowed, amount))
	return nil
}

// Snapshot marks the current journal position for a later Revert.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.journal)
}

// Revert undoes every mutation recorded after the snapshot, newest first.
func (l *Ledger) Revert(snapshot int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snapshot < 0 || snapshot > len(l.journal) {
		return
	}
	for i := len(l.journal) - 1; i >= snapshot; i-- {
		entry := l.journal[i]
		switch entry.kind {
		case entryBalance:
			l.writeBalance(entry.asset, entry.owner, entry.prev)
		case entrySupply:
			l.supplies[entry.asset] = entry.prev
		case entryAllowance:
			l.writeAllowance(entry.asset, entry.owner, entry.spender, entry.prev)
		}
	}
	l.journal = l.journal[:snapshot]
}

// Discard clears the journal. The driver of the surrounding transaction calls
// this once the transaction has committed; afterwards earlier snapshots can no
// longer be reverted.
func (l *Ledger) Discard() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = l.journal[:0]
}

func (l *Ledger) transfer(id asset.ID, from, to common.Address, amount *big.Int) error {
	bal := l.balance(id, from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.setBalance(id, from, new(big.Int).Sub(bal, amount))
	l.setBalance(id, to, new(big.Int).Add(l.balance(id, to), amount))
	return nil
}

func (l *Ledger) balance(id asset.ID, holder common.Address) *big.Int {
	if bal, ok := l.balances[id][holder]; ok {
		return bal
	}
	return new(big.Int)
}

func (l *Ledger) allowance(id asset.ID, owner, spender common.Address) *big.Int {
	if a, ok := l.allowances[id][owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func (l *Ledger) supply(id asset.ID) *big.Int {
	if s, ok := l.supplies[id]; ok {
		return s
	}
	return new(big.Int)
}

func (l *Ledger) setBalance(id asset.ID, holder common.Address, value *big.Int) {
	prev := new(big.Int).Set(l.balance(id, holder))
	l.journal = append(l.journal, journalEntry{kind: entryBalance, asset: id, owner: holder, prev: prev})
	l.writeBalance(id, holder, value)
}

func (l *Ledger) setSupply(id asset.ID, value *big.Int) {
	prev := new(big.Int).Set(l.supply(id))
	l.journal = append(l.journal, journalEntry{kind: entrySupply, asset: id, prev: prev})
	l.supplies[id] = value
}

func (l *Ledger) writeBalance(id asset.ID, holder common.Address, value *big.Int) {
	holders, ok := l.balances[id]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		l.balances[id] = holders
	}
	holders[holder] = value
}

func (l *Ledger) setAllowance(id asset.ID, owner, spender common.Address, value *big.Int) {
	prev := new(big.Int).Set(l.allowance(id, owner, spender))
	l.journal = append(l.journal, journalEntry{kind: entryAllowance, asset: id, owner: owner, spender: spender, prev: prev})
	l.writeAllowance(id, owner, spender, value)
}

func (l *Ledger) writeAllowance(id asset.ID, owner, spender common.Address, value *big.Int) {
	owners, ok := l.allowances[id]
	if !ok {
		owners = make(map[common.Address]map[common.Address]*big.Int)
		l.allowances[id] = owners
	}
	spenders, ok := owners[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		owners[owner] = spenders
	}
	spenders[spender] = value
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
