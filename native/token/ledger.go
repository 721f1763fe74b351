package token

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"vouchlend/crypto"
)

var (
	errNilState              = errors.New("token ledger: state not configured")
	errInvalidToken          = errors.New("token ledger: token address required")
	errInvalidAmount         = errors.New("token ledger: amount must be positive")
	errInsufficientBalance   = errors.New("token ledger: insufficient balance")
	errInsufficientAllowance = errors.New("token ledger: insufficient allowance")
	errBalanceOverflow       = errors.New("token ledger: balance exceeds 256 bits")
)

// ErrInsufficientBalance surfaces balance failures to calling modules.
var ErrInsufficientBalance = errInsufficientBalance

// ErrInsufficientAllowance surfaces allowance failures to calling modules.
var ErrInsufficientAllowance = errInsufficientAllowance

type engineState interface {
	TokenBalance(token, owner crypto.Address) (*big.Int, error)
	SetTokenBalance(token, owner crypto.Address, amount *big.Int) error
	TokenAllowance(token, owner, spender crypto.Address) (*big.Int, error)
	SetTokenAllowance(token, owner, spender crypto.Address, amount *big.Int) error
}

// Ledger implements the fungible token collaborator consumed by the protocol
// modules. Balances and allowances live in protocol state; every movement is a
// pull (TransferFrom against an allowance) or a push (Transfer from the
// caller's own balance).
type Ledger struct {
	state engineState
}

// NewLedger constructs an unwired ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// SetState wires the ledger to the external persistence layer.
func (l *Ledger) SetState(state engineState) { l.state = state }

func (l *Ledger) balance(token, owner crypto.Address) (*big.Int, error) {
	amount, err := l.state.TokenBalance(token, owner)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// checkWidth rejects balances that no longer fit the 256-bit on-ledger
// representation.
func checkWidth(amount *big.Int) error {
	if _, overflow := uint256.FromBig(amount); overflow {
		return errBalanceOverflow
	}
	return nil
}

// BalanceOf returns the owner's balance for the given token.
func (l *Ledger) BalanceOf(token, owner crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if token.IsZero() {
		return nil, errInvalidToken
	}
	return l.balance(token, owner)
}

// Allowance returns the amount the spender may pull from the owner.
func (l *Ledger) Allowance(token, owner, spender crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if token.IsZero() {
		return nil, errInvalidToken
	}
	allowance, err := l.state.TokenAllowance(token, owner, spender)
	if err != nil {
		return nil, err
	}
	if allowance == nil {
		return big.NewInt(0), nil
	}
	return allowance, nil
}

// Approve sets the spender's allowance over the owner's balance.
func (l *Ledger) Approve(token, owner, spender crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if token.IsZero() {
		return errInvalidToken
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	if err := checkWidth(amount); err != nil {
		return err
	}
	return l.state.SetTokenAllowance(token, owner, spender, new(big.Int).Set(amount))
}

// Mint credits freshly issued units to the recipient. Used by test fixtures;
// there is no burn path in the protocol core.
func (l *Ledger) Mint(token, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if token.IsZero() {
		return errInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	balance, err := l.balance(token, to)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(balance, amount)
	if err := checkWidth(next); err != nil {
		return err
	}
	return l.state.SetTokenBalance(token, to, next)
}

// Transfer pushes amount from the sender's own balance to the recipient.
func (l *Ledger) Transfer(token, from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if token.IsZero() {
		return errInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	return l.move(token, from, to, amount)
}

// TransferFrom pulls amount from the owner to the recipient, consuming the
// spender's allowance.
func (l *Ledger) TransferFrom(token, owner, spender, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if token.IsZero() {
		return errInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	allowance, err := l.state.TokenAllowance(token, owner, spender)
	if err != nil {
		return err
	}
	if allowance == nil {
		allowance = big.NewInt(0)
	}
	if allowance.Cmp(amount) < 0 {
		return errInsufficientAllowance
	}
	if err := l.move(token, owner, to, amount); err != nil {
		return err
	}
	remaining := new(big.Int).Sub(allowance, amount)
	return l.state.SetTokenAllowance(token, owner, spender, remaining)
}

func (l *Ledger) move(token, from, to crypto.Address, amount *big.Int) error {
	fromBalance, err := l.balance(token, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	toBalance, err := l.balance(token, to)
	if err != nil {
		return err
	}
	nextTo := new(big.Int).Add(toBalance, amount)
	if err := checkWidth(nextTo); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if err := l.state.SetTokenBalance(token, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.state.SetTokenBalance(token, to, nextTo)
}
