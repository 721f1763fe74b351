package token

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"vouchlend/crypto"
)

type balanceKey struct {
	token crypto.Address
	owner crypto.Address
}

type allowanceKey struct {
	token   crypto.Address
	owner   crypto.Address
	spender crypto.Address
}

type mockState struct {
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (m *mockState) TokenBalance(token, owner crypto.Address) (*big.Int, error) {
	if amount, ok := m.balances[balanceKey{token, owner}]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetTokenBalance(token, owner crypto.Address, amount *big.Int) error {
	m.balances[balanceKey{token, owner}] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) TokenAllowance(token, owner, spender crypto.Address) (*big.Int, error) {
	if amount, ok := m.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetTokenAllowance(token, owner, spender crypto.Address, amount *big.Int) error {
	m.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func newTestAddress(fill byte) crypto.Address {
	var addr crypto.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestLedger() *Ledger {
	ledger := NewLedger()
	ledger.SetState(newMockState())
	return ledger
}

func TestMintAndBalance(t *testing.T) {
	ledger := newTestLedger()
	tok := newTestAddress(0xAA)
	alice := newTestAddress(0x01)

	if err := ledger.Mint(tok, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	balance, err := ledger.BalanceOf(tok, alice)
	if err != nil || balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("balance = %v err=%v", balance, err)
	}
}

func TestTransferMovesBalance(t *testing.T) {
	ledger := newTestLedger()
	tok := newTestAddress(0xAA)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)

	if err := ledger.Mint(tok, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(tok, alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	aliceBal, _ := ledger.BalanceOf(tok, alice)
	bobBal, _ := ledger.BalanceOf(tok, bob)
	if aliceBal.Cmp(big.NewInt(60)) != 0 || bobBal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected balances: alice=%v bob=%v", aliceBal, bobBal)
	}

	if err := ledger.Transfer(tok, alice, bob, big.NewInt(100)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	ledger := newTestLedger()
	tok := newTestAddress(0xAA)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	spender := newTestAddress(0x03)

	if err := ledger.Mint(tok, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.TransferFrom(tok, alice, spender, bob, big.NewInt(10)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := ledger.Approve(tok, alice, spender, big.NewInt(50)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := ledger.TransferFrom(tok, alice, spender, bob, big.NewInt(30)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	remaining, _ := ledger.Allowance(tok, alice, spender)
	if remaining.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("allowance not consumed: %v", remaining)
	}
	bobBal, _ := ledger.BalanceOf(tok, bob)
	if bobBal.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected recipient balance: %v", bobBal)
	}
	if err := ledger.TransferFrom(tok, alice, spender, bob, big.NewInt(21)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance on overdraw, got %v", err)
	}
}

func TestZeroTokenRejected(t *testing.T) {
	ledger := newTestLedger()
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)

	if err := ledger.Transfer(crypto.ZeroAddress, alice, bob, big.NewInt(1)); err == nil {
		t.Fatal("expected zero token to be rejected")
	}
	if _, err := ledger.BalanceOf(crypto.ZeroAddress, alice); err == nil {
		t.Fatal("expected zero token to be rejected")
	}
}

func TestInvalidAmounts(t *testing.T) {
	ledger := newTestLedger()
	tok := newTestAddress(0xAA)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)

	if err := ledger.Transfer(tok, alice, bob, big.NewInt(0)); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
	if err := ledger.Transfer(tok, alice, bob, nil); err == nil {
		t.Fatal("expected nil amount to be rejected")
	}
	if err := ledger.Mint(tok, alice, big.NewInt(-5)); err == nil {
		t.Fatal("expected negative mint to be rejected")
	}
}
