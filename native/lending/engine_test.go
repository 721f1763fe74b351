package lending

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"vouchlend/core/events"
	"vouchlend/crypto"
	"vouchlend/native/reputation"
)

type mockState struct {
	offers             map[crypto.Hash]*LoanOffer
	requests           map[crypto.Hash]*LoanRequest
	agreements         map[crypto.Hash]*LoanAgreement
	offersByLender     map[crypto.Address][]crypto.Hash
	requestsByBorrower map[crypto.Address][]crypto.Hash
	agreementsLender   map[crypto.Address][]crypto.Hash
	agreementsBorrower map[crypto.Address][]crypto.Hash
	sequences          map[crypto.Address]uint64
}

func newMockState() *mockState {
	return &mockState{
		offers:             make(map[crypto.Hash]*LoanOffer),
		requests:           make(map[crypto.Hash]*LoanRequest),
		agreements:         make(map[crypto.Hash]*LoanAgreement),
		offersByLender:     make(map[crypto.Address][]crypto.Hash),
		requestsByBorrower: make(map[crypto.Address][]crypto.Hash),
		agreementsLender:   make(map[crypto.Address][]crypto.Hash),
		agreementsBorrower: make(map[crypto.Address][]crypto.Hash),
		sequences:          make(map[crypto.Address]uint64),
	}
}

func (m *mockState) LoanOffer(id crypto.Hash) (*LoanOffer, bool, error) {
	offer, ok := m.offers[id]
	if !ok {
		return nil, false, nil
	}
	return offer.Clone(), true, nil
}

func (m *mockState) PutLoanOffer(offer *LoanOffer) error {
	m.offers[offer.ID] = offer.Clone()
	return nil
}

func (m *mockState) LoanRequest(id crypto.Hash) (*LoanRequest, bool, error) {
	request, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	return request.Clone(), true, nil
}

func (m *mockState) PutLoanRequest(request *LoanRequest) error {
	m.requests[request.ID] = request.Clone()
	return nil
}

func (m *mockState) LoanAgreement(id crypto.Hash) (*LoanAgreement, bool, error) {
	agreement, ok := m.agreements[id]
	if !ok {
		return nil, false, nil
	}
	return agreement.Clone(), true, nil
}

func (m *mockState) PutLoanAgreement(agreement *LoanAgreement) error {
	m.agreements[agreement.ID] = agreement.Clone()
	return nil
}

func (m *mockState) AppendOfferByLender(lender crypto.Address, id crypto.Hash) error {
	m.offersByLender[lender] = append(m.offersByLender[lender], id)
	return nil
}

func (m *mockState) AppendRequestByBorrower(borrower crypto.Address, id crypto.Hash) error {
	m.requestsByBorrower[borrower] = append(m.requestsByBorrower[borrower], id)
	return nil
}

func (m *mockState) AppendAgreementByLender(lender crypto.Address, id crypto.Hash) error {
	m.agreementsLender[lender] = append(m.agreementsLender[lender], id)
	return nil
}

func (m *mockState) AppendAgreementByBorrower(borrower crypto.Address, id crypto.Hash) error {
	m.agreementsBorrower[borrower] = append(m.agreementsBorrower[borrower], id)
	return nil
}

func (m *mockState) OffersByLender(lender crypto.Address) ([]crypto.Hash, error) {
	return append([]crypto.Hash(nil), m.offersByLender[lender]...), nil
}

func (m *mockState) RequestsByBorrower(borrower crypto.Address) ([]crypto.Hash, error) {
	return append([]crypto.Hash(nil), m.requestsByBorrower[borrower]...), nil
}

func (m *mockState) AgreementsByLender(lender crypto.Address) ([]crypto.Hash, error) {
	return append([]crypto.Hash(nil), m.agreementsLender[lender]...), nil
}

func (m *mockState) AgreementsByBorrower(borrower crypto.Address) ([]crypto.Hash, error) {
	return append([]crypto.Hash(nil), m.agreementsBorrower[borrower]...), nil
}

func (m *mockState) NextLendingSequence(actor crypto.Address) (uint64, error) {
	seq := m.sequences[actor]
	m.sequences[actor] = seq + 1
	return seq, nil
}

type mockBank struct {
	balances map[crypto.Address]map[crypto.Address]*big.Int
}

func newMockBank() *mockBank {
	return &mockBank{balances: make(map[crypto.Address]map[crypto.Address]*big.Int)}
}

func (b *mockBank) fund(token, owner crypto.Address, amount *big.Int) {
	if b.balances[token] == nil {
		b.balances[token] = make(map[crypto.Address]*big.Int)
	}
	b.balances[token][owner] = new(big.Int).Set(amount)
}

func (b *mockBank) balance(token, owner crypto.Address) *big.Int {
	if b.balances[token] == nil || b.balances[token][owner] == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(b.balances[token][owner])
}

func (b *mockBank) move(token, from, to crypto.Address, amount *big.Int) error {
	fromBal := b.balance(token, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("bank: insufficient balance")
	}
	if b.balances[token] == nil {
		b.balances[token] = make(map[crypto.Address]*big.Int)
	}
	b.balances[token][from] = fromBal.Sub(fromBal, amount)
	toBal := b.balance(token, to)
	b.balances[token][to] = toBal.Add(toBal, amount)
	return nil
}

func (b *mockBank) TransferFrom(token, owner, spender, to crypto.Address, amount *big.Int) error {
	return b.move(token, owner, to, amount)
}

func (b *mockBank) Transfer(token, from, to crypto.Address, amount *big.Int) error {
	return b.move(token, from, to, amount)
}

func (b *mockBank) BalanceOf(token, owner crypto.Address) (*big.Int, error) {
	return b.balance(token, owner), nil
}

type mockRegistry struct {
	registered map[crypto.Address]bool
}

func (m *mockRegistry) IsRegistered(addr crypto.Address) (bool, error) {
	return m.registered[addr], nil
}

type outcomeCall struct {
	agreementID    crypto.Hash
	borrower       crypto.Address
	lender         crypto.Address
	principal      *big.Int
	outcome        reputation.PaymentOutcome
	modification   reputation.ModificationType
	lenderApproved bool
}

type slashCall struct {
	voucher  crypto.Address
	borrower crypto.Address
	amount   *big.Int
	payee    crypto.Address
}

type defaultCall struct {
	borrower  crypto.Address
	lender    crypto.Address
	principal *big.Int
}

type mockReputation struct {
	outcomes []outcomeCall
	defaults []defaultCall
	slashes  []slashCall
	vouches  []*reputation.Vouch
}

func (m *mockReputation) RecordLoanPaymentOutcome(caller crypto.Address, agreementID crypto.Hash, borrower, lender crypto.Address, principal *big.Int, outcome reputation.PaymentOutcome, modificationType reputation.ModificationType, lenderApproved bool) error {
	m.outcomes = append(m.outcomes, outcomeCall{agreementID, borrower, lender, new(big.Int).Set(principal), outcome, modificationType, lenderApproved})
	return nil
}

func (m *mockReputation) RecordLoanDefault(caller crypto.Address, borrower, lender crypto.Address, principal *big.Int) error {
	m.defaults = append(m.defaults, defaultCall{borrower, lender, new(big.Int).Set(principal)})
	return nil
}

func (m *mockReputation) SlashVouchAndReputation(caller, voucher, defaultingBorrower crypto.Address, amountToSlash *big.Int, payee crypto.Address) error {
	m.slashes = append(m.slashes, slashCall{voucher, defaultingBorrower, new(big.Int).Set(amountToSlash), payee})
	return nil
}

func (m *mockReputation) ActiveVouchesForBorrower(borrower crypto.Address) ([]*reputation.Vouch, error) {
	out := make([]*reputation.Vouch, 0, len(m.vouches))
	for _, vouch := range m.vouches {
		out = append(out, vouch.Clone())
	}
	return out, nil
}

func newTestAddress(fill byte) crypto.Address {
	var addr crypto.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

const day = int64(24 * 60 * 60)

// wei scales whole-token amounts to an 18-decimal representation.
func wei(tokens int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(tokens), scale)
}

type fixture struct {
	engine   *Engine
	state    *mockState
	bank     *mockBank
	registry *mockRegistry
	rep      *mockReputation
	recorder *events.Recorder
	module   crypto.Address
	lender   crypto.Address
	borrower crypto.Address
	token    crypto.Address
	tokenT2  crypto.Address
	now      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state:    newMockState(),
		bank:     newMockBank(),
		registry: &mockRegistry{registered: make(map[crypto.Address]bool)},
		rep:      &mockReputation{},
		recorder: events.NewRecorder(),
		module:   newTestAddress(0xE0),
		lender:   newTestAddress(0x01),
		borrower: newTestAddress(0x02),
		token:    newTestAddress(0xAA),
		tokenT2:  newTestAddress(0xBB),
		now:      1_700_000_000,
	}
	f.registry.registered[f.lender] = true
	f.registry.registered[f.borrower] = true
	engine := NewEngine(f.module, newTestAddress(0xE9))
	engine.SetState(f.state)
	engine.SetBank(f.bank)
	engine.SetRegistry(f.registry)
	engine.SetReputation(f.rep)
	engine.SetEmitter(f.recorder)
	engine.SetNowFunc(func() int64 { return f.now })
	f.engine = engine
	return f
}

func (f *fixture) advance(seconds int64) { f.now += seconds }

// offer creates a standard 1000 bps offer for the given whole-token principal
// and duration in days, without collateral.
func (f *fixture) offer(t *testing.T, principalTokens int64, durationDays int64) crypto.Hash {
	t.Helper()
	return f.offerWithCollateral(t, principalTokens, durationDays, nil, crypto.Address{})
}

func (f *fixture) offerWithCollateral(t *testing.T, principalTokens int64, durationDays int64, collateral *big.Int, collateralToken crypto.Address) crypto.Hash {
	t.Helper()
	principal := wei(principalTokens)
	f.bank.fund(f.token, f.lender, principal)
	id, err := f.engine.CreateOffer(f.lender, principal, f.token, 1000, uint64(durationDays)*uint64(day), collateral, collateralToken)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return id
}

func (f *fixture) accept(t *testing.T, offerID crypto.Hash) crypto.Hash {
	t.Helper()
	agreementID, err := f.engine.AcceptOffer(f.borrower, offerID, nil, crypto.Address{})
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	return agreementID
}

func TestCreateOfferEscrowsPrincipal(t *testing.T) {
	f := newFixture(t)
	id := f.offer(t, 100, 7)

	offer, err := f.engine.OfferOf(id)
	if err != nil {
		t.Fatalf("offer of: %v", err)
	}
	if !offer.Active || offer.Fulfilled {
		t.Fatalf("unexpected offer flags: %+v", offer)
	}
	if got := f.bank.balance(f.token, f.module); got.Cmp(wei(100)) != 0 {
		t.Fatalf("module custody = %v, want %v", got, wei(100))
	}
	if got := f.bank.balance(f.token, f.lender); got.Sign() != 0 {
		t.Fatalf("lender balance = %v, want 0", got)
	}
	evts := f.recorder.Events()
	if len(evts) != 1 || evts[0].Type != EventTypeLoanOfferCreated {
		t.Fatalf("unexpected events: %+v", evts)
	}
	ids, _ := f.engine.OffersByLender(f.lender)
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("offer index wrong: %v", ids)
	}
}

func TestCreateOfferValidation(t *testing.T) {
	f := newFixture(t)
	stranger := newTestAddress(0x0F)
	f.bank.fund(f.token, f.lender, wei(10))

	if _, err := f.engine.CreateOffer(stranger, wei(1), f.token, 1000, 60, nil, crypto.Address{}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := f.engine.CreateOffer(f.lender, big.NewInt(0), f.token, 1000, 60, nil, crypto.Address{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.engine.CreateOffer(f.lender, wei(1), f.token, 1000, 0, nil, crypto.Address{}); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if _, err := f.engine.CreateOffer(f.lender, wei(1), crypto.ZeroAddress, 1000, 60, nil, crypto.Address{}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := f.engine.CreateOffer(f.lender, wei(1), f.token, 1000, 60, big.NewInt(5), crypto.Address{}); !errors.Is(err, ErrCollateralShape) {
		t.Fatalf("expected ErrCollateralShape for amount without token, got %v", err)
	}
	if _, err := f.engine.CreateOffer(f.lender, wei(1), f.token, 1000, 60, nil, f.tokenT2); !errors.Is(err, ErrCollateralShape) {
		t.Fatalf("expected ErrCollateralShape for token without amount, got %v", err)
	}
	if _, err := f.engine.CreateOffer(f.lender, wei(100), f.token, 1000, 60, nil, crypto.Address{}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestAcceptOfferPaysPrincipal(t *testing.T) {
	f := newFixture(t)
	offerID := f.offer(t, 100, 7)
	agreementID := f.accept(t, offerID)

	if got := f.bank.balance(f.token, f.borrower); got.Cmp(wei(100)) != 0 {
		t.Fatalf("borrower did not receive principal: %v", got)
	}
	offer, _ := f.engine.OfferOf(offerID)
	if offer.Active || !offer.Fulfilled {
		t.Fatalf("offer flags after acceptance: %+v", offer)
	}
	agreement, err := f.engine.AgreementOf(agreementID)
	if err != nil {
		t.Fatalf("agreement of: %v", err)
	}
	if agreement.Status != StatusActive {
		t.Fatalf("status = %v, want active", agreement.Status)
	}
	if agreement.DueDate != f.now+7*day {
		t.Fatalf("due date = %d, want %d", agreement.DueDate, f.now+7*day)
	}
	if agreement.OriginOfferID != offerID || !agreement.OriginRequestID.IsZero() {
		t.Fatalf("origin ids wrong: %+v", agreement)
	}
	wantDue := new(big.Int).Add(wei(100), wei(10))
	if agreement.TotalDue().Cmp(wantDue) != 0 {
		t.Fatalf("total due = %v, want %v", agreement.TotalDue(), wantDue)
	}

	if _, err := f.engine.AcceptOffer(f.borrower, offerID, nil, crypto.Address{}); !errors.Is(err, ErrAlreadyFulfilled) {
		t.Fatalf("expected ErrAlreadyFulfilled on double accept, got %v", err)
	}
}

func TestAcceptOfferChecks(t *testing.T) {
	f := newFixture(t)
	offerID := f.offerWithCollateral(t, 100, 7, big.NewInt(50_000_000), f.tokenT2)

	if _, err := f.engine.AcceptOffer(f.lender, offerID, big.NewInt(50_000_000), f.tokenT2); !errors.Is(err, ErrSelfDeal) {
		t.Fatalf("expected ErrSelfDeal, got %v", err)
	}
	if _, err := f.engine.AcceptOffer(f.borrower, offerID, nil, crypto.Address{}); !errors.Is(err, ErrCollateralMismatch) {
		t.Fatalf("expected ErrCollateralMismatch on missing collateral, got %v", err)
	}
	if _, err := f.engine.AcceptOffer(f.borrower, offerID, big.NewInt(49_000_000), f.tokenT2); !errors.Is(err, ErrCollateralMismatch) {
		t.Fatalf("expected ErrCollateralMismatch on wrong amount, got %v", err)
	}
	if _, err := f.engine.AcceptOffer(f.borrower, offerID, big.NewInt(50_000_000), f.token); !errors.Is(err, ErrCollateralMismatch) {
		t.Fatalf("expected ErrCollateralMismatch on wrong token, got %v", err)
	}

	f.bank.fund(f.tokenT2, f.borrower, big.NewInt(50_000_000))
	agreementID, err := f.engine.AcceptOffer(f.borrower, offerID, big.NewInt(50_000_000), f.tokenT2)
	if err != nil {
		t.Fatalf("accept with collateral: %v", err)
	}
	if got := f.bank.balance(f.tokenT2, f.module); got.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("collateral not escrowed: %v", got)
	}
	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.CollateralAmount.Cmp(big.NewInt(50_000_000)) != 0 || agreement.CollateralToken != f.tokenT2 {
		t.Fatalf("collateral terms wrong: %+v", agreement)
	}
}

func TestFundRequestMovesPrincipalDirectly(t *testing.T) {
	f := newFixture(t)
	f.bank.fund(f.tokenT2, f.borrower, big.NewInt(500))
	requestID, err := f.engine.CreateRequest(f.borrower, wei(100), f.token, 1000, uint64(7*day), big.NewInt(500), f.tokenT2)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	// No collateral or principal moves at creation time.
	if got := f.bank.balance(f.tokenT2, f.module); got.Sign() != 0 {
		t.Fatalf("collateral escrowed early: %v", got)
	}

	if _, err := f.engine.FundRequest(f.borrower, requestID); !errors.Is(err, ErrSelfDeal) {
		t.Fatalf("expected ErrSelfDeal, got %v", err)
	}
	if _, err := f.engine.FundRequest(f.lender, requestID); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	f.bank.fund(f.token, f.lender, wei(100))
	agreementID, err := f.engine.FundRequest(f.lender, requestID)
	if err != nil {
		t.Fatalf("fund request: %v", err)
	}
	if got := f.bank.balance(f.token, f.borrower); got.Cmp(wei(100)) != 0 {
		t.Fatalf("borrower principal = %v", got)
	}
	if got := f.bank.balance(f.token, f.module); got.Sign() != 0 {
		t.Fatalf("principal must bypass module custody, got %v", got)
	}
	if got := f.bank.balance(f.tokenT2, f.module); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("collateral not pulled at funding: %v", got)
	}
	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.OriginRequestID != requestID || !agreement.OriginOfferID.IsZero() {
		t.Fatalf("origin ids wrong: %+v", agreement)
	}
	if _, err := f.engine.FundRequest(f.lender, requestID); !errors.Is(err, ErrAlreadyFulfilled) {
		t.Fatalf("expected ErrAlreadyFulfilled, got %v", err)
	}
}

func TestRepayFullOnTime(t *testing.T) {
	f := newFixture(t)
	agreementID := f.accept(t, f.offer(t, 100, 7))
	f.advance(6 * day)

	total := new(big.Int).Add(wei(100), wei(10))
	f.bank.fund(f.token, f.borrower, total)
	if err := f.engine.Repay(f.borrower, agreementID, total); err != nil {
		t.Fatalf("repay: %v", err)
	}

	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusRepaid {
		t.Fatalf("status = %v, want repaid", agreement.Status)
	}
	if got := f.bank.balance(f.token, f.lender); got.Cmp(total) != 0 {
		t.Fatalf("lender received %v, want %v", got, total)
	}
	if len(f.rep.outcomes) != 1 {
		t.Fatalf("expected 1 outcome call, got %d", len(f.rep.outcomes))
	}
	call := f.rep.outcomes[0]
	if call.outcome != reputation.OutcomeOnTimeOriginal {
		t.Fatalf("outcome = %v, want onTimeOriginal", call.outcome)
	}
	if call.principal.Cmp(wei(100)) != 0 {
		t.Fatalf("principal = %v", call.principal)
	}

	evts := f.recorder.Events()
	if len(evts) < 2 {
		t.Fatalf("expected settlement events, got %d", len(evts))
	}
	if evts[len(evts)-2].Type != EventTypeLoanRepayment || evts[len(evts)-1].Type != EventTypeLoanAgreementRepaid {
		t.Fatalf("settlement event order wrong: %s, %s", evts[len(evts)-2].Type, evts[len(evts)-1].Type)
	}

	if err := f.engine.Repay(f.borrower, agreementID, big.NewInt(1)); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState on repaid agreement, got %v", err)
	}
}

func TestRepayChecks(t *testing.T) {
	f := newFixture(t)
	agreementID := f.accept(t, f.offer(t, 100, 7))
	total := new(big.Int).Add(wei(100), wei(10))
	f.bank.fund(f.token, f.borrower, total)

	if err := f.engine.Repay(f.lender, agreementID, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.Repay(f.borrower, agreementID, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	over := new(big.Int).Add(total, big.NewInt(1))
	if err := f.engine.Repay(f.borrower, agreementID, over); !errors.Is(err, ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if err := f.engine.Repay(f.borrower, crypto.Hash{0xFF}, big.NewInt(1)); !errors.Is(err, ErrAgreementNotFound) {
		t.Fatalf("expected ErrAgreementNotFound, got %v", err)
	}
}

func TestPartialRepaymentThenLateSettlement(t *testing.T) {
	f := newFixture(t)
	agreementID := f.accept(t, f.offer(t, 200, 14))
	total := new(big.Int).Add(wei(200), wei(20))
	f.bank.fund(f.token, f.borrower, total)

	f.advance(7 * day)
	if err := f.engine.Repay(f.borrower, agreementID, wei(110)); err != nil {
		t.Fatalf("first repay: %v", err)
	}
	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusActive {
		t.Fatalf("status after on-time partial = %v, want active", agreement.Status)
	}

	f.advance(8 * day) // day 15, past the 14-day due date
	if err := f.engine.Repay(f.borrower, agreementID, wei(110)); err != nil {
		t.Fatalf("second repay: %v", err)
	}
	agreement, _ = f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusRepaid {
		t.Fatalf("status = %v, want repaid", agreement.Status)
	}
	if len(f.rep.outcomes) != 1 || f.rep.outcomes[0].outcome != reputation.OutcomeLateGraceOriginal {
		t.Fatalf("outcome calls = %+v", f.rep.outcomes)
	}
}

func TestPartialRepaymentAfterDueMarksOverdue(t *testing.T) {
	f := newFixture(t)
	agreementID := f.accept(t, f.offer(t, 100, 7))
	f.bank.fund(f.token, f.borrower, wei(200))

	f.advance(8 * day)
	if err := f.engine.Repay(f.borrower, agreementID, wei(10)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusOverdue {
		t.Fatalf("status = %v, want overdue", agreement.Status)
	}
}

func TestExtensionApprovedAndRepaidOnTime(t *testing.T) {
	f := newFixture(t)
	start := f.now
	agreementID := f.accept(t, f.offer(t, 70, 7))
	total := new(big.Int).Add(wei(70), wei(7))
	f.bank.fund(f.token, f.borrower, total)

	f.advance(6 * day)
	newDue := start + 14*day
	if err := f.engine.RequestModification(f.borrower, agreementID, reputation.ModificationDueDateExtension, big.NewInt(newDue)); err != nil {
		t.Fatalf("request modification: %v", err)
	}
	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusPendingModificationApproval {
		t.Fatalf("status = %v, want pending", agreement.Status)
	}
	// Repayment is frozen while the proposal is pending.
	if err := f.engine.Repay(f.borrower, agreementID, big.NewInt(1)); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState while pending, got %v", err)
	}

	if err := f.engine.RespondToModification(f.borrower, agreementID, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for borrower response, got %v", err)
	}
	if err := f.engine.RespondToModification(f.lender, agreementID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	agreement, _ = f.engine.AgreementOf(agreementID)
	if agreement.DueDate != newDue {
		t.Fatalf("due date = %d, want %d", agreement.DueDate, newDue)
	}
	if agreement.Status != StatusActive {
		t.Fatalf("status = %v, want active", agreement.Status)
	}
	if !agreement.ModificationApprovedByLender {
		t.Fatal("approval flag not set")
	}

	f.advance(7 * day) // day 13 overall
	if err := f.engine.Repay(f.borrower, agreementID, total); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if len(f.rep.outcomes) != 1 {
		t.Fatalf("expected 1 outcome call, got %d", len(f.rep.outcomes))
	}
	call := f.rep.outcomes[0]
	if call.outcome != reputation.OutcomeOnTimeExtended {
		t.Fatalf("outcome = %v, want onTimeExtended", call.outcome)
	}
	if call.modification != reputation.ModificationDueDateExtension || !call.lenderApproved {
		t.Fatalf("modification snapshot wrong: %+v", call)
	}
}

func TestExtensionRejectedKeepsTerms(t *testing.T) {
	f := newFixture(t)
	start := f.now
	agreementID := f.accept(t, f.offer(t, 100, 7))
	originalDue := start + 7*day

	if err := f.engine.RequestModification(f.borrower, agreementID, reputation.ModificationDueDateExtension, big.NewInt(start+14*day)); err != nil {
		t.Fatalf("request modification: %v", err)
	}
	if err := f.engine.RespondToModification(f.lender, agreementID, false); err != nil {
		t.Fatalf("respond: %v", err)
	}
	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.DueDate != originalDue {
		t.Fatalf("due date changed on rejection: %d", agreement.DueDate)
	}
	if agreement.Status != StatusActive {
		t.Fatalf("status = %v, want active", agreement.Status)
	}
	if agreement.ModificationApprovedByLender {
		t.Fatal("approval flag set on rejection")
	}
	// No reputation activity at rejection time.
	if len(f.rep.outcomes) != 0 {
		t.Fatalf("unexpected outcome calls: %+v", f.rep.outcomes)
	}
}

func TestModificationValidation(t *testing.T) {
	f := newFixture(t)
	start := f.now
	agreementID := f.accept(t, f.offer(t, 100, 7))

	if err := f.engine.RequestModification(f.lender, agreementID, reputation.ModificationDueDateExtension, big.NewInt(start+14*day)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.RequestModification(f.borrower, agreementID, reputation.ModificationNone, big.NewInt(1)); !errors.Is(err, ErrInvalidModification) {
		t.Fatalf("expected ErrInvalidModification, got %v", err)
	}
	if err := f.engine.RequestModification(f.borrower, agreementID, reputation.ModificationPartialPaymentAgreement, big.NewInt(0)); !errors.Is(err, ErrInvalidModificationValue) {
		t.Fatalf("expected ErrInvalidModificationValue, got %v", err)
	}
	// Extension must move the due date strictly forward.
	if err := f.engine.RequestModification(f.borrower, agreementID, reputation.ModificationDueDateExtension, big.NewInt(start+7*day)); !errors.Is(err, ErrInvalidModificationValue) {
		t.Fatalf("expected ErrInvalidModificationValue for non-forward extension, got %v", err)
	}
}

func TestPartialPaymentAgreementLifecycle(t *testing.T) {
	f := newFixture(t)
	agreementID := f.accept(t, f.offer(t, 90, 10))
	total := new(big.Int).Add(wei(90), wei(9))
	f.bank.fund(f.token, f.borrower, total)

	if err := f.engine.RequestModification(f.borrower, agreementID, reputation.ModificationPartialPaymentAgreement, wei(30)); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.RespondToModification(f.lender, agreementID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusActivePartialPaymentAgreed {
		t.Fatalf("status = %v, want partial agreed", agreement.Status)
	}

	// A payment that is not exactly the agreed value accumulates without
	// leaving the agreed state.
	if err := f.engine.Repay(f.borrower, agreementID, wei(10)); err != nil {
		t.Fatalf("small repay: %v", err)
	}
	agreement, _ = f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusActivePartialPaymentAgreed {
		t.Fatalf("status after non-exact payment = %v", agreement.Status)
	}

	// The exact agreed payment clears the modification and reactivates.
	if err := f.engine.Repay(f.borrower, agreementID, wei(30)); err != nil {
		t.Fatalf("exact repay: %v", err)
	}
	agreement, _ = f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusActive {
		t.Fatalf("status after exact payment = %v, want active", agreement.Status)
	}
	if agreement.RequestedModificationType != reputation.ModificationNone || agreement.ModificationApprovedByLender {
		t.Fatalf("modification fields not cleared: %+v", agreement)
	}
	if !agreement.PartialAgreementMet {
		t.Fatal("partial agreement flag not recorded")
	}

	remaining := new(big.Int).Sub(total, wei(40))
	if err := f.engine.Repay(f.borrower, agreementID, remaining); err != nil {
		t.Fatalf("final repay: %v", err)
	}
	if len(f.rep.outcomes) != 1 {
		t.Fatalf("expected 1 outcome call, got %d", len(f.rep.outcomes))
	}
	call := f.rep.outcomes[0]
	if call.outcome != reputation.OutcomePartialAgreementMetAndRepaid {
		t.Fatalf("outcome = %v, want partialAgreementMetAndRepaid", call.outcome)
	}
	if call.modification != reputation.ModificationPartialPaymentAgreement || !call.lenderApproved {
		t.Fatalf("settlement must report the met partial agreement: %+v", call)
	}
}

func TestHandleDefaultSeizesCollateralAndSlashes(t *testing.T) {
	f := newFixture(t)
	collateral := big.NewInt(50_000_000)
	offerID := f.offerWithCollateral(t, 100, 7, collateral, f.tokenT2)
	f.bank.fund(f.tokenT2, f.borrower, collateral)
	agreementID, err := f.engine.AcceptOffer(f.borrower, offerID, collateral, f.tokenT2)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	voucher := newTestAddress(0x11)
	f.rep.vouches = []*reputation.Vouch{{
		Voucher:      voucher,
		Borrower:     f.borrower,
		Token:        f.token,
		StakedAmount: wei(50),
		Active:       true,
	}}

	if err := f.engine.HandleDefault(agreementID); !errors.Is(err, ErrNotOverdue) {
		t.Fatalf("expected ErrNotOverdue before due date, got %v", err)
	}

	f.advance(8 * day)
	if err := f.engine.HandleDefault(agreementID); err != nil {
		t.Fatalf("handle default: %v", err)
	}

	agreement, _ := f.engine.AgreementOf(agreementID)
	if agreement.Status != StatusDefaulted {
		t.Fatalf("status = %v, want defaulted", agreement.Status)
	}
	if got := f.bank.balance(f.tokenT2, f.lender); got.Cmp(collateral) != 0 {
		t.Fatalf("collateral not seized to lender: %v", got)
	}
	if len(f.rep.defaults) != 1 {
		t.Fatalf("default not recorded: %+v", f.rep.defaults)
	}
	if len(f.rep.slashes) != 1 {
		t.Fatalf("expected 1 slash, got %d", len(f.rep.slashes))
	}
	slash := f.rep.slashes[0]
	if slash.amount.Cmp(wei(5)) != 0 {
		t.Fatalf("slash amount = %v, want %v", slash.amount, wei(5))
	}
	if slash.voucher != voucher || slash.payee != f.lender {
		t.Fatalf("slash routing wrong: %+v", slash)
	}

	evts := f.recorder.Events()
	var defaultedIdx, seizedIdx = -1, -1
	for i, evt := range evts {
		switch evt.Type {
		case EventTypeLoanAgreementDefaulted:
			defaultedIdx = i
		case EventTypeCollateralSeized:
			seizedIdx = i
		}
	}
	if defaultedIdx == -1 || seizedIdx == -1 || seizedIdx != defaultedIdx+1 {
		t.Fatalf("default event order wrong: defaulted=%d seized=%d", defaultedIdx, seizedIdx)
	}

	if err := f.engine.HandleDefault(agreementID); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled on second default, got %v", err)
	}
}

func TestSlashAmountFloorsToOne(t *testing.T) {
	if got := slashAmount(big.NewInt(5)); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("slash(5) = %v, want 1", got)
	}
	if got := slashAmount(big.NewInt(1)); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("slash(1) = %v, want 1 (capped)", got)
	}
	if got := slashAmount(big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("slash(0) = %v, want 0", got)
	}
	if got := slashAmount(big.NewInt(10_000)); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("slash(10000) = %v, want 1000", got)
	}
}

func TestHandleDefaultRequiresDelinquency(t *testing.T) {
	f := newFixture(t)
	agreementID := f.accept(t, f.offer(t, 100, 7))
	total := new(big.Int).Add(wei(100), wei(10))
	f.bank.fund(f.token, f.borrower, total)
	if err := f.engine.Repay(f.borrower, agreementID, total); err != nil {
		t.Fatalf("repay: %v", err)
	}
	f.advance(8 * day)
	if err := f.engine.HandleDefault(agreementID); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled for repaid agreement, got %v", err)
	}
}

func TestCancelOfferReturnsPrincipal(t *testing.T) {
	f := newFixture(t)
	offerID := f.offer(t, 100, 7)

	if err := f.engine.CancelOffer(f.borrower, offerID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.CancelOffer(f.lender, offerID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.bank.balance(f.token, f.lender); got.Cmp(wei(100)) != 0 {
		t.Fatalf("principal not returned: %v", got)
	}
	if _, err := f.engine.AcceptOffer(f.borrower, offerID, nil, crypto.Address{}); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState accepting cancelled offer, got %v", err)
	}
}

func TestClassifyOutcomeRules(t *testing.T) {
	due := int64(1000)
	cases := []struct {
		name     string
		now      int64
		modType  reputation.ModificationType
		approved bool
		want     reputation.PaymentOutcome
	}{
		{"onTimeExtension", 900, reputation.ModificationDueDateExtension, true, reputation.OutcomeOnTimeExtended},
		{"onTimePartial", 900, reputation.ModificationPartialPaymentAgreement, true, reputation.OutcomePartialAgreementMetAndRepaid},
		{"onTimePlain", 1000, reputation.ModificationNone, false, reputation.OutcomeOnTimeOriginal},
		{"onTimeUnapprovedExtension", 900, reputation.ModificationDueDateExtension, false, reputation.OutcomeOnTimeOriginal},
		{"lateExtension", 1100, reputation.ModificationDueDateExtension, true, reputation.OutcomeLateExtended},
		{"latePlain", 1100, reputation.ModificationNone, false, reputation.OutcomeLateGraceOriginal},
		{"lateUnapprovedExtension", 1100, reputation.ModificationDueDateExtension, false, reputation.OutcomeLateGraceOriginal},
		{"latePartial", 1100, reputation.ModificationPartialPaymentAgreement, true, reputation.OutcomeLateGraceOriginal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyOutcome(tc.now, due, tc.modType, tc.approved); got != tc.want {
				t.Fatalf("ClassifyOutcome(%d, %d, %v, %v) = %v, want %v", tc.now, due, tc.modType, tc.approved, got, tc.want)
			}
		})
	}
}
