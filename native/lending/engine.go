package lending

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"vouchlend/core/events"
	"vouchlend/crypto"
	nativecommon "vouchlend/native/common"
	"vouchlend/native/reputation"
)

var (
	errNilState      = errors.New("lending engine: state not configured")
	errNilBank       = errors.New("lending engine: token bank not configured")
	errNilReputation = errors.New("lending engine: reputation authority not configured")
	// ErrNotRegistered gates participation on registry membership.
	ErrNotRegistered = errors.New("lending: account not registered")
	// ErrUnauthorized is returned when the caller is not the required party.
	ErrUnauthorized = errors.New("lending: unauthorized")
	// ErrInvalidAmount rejects non-positive principal or payment amounts.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrInvalidDuration rejects zero loan durations.
	ErrInvalidDuration = errors.New("lending: duration must be positive")
	// ErrInvalidToken rejects the zero token sentinel for principal.
	ErrInvalidToken = errors.New("lending: token address required")
	// ErrCollateralShape rejects inconsistent collateral amount/token pairs.
	ErrCollateralShape = errors.New("lending: collateral amount and token must be set together")
	// ErrCollateralMismatch rejects acceptance collateral differing from the offer.
	ErrCollateralMismatch = errors.New("lending: collateral does not match offer requirement")
	// ErrInsufficientBalance surfaces failed balance preconditions.
	ErrInsufficientBalance = errors.New("lending: insufficient balance")
	// ErrOfferNotFound, ErrRequestNotFound and ErrAgreementNotFound mark
	// unknown identifiers.
	ErrOfferNotFound     = errors.New("lending: offer not found")
	ErrRequestNotFound   = errors.New("lending: request not found")
	ErrAgreementNotFound = errors.New("lending: agreement not found")
	// ErrAlreadyFulfilled is returned for double acceptance or funding.
	ErrAlreadyFulfilled = errors.New("lending: already fulfilled")
	// ErrIllegalState is returned for operations in the wrong status.
	ErrIllegalState = errors.New("lending: operation not allowed in current status")
	// ErrSelfDeal rejects lender and borrower being the same account.
	ErrSelfDeal = errors.New("lending: lender and borrower must differ")
	// ErrOverpayment rejects payments beyond the remaining due.
	ErrOverpayment = errors.New("lending: payment exceeds remaining due")
	// ErrNotOverdue is returned when default is invoked before the due date.
	ErrNotOverdue = errors.New("lending: agreement not overdue")
	// ErrAlreadySettled is returned when default handling targets a settled
	// or fully paid agreement. Repay on a settled agreement returns
	// ErrIllegalState instead.
	ErrAlreadySettled = errors.New("lending: agreement already settled")
	// ErrInvalidModification rejects unknown modification types.
	ErrInvalidModification = errors.New("lending: invalid modification type")
	// ErrInvalidModificationValue rejects non-positive values and extensions
	// that do not move the due date forward.
	ErrInvalidModificationValue = errors.New("lending: invalid modification value")
)

var basisPoints = big.NewInt(10_000)

// slashBps is the share of each active vouch seized on default.
const slashBps = 1_000

const moduleName = "lending"

type engineState interface {
	LoanOffer(id crypto.Hash) (*LoanOffer, bool, error)
	PutLoanOffer(offer *LoanOffer) error
	LoanRequest(id crypto.Hash) (*LoanRequest, bool, error)
	PutLoanRequest(request *LoanRequest) error
	LoanAgreement(id crypto.Hash) (*LoanAgreement, bool, error)
	PutLoanAgreement(agreement *LoanAgreement) error
	AppendOfferByLender(lender crypto.Address, id crypto.Hash) error
	AppendRequestByBorrower(borrower crypto.Address, id crypto.Hash) error
	AppendAgreementByLender(lender crypto.Address, id crypto.Hash) error
	AppendAgreementByBorrower(borrower crypto.Address, id crypto.Hash) error
	OffersByLender(lender crypto.Address) ([]crypto.Hash, error)
	RequestsByBorrower(borrower crypto.Address) ([]crypto.Hash, error)
	AgreementsByLender(lender crypto.Address) ([]crypto.Hash, error)
	AgreementsByBorrower(borrower crypto.Address) ([]crypto.Hash, error)
	NextLendingSequence(actor crypto.Address) (uint64, error)
}

// tokenBank is the slice of the fungible token collaborator the engine needs.
type tokenBank interface {
	TransferFrom(token, owner, spender, to crypto.Address, amount *big.Int) error
	Transfer(token, from, to crypto.Address, amount *big.Int) error
	BalanceOf(token, owner crypto.Address) (*big.Int, error)
}

// identityView gates participation on registry membership.
type identityView interface {
	IsRegistered(addr crypto.Address) (bool, error)
}

// reputationAuthority is the handle the lending module alone holds into the
// reputation engine's sensitive mutators.
type reputationAuthority interface {
	RecordLoanPaymentOutcome(caller crypto.Address, agreementID crypto.Hash, borrower, lender crypto.Address, principal *big.Int, outcome reputation.PaymentOutcome, modificationType reputation.ModificationType, lenderApproved bool) error
	RecordLoanDefault(caller crypto.Address, borrower, lender crypto.Address, principal *big.Int) error
	SlashVouchAndReputation(caller, voucher, defaultingBorrower crypto.Address, amountToSlash *big.Int, payee crypto.Address) error
	ActiveVouchesForBorrower(borrower crypto.Address) ([]*reputation.Vouch, error)
}

// Engine drives loan offers, requests and agreements through the lifecycle,
// moves principal and collateral, and reports settlement outcomes to the
// reputation module.
type Engine struct {
	state          engineState
	bank           tokenBank
	registry       identityView
	reputation     reputationAuthority
	emitter        events.Emitter
	guard          nativecommon.ReentrancyGuard
	pauses         nativecommon.PauseView
	nowFn          func() int64
	moduleAddress  crypto.Address
	platformWallet crypto.Address
}

// NewEngine constructs a lending engine. The module address holds offer
// principal and agreement collateral in custody; the platform wallet receives
// future protocol fees.
func NewEngine(moduleAddr, platformWallet crypto.Address) *Engine {
	return &Engine{
		emitter:        events.NoopEmitter{},
		nowFn:          func() int64 { return time.Now().Unix() },
		moduleAddress:  moduleAddr,
		platformWallet: platformWallet,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank wires the fungible token collaborator.
func (e *Engine) SetBank(bank tokenBank) { e.bank = bank }

// SetRegistry wires the identity directory.
func (e *Engine) SetRegistry(registry identityView) { e.registry = registry }

// SetReputation wires the reputation authority handle.
func (e *Engine) SetReputation(rep reputationAuthority) { e.reputation = rep }

// SetPauses wires the module pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the block timestamp source. Primarily intended for
// tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// ModuleAddress returns the custody account for offers and collateral.
func (e *Engine) ModuleAddress() crypto.Address { return e.moduleAddress }

// PlatformWallet returns the configured platform fee wallet.
func (e *Engine) PlatformWallet() crypto.Address { return e.platformWallet }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *lendingEvent) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) requireWired() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	return nil
}

func (e *Engine) requireRegistered(addr crypto.Address) error {
	if e.registry == nil {
		return ErrNotRegistered
	}
	ok, err := e.registry.IsRegistered(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	return nil
}

func validateCollateralShape(amount *big.Int, token crypto.Address) error {
	hasAmount := amount != nil && amount.Sign() > 0
	if amount != nil && amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if hasAmount != !token.IsZero() {
		return ErrCollateralShape
	}
	return nil
}

func u16Bytes(v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return buf[:]
}

func u64Bytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// CreateOffer escrows the lender's principal and publishes a standing offer.
func (e *Engine) CreateOffer(caller crypto.Address, amount *big.Int, token crypto.Address, rateBps uint16, durationSeconds uint64, collateralAmount *big.Int, collateralToken crypto.Address) (crypto.Hash, error) {
	if err := e.requireWired(); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.guard.Enter(); err != nil {
		return crypto.Hash{}, err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.requireRegistered(caller); err != nil {
		return crypto.Hash{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return crypto.Hash{}, ErrInvalidAmount
	}
	if durationSeconds == 0 {
		return crypto.Hash{}, ErrInvalidDuration
	}
	if token.IsZero() {
		return crypto.Hash{}, ErrInvalidToken
	}
	if err := validateCollateralShape(collateralAmount, collateralToken); err != nil {
		return crypto.Hash{}, err
	}
	balance, err := e.bank.BalanceOf(token, caller)
	if err != nil {
		return crypto.Hash{}, err
	}
	if balance.Cmp(amount) < 0 {
		return crypto.Hash{}, ErrInsufficientBalance
	}

	if err := e.bank.TransferFrom(token, caller, e.moduleAddress, e.moduleAddress, amount); err != nil {
		return crypto.Hash{}, err
	}

	now := e.now()
	seq, err := e.state.NextLendingSequence(caller)
	if err != nil {
		return crypto.Hash{}, err
	}
	offer := &LoanOffer{
		ID: crypto.DeriveID(caller, seq, now,
			token[:], crypto.BigBytes(amount), u16Bytes(rateBps), u64Bytes(durationSeconds),
			crypto.BigBytes(collateralAmount), collateralToken[:]),
		Lender:                   caller,
		Amount:                   new(big.Int).Set(amount),
		Token:                    token,
		InterestRateBps:          rateBps,
		DurationSeconds:          durationSeconds,
		RequiredCollateralAmount: cloneBigInt(collateralAmount),
		CollateralToken:          collateralToken,
		Active:                   true,
		CreatedAt:                now,
	}
	if err := e.state.PutLoanOffer(offer); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.state.AppendOfferByLender(caller, offer.ID); err != nil {
		return crypto.Hash{}, err
	}
	e.emit(newOfferCreatedEvent(offer))
	return offer.ID, nil
}

// CancelOffer withdraws an unfulfilled offer and returns the escrowed
// principal to the lender.
func (e *Engine) CancelOffer(caller crypto.Address, offerID crypto.Hash) error {
	if err := e.requireWired(); err != nil {
		return err
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, ok, err := e.state.LoanOffer(offerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOfferNotFound
	}
	if caller != offer.Lender {
		return ErrUnauthorized
	}
	if offer.Fulfilled {
		return ErrAlreadyFulfilled
	}
	if !offer.Active {
		return ErrIllegalState
	}
	offer.Active = false
	if err := e.state.PutLoanOffer(offer); err != nil {
		return err
	}
	if err := e.bank.Transfer(offer.Token, e.moduleAddress, offer.Lender, offer.Amount); err != nil {
		return err
	}
	e.emit(newOfferCancelledEvent(offer))
	return nil
}

// CreateRequest publishes a borrower's standing solicitation. Collateral is
// only promised at this point; the borrower must hold it but nothing moves.
func (e *Engine) CreateRequest(caller crypto.Address, amount *big.Int, token crypto.Address, rateBps uint16, durationSeconds uint64, offeredCollateral *big.Int, collateralToken crypto.Address) (crypto.Hash, error) {
	if err := e.requireWired(); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.guard.Enter(); err != nil {
		return crypto.Hash{}, err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.requireRegistered(caller); err != nil {
		return crypto.Hash{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return crypto.Hash{}, ErrInvalidAmount
	}
	if durationSeconds == 0 {
		return crypto.Hash{}, ErrInvalidDuration
	}
	if token.IsZero() {
		return crypto.Hash{}, ErrInvalidToken
	}
	if err := validateCollateralShape(offeredCollateral, collateralToken); err != nil {
		return crypto.Hash{}, err
	}
	if offeredCollateral != nil && offeredCollateral.Sign() > 0 {
		balance, err := e.bank.BalanceOf(collateralToken, caller)
		if err != nil {
			return crypto.Hash{}, err
		}
		if balance.Cmp(offeredCollateral) < 0 {
			return crypto.Hash{}, ErrInsufficientBalance
		}
	}

	now := e.now()
	seq, err := e.state.NextLendingSequence(caller)
	if err != nil {
		return crypto.Hash{}, err
	}
	request := &LoanRequest{
		ID: crypto.DeriveID(caller, seq, now,
			token[:], crypto.BigBytes(amount), u16Bytes(rateBps), u64Bytes(durationSeconds),
			crypto.BigBytes(offeredCollateral), collateralToken[:]),
		Borrower:                caller,
		Amount:                  new(big.Int).Set(amount),
		Token:                   token,
		ProposedInterestRateBps: rateBps,
		ProposedDurationSeconds: durationSeconds,
		OfferedCollateralAmount: cloneBigInt(offeredCollateral),
		CollateralToken:         collateralToken,
		Active:                  true,
		CreatedAt:               now,
	}
	if err := e.state.PutLoanRequest(request); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.state.AppendRequestByBorrower(caller, request.ID); err != nil {
		return crypto.Hash{}, err
	}
	e.emit(newRequestCreatedEvent(request))
	return request.ID, nil
}

// CancelRequest withdraws an unfulfilled request.
func (e *Engine) CancelRequest(caller crypto.Address, requestID crypto.Hash) error {
	if err := e.requireWired(); err != nil {
		return err
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	request, ok, err := e.state.LoanRequest(requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRequestNotFound
	}
	if caller != request.Borrower {
		return ErrUnauthorized
	}
	if request.Fulfilled {
		return ErrAlreadyFulfilled
	}
	if !request.Active {
		return ErrIllegalState
	}
	request.Active = false
	if err := e.state.PutLoanRequest(request); err != nil {
		return err
	}
	e.emit(newRequestCancelledEvent(request))
	return nil
}

func (e *Engine) createAgreement(originOffer, originRequest crypto.Hash, lender, borrower crypto.Address, principal *big.Int, token crypto.Address, rateBps uint16, durationSeconds uint64, collateralAmount *big.Int, collateralToken crypto.Address, now int64) (*LoanAgreement, error) {
	seq, err := e.state.NextLendingSequence(borrower)
	if err != nil {
		return nil, err
	}
	origin := originOffer
	if origin.IsZero() {
		origin = originRequest
	}
	agreement := &LoanAgreement{
		ID:               crypto.DeriveID(borrower, seq, now, origin[:], lender[:]),
		OriginOfferID:    originOffer,
		OriginRequestID:  originRequest,
		Lender:           lender,
		Borrower:         borrower,
		PrincipalAmount:  new(big.Int).Set(principal),
		LoanToken:        token,
		InterestRateBps:  rateBps,
		DurationSeconds:  durationSeconds,
		CollateralAmount: cloneBigInt(collateralAmount),
		CollateralToken:  collateralToken,
		StartTime:        now,
		DueDate:          now + int64(durationSeconds),
		AmountPaid:       big.NewInt(0),
		Status:           StatusActive,
	}
	if err := e.state.PutLoanAgreement(agreement); err != nil {
		return nil, err
	}
	if err := e.state.AppendAgreementByLender(lender, agreement.ID); err != nil {
		return nil, err
	}
	if err := e.state.AppendAgreementByBorrower(borrower, agreement.ID); err != nil {
		return nil, err
	}
	return agreement, nil
}

// AcceptOffer forms an agreement from a standing offer. Collateral parameters
// must match the offer exactly; the principal leaves module custody for the
// borrower.
func (e *Engine) AcceptOffer(caller crypto.Address, offerID crypto.Hash, collateralAmount *big.Int, collateralToken crypto.Address) (crypto.Hash, error) {
	if err := e.requireWired(); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.guard.Enter(); err != nil {
		return crypto.Hash{}, err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return crypto.Hash{}, err
	}
	offer, ok, err := e.state.LoanOffer(offerID)
	if err != nil {
		return crypto.Hash{}, err
	}
	if !ok {
		return crypto.Hash{}, ErrOfferNotFound
	}
	if offer.Fulfilled {
		return crypto.Hash{}, ErrAlreadyFulfilled
	}
	if !offer.Active {
		return crypto.Hash{}, ErrIllegalState
	}
	if caller == offer.Lender {
		return crypto.Hash{}, ErrSelfDeal
	}
	if err := e.requireRegistered(caller); err != nil {
		return crypto.Hash{}, err
	}
	required := cloneBigInt(offer.RequiredCollateralAmount)
	supplied := cloneBigInt(collateralAmount)
	if required.Cmp(supplied) != 0 || offer.CollateralToken != collateralToken {
		return crypto.Hash{}, ErrCollateralMismatch
	}

	if supplied.Sign() > 0 {
		if err := e.bank.TransferFrom(collateralToken, caller, e.moduleAddress, e.moduleAddress, supplied); err != nil {
			return crypto.Hash{}, err
		}
	}

	offer.Fulfilled = true
	offer.Active = false
	if err := e.state.PutLoanOffer(offer); err != nil {
		return crypto.Hash{}, err
	}
	now := e.now()
	agreement, err := e.createAgreement(offer.ID, crypto.Hash{}, offer.Lender, caller,
		offer.Amount, offer.Token, offer.InterestRateBps, offer.DurationSeconds,
		supplied, collateralToken, now)
	if err != nil {
		return crypto.Hash{}, err
	}

	if err := e.bank.Transfer(offer.Token, e.moduleAddress, caller, offer.Amount); err != nil {
		return crypto.Hash{}, err
	}

	e.emit(newAgreementCreatedEvent(agreement))
	return agreement.ID, nil
}

// FundRequest forms an agreement from a standing request. The principal moves
// from the funding lender straight to the borrower; promised collateral is
// pulled from the borrower into module custody.
func (e *Engine) FundRequest(caller crypto.Address, requestID crypto.Hash) (crypto.Hash, error) {
	if err := e.requireWired(); err != nil {
		return crypto.Hash{}, err
	}
	if err := e.guard.Enter(); err != nil {
		return crypto.Hash{}, err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return crypto.Hash{}, err
	}
	request, ok, err := e.state.LoanRequest(requestID)
	if err != nil {
		return crypto.Hash{}, err
	}
	if !ok {
		return crypto.Hash{}, ErrRequestNotFound
	}
	if request.Fulfilled {
		return crypto.Hash{}, ErrAlreadyFulfilled
	}
	if !request.Active {
		return crypto.Hash{}, ErrIllegalState
	}
	if caller == request.Borrower {
		return crypto.Hash{}, ErrSelfDeal
	}
	if err := e.requireRegistered(caller); err != nil {
		return crypto.Hash{}, err
	}
	balance, err := e.bank.BalanceOf(request.Token, caller)
	if err != nil {
		return crypto.Hash{}, err
	}
	if balance.Cmp(request.Amount) < 0 {
		return crypto.Hash{}, ErrInsufficientBalance
	}

	if err := e.bank.TransferFrom(request.Token, caller, e.moduleAddress, request.Borrower, request.Amount); err != nil {
		return crypto.Hash{}, err
	}
	collateral := cloneBigInt(request.OfferedCollateralAmount)
	if collateral.Sign() > 0 {
		if err := e.bank.TransferFrom(request.CollateralToken, request.Borrower, e.moduleAddress, e.moduleAddress, collateral); err != nil {
			return crypto.Hash{}, err
		}
	}

	request.Fulfilled = true
	request.Active = false
	if err := e.state.PutLoanRequest(request); err != nil {
		return crypto.Hash{}, err
	}
	now := e.now()
	agreement, err := e.createAgreement(crypto.Hash{}, request.ID, caller, request.Borrower,
		request.Amount, request.Token, request.ProposedInterestRateBps, request.ProposedDurationSeconds,
		collateral, request.CollateralToken, now)
	if err != nil {
		return crypto.Hash{}, err
	}
	e.emit(newAgreementCreatedEvent(agreement))
	return agreement.ID, nil
}

// Repay moves a payment from the borrower to the lender and advances the
// state machine. The settling payment classifies the loan outcome and reports
// it to the reputation module.
func (e *Engine) Repay(caller crypto.Address, agreementID crypto.Hash, payment *big.Int) error {
	if err := e.requireWired(); err != nil {
		return err
	}
	if e.reputation == nil {
		return errNilReputation
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, ok, err := e.state.LoanAgreement(agreementID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAgreementNotFound
	}
	if caller != agreement.Borrower {
		return ErrUnauthorized
	}
	if !agreement.Status.Repayable() {
		return ErrIllegalState
	}
	if payment == nil || payment.Sign() <= 0 {
		return ErrInvalidAmount
	}
	outstanding := agreement.Outstanding()
	if payment.Cmp(outstanding) > 0 {
		return ErrOverpayment
	}

	// Snapshot modification state before mutation; the classifier consumes
	// the pre-payment view.
	typeBefore := agreement.RequestedModificationType
	approvedBefore := agreement.ModificationApprovedByLender
	partialMetBefore := agreement.PartialAgreementMet
	statusBefore := agreement.Status
	dueDate := agreement.DueDate

	if err := e.bank.TransferFrom(agreement.LoanToken, agreement.Borrower, e.moduleAddress, agreement.Lender, payment); err != nil {
		return err
	}

	now := e.now()
	agreement.AmountPaid = new(big.Int).Add(agreement.AmountPaid, payment)
	settled := agreement.AmountPaid.Cmp(agreement.TotalDue()) >= 0

	switch {
	case settled:
		agreement.Status = StatusRepaid
	case statusBefore == StatusActivePartialPaymentAgreed:
		if approvedBefore && agreement.RequestedModificationValue != nil && payment.Cmp(agreement.RequestedModificationValue) == 0 {
			agreement.PartialAgreementMet = true
			agreement.RequestedModificationType = reputation.ModificationNone
			agreement.RequestedModificationValue = nil
			agreement.ModificationApprovedByLender = false
			if now > dueDate {
				agreement.Status = StatusOverdue
			} else {
				agreement.Status = StatusActive
			}
		}
	default:
		if now > dueDate {
			agreement.Status = StatusOverdue
		} else {
			agreement.Status = StatusActive
		}
	}

	if err := e.state.PutLoanAgreement(agreement); err != nil {
		return err
	}

	if !settled {
		e.emit(newRepaymentEvent(agreement, payment))
		return nil
	}

	// A met partial agreement counts as an approved modification at
	// settlement even though the request fields were cleared when the agreed
	// payment landed.
	effectiveType := typeBefore
	effectiveApproved := approvedBefore
	if effectiveType == reputation.ModificationNone && (partialMetBefore || agreement.PartialAgreementMet) {
		effectiveType = reputation.ModificationPartialPaymentAgreement
		effectiveApproved = true
	}
	outcome := ClassifyOutcome(now, dueDate, effectiveType, effectiveApproved)

	if agreement.CollateralAmount != nil && agreement.CollateralAmount.Sign() > 0 {
		if err := e.bank.Transfer(agreement.CollateralToken, e.moduleAddress, agreement.Borrower, agreement.CollateralAmount); err != nil {
			return err
		}
	}
	if err := e.reputation.RecordLoanPaymentOutcome(e.moduleAddress, agreement.ID, agreement.Borrower, agreement.Lender, agreement.PrincipalAmount, outcome, effectiveType, effectiveApproved); err != nil {
		return err
	}
	e.emit(newRepaymentEvent(agreement, payment))
	e.emit(newAgreementRepaidEvent(agreement, outcome))
	return nil
}

// RequestModification places a borrower's term change proposal before the
// lender and freezes the agreement pending the response.
func (e *Engine) RequestModification(caller crypto.Address, agreementID crypto.Hash, modificationType reputation.ModificationType, value *big.Int) error {
	if err := e.requireWired(); err != nil {
		return err
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, ok, err := e.state.LoanAgreement(agreementID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAgreementNotFound
	}
	if caller != agreement.Borrower {
		return ErrUnauthorized
	}
	if agreement.Status != StatusActive && agreement.Status != StatusOverdue {
		return ErrIllegalState
	}
	if modificationType != reputation.ModificationDueDateExtension && modificationType != reputation.ModificationPartialPaymentAgreement {
		return ErrInvalidModification
	}
	if value == nil || value.Sign() <= 0 {
		return ErrInvalidModificationValue
	}
	if modificationType == reputation.ModificationDueDateExtension {
		if !value.IsInt64() || value.Int64() <= agreement.DueDate {
			return ErrInvalidModificationValue
		}
	}

	agreement.RequestedModificationType = modificationType
	agreement.RequestedModificationValue = new(big.Int).Set(value)
	agreement.ModificationApprovedByLender = false
	agreement.Status = StatusPendingModificationApproval
	if err := e.state.PutLoanAgreement(agreement); err != nil {
		return err
	}
	e.emit(newModificationRequestedEvent(agreement))
	return nil
}

// RespondToModification applies the lender's decision on the pending
// proposal. Reputation consequences are deferred to final settlement.
func (e *Engine) RespondToModification(caller crypto.Address, agreementID crypto.Hash, approved bool) error {
	if err := e.requireWired(); err != nil {
		return err
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, ok, err := e.state.LoanAgreement(agreementID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAgreementNotFound
	}
	if caller != agreement.Lender {
		return ErrUnauthorized
	}
	if agreement.Status != StatusPendingModificationApproval {
		return ErrIllegalState
	}

	now := e.now()
	if approved {
		agreement.ModificationApprovedByLender = true
		switch agreement.RequestedModificationType {
		case reputation.ModificationDueDateExtension:
			agreement.DueDate = agreement.RequestedModificationValue.Int64()
			if now > agreement.DueDate {
				agreement.Status = StatusOverdue
			} else {
				agreement.Status = StatusActive
			}
		case reputation.ModificationPartialPaymentAgreement:
			agreement.Status = StatusActivePartialPaymentAgreed
		default:
			return ErrInvalidModification
		}
	} else {
		if now > agreement.DueDate {
			agreement.Status = StatusOverdue
		} else {
			agreement.Status = StatusActive
		}
	}
	if err := e.state.PutLoanAgreement(agreement); err != nil {
		return err
	}
	e.emit(newModificationRespondedEvent(agreement, approved))
	return nil
}

// HandleDefault settles a delinquent agreement: collateral goes to the
// lender, the borrower's default is booked, and every active vouch backing
// the borrower is slashed in the lender's favour. Anyone may trigger it once
// the due date has passed.
func (e *Engine) HandleDefault(agreementID crypto.Hash) error {
	if err := e.requireWired(); err != nil {
		return err
	}
	if e.reputation == nil {
		return errNilReputation
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, ok, err := e.state.LoanAgreement(agreementID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAgreementNotFound
	}
	switch agreement.Status {
	case StatusActive, StatusOverdue:
	case StatusRepaid, StatusDefaulted, StatusCancelled:
		return ErrAlreadySettled
	default:
		return ErrIllegalState
	}
	now := e.now()
	if now <= agreement.DueDate {
		return ErrNotOverdue
	}
	if agreement.AmountPaid.Cmp(agreement.TotalDue()) >= 0 {
		return ErrAlreadySettled
	}

	agreement.Status = StatusDefaulted
	if err := e.state.PutLoanAgreement(agreement); err != nil {
		return err
	}

	hasCollateral := agreement.CollateralAmount != nil && agreement.CollateralAmount.Sign() > 0
	if hasCollateral {
		if err := e.bank.Transfer(agreement.CollateralToken, e.moduleAddress, agreement.Lender, agreement.CollateralAmount); err != nil {
			return err
		}
	}

	e.emit(newAgreementDefaultedEvent(agreement))
	if hasCollateral {
		e.emit(newCollateralSeizedEvent(agreement))
	}

	if err := e.reputation.RecordLoanDefault(e.moduleAddress, agreement.Borrower, agreement.Lender, agreement.PrincipalAmount); err != nil {
		return err
	}

	vouches, err := e.reputation.ActiveVouchesForBorrower(agreement.Borrower)
	if err != nil {
		return err
	}
	for _, vouch := range vouches {
		slash := slashAmount(vouch.StakedAmount)
		if slash.Sign() == 0 {
			continue
		}
		if err := e.reputation.SlashVouchAndReputation(e.moduleAddress, vouch.Voucher, agreement.Borrower, slash, agreement.Lender); err != nil {
			return err
		}
	}
	return nil
}

// slashAmount computes the stake share seized on default: 10% of the stake,
// floored, raised to 1 when the product truncates to zero on a positive
// stake, and capped at the remaining stake.
func slashAmount(stake *big.Int) *big.Int {
	if stake == nil || stake.Sign() <= 0 {
		return big.NewInt(0)
	}
	slash := new(big.Int).Mul(stake, big.NewInt(slashBps))
	slash.Quo(slash, basisPoints)
	if slash.Sign() == 0 {
		slash = big.NewInt(1)
	}
	if slash.Cmp(stake) > 0 {
		slash = new(big.Int).Set(stake)
	}
	return slash
}

// OfferOf returns the stored offer.
func (e *Engine) OfferOf(id crypto.Hash) (*LoanOffer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	offer, ok, err := e.state.LoanOffer(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOfferNotFound
	}
	return offer.Clone(), nil
}

// RequestOf returns the stored request.
func (e *Engine) RequestOf(id crypto.Hash) (*LoanRequest, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	request, ok, err := e.state.LoanRequest(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestNotFound
	}
	return request.Clone(), nil
}

// AgreementOf returns the stored agreement.
func (e *Engine) AgreementOf(id crypto.Hash) (*LoanAgreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agreement, ok, err := e.state.LoanAgreement(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAgreementNotFound
	}
	return agreement.Clone(), nil
}

// OffersByLender lists the lender's offer ids in creation order.
func (e *Engine) OffersByLender(lender crypto.Address) ([]crypto.Hash, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.OffersByLender(lender)
}

// RequestsByBorrower lists the borrower's request ids in creation order.
func (e *Engine) RequestsByBorrower(borrower crypto.Address) ([]crypto.Hash, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.RequestsByBorrower(borrower)
}

// AgreementsByLender lists agreement ids where the address lends.
func (e *Engine) AgreementsByLender(lender crypto.Address) ([]crypto.Hash, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.AgreementsByLender(lender)
}

// AgreementsByBorrower lists agreement ids where the address borrows.
func (e *Engine) AgreementsByBorrower(borrower crypto.Address) ([]crypto.Hash, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.AgreementsByBorrower(borrower)
}
