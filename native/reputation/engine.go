package reputation

import (
	"errors"
	"math/big"
	"time"

	"vouchlend/core/events"
	"vouchlend/crypto"
	nativecommon "vouchlend/native/common"
)

var (
	errNilState = errors.New("reputation engine: state not configured")
	errNilBank  = errors.New("reputation engine: token bank not configured")
	// ErrUnauthorized is returned when a sensitive mutator is invoked by an
	// address other than the configured lending authority or owner.
	ErrUnauthorized = errors.New("reputation: unauthorized")
	// ErrNotRegistered gates vouching on registry membership.
	ErrNotRegistered = errors.New("reputation: account not registered")
	// ErrSelfVouch rejects vouches where voucher and borrower coincide.
	ErrSelfVouch = errors.New("reputation: cannot vouch for self")
	// ErrInvalidAmount rejects non-positive stake or slash amounts.
	ErrInvalidAmount = errors.New("reputation: amount must be positive")
	// ErrInvalidToken rejects the zero token sentinel where a real token is required.
	ErrInvalidToken = errors.New("reputation: token address required")
	// ErrVouchActive is returned when the (voucher, borrower) pair already
	// holds an active vouch.
	ErrVouchActive = errors.New("reputation: vouch already active")
	// ErrVouchNotFound is returned when no active vouch exists for the pair.
	ErrVouchNotFound = errors.New("reputation: active vouch not found")
	// ErrSlashExceedsStake rejects slashes above the remaining stake.
	ErrSlashExceedsStake = errors.New("reputation: slash exceeds staked amount")
	// ErrInvalidOutcome rejects outcome values outside the classifier range.
	ErrInvalidOutcome = errors.New("reputation: invalid payment outcome")
)

const moduleName = "reputation"

type engineState interface {
	ReputationProfile(addr crypto.Address) (*Profile, bool, error)
	PutReputationProfile(addr crypto.Address, profile *Profile) error
	Vouch(voucher, borrower crypto.Address) (*Vouch, bool, error)
	PutVouch(vouch *Vouch) error
	AppendVouchGiven(voucher, borrower crypto.Address) error
	AppendVouchReceived(borrower, voucher crypto.Address) error
	VouchesGiven(voucher crypto.Address) ([]crypto.Address, error)
	VouchesReceived(borrower crypto.Address) ([]crypto.Address, error)
}

// tokenBank is the slice of the fungible token collaborator the engine needs:
// pulls into module custody and pushes back out of it.
type tokenBank interface {
	TransferFrom(token, owner, spender, to crypto.Address, amount *big.Int) error
	Transfer(token, from, to crypto.Address, amount *big.Int) error
}

// identityView gates vouching on registry membership.
type identityView interface {
	IsRegistered(addr crypto.Address) (bool, error)
}

// Engine owns vouch escrow, reputation scores and the outcome bookkeeping fed
// by the lending module. Loan-related mutators are restricted to the single
// registered lending authority address.
type Engine struct {
	state            engineState
	bank             tokenBank
	registry         identityView
	emitter          events.Emitter
	guard            nativecommon.ReentrancyGuard
	pauses           nativecommon.PauseView
	nowFn            func() int64
	moduleAddress    crypto.Address
	owner            crypto.Address
	lendingAuthority crypto.Address
}

// NewEngine constructs a reputation engine. The owner may later rotate the
// lending authority; the module address holds the vouch escrow.
func NewEngine(moduleAddr, owner crypto.Address) *Engine {
	return &Engine{
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
		moduleAddress: moduleAddr,
		owner:         owner,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank wires the fungible token collaborator.
func (e *Engine) SetBank(bank tokenBank) { e.bank = bank }

// SetRegistry wires the identity directory used to gate vouching.
func (e *Engine) SetRegistry(registry identityView) { e.registry = registry }

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

// ModuleAddress returns the escrow account holding vouch stakes.
func (e *Engine) ModuleAddress() crypto.Address { return e.moduleAddress }

// LendingAuthority returns the address trusted with loan-related mutators.
func (e *Engine) LendingAuthority() crypto.Address { return e.lendingAuthority }

// Owner returns the administrative owner.
func (e *Engine) Owner() crypto.Address { return e.owner }

// SetLendingAuthority rotates the lending authority. Owner only.
func (e *Engine) SetLendingAuthority(caller, authority crypto.Address) error {
	if e == nil {
		return errNilState
	}
	if caller != e.owner {
		return ErrUnauthorized
	}
	e.lendingAuthority = authority
	return nil
}

// TransferOwnership hands the administrative owner role to a new address.
func (e *Engine) TransferOwnership(caller, newOwner crypto.Address) error {
	if e == nil {
		return errNilState
	}
	if caller != e.owner {
		return ErrUnauthorized
	}
	e.owner = newOwner
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *reputationEvent) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ensureProfile(addr crypto.Address) (*Profile, error) {
	profile, ok, err := e.state.ReputationProfile(addr)
	if err != nil {
		return nil, err
	}
	if !ok || profile == nil {
		profile = &Profile{Address: addr}
	}
	profile.ensureDefaults()
	return profile, nil
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

// AddVouch escrows stake from the caller attesting to the borrower. Tokens are
// pulled into module custody before any state is mutated so a failed transfer
// leaves no trace.
func (e *Engine) AddVouch(caller, borrower crypto.Address, amount *big.Int, token crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireRegistered(caller); err != nil {
		return err
	}
	if err := e.requireRegistered(borrower); err != nil {
		return err
	}
	if caller == borrower {
		return ErrSelfVouch
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if token.IsZero() {
		return ErrInvalidToken
	}
	existing, ok, err := e.state.Vouch(caller, borrower)
	if err != nil {
		return err
	}
	if ok && existing.Active {
		return ErrVouchActive
	}

	if err := e.bank.TransferFrom(token, caller, e.moduleAddress, e.moduleAddress, amount); err != nil {
		return err
	}

	vouch := &Vouch{
		Voucher:      caller,
		Borrower:     borrower,
		Token:        token,
		StakedAmount: new(big.Int).Set(amount),
		Active:       true,
		CreatedAt:    e.now(),
	}
	if err := e.state.PutVouch(vouch); err != nil {
		return err
	}
	if err := e.state.AppendVouchGiven(caller, borrower); err != nil {
		return err
	}
	if err := e.state.AppendVouchReceived(borrower, caller); err != nil {
		return err
	}

	profile, err := e.ensureProfile(caller)
	if err != nil {
		return err
	}
	profile.VouchingStakeActive = new(big.Int).Add(profile.VouchingStakeActive, amount)
	profile.TimesVouched++
	if err := e.state.PutReputationProfile(caller, profile); err != nil {
		return err
	}

	e.emit(newVouchAddedEvent(vouch))
	return nil
}

// RemoveVouch deactivates the caller's vouch for the borrower and returns the
// remaining stake. State is committed before the outgoing transfer.
func (e *Engine) RemoveVouch(caller, borrower crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	vouch, ok, err := e.state.Vouch(caller, borrower)
	if err != nil {
		return err
	}
	if !ok || !vouch.Active {
		return ErrVouchNotFound
	}

	returned := cloneBigInt(vouch.StakedAmount)
	vouch.Active = false
	vouch.StakedAmount = big.NewInt(0)
	if err := e.state.PutVouch(vouch); err != nil {
		return err
	}

	profile, err := e.ensureProfile(caller)
	if err != nil {
		return err
	}
	profile.VouchingStakeActive = new(big.Int).Sub(profile.VouchingStakeActive, returned)
	if profile.VouchingStakeActive.Sign() < 0 {
		profile.VouchingStakeActive = big.NewInt(0)
	}
	if err := e.state.PutReputationProfile(caller, profile); err != nil {
		return err
	}

	if returned.Sign() > 0 {
		if err := e.bank.Transfer(vouch.Token, e.moduleAddress, caller, returned); err != nil {
			return err
		}
	}

	e.emit(newVouchRemovedEvent(vouch, returned))
	return nil
}

// SlashVouchAndReputation seizes part of a voucher's stake after their
// vouchee defaults, pays it to the wronged lender and applies the voucher
// penalty. Lending authority only.
func (e *Engine) SlashVouchAndReputation(caller, voucher, defaultingBorrower crypto.Address, amountToSlash *big.Int, payee crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.lendingAuthority.IsZero() || caller != e.lendingAuthority {
		return ErrUnauthorized
	}
	if amountToSlash == nil || amountToSlash.Sign() <= 0 {
		return ErrInvalidAmount
	}
	vouch, ok, err := e.state.Vouch(voucher, defaultingBorrower)
	if err != nil {
		return err
	}
	if !ok || !vouch.Active {
		return ErrVouchNotFound
	}
	if amountToSlash.Cmp(vouch.StakedAmount) > 0 {
		return ErrSlashExceedsStake
	}

	vouch.StakedAmount = new(big.Int).Sub(vouch.StakedAmount, amountToSlash)
	if vouch.StakedAmount.Sign() == 0 {
		vouch.Active = false
	}
	if err := e.state.PutVouch(vouch); err != nil {
		return err
	}

	profile, err := e.ensureProfile(voucher)
	if err != nil {
		return err
	}
	profile.VouchingStakeActive = new(big.Int).Sub(profile.VouchingStakeActive, amountToSlash)
	if profile.VouchingStakeActive.Sign() < 0 {
		profile.VouchingStakeActive = big.NewInt(0)
	}
	profile.TimesDefaultedAsVoucher++
	profile.CurrentScore += ScoreVouchDefaultedVoucher
	newScore := profile.CurrentScore
	if err := e.state.PutReputationProfile(voucher, profile); err != nil {
		return err
	}

	if err := e.bank.Transfer(vouch.Token, e.moduleAddress, payee, amountToSlash); err != nil {
		return err
	}

	e.emit(newVouchSlashedEvent(vouch, amountToSlash, payee))
	if ScoreVouchDefaultedVoucher != 0 {
		e.emit(newReputationUpdatedEvent(voucher, newScore, "Vouched loan defaulted"))
	}
	return nil
}

type outcomeRow struct {
	borrowerDelta  int64
	borrowerReason string
	lateCounter    bool
	lenderBase     int64
	lenderReason   string
}

func outcomeTable(outcome PaymentOutcome) (outcomeRow, bool) {
	switch outcome {
	case OutcomeOnTimeOriginal:
		return outcomeRow{
			borrowerDelta:  ScoreRepaidOnTimeOriginal,
			borrowerReason: "Loan repaid on time (original terms)",
			lenderBase:     ScoreLentSuccessfullyOnTimeOriginal,
			lenderReason:   "Loan lent and repaid on time (original terms)",
		}, true
	case OutcomeLateGraceOriginal:
		return outcomeRow{
			borrowerDelta:  ScoreRepaidLateGrace,
			borrowerReason: "Loan repaid (late grace)",
			lateCounter:    true,
			lenderBase:     ScoreLentSuccessfullyAfterModified,
			lenderReason:   "Loan lent and repaid (late grace)",
		}, true
	case OutcomeOnTimeExtended:
		return outcomeRow{
			borrowerDelta:  ScoreRepaidOnTimeAfterExtension,
			borrowerReason: "Loan repaid (on time after extension)",
			lenderBase:     ScoreLentSuccessfullyAfterModified,
			lenderReason:   "Loan lent and repaid (on time after extension)",
		}, true
	case OutcomeLateExtended:
		return outcomeRow{
			borrowerDelta:  ScoreRepaidLateAfterExtension,
			borrowerReason: "Loan repaid (late after extension)",
			lateCounter:    true,
			lenderBase:     ScoreLentSuccessfullyAfterModified,
			lenderReason:   "Loan lent and repaid (late after extension)",
		}, true
	case OutcomePartialAgreementMetAndRepaid:
		return outcomeRow{
			borrowerDelta:  ScoreRepaidWithPartialAgreementMet,
			borrowerReason: "Loan repaid (after partial payment agreement)",
			lenderBase:     ScoreLentSuccessfullyAfterModified,
			lenderReason:   "Loan lent and repaid (after partial payment agreement)",
		}, true
	default:
		return outcomeRow{}, false
	}
}

// RecordLoanPaymentOutcome applies the reputation bookkeeping for a settled
// loan. Lending authority only. Event emission order is part of the contract:
// borrower update, borrower outcome, lender update, lender outcome — score
// update events are skipped when the delta is exactly zero.
func (e *Engine) RecordLoanPaymentOutcome(caller crypto.Address, agreementID crypto.Hash, borrower, lender crypto.Address, principal *big.Int, outcome PaymentOutcome, modificationType ModificationType, lenderApproved bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.lendingAuthority.IsZero() || caller != e.lendingAuthority {
		return ErrUnauthorized
	}
	row, ok := outcomeTable(outcome)
	if !ok {
		return ErrInvalidOutcome
	}
	value := cloneBigInt(principal)

	borrowerProfile, err := e.ensureProfile(borrower)
	if err != nil {
		return err
	}
	borrowerProfile.LoansTaken++
	borrowerProfile.TotalValueBorrowed = new(big.Int).Add(borrowerProfile.TotalValueBorrowed, value)
	if row.lateCounter {
		borrowerProfile.LoansRepaidLateGrace++
	} else {
		borrowerProfile.LoansRepaidOnTime++
	}
	borrowerProfile.CurrentScore += row.borrowerDelta
	borrowerScore := borrowerProfile.CurrentScore
	if err := e.state.PutReputationProfile(borrower, borrowerProfile); err != nil {
		return err
	}

	lenderProfile, err := e.ensureProfile(lender)
	if err != nil {
		return err
	}
	lenderProfile.LoansGiven++
	lenderProfile.TotalValueLent = new(big.Int).Add(lenderProfile.TotalValueLent, value)

	lenderDelta := row.lenderBase
	lenderReason := row.lenderReason
	addOn := int64(0)
	switch {
	case lenderApproved && modificationType == ModificationDueDateExtension:
		addOn = ScoreLenderApprovedExtension
		lenderProfile.ModificationsApprovedByLender++
	case lenderApproved && modificationType == ModificationPartialPaymentAgreement:
		addOn = ScoreLenderApprovedPartialAgreement
		lenderProfile.ModificationsApprovedByLender++
	case !lenderApproved && modificationType != ModificationNone:
		addOn = ScoreLenderRejectedModification
		lenderProfile.ModificationsRejectedByLender++
	}
	lenderDelta += addOn
	if addOn != 0 {
		lenderReason = "Loan outcome and modification handling for lender"
	}
	lenderProfile.CurrentScore += lenderDelta
	lenderScore := lenderProfile.CurrentScore
	if err := e.state.PutReputationProfile(lender, lenderProfile); err != nil {
		return err
	}

	if row.borrowerDelta != 0 {
		e.emit(newReputationUpdatedEvent(borrower, borrowerScore, row.borrowerReason))
	}
	e.emit(newLoanTermOutcomeEvent(agreementID, borrower, row.borrowerDelta, row.borrowerReason, outcome))
	if lenderDelta != 0 {
		e.emit(newReputationUpdatedEvent(lender, lenderScore, lenderReason))
	}
	e.emit(newLoanTermOutcomeEvent(agreementID, lender, lenderDelta, lenderReason, outcome))
	return nil
}

// RecordLoanDefault books a defaulted loan against the borrower's profile.
// Lending authority only.
func (e *Engine) RecordLoanDefault(caller crypto.Address, borrower, lender crypto.Address, principal *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.lendingAuthority.IsZero() || caller != e.lendingAuthority {
		return ErrUnauthorized
	}
	profile, err := e.ensureProfile(borrower)
	if err != nil {
		return err
	}
	profile.LoansTaken++
	profile.LoansDefaulted++
	profile.CurrentScore += ScoreDefaulted
	newScore := profile.CurrentScore
	if err := e.state.PutReputationProfile(borrower, profile); err != nil {
		return err
	}
	if ScoreDefaulted != 0 {
		e.emit(newReputationUpdatedEvent(borrower, newScore, "Loan defaulted"))
	}
	return nil
}

// ProfileOf returns the reputation profile for the address. Unknown addresses
// yield a zeroed profile.
func (e *Engine) ProfileOf(addr crypto.Address) (*Profile, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	profile, err := e.ensureProfile(addr)
	if err != nil {
		return nil, err
	}
	return profile.Clone(), nil
}

// VouchDetails returns the stored vouch for the pair, active or not.
func (e *Engine) VouchDetails(voucher, borrower crypto.Address) (*Vouch, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	vouch, ok, err := e.state.Vouch(voucher, borrower)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrVouchNotFound
	}
	return vouch.Clone(), nil
}

// VouchesGiven returns the history of borrowers the voucher has staked for.
func (e *Engine) VouchesGiven(voucher crypto.Address) ([]crypto.Address, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.VouchesGiven(voucher)
}

// VouchesReceived returns the history of vouchers that have staked for the
// borrower.
func (e *Engine) VouchesReceived(borrower crypto.Address) ([]crypto.Address, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.VouchesReceived(borrower)
}

// ActiveVouchesForBorrower snapshots the currently active vouches backing the
// borrower. The lending module consumes the snapshot within the same
// transaction when a default is handled.
func (e *Engine) ActiveVouchesForBorrower(borrower crypto.Address) ([]*Vouch, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	vouchers, err := e.state.VouchesReceived(borrower)
	if err != nil {
		return nil, err
	}
	seen := make(map[crypto.Address]struct{}, len(vouchers))
	active := make([]*Vouch, 0, len(vouchers))
	for _, voucher := range vouchers {
		if _, dup := seen[voucher]; dup {
			continue
		}
		seen[voucher] = struct{}{}
		vouch, ok, err := e.state.Vouch(voucher, borrower)
		if err != nil {
			return nil, err
		}
		if !ok || !vouch.Active {
			continue
		}
		active = append(active, vouch.Clone())
	}
	return active, nil
}
