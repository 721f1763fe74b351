package reputation

import (
	"math/big"

	"vouchlend/crypto"
)

// ModificationType enumerates the loan term modifications a borrower may
// request. The zero value means no modification is in flight.
type ModificationType uint8

const (
	ModificationNone ModificationType = iota
	ModificationDueDateExtension
	ModificationPartialPaymentAgreement
)

// Valid reports whether the value is within the supported range.
func (m ModificationType) Valid() bool {
	switch m {
	case ModificationNone, ModificationDueDateExtension, ModificationPartialPaymentAgreement:
		return true
	default:
		return false
	}
}

// String renders the canonical wire name for event attributes.
func (m ModificationType) String() string {
	switch m {
	case ModificationDueDateExtension:
		return "dueDateExtension"
	case ModificationPartialPaymentAgreement:
		return "partialPaymentAgreement"
	default:
		return "none"
	}
}

// PaymentOutcome classifies the payment trajectory of a settled loan.
// Defaults are recorded through a separate path.
type PaymentOutcome uint8

const (
	OutcomeOnTimeOriginal PaymentOutcome = iota
	OutcomeLateGraceOriginal
	OutcomeOnTimeExtended
	OutcomeLateExtended
	OutcomePartialAgreementMetAndRepaid
)

// Valid reports whether the value is within the supported range.
func (o PaymentOutcome) Valid() bool {
	switch o {
	case OutcomeOnTimeOriginal, OutcomeLateGraceOriginal, OutcomeOnTimeExtended,
		OutcomeLateExtended, OutcomePartialAgreementMetAndRepaid:
		return true
	default:
		return false
	}
}

// String renders the canonical wire name for event attributes.
func (o PaymentOutcome) String() string {
	switch o {
	case OutcomeOnTimeOriginal:
		return "onTimeOriginal"
	case OutcomeLateGraceOriginal:
		return "lateGraceOriginal"
	case OutcomeOnTimeExtended:
		return "onTimeExtended"
	case OutcomeLateExtended:
		return "lateExtended"
	case OutcomePartialAgreementMetAndRepaid:
		return "partialAgreementMetAndRepaid"
	default:
		return "unknown"
	}
}

// Score deltas applied per classified outcome. Consumers must read these
// constants rather than restating the magnitudes.
const (
	ScoreRepaidOnTimeOriginal           int64 = 10
	ScoreRepaidLateGrace                int64 = 3
	ScoreRepaidOnTimeAfterExtension     int64 = 7
	ScoreRepaidLateAfterExtension       int64 = 2
	ScoreRepaidWithPartialAgreementMet  int64 = 8
	ScoreDefaulted                      int64 = -50
	ScoreLentSuccessfullyOnTimeOriginal int64 = 5
	ScoreLentSuccessfullyAfterModified  int64 = 3
	ScoreLenderApprovedExtension        int64 = 2
	ScoreLenderApprovedPartialAgreement int64 = 1
	ScoreLenderRejectedModification     int64 = 0
	ScoreVouchDefaultedVoucher          int64 = -20
)

// Profile aggregates the per-account reputation tallies. The score is a plain
// signed integer with no bounds or saturation.
type Profile struct {
	Address                       crypto.Address `json:"address"`
	LoansTaken                    uint64         `json:"loansTaken"`
	LoansGiven                    uint64         `json:"loansGiven"`
	LoansRepaidOnTime             uint64         `json:"loansRepaidOnTime"`
	LoansRepaidLateGrace          uint64         `json:"loansRepaidLateGrace"`
	LoansDefaulted                uint64         `json:"loansDefaulted"`
	TotalValueBorrowed            *big.Int       `json:"totalValueBorrowed"`
	TotalValueLent                *big.Int       `json:"totalValueLent"`
	VouchingStakeActive           *big.Int       `json:"vouchingStakeActive"`
	TimesVouched                  uint64         `json:"timesVouched"`
	TimesDefaultedAsVoucher       uint64         `json:"timesDefaultedAsVoucher"`
	ModificationsApprovedByLender uint64         `json:"modificationsApprovedByLender"`
	ModificationsRejectedByLender uint64         `json:"modificationsRejectedByLender"`
	CurrentScore                  int64          `json:"currentScore"`
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalValueBorrowed = cloneBigInt(p.TotalValueBorrowed)
	clone.TotalValueLent = cloneBigInt(p.TotalValueLent)
	clone.VouchingStakeActive = cloneBigInt(p.VouchingStakeActive)
	return &clone
}

func (p *Profile) ensureDefaults() {
	if p.TotalValueBorrowed == nil {
		p.TotalValueBorrowed = big.NewInt(0)
	}
	if p.TotalValueLent == nil {
		p.TotalValueLent = big.NewInt(0)
	}
	if p.VouchingStakeActive == nil {
		p.VouchingStakeActive = big.NewInt(0)
	}
}

// Vouch is a voucher's escrowed stake attesting to a specific borrower. The
// (voucher, borrower) pair holds at most one active vouch; the stake decreases
// as slashes land and the record deactivates at zero or on removal.
type Vouch struct {
	Voucher      crypto.Address `json:"voucher"`
	Borrower     crypto.Address `json:"borrower"`
	Token        crypto.Address `json:"token"`
	StakedAmount *big.Int       `json:"stakedAmount"`
	Active       bool           `json:"active"`
	CreatedAt    int64          `json:"createdAt"`
}

// Clone returns a deep copy of the vouch.
func (v *Vouch) Clone() *Vouch {
	if v == nil {
		return nil
	}
	clone := *v
	clone.StakedAmount = cloneBigInt(v.StakedAmount)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
