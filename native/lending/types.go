package lending

import (
	"math/big"

	"vouchlend/crypto"
	"vouchlend/native/reputation"
)

// AgreementStatus tracks a loan agreement through its lifecycle. Repaid,
// Defaulted and Cancelled are terminal.
type AgreementStatus uint8

const (
	StatusActive AgreementStatus = iota
	StatusOverdue
	StatusPendingModificationApproval
	StatusActivePartialPaymentAgreed
	StatusRepaid
	StatusDefaulted
	StatusCancelled
)

// Terminal reports whether no further transitions are possible.
func (s AgreementStatus) Terminal() bool {
	switch s {
	case StatusRepaid, StatusDefaulted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Repayable reports whether the agreement can accept repayments.
func (s AgreementStatus) Repayable() bool {
	switch s {
	case StatusActive, StatusOverdue, StatusActivePartialPaymentAgreed:
		return true
	default:
		return false
	}
}

// String renders the canonical wire name for event attributes.
func (s AgreementStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusOverdue:
		return "overdue"
	case StatusPendingModificationApproval:
		return "pendingModificationApproval"
	case StatusActivePartialPaymentAgreed:
		return "activePartialPaymentAgreed"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LoanOffer is a lender-originated standing commitment. The principal sits in
// module custody while the offer is active.
type LoanOffer struct {
	ID                       crypto.Hash    `json:"id"`
	Lender                   crypto.Address `json:"lender"`
	Amount                   *big.Int       `json:"amount"`
	Token                    crypto.Address `json:"token"`
	InterestRateBps          uint16         `json:"interestRateBps"`
	DurationSeconds          uint64         `json:"durationSeconds"`
	RequiredCollateralAmount *big.Int       `json:"requiredCollateralAmount"`
	CollateralToken          crypto.Address `json:"collateralToken"`
	Active                   bool           `json:"active"`
	Fulfilled                bool           `json:"fulfilled"`
	CreatedAt                int64          `json:"createdAt"`
}

// Clone returns a deep copy of the offer.
func (o *LoanOffer) Clone() *LoanOffer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBigInt(o.Amount)
	clone.RequiredCollateralAmount = cloneBigInt(o.RequiredCollateralAmount)
	return &clone
}

// LoanRequest is a borrower-originated solicitation. Collateral is only
// promised here; it is pulled when a lender funds.
type LoanRequest struct {
	ID                       crypto.Hash    `json:"id"`
	Borrower                 crypto.Address `json:"borrower"`
	Amount                   *big.Int       `json:"amount"`
	Token                    crypto.Address `json:"token"`
	ProposedInterestRateBps  uint16         `json:"proposedInterestRateBps"`
	ProposedDurationSeconds  uint64         `json:"proposedDurationSeconds"`
	OfferedCollateralAmount  *big.Int       `json:"offeredCollateralAmount"`
	CollateralToken          crypto.Address `json:"collateralToken"`
	Active                   bool           `json:"active"`
	Fulfilled                bool           `json:"fulfilled"`
	CreatedAt                int64          `json:"createdAt"`
}

// Clone returns a deep copy of the request.
func (r *LoanRequest) Clone() *LoanRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneBigInt(r.Amount)
	clone.OfferedCollateralAmount = cloneBigInt(r.OfferedCollateralAmount)
	return &clone
}

// LoanAgreement is a formed contract between a lender and a borrower. Exactly
// one of the origin ids is non-zero.
type LoanAgreement struct {
	ID                           crypto.Hash                 `json:"id"`
	OriginOfferID                crypto.Hash                 `json:"originOfferId"`
	OriginRequestID              crypto.Hash                 `json:"originRequestId"`
	Lender                       crypto.Address              `json:"lender"`
	Borrower                     crypto.Address              `json:"borrower"`
	PrincipalAmount              *big.Int                    `json:"principalAmount"`
	LoanToken                    crypto.Address              `json:"loanToken"`
	InterestRateBps              uint16                      `json:"interestRateBps"`
	DurationSeconds              uint64                      `json:"durationSeconds"`
	CollateralAmount             *big.Int                    `json:"collateralAmount"`
	CollateralToken              crypto.Address              `json:"collateralToken"`
	StartTime                    int64                       `json:"startTime"`
	DueDate                      int64                       `json:"dueDate"`
	AmountPaid                   *big.Int                    `json:"amountPaid"`
	Status                       AgreementStatus             `json:"status"`
	RequestedModificationType    reputation.ModificationType `json:"requestedModificationType"`
	RequestedModificationValue   *big.Int                    `json:"requestedModificationValue"`
	ModificationApprovedByLender bool                        `json:"modificationApprovedByLender"`
	PartialAgreementMet          bool                        `json:"partialAgreementMet"`
}

// Clone returns a deep copy of the agreement.
func (a *LoanAgreement) Clone() *LoanAgreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.PrincipalAmount = cloneBigInt(a.PrincipalAmount)
	clone.CollateralAmount = cloneBigInt(a.CollateralAmount)
	clone.AmountPaid = cloneBigInt(a.AmountPaid)
	clone.RequestedModificationValue = cloneBigInt(a.RequestedModificationValue)
	return &clone
}

// TotalDue returns principal plus the fixed basis-point premium, with
// truncating division.
func (a *LoanAgreement) TotalDue() *big.Int {
	if a == nil || a.PrincipalAmount == nil {
		return big.NewInt(0)
	}
	premium := new(big.Int).Mul(a.PrincipalAmount, big.NewInt(int64(a.InterestRateBps)))
	premium.Quo(premium, basisPoints)
	return premium.Add(premium, a.PrincipalAmount)
}

// Outstanding returns the amount still owed.
func (a *LoanAgreement) Outstanding() *big.Int {
	due := a.TotalDue()
	if a == nil || a.AmountPaid == nil {
		return due
	}
	remaining := new(big.Int).Sub(due, a.AmountPaid)
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
