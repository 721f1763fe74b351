package lending

import (
	"math/big"
	"strconv"

	"vouchlend/core/types"
	"vouchlend/native/reputation"
)

const (
	EventTypeLoanOfferCreated             = "LoanOfferCreated"
	EventTypeLoanOfferCancelled           = "LoanOfferCancelled"
	EventTypeLoanRequestCreated           = "LoanRequestCreated"
	EventTypeLoanRequestCancelled         = "LoanRequestCancelled"
	EventTypeLoanAgreementCreated         = "LoanAgreementCreated"
	EventTypeLoanRepayment                = "LoanRepayment"
	EventTypeLoanAgreementRepaid          = "LoanAgreementRepaid"
	EventTypeLoanAgreementDefaulted       = "LoanAgreementDefaulted"
	EventTypeCollateralSeized             = "CollateralSeized"
	EventTypePaymentModificationRequested = "PaymentModificationRequested"
	EventTypePaymentModificationResponded = "PaymentModificationResponded"
)

type lendingEvent struct {
	evt *types.Event
}

func (e *lendingEvent) EventType() string {
	if e == nil || e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e *lendingEvent) Event() *types.Event {
	if e == nil {
		return nil
	}
	return e.evt
}

func newOfferCreatedEvent(o *LoanOffer) *lendingEvent {
	attrs := make(map[string]string)
	if o != nil {
		attrs["lender"] = o.Lender.Hex()
		attrs["offerId"] = o.ID.Hex()
		attrs["token"] = o.Token.Hex()
		attrs["amount"] = bigString(o.Amount)
		attrs["interestRateBps"] = strconv.FormatUint(uint64(o.InterestRateBps), 10)
		attrs["durationSeconds"] = strconv.FormatUint(o.DurationSeconds, 10)
		if o.RequiredCollateralAmount != nil && o.RequiredCollateralAmount.Sign() > 0 {
			attrs["collateralAmount"] = bigString(o.RequiredCollateralAmount)
			attrs["collateralToken"] = o.CollateralToken.Hex()
		}
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanOfferCreated, Attributes: attrs}}
}

func newOfferCancelledEvent(o *LoanOffer) *lendingEvent {
	attrs := make(map[string]string)
	if o != nil {
		attrs["lender"] = o.Lender.Hex()
		attrs["offerId"] = o.ID.Hex()
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanOfferCancelled, Attributes: attrs}}
}

func newRequestCreatedEvent(r *LoanRequest) *lendingEvent {
	attrs := make(map[string]string)
	if r != nil {
		attrs["borrower"] = r.Borrower.Hex()
		attrs["requestId"] = r.ID.Hex()
		attrs["token"] = r.Token.Hex()
		attrs["amount"] = bigString(r.Amount)
		attrs["interestRateBps"] = strconv.FormatUint(uint64(r.ProposedInterestRateBps), 10)
		attrs["durationSeconds"] = strconv.FormatUint(r.ProposedDurationSeconds, 10)
		if r.OfferedCollateralAmount != nil && r.OfferedCollateralAmount.Sign() > 0 {
			attrs["collateralAmount"] = bigString(r.OfferedCollateralAmount)
			attrs["collateralToken"] = r.CollateralToken.Hex()
		}
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanRequestCreated, Attributes: attrs}}
}

func newRequestCancelledEvent(r *LoanRequest) *lendingEvent {
	attrs := make(map[string]string)
	if r != nil {
		attrs["borrower"] = r.Borrower.Hex()
		attrs["requestId"] = r.ID.Hex()
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanRequestCancelled, Attributes: attrs}}
}

func newAgreementCreatedEvent(a *LoanAgreement) *lendingEvent {
	attrs := make(map[string]string)
	if a != nil {
		attrs["borrower"] = a.Borrower.Hex()
		attrs["agreementId"] = a.ID.Hex()
		attrs["lender"] = a.Lender.Hex()
		attrs["token"] = a.LoanToken.Hex()
		attrs["principal"] = bigString(a.PrincipalAmount)
		attrs["interestRateBps"] = strconv.FormatUint(uint64(a.InterestRateBps), 10)
		attrs["startTime"] = strconv.FormatInt(a.StartTime, 10)
		attrs["dueDate"] = strconv.FormatInt(a.DueDate, 10)
		if !a.OriginOfferID.IsZero() {
			attrs["originOfferId"] = a.OriginOfferID.Hex()
		}
		if !a.OriginRequestID.IsZero() {
			attrs["originRequestId"] = a.OriginRequestID.Hex()
		}
		if a.CollateralAmount != nil && a.CollateralAmount.Sign() > 0 {
			attrs["collateralAmount"] = bigString(a.CollateralAmount)
			attrs["collateralToken"] = a.CollateralToken.Hex()
		}
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanAgreementCreated, Attributes: attrs}}
}

func newRepaymentEvent(a *LoanAgreement, payment *big.Int) *lendingEvent {
	attrs := make(map[string]string)
	if a != nil {
		attrs["borrower"] = a.Borrower.Hex()
		attrs["agreementId"] = a.ID.Hex()
		attrs["amount"] = bigString(payment)
		attrs["amountPaid"] = bigString(a.AmountPaid)
		attrs["status"] = a.Status.String()
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanRepayment, Attributes: attrs}}
}

func newAgreementRepaidEvent(a *LoanAgreement, outcome reputation.PaymentOutcome) *lendingEvent {
	attrs := make(map[string]string)
	if a != nil {
		attrs["borrower"] = a.Borrower.Hex()
		attrs["agreementId"] = a.ID.Hex()
		attrs["lender"] = a.Lender.Hex()
		attrs["totalPaid"] = bigString(a.AmountPaid)
		attrs["outcome"] = outcome.String()
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanAgreementRepaid, Attributes: attrs}}
}

func newAgreementDefaultedEvent(a *LoanAgreement) *lendingEvent {
	attrs := make(map[string]string)
	if a != nil {
		attrs["borrower"] = a.Borrower.Hex()
		attrs["agreementId"] = a.ID.Hex()
		attrs["lender"] = a.Lender.Hex()
		attrs["amountPaid"] = bigString(a.AmountPaid)
		attrs["totalDue"] = bigString(a.TotalDue())
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeLoanAgreementDefaulted, Attributes: attrs}}
}

func newCollateralSeizedEvent(a *LoanAgreement) *lendingEvent {
	attrs := make(map[string]string)
	if a != nil {
		attrs["lender"] = a.Lender.Hex()
		attrs["agreementId"] = a.ID.Hex()
		attrs["token"] = a.CollateralToken.Hex()
		attrs["amount"] = bigString(a.CollateralAmount)
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypeCollateralSeized, Attributes: attrs}}
}

func newModificationRequestedEvent(a *LoanAgreement) *lendingEvent {
	attrs := make(map[string]string)
	if a != nil {
		attrs["borrower"] = a.Borrower.Hex()
		attrs["agreementId"] = a.ID.Hex()
		attrs["modificationType"] = a.RequestedModificationType.String()
		attrs["value"] = bigString(a.RequestedModificationValue)
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypePaymentModificationRequested, Attributes: attrs}}
}

func newModificationRespondedEvent(a *LoanAgreement, approved bool) *lendingEvent {
	attrs := make(map[string]string)
	if a != nil {
		attrs["lender"] = a.Lender.Hex()
		attrs["agreementId"] = a.ID.Hex()
		attrs["modificationType"] = a.RequestedModificationType.String()
		attrs["approved"] = strconv.FormatBool(approved)
		attrs["status"] = a.Status.String()
		attrs["dueDate"] = strconv.FormatInt(a.DueDate, 10)
	}
	return &lendingEvent{evt: &types.Event{Type: EventTypePaymentModificationResponded, Attributes: attrs}}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
