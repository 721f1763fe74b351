package lending

import "vouchlend/native/reputation"

// ClassifyOutcome maps the settling repayment's observations onto a payment
// outcome. Inputs are taken at the moment of settlement: the effective due
// date (which may already reflect an approved extension) and the modification
// state snapshotted before the repayment mutated the agreement. First match
// wins.
func ClassifyOutcome(now, dueDate int64, modificationType reputation.ModificationType, lenderApproved bool) reputation.PaymentOutcome {
	onTime := now <= dueDate
	switch {
	case onTime && lenderApproved && modificationType == reputation.ModificationDueDateExtension:
		return reputation.OutcomeOnTimeExtended
	case onTime && lenderApproved && modificationType == reputation.ModificationPartialPaymentAgreement:
		return reputation.OutcomePartialAgreementMetAndRepaid
	case onTime:
		return reputation.OutcomeOnTimeOriginal
	case lenderApproved && modificationType == reputation.ModificationDueDateExtension:
		return reputation.OutcomeLateExtended
	default:
		return reputation.OutcomeLateGraceOriginal
	}
}
