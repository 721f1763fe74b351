package reputation

import (
	"math/big"
	"strconv"

	"vouchlend/core/types"
	"vouchlend/crypto"
)

const (
	// EventTypeVouchAdded is emitted when a voucher escrows stake for a borrower.
	EventTypeVouchAdded = "VouchAdded"
	// EventTypeVouchRemoved is emitted when a voucher withdraws remaining stake.
	EventTypeVouchRemoved = "VouchRemoved"
	// EventTypeVouchSlashed is emitted when the lending authority seizes stake.
	EventTypeVouchSlashed = "VouchSlashed"
	// EventTypeReputationUpdated is emitted whenever a non-zero score delta lands.
	EventTypeReputationUpdated = "ReputationUpdated"
	// EventTypeLoanTermOutcomeRecorded is emitted per party on loan settlement.
	EventTypeLoanTermOutcomeRecorded = "LoanTermOutcomeRecorded"
)

type reputationEvent struct {
	evt *types.Event
}

func (e *reputationEvent) EventType() string {
	if e == nil || e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e *reputationEvent) Event() *types.Event {
	if e == nil {
		return nil
	}
	return e.evt
}

func newVouchAddedEvent(v *Vouch) *reputationEvent {
	attrs := make(map[string]string)
	if v != nil {
		attrs["voucher"] = v.Voucher.Hex()
		attrs["borrower"] = v.Borrower.Hex()
		attrs["token"] = v.Token.Hex()
		attrs["amount"] = bigString(v.StakedAmount)
	}
	return &reputationEvent{evt: &types.Event{Type: EventTypeVouchAdded, Attributes: attrs}}
}

func newVouchRemovedEvent(v *Vouch, returned *big.Int) *reputationEvent {
	attrs := make(map[string]string)
	if v != nil {
		attrs["voucher"] = v.Voucher.Hex()
		attrs["borrower"] = v.Borrower.Hex()
		attrs["token"] = v.Token.Hex()
		attrs["returned"] = bigString(returned)
	}
	return &reputationEvent{evt: &types.Event{Type: EventTypeVouchRemoved, Attributes: attrs}}
}

func newVouchSlashedEvent(v *Vouch, slashed *big.Int, payee crypto.Address) *reputationEvent {
	attrs := make(map[string]string)
	if v != nil {
		attrs["voucher"] = v.Voucher.Hex()
		attrs["borrower"] = v.Borrower.Hex()
		attrs["token"] = v.Token.Hex()
		attrs["slashed"] = bigString(slashed)
		attrs["remaining"] = bigString(v.StakedAmount)
		attrs["payee"] = payee.Hex()
	}
	return &reputationEvent{evt: &types.Event{Type: EventTypeVouchSlashed, Attributes: attrs}}
}

func newReputationUpdatedEvent(subject crypto.Address, newScore int64, reason string) *reputationEvent {
	attrs := map[string]string{
		"subject":  subject.Hex(),
		"newScore": strconv.FormatInt(newScore, 10),
		"reason":   reason,
	}
	return &reputationEvent{evt: &types.Event{Type: EventTypeReputationUpdated, Attributes: attrs}}
}

func newLoanTermOutcomeEvent(agreementID crypto.Hash, subject crypto.Address, delta int64, reason string, outcome PaymentOutcome) *reputationEvent {
	attrs := map[string]string{
		"agreementId": agreementID.Hex(),
		"subject":     subject.Hex(),
		"delta":       strconv.FormatInt(delta, 10),
		"reason":      reason,
		"outcome":     outcome.String(),
	}
	return &reputationEvent{evt: &types.Event{Type: EventTypeLoanTermOutcomeRecorded, Attributes: attrs}}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
