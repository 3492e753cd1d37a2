package domain

import "fmt"

// Invariant checks run by the engine after every merge. A violation means the
// entity must not be trusted downstream; the engine drops it.

// VerifyPosition checks a raw position before it enters the store.
func VerifyPosition(p PerpetualPosition) error {
	entity := "position:" + p.UniqueID()
	if p.MarketID == "" {
		return &InconsistentStateError{Entity: entity, Reason: "missing market id"}
	}
	if p.SubaccountNumber < 0 {
		return &InconsistentStateError{Entity: entity, Reason: "negative subaccount number"}
	}
	// Unsigned size is |size| and cannot go negative; max size is reported unsigned.
	if p.MaxSize.IsNegative() {
		return &InconsistentStateError{Entity: entity, Reason: fmt.Sprintf("negative max size %s", p.MaxSize)}
	}
	if p.EntryPrice.IsNegative() {
		return &InconsistentStateError{Entity: entity, Reason: fmt.Sprintf("negative entry price %s", p.EntryPrice)}
	}
	return nil
}

// VerifyOrder checks a merged order.
func VerifyOrder(o SubaccountOrder) error {
	entity := "order:" + o.ID
	if o.ID == "" {
		return &InconsistentStateError{Entity: "order:?", Reason: "missing id"}
	}
	if o.Size.IsNegative() {
		return &InconsistentStateError{Entity: entity, Reason: fmt.Sprintf("negative size %s", o.Size)}
	}
	if o.RemainingSize.IsNegative() {
		return &InconsistentStateError{Entity: entity, Reason: fmt.Sprintf("negative remaining size %s", o.RemainingSize)}
	}
	if o.TotalFilled.IsNegative() {
		return &InconsistentStateError{Entity: entity, Reason: fmt.Sprintf("negative filled size %s", o.TotalFilled)}
	}
	return nil
}

// VerifyLevel checks one incoming orderbook level. Size zero is a removal.
func VerifyLevel(marketID string, l PriceLevel) error {
	if l.Price.Sign() <= 0 {
		return &InconsistentStateError{Entity: "orderbook:" + marketID, Reason: fmt.Sprintf("non-positive price %s", l.Price)}
	}
	if l.Size.IsNegative() {
		return &InconsistentStateError{Entity: "orderbook:" + marketID, Reason: fmt.Sprintf("negative size %s at %s", l.Size, l.Price)}
	}
	return nil
}

// VerifyFill checks a fill record.
func VerifyFill(f Fill) error {
	if f.ID == "" {
		return &InconsistentStateError{Entity: "fill:?", Reason: "missing id"}
	}
	if f.Size.IsNegative() {
		return &InconsistentStateError{Entity: "fill:" + f.ID, Reason: fmt.Sprintf("negative size %s", f.Size)}
	}
	return nil
}
