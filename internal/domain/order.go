package domain

import "github.com/shopspring/decimal"

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeStopLimit    OrderType = "STOP_LIMIT"
	OrderTypeStopMarket   OrderType = "STOP_MARKET"
	OrderTypeTakeProfit   OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMk OrderType = "TAKE_PROFIT_MARKET"
)

type TimeInForce string

const (
	TimeInForceGTT TimeInForce = "GTT"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the lifecycle state of an order as reported by the indexer.
//
//	PENDING -> OPEN -> PARTIALLY_FILLED -> FILLED
//	                \-> CANCELED | PARTIALLY_CANCELED
//	OPEN -> BEST_EFFORT_CANCELED | UNTRIGGERED
type OrderStatus string

const (
	OrderStatusPending            OrderStatus = "PENDING"
	OrderStatusOpen               OrderStatus = "OPEN"
	OrderStatusPartiallyFilled    OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled             OrderStatus = "FILLED"
	OrderStatusCanceled           OrderStatus = "CANCELED"
	OrderStatusPartiallyCanceled  OrderStatus = "PARTIALLY_CANCELED"
	OrderStatusBestEffortCanceled OrderStatus = "BEST_EFFORT_CANCELED"
	OrderStatusUntriggered        OrderStatus = "UNTRIGGERED"
)

// IsClearable reports whether the order reached a terminal state.
func (s OrderStatus) IsClearable() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusPartiallyCanceled:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the order is still live. Unknown statuses count as open.
func (s OrderStatus) IsOpen() bool {
	return !s.IsClearable()
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusOpen, OrderStatusUntriggered, OrderStatusCanceled,
		OrderStatusBestEffortCanceled, OrderStatusFilled, OrderStatusPartiallyFilled,
	},
	OrderStatusOpen: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled,
		OrderStatusPartiallyCanceled, OrderStatusBestEffortCanceled, OrderStatusUntriggered,
	},
	OrderStatusUntriggered: {
		OrderStatusOpen, OrderStatusCanceled, OrderStatusBestEffortCanceled,
		OrderStatusPartiallyFilled, OrderStatusFilled,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusFilled, OrderStatusPartiallyCanceled, OrderStatusCanceled,
		OrderStatusBestEffortCanceled,
	},
	OrderStatusBestEffortCanceled: {
		OrderStatusCanceled, OrderStatusPartiallyCanceled, OrderStatusFilled,
		OrderStatusOpen, OrderStatusPartiallyFilled,
	},
}

// CanTransition reports whether from -> to is an expected edge.
// Repeating the current status is always allowed; terminal states have no exits.
func CanTransition(from, to OrderStatus) bool {
	if from == to || from == "" {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SubaccountOrder is one order of a subaccount. Identity is ID.
type SubaccountOrder struct {
	ID               string           `json:"id"`
	ClientID         string           `json:"client_id"`
	SubaccountNumber int              `json:"subaccount_number"`
	MarketID         string           `json:"market_id"`
	Side             OrderSide        `json:"side"`
	Type             OrderType        `json:"type"`
	Status           OrderStatus      `json:"status"`
	TimeInForce      TimeInForce      `json:"time_in_force"`
	Price            decimal.Decimal  `json:"price"`
	TriggerPrice     *decimal.Decimal `json:"trigger_price,omitempty"`
	Size             decimal.Decimal  `json:"size"`
	RemainingSize    decimal.Decimal  `json:"remaining_size"`
	TotalFilled      decimal.Decimal  `json:"total_filled"`
	GoodTilBlock     uint64           `json:"good_til_block,omitempty"`
	GoodTilBlockTime int64            `json:"good_til_block_time,omitempty"` // unix ms
	CreatedAtHeight  uint64           `json:"created_at_height,omitempty"`
	ExpiresAtMs      int64            `json:"expires_at_ms,omitempty"`
	UpdatedAtMs      int64            `json:"updated_at_ms,omitempty"`
	UpdatedAtHeight  uint64           `json:"updated_at_height,omitempty"`
	PostOnly         bool             `json:"post_only"`
	ReduceOnly       bool             `json:"reduce_only"`
	RemovalReason    string           `json:"removal_reason,omitempty"`
	MarginMode       MarginMode       `json:"margin_mode"`
}

// OrderPatch is a partial order update. Identity fields are taken when non-empty,
// pointer fields only when present.
type OrderPatch struct {
	ID               string
	ClientID         string
	SubaccountNumber *int
	MarketID         string
	Side             OrderSide
	Type             OrderType
	TimeInForce      TimeInForce
	PostOnly         *bool
	ReduceOnly       *bool

	Status           *OrderStatus
	Price            *decimal.Decimal
	TriggerPrice     *decimal.Decimal
	Size             *decimal.Decimal
	RemainingSize    *decimal.Decimal
	TotalFilled      *decimal.Decimal
	GoodTilBlock     *uint64
	GoodTilBlockTime *int64
	CreatedAtHeight  *uint64
	ExpiresAtMs      *int64
	UpdatedAtMs      *int64
	UpdatedAtHeight  *uint64
	RemovalReason    *string
}

// Apply merges p into o. The margin mode follows the subaccount number.
func (o SubaccountOrder) Apply(p OrderPatch) SubaccountOrder {
	if o.ID == "" {
		o.ID = p.ID
	}
	if p.ClientID != "" {
		o.ClientID = p.ClientID
	}
	if p.SubaccountNumber != nil {
		o.SubaccountNumber = *p.SubaccountNumber
	}
	if p.MarketID != "" {
		o.MarketID = p.MarketID
	}
	if p.Side != "" {
		o.Side = p.Side
	}
	if p.Type != "" {
		o.Type = p.Type
	}
	if p.TimeInForce != "" {
		o.TimeInForce = p.TimeInForce
	}
	if p.PostOnly != nil {
		o.PostOnly = *p.PostOnly
	}
	if p.ReduceOnly != nil {
		o.ReduceOnly = *p.ReduceOnly
	}
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.Price != nil {
		o.Price = *p.Price
	}
	if p.TriggerPrice != nil {
		v := *p.TriggerPrice
		o.TriggerPrice = &v
	}
	if p.Size != nil {
		o.Size = *p.Size
	}
	if p.RemainingSize != nil {
		o.RemainingSize = *p.RemainingSize
	}
	if p.TotalFilled != nil {
		o.TotalFilled = *p.TotalFilled
	}
	if p.GoodTilBlock != nil {
		o.GoodTilBlock = *p.GoodTilBlock
	}
	if p.GoodTilBlockTime != nil {
		o.GoodTilBlockTime = *p.GoodTilBlockTime
	}
	if p.CreatedAtHeight != nil {
		o.CreatedAtHeight = *p.CreatedAtHeight
	}
	if p.ExpiresAtMs != nil {
		o.ExpiresAtMs = *p.ExpiresAtMs
	}
	if p.UpdatedAtMs != nil {
		o.UpdatedAtMs = *p.UpdatedAtMs
	}
	if p.UpdatedAtHeight != nil {
		o.UpdatedAtHeight = *p.UpdatedAtHeight
	}
	if p.RemovalReason != nil {
		o.RemovalReason = *p.RemovalReason
	}
	o.MarginMode = MarginModeFor(o.SubaccountNumber)
	return o
}

// PatchFromOrder turns a full order record into a patch carrying every field.
func PatchFromOrder(o SubaccountOrder) OrderPatch {
	n := o.SubaccountNumber
	status := o.Status
	postOnly, reduceOnly := o.PostOnly, o.ReduceOnly
	price, size, remaining, filled := o.Price, o.Size, o.RemainingSize, o.TotalFilled
	gtb, gtbt := o.GoodTilBlock, o.GoodTilBlockTime
	created, expires := o.CreatedAtHeight, o.ExpiresAtMs
	updMs, updHeight := o.UpdatedAtMs, o.UpdatedAtHeight
	reason := o.RemovalReason
	return OrderPatch{
		ID:               o.ID,
		ClientID:         o.ClientID,
		SubaccountNumber: &n,
		MarketID:         o.MarketID,
		Side:             o.Side,
		Type:             o.Type,
		TimeInForce:      o.TimeInForce,
		PostOnly:         &postOnly,
		ReduceOnly:       &reduceOnly,
		Status:           &status,
		Price:            &price,
		TriggerPrice:     o.TriggerPrice,
		Size:             &size,
		RemainingSize:    &remaining,
		TotalFilled:      &filled,
		GoodTilBlock:     &gtb,
		GoodTilBlockTime: &gtbt,
		CreatedAtHeight:  &created,
		ExpiresAtMs:      &expires,
		UpdatedAtMs:      &updMs,
		UpdatedAtHeight:  &updHeight,
		RemovalReason:    &reason,
	}
}
