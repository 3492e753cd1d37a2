package event

import (
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/loadable"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies the concrete event.
type Type uint8

const (
	TypeMarkets Type = iota + 1
	TypeOrderbook
	TypeTrades
	TypeHistoricalFundings
	TypeSubaccount
	TypeHeight
	TypeResourceStatus
	TypeClearOrders
	TypeSeenMemory
)

func (t Type) String() string {
	switch t {
	case TypeMarkets:
		return "markets"
	case TypeOrderbook:
		return "orderbook"
	case TypeTrades:
		return "trades"
	case TypeHistoricalFundings:
		return "historical_fundings"
	case TypeSubaccount:
		return "subaccount"
	case TypeHeight:
		return "height"
	case TypeResourceStatus:
		return "resource_status"
	case TypeClearOrders:
		return "clear_orders"
	case TypeSeenMemory:
		return "seen_memory"
	default:
		return "unknown"
	}
}

// Mode tells the engine whether a payload replaces or patches stored state.
type Mode uint8

const (
	ModeUpdate Mode = iota
	ModeSnapshot
)

// Event is anything the engine inbox accepts.
type Event interface {
	GetSeq() uint64
	GetType() Type
	GetKey() domain.ResourceKey
	GetConn() uuid.UUID
}

// BaseEvent carries the routing metadata shared by all events.
// Conn is uuid.Nil for events that do not come from a tagged connection.
// Seq is zero when the source carries no sequence.
type BaseEvent struct {
	Key  domain.ResourceKey `json:"key"`
	Conn uuid.UUID          `json:"conn"`
	Seq  uint64             `json:"seq"`
	Ts   int64              `json:"ts"` // unix ms, arrival
}

func (e *BaseEvent) GetSeq() uint64             { return e.Seq }
func (e *BaseEvent) GetKey() domain.ResourceKey { return e.Key }
func (e *BaseEvent) GetConn() uuid.UUID         { return e.Conn }

// MarketsEvent replaces the market map (snapshot) or patches single markets (update).
type MarketsEvent struct {
	BaseEvent
	Mode    Mode
	Markets map[string]domain.MarketInfo // snapshot
	Patches []domain.MarketPatch         // update
}

func (e *MarketsEvent) GetType() Type { return TypeMarkets }

// OrderbookEvent is a book snapshot or a per-level delta. Size zero removes a level.
type OrderbookEvent struct {
	BaseEvent
	Mode     Mode
	MarketID string
	Asks     []domain.PriceLevel
	Bids     []domain.PriceLevel
}

func (e *OrderbookEvent) GetType() Type { return TypeOrderbook }

// TradesEvent carries new live trades, newest first.
type TradesEvent struct {
	BaseEvent
	MarketID string
	Trades   []domain.Trade
}

func (e *TradesEvent) GetType() Type { return TypeTrades }

// HistoricalFundingsEvent replaces the funding history of one market.
type HistoricalFundingsEvent struct {
	BaseEvent
	MarketID string
	Fundings []domain.HistoricalFunding
}

func (e *HistoricalFundingsEvent) GetType() Type { return TypeHistoricalFundings }

// SubaccountEvent carries account data of a parent subaccount and its
// isolated children. On snapshot, positions, orders and balances of the
// parent scope are replaced; on update they are merged per entity.
type SubaccountEvent struct {
	BaseEvent
	Mode             Mode
	Address          string
	SubaccountNumber int                     // parent
	QuoteBalances    map[int]decimal.Decimal // by subaccount number
	Positions        []domain.PerpetualPosition
	Orders           []domain.OrderPatch
	Fills            []domain.Fill           // newest first
	FundingPayments  []domain.FundingPayment // newest first
}

func (e *SubaccountEvent) GetType() Type { return TypeSubaccount }

// HeightEvent reports a height poll result. Err set means the poll failed.
type HeightEvent struct {
	BaseEvent
	Source domain.HeightSource
	Height uint64
	Err    error
	At     time.Time
}

func (e *HeightEvent) GetType() Type { return TypeHeight }

// ResourceStatusEvent forwards the load status of one connection.
type ResourceStatusEvent struct {
	BaseEvent
	Status loadable.Status
	Err    error
}

func (e *ResourceStatusEvent) GetType() Type { return TypeResourceStatus }

// ClearOrdersEvent hides terminal orders from default views.
type ClearOrdersEvent struct {
	BaseEvent
	OrderIDs    []string
	AllTerminal bool
}

func (e *ClearOrdersEvent) GetType() Type { return TypeClearOrders }

// SeenMemoryEvent installs the consumer's seen memory.
type SeenMemoryEvent struct {
	BaseEvent
	Memory domain.SeenMemory
}

func (e *SeenMemoryEvent) GetType() Type { return TypeSeenMemory }
