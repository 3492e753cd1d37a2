package indexer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wire channels of the indexer websocket.
const (
	channelMarkets     = "v4_markets"
	channelOrderbook   = "v4_orderbook"
	channelTrades      = "v4_trades"
	channelSubaccounts = "v4_parent_subaccounts"
)

// Frame types.
const (
	frameConnected   = "connected"
	frameSubscribed  = "subscribed"
	frameChannelData = "channel_data"
	frameError       = "error"
)

// frame is one message of the indexer websocket.
type frame struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id"`
	MessageID    uint64          `json:"message_id"`
	Channel      string          `json:"channel"`
	ID           string          `json:"id"`
	Contents     json.RawMessage `json:"contents"`
	Message      string          `json:"message"`
}

type subscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      string `json:"id,omitempty"`
	Batched bool   `json:"batched"`
}

// subscribeFor maps a resource key to its subscribe frame.
func subscribeFor(key domain.ResourceKey) (subscribeFrame, error) {
	switch key.Channel() {
	case domain.ChannelMarkets:
		return subscribeFrame{Type: "subscribe", Channel: channelMarkets}, nil
	case domain.ChannelOrderbook:
		return subscribeFrame{Type: "subscribe", Channel: channelOrderbook, ID: key.ID()}, nil
	case domain.ChannelTrades:
		return subscribeFrame{Type: "subscribe", Channel: channelTrades, ID: key.ID()}, nil
	case domain.ChannelSubaccount:
		if _, _, err := key.Subaccount(); err != nil {
			return subscribeFrame{}, err
		}
		return subscribeFrame{Type: "subscribe", Channel: channelSubaccounts, ID: key.ID()}, nil
	default:
		return subscribeFrame{}, fmt.Errorf("%w: no websocket channel for %q", domain.ErrInvalidResourceKey, key)
	}
}

// sequence orders messages across connections of the same key: the dial
// time occupies the high bits so a newer connection always sorts after an
// older one, the per-connection message id the low bits.
func sequence(epoch time.Time, messageID uint64) uint64 {
	return uint64(epoch.UnixMilli())<<20 + messageID
}

// ======================================================================================
// Wire payloads
// ======================================================================================

type wireMarket struct {
	Ticker                         string           `json:"ticker"`
	ClobPairID                     *string          `json:"clobPairId"`
	Status                         *string          `json:"status"`
	OraclePrice                    *decimal.Decimal `json:"oraclePrice"`
	PriceChange24H                 *decimal.Decimal `json:"priceChange24H"`
	NextFundingRate                *decimal.Decimal `json:"nextFundingRate"`
	Volume24H                      *decimal.Decimal `json:"volume24H"`
	TickSize                       *decimal.Decimal `json:"tickSize"`
	StepSize                       *decimal.Decimal `json:"stepSize"`
	InitialMarginFraction          *decimal.Decimal `json:"initialMarginFraction"`
	MaintenanceMarginFraction      *decimal.Decimal `json:"maintenanceMarginFraction"`
	EffectiveInitialMarginFraction *decimal.Decimal `json:"effectiveInitialMarginFraction"`
	OpenInterest                   *decimal.Decimal `json:"openInterest"`
}

func (m wireMarket) patch(id string) domain.MarketPatch {
	return domain.MarketPatch{
		ID:                             id,
		ClobPairID:                     m.ClobPairID,
		Status:                         m.Status,
		OraclePrice:                    m.OraclePrice,
		PriceChange24H:                 m.PriceChange24H,
		NextFundingRate:                m.NextFundingRate,
		Volume24H:                      m.Volume24H,
		TickSize:                       m.TickSize,
		StepSize:                       m.StepSize,
		InitialMarginFraction:          m.InitialMarginFraction,
		MaintenanceMarginFraction:      m.MaintenanceMarginFraction,
		EffectiveInitialMarginFraction: m.EffectiveInitialMarginFraction,
		OpenInterest:                   m.OpenInterest,
	}
}

type marketsSnapshot struct {
	Markets map[string]wireMarket `json:"markets"`
}

type marketsUpdate struct {
	Trading      map[string]wireMarket `json:"trading"`
	OraclePrices map[string]struct {
		OraclePrice decimal.Decimal `json:"oraclePrice"`
	} `json:"oraclePrices"`
}

// wireLevel accepts both {"price","size"} objects and ["price","size"] pairs.
type wireLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (l *wireLevel) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var pair []decimal.Decimal
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) < 2 {
			return errors.New("price level needs price and size")
		}
		l.Price, l.Size = pair[0], pair[1]
		return nil
	}
	var obj struct {
		Price decimal.Decimal `json:"price"`
		Size  decimal.Decimal `json:"size"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	l.Price, l.Size = obj.Price, obj.Size
	return nil
}

type wireBook struct {
	Asks []wireLevel `json:"asks"`
	Bids []wireLevel `json:"bids"`
}

func levels(in []wireLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(in))
	for i, l := range in {
		out[i] = domain.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

type wireTrade struct {
	ID        string          `json:"id"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Type      string          `json:"type"`
	CreatedAt string          `json:"createdAt"`
}

type wireTrades struct {
	Trades []wireTrade `json:"trades"`
}

type wirePosition struct {
	Market           string           `json:"market"`
	SubaccountNumber *int             `json:"subaccountNumber"`
	Status           string           `json:"status"`
	Side             string           `json:"side"`
	Size             decimal.Decimal  `json:"size"`
	MaxSize          decimal.Decimal  `json:"maxSize"`
	EntryPrice       decimal.Decimal  `json:"entryPrice"`
	ExitPrice        *decimal.Decimal `json:"exitPrice"`
	RealizedPnl      decimal.Decimal  `json:"realizedPnl"`
	UnrealizedPnl    decimal.Decimal  `json:"unrealizedPnl"`
	NetFunding       decimal.Decimal  `json:"netFunding"`
	SumOpen          decimal.Decimal  `json:"sumOpen"`
	SumClose         decimal.Decimal  `json:"sumClose"`
	CreatedAtHeight  string           `json:"createdAtHeight"`
}

func (p wirePosition) toDomain(subaccount int) domain.PerpetualPosition {
	if p.SubaccountNumber != nil {
		subaccount = *p.SubaccountNumber
	}
	return domain.PerpetualPosition{
		SubaccountNumber: subaccount,
		MarketID:         p.Market,
		Status:           domain.PositionStatus(p.Status),
		Side:             domain.PositionSide(p.Side),
		Size:             p.Size,
		MaxSize:          p.MaxSize,
		EntryPrice:       p.EntryPrice,
		ExitPrice:        p.ExitPrice,
		RealizedPnl:      p.RealizedPnl,
		UnrealizedPnl:    p.UnrealizedPnl,
		NetFunding:       p.NetFunding,
		SumOpen:          p.SumOpen,
		SumClose:         p.SumClose,
		CreatedAtHeight:  parseHeight(p.CreatedAtHeight),
	}
}

type wireAsset struct {
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	SubaccountNumber *int            `json:"subaccountNumber"`
}

// signedQuote returns the USDC balance, negative when borrowed.
func (a wireAsset) signedQuote() (decimal.Decimal, bool) {
	if a.Symbol != "USDC" {
		return decimal.Zero, false
	}
	if a.Side == "SHORT" {
		return a.Size.Abs().Neg(), true
	}
	return a.Size, true
}

type wireOrder struct {
	ID               string           `json:"id"`
	ClientID         string           `json:"clientId"`
	Ticker           string           `json:"ticker"`
	SubaccountNumber *int             `json:"subaccountNumber"`
	Side             string           `json:"side"`
	Type             string           `json:"type"`
	Status           *string          `json:"status"`
	TimeInForce      string           `json:"timeInForce"`
	Price            *decimal.Decimal `json:"price"`
	TriggerPrice     *decimal.Decimal `json:"triggerPrice"`
	Size             *decimal.Decimal `json:"size"`
	TotalFilled      *decimal.Decimal `json:"totalFilled"`
	PostOnly         *bool            `json:"postOnly"`
	ReduceOnly       *bool            `json:"reduceOnly"`
	GoodTilBlock     string           `json:"goodTilBlock"`
	GoodTilBlockTime string           `json:"goodTilBlockTime"`
	CreatedAtHeight  string           `json:"createdAtHeight"`
	UpdatedAt        string           `json:"updatedAt"`
	UpdatedAtHeight  string           `json:"updatedAtHeight"`
	RemovalReason    *string          `json:"removalReason"`
}

func (o wireOrder) toPatch() domain.OrderPatch {
	p := domain.OrderPatch{
		ID:               o.ID,
		ClientID:         o.ClientID,
		SubaccountNumber: o.SubaccountNumber,
		MarketID:         o.Ticker,
		Side:             domain.OrderSide(o.Side),
		Type:             domain.OrderType(o.Type),
		TimeInForce:      domain.TimeInForce(o.TimeInForce),
		PostOnly:         o.PostOnly,
		ReduceOnly:       o.ReduceOnly,
		Price:            o.Price,
		TriggerPrice:     o.TriggerPrice,
		Size:             o.Size,
		TotalFilled:      o.TotalFilled,
		RemovalReason:    o.RemovalReason,
	}
	if o.Status != nil {
		st := domain.OrderStatus(*o.Status)
		p.Status = &st
	}
	if o.Size != nil && o.TotalFilled != nil {
		rem := o.Size.Sub(*o.TotalFilled)
		p.RemainingSize = &rem
	}
	if h := parseHeight(o.GoodTilBlock); h > 0 {
		p.GoodTilBlock = &h
	}
	if ms, ok := parseTime(o.GoodTilBlockTime); ok {
		p.GoodTilBlockTime = &ms
		p.ExpiresAtMs = &ms
	}
	if h := parseHeight(o.CreatedAtHeight); h > 0 {
		p.CreatedAtHeight = &h
	}
	if ms, ok := parseTime(o.UpdatedAt); ok {
		p.UpdatedAtMs = &ms
	}
	if h := parseHeight(o.UpdatedAtHeight); h > 0 {
		p.UpdatedAtHeight = &h
	}
	return p
}

type wireFill struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"orderId"`
	ClientID         string          `json:"clientId"`
	SubaccountNumber *int            `json:"subaccountNumber"`
	Market           string          `json:"market"`
	Side             string          `json:"side"`
	Liquidity        string          `json:"liquidity"`
	Type             string          `json:"type"`
	Price            decimal.Decimal `json:"price"`
	Size             decimal.Decimal `json:"size"`
	Fee              decimal.Decimal `json:"fee"`
	CreatedAt        string          `json:"createdAt"`
	CreatedAtHeight  string          `json:"createdAtHeight"`
}

func (f wireFill) toDomain(subaccount int) domain.Fill {
	if f.SubaccountNumber != nil {
		subaccount = *f.SubaccountNumber
	}
	created, _ := parseTime(f.CreatedAt)
	return domain.Fill{
		ID:               f.ID,
		OrderID:          f.OrderID,
		ClientID:         f.ClientID,
		SubaccountNumber: subaccount,
		MarketID:         f.Market,
		Side:             domain.OrderSide(f.Side),
		Liquidity:        domain.Liquidity(f.Liquidity),
		Type:             f.Type,
		Price:            f.Price,
		Size:             f.Size,
		Fee:              f.Fee,
		CreatedAt:        created,
		CreatedAtHeight:  parseHeight(f.CreatedAtHeight),
	}
}

type wireFundingPayment struct {
	ID                string          `json:"id"`
	SubaccountNumber  *int            `json:"subaccountNumber"`
	Market            string          `json:"market"`
	Payment           decimal.Decimal `json:"payment"`
	Rate              decimal.Decimal `json:"rate"`
	PositionSize      decimal.Decimal `json:"positionSize"`
	Price             decimal.Decimal `json:"price"`
	EffectiveAt       string          `json:"effectiveAt"`
	EffectiveAtHeight string          `json:"effectiveAtHeight"`
}

func (p wireFundingPayment) toDomain(subaccount int) domain.FundingPayment {
	if p.SubaccountNumber != nil {
		subaccount = *p.SubaccountNumber
	}
	at, _ := parseTime(p.EffectiveAt)
	id := p.ID
	if id == "" {
		id = fmt.Sprintf("%d-%s-%s", subaccount, p.Market, p.EffectiveAtHeight)
	}
	return domain.FundingPayment{
		ID:               id,
		SubaccountNumber: subaccount,
		MarketID:         p.Market,
		Payment:          p.Payment,
		Rate:             p.Rate,
		PositionSize:     p.PositionSize,
		Price:            p.Price,
		EffectiveAt:      at,
		Height:           parseHeight(p.EffectiveAtHeight),
	}
}

type wireChildSubaccount struct {
	SubaccountNumber       int                     `json:"subaccountNumber"`
	OpenPerpetualPositions map[string]wirePosition `json:"openPerpetualPositions"`
	AssetPositions         map[string]wireAsset    `json:"assetPositions"`
}

type subaccountSnapshot struct {
	Subaccount struct {
		Address                string                `json:"address"`
		ParentSubaccountNumber int                   `json:"parentSubaccountNumber"`
		ChildSubaccounts       []wireChildSubaccount `json:"childSubaccounts"`
	} `json:"subaccount"`
	Orders []wireOrder `json:"orders"`
}

type subaccountUpdate struct {
	PerpetualPositions []wirePosition       `json:"perpetualPositions"`
	AssetPositions     []wireAsset          `json:"assetPositions"`
	Orders             []wireOrder          `json:"orders"`
	Fills              []wireFill           `json:"fills"`
	FundingPayments    []wireFundingPayment `json:"fundingPayments"`
}

// ======================================================================================
// Decoding
// ======================================================================================

// decode turns a subscribed or channel_data frame of key into an engine event.
// It returns nil for frames that carry nothing to merge.
func decode(key domain.ResourceKey, conn uuid.UUID, f *frame, seq uint64, now time.Time) (event.Event, error) {
	snapshot := f.Type == frameSubscribed
	base := event.BaseEvent{Key: key, Conn: conn, Seq: seq, Ts: now.UnixMilli()}

	switch f.Channel {
	case channelMarkets:
		return decodeMarkets(base, f.Contents, snapshot)
	case channelOrderbook:
		return decodeOrderbook(base, f.ID, f.Contents, snapshot)
	case channelTrades:
		return decodeTrades(base, f.ID, f.Contents)
	case channelSubaccounts:
		return decodeSubaccount(base, f.ID, f.Contents, snapshot)
	default:
		return nil, fmt.Errorf("unknown channel %q", f.Channel)
	}
}

func decodeMarkets(base event.BaseEvent, raw json.RawMessage, snapshot bool) (event.Event, error) {
	if snapshot {
		var snap marketsSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode markets snapshot: %w", err)
		}
		ev := &event.MarketsEvent{BaseEvent: base, Mode: event.ModeSnapshot, Markets: make(map[string]domain.MarketInfo, len(snap.Markets))}
		for id, m := range snap.Markets {
			if m.Ticker != "" {
				id = m.Ticker
			}
			ev.Markets[id] = domain.MarketInfo{}.Apply(m.patch(id))
		}
		return ev, nil
	}

	var upd marketsUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return nil, fmt.Errorf("decode markets update: %w", err)
	}
	ev := &event.MarketsEvent{BaseEvent: base, Mode: event.ModeUpdate}
	for id, m := range upd.Trading {
		ev.Patches = append(ev.Patches, m.patch(id))
	}
	for id, o := range upd.OraclePrices {
		price := o.OraclePrice
		ev.Patches = append(ev.Patches, domain.MarketPatch{ID: id, OraclePrice: &price})
	}
	if len(ev.Patches) == 0 {
		return nil, nil
	}
	return ev, nil
}

func decodeOrderbook(base event.BaseEvent, marketID string, raw json.RawMessage, snapshot bool) (event.Event, error) {
	var book wireBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, fmt.Errorf("decode orderbook %s: %w", marketID, err)
	}
	ev := event.AcquireOrderbookEvent()
	ev.BaseEvent = base
	ev.MarketID = marketID
	ev.Mode = event.ModeUpdate
	if snapshot {
		ev.Mode = event.ModeSnapshot
	}
	ev.Asks = levels(book.Asks)
	ev.Bids = levels(book.Bids)
	return ev, nil
}

func decodeTrades(base event.BaseEvent, marketID string, raw json.RawMessage) (event.Event, error) {
	var wt wireTrades
	if err := json.Unmarshal(raw, &wt); err != nil {
		return nil, fmt.Errorf("decode trades %s: %w", marketID, err)
	}
	if len(wt.Trades) == 0 {
		return nil, nil
	}
	ev := &event.TradesEvent{BaseEvent: base, MarketID: marketID, Trades: make([]domain.Trade, 0, len(wt.Trades))}
	for _, t := range wt.Trades {
		created, _ := parseTime(t.CreatedAt)
		ev.Trades = append(ev.Trades, domain.Trade{
			ID:        t.ID,
			MarketID:  marketID,
			Side:      domain.OrderSide(t.Side),
			Price:     t.Price,
			Size:      t.Size,
			Type:      t.Type,
			CreatedAt: created,
		})
	}
	return ev, nil
}

func decodeSubaccount(base event.BaseEvent, id string, raw json.RawMessage, snapshot bool) (event.Event, error) {
	address, parent, err := base.Key.Subaccount()
	if err != nil {
		return nil, fmt.Errorf("decode subaccount %s: %w", id, err)
	}

	ev := &event.SubaccountEvent{
		BaseEvent:        base,
		Address:          address,
		SubaccountNumber: parent,
		QuoteBalances:    map[int]decimal.Decimal{},
	}

	if snapshot {
		var snap subaccountSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode subaccount snapshot %s: %w", id, err)
		}
		ev.Mode = event.ModeSnapshot
		if snap.Subaccount.Address != "" {
			ev.Address = snap.Subaccount.Address
		}
		for _, child := range snap.Subaccount.ChildSubaccounts {
			ev.QuoteBalances[child.SubaccountNumber] = decimal.Zero
			for _, a := range child.AssetPositions {
				if q, ok := a.signedQuote(); ok {
					ev.QuoteBalances[child.SubaccountNumber] = q
				}
			}
			for market, p := range child.OpenPerpetualPositions {
				if p.Market == "" {
					p.Market = market
				}
				ev.Positions = append(ev.Positions, p.toDomain(child.SubaccountNumber))
			}
		}
		for _, o := range snap.Orders {
			ev.Orders = append(ev.Orders, o.toPatch())
		}
		return ev, nil
	}

	var upd subaccountUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return nil, fmt.Errorf("decode subaccount update %s: %w", id, err)
	}
	ev.Mode = event.ModeUpdate
	for _, a := range upd.AssetPositions {
		n := parent
		if a.SubaccountNumber != nil {
			n = *a.SubaccountNumber
		}
		if q, ok := a.signedQuote(); ok {
			ev.QuoteBalances[n] = q
		}
	}
	for _, p := range upd.PerpetualPositions {
		ev.Positions = append(ev.Positions, p.toDomain(parent))
	}
	for _, o := range upd.Orders {
		ev.Orders = append(ev.Orders, o.toPatch())
	}
	for _, f := range upd.Fills {
		ev.Fills = append(ev.Fills, f.toDomain(parent))
	}
	for _, p := range upd.FundingPayments {
		ev.FundingPayments = append(ev.FundingPayments, p.toDomain(parent))
	}
	// the engine expects newest first
	sort.SliceStable(ev.Fills, func(i, j int) bool { return ev.Fills[i].CreatedAt > ev.Fills[j].CreatedAt })
	sort.SliceStable(ev.FundingPayments, func(i, j int) bool {
		return ev.FundingPayments[i].EffectiveAt > ev.FundingPayments[j].EffectiveAt
	})
	return ev, nil
}

func parseHeight(s string) uint64 {
	if s == "" {
		return 0
	}
	h, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return h
}

// parseTime parses an RFC 3339 timestamp into unix ms.
func parseTime(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}
