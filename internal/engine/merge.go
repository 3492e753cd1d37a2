package engine

import (
	"log/slog"
	"strconv"

	"perp_go/internal/domain"
	"perp_go/internal/event"
	"perp_go/internal/loadable"
	"perp_go/internal/store"
)

// Merge strategies per field:
//
//	markets            snapshot replaces the map, update patches single markets
//	orderbooks         snapshot replaces, delta sets or removes single levels
//	trades             prefix and truncate to MaxTrades, no dedup
//	historical funding replace the list of one market
//	positions          last write wins per unique id
//	orders             snapshot replaces the subaccount scope, update patches per id
//	fills, payments    prefix newest first, dedup by id, bounded
//	quote balance      last write wins per subaccount
//
// Any entity carrying a non-zero sequence is rejected when the sequence is not
// newer than the stored one. Snapshots are authoritative and reset it.

// admit applies the stale rule and records seq for entity on success.
func (s *Sequencer) admit(w *store.Writer, entity string, seq uint64, snapshot bool) bool {
	if seq == 0 {
		return true
	}
	if !snapshot {
		if stored, ok := w.Seq(entity); ok && seq <= stored {
			s.metrics.RecordStale()
			slog.Debug("Rejected stale update",
				slog.Any("error", &domain.StaleDataError{Entity: entity, Incoming: seq, Stored: stored}))
			return false
		}
	}
	w.SetSeq(entity, seq)
	return true
}

// inconsistent reports a structural violation. The caller drops the entity.
func (s *Sequencer) inconsistent(err error) {
	s.metrics.RecordInconsistent()
	slog.Error("INCONSISTENT_STATE", slog.Any("error", err))
}

func (s *Sequencer) applyMarkets(w *store.Writer, e *event.MarketsEvent) {
	if e.Mode == event.ModeSnapshot {
		w.ResetSeqs("market:")
		markets := make(map[string]domain.MarketInfo, len(e.Markets))
		for id, m := range e.Markets {
			if m.ID == "" {
				m.ID = id
			}
			markets[m.ID] = m.Finalize()
			if e.Seq != 0 {
				w.SetSeq("market:"+m.ID, e.Seq)
			}
		}
		w.ReplaceMarkets(markets)
		return
	}

	for _, p := range e.Patches {
		if p.ID == "" {
			s.inconsistent(&domain.InconsistentStateError{Entity: "market:?", Reason: "patch without id"})
			continue
		}
		if !s.admit(w, "market:"+p.ID, e.Seq, false) {
			continue
		}
		cur, _ := w.Market(p.ID)
		w.PutMarket(cur.Apply(p))
	}
}

func (s *Sequencer) applyOrderbook(w *store.Writer, e *event.OrderbookEvent) {
	snapshot := e.Mode == event.ModeSnapshot
	if !s.admit(w, "orderbook:"+e.MarketID, e.Seq, snapshot) {
		return
	}

	b := w.Book(e.MarketID)
	if snapshot {
		b.Reset()
	}
	for _, lvl := range e.Asks {
		if err := domain.VerifyLevel(e.MarketID, lvl); err != nil {
			s.inconsistent(err)
			continue
		}
		b.Set(store.Asks, lvl)
	}
	for _, lvl := range e.Bids {
		if err := domain.VerifyLevel(e.MarketID, lvl); err != nil {
			s.inconsistent(err)
			continue
		}
		b.Set(store.Bids, lvl)
	}
	b.Rebuild()
	w.TouchOrderbooks()
}

func (s *Sequencer) applyTrades(w *store.Writer, e *event.TradesEvent) {
	if len(e.Trades) == 0 {
		return
	}
	if !s.admit(w, "trades:"+e.MarketID, e.Seq, false) {
		return
	}
	w.SetTrades(e.MarketID, prependBounded(e.Trades, w.Trades(e.MarketID), s.cfg.MaxTrades))
}

func (s *Sequencer) applyFundings(w *store.Writer, e *event.HistoricalFundingsEvent) {
	if !s.admit(w, "fundings:"+e.MarketID, e.Seq, false) {
		return
	}
	w.SetFundings(e.MarketID, append([]domain.HistoricalFunding(nil), e.Fundings...))
}

func (s *Sequencer) applySubaccount(w *store.Writer, e *event.SubaccountEvent) {
	snapshot := e.Mode == event.ModeSnapshot
	parent := e.SubaccountNumber
	inScope := func(n int) bool { return domain.ParentSubaccount(n) == parent }

	if snapshot {
		w.DeleteBalancesWhere(inScope)
		for _, id := range w.PositionIDsWhere(func(p domain.PerpetualPosition) bool { return inScope(p.SubaccountNumber) }) {
			w.DeletePosition(id)
			w.DeleteSeq("position:" + id)
		}
		for _, id := range w.OrderIDsWhere(func(o domain.SubaccountOrder) bool { return inScope(o.SubaccountNumber) }) {
			w.DeleteOrder(id)
			w.DeleteSeq("order:" + id)
		}
	}

	for n, quote := range e.QuoteBalances {
		if s.admit(w, balanceEntity(n), e.Seq, snapshot) {
			w.SetBalance(n, quote)
		}
	}

	// Orders go first so the zero-size position rule sees their latest status.
	type scope struct {
		subaccount int
		market     string
	}
	touched := make(map[scope]struct{})
	for _, p := range e.Orders {
		if o, ok := s.applyOrder(w, p, e.Seq, snapshot); ok {
			touched[scope{o.SubaccountNumber, o.MarketID}] = struct{}{}
		}
	}
	for _, p := range e.Positions {
		s.applyPosition(w, p, e.Seq, snapshot)
	}

	// A terminal order may release a zero-size position kept for it.
	for sc := range touched {
		id := domain.PositionID(sc.subaccount, sc.market)
		if pos, ok := w.Position(id); ok && pos.Size.IsZero() && !w.HasOpenOrders(sc.subaccount, sc.market) {
			w.DeletePosition(id)
		}
	}

	if len(e.Fills) > 0 {
		s.mergeFills(w, e.Fills)
	}
	if len(e.FundingPayments) > 0 {
		s.mergeFundingPayments(w, e.FundingPayments)
	}
}

func (s *Sequencer) applyOrder(w *store.Writer, p domain.OrderPatch, seq uint64, snapshot bool) (domain.SubaccountOrder, bool) {
	if p.ID == "" {
		s.inconsistent(&domain.InconsistentStateError{Entity: "order:?", Reason: "update without id"})
		return domain.SubaccountOrder{}, false
	}
	if !s.admit(w, "order:"+p.ID, seq, snapshot) {
		return domain.SubaccountOrder{}, false
	}

	prev, existed := w.Order(p.ID)
	next := prev.Apply(p)
	if err := domain.VerifyOrder(next); err != nil {
		s.inconsistent(err)
		w.DeleteOrder(p.ID)
		return domain.SubaccountOrder{}, false
	}

	if existed && !domain.CanTransition(prev.Status, next.Status) {
		s.metrics.RecordUnexpectedTransition()
		slog.Warn("Unexpected order transition",
			slog.String("order_id", next.ID),
			slog.String("from", string(prev.Status)),
			slog.String("to", string(next.Status)))
	}

	w.PutOrder(next)
	return next, true
}

func (s *Sequencer) applyPosition(w *store.Writer, p domain.PerpetualPosition, seq uint64, snapshot bool) {
	id := p.UniqueID()
	if err := domain.VerifyPosition(p); err != nil {
		s.inconsistent(err)
		w.DeletePosition(id)
		return
	}
	if !s.admit(w, "position:"+id, seq, snapshot) {
		return
	}
	if p.Size.IsZero() && !w.HasOpenOrders(p.SubaccountNumber, p.MarketID) {
		w.DeletePosition(id)
		return
	}
	w.PutPosition(p)
}

func (s *Sequencer) mergeFills(w *store.Writer, incoming []domain.Fill) {
	existing := w.Fills()
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, f := range existing {
		seen[f.ID] = struct{}{}
	}

	fresh := make([]domain.Fill, 0, len(incoming))
	for _, f := range incoming {
		if err := domain.VerifyFill(f); err != nil {
			s.inconsistent(err)
			continue
		}
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}
		fresh = append(fresh, f)
	}
	if len(fresh) == 0 {
		return
	}
	w.SetFills(prependBounded(fresh, existing, s.cfg.MaxFills))
}

func (s *Sequencer) mergeFundingPayments(w *store.Writer, incoming []domain.FundingPayment) {
	existing := w.FundingPayments()
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, p := range existing {
		seen[p.ID] = struct{}{}
	}

	fresh := make([]domain.FundingPayment, 0, len(incoming))
	for _, p := range incoming {
		if _, dup := seen[p.ID]; dup || p.ID == "" {
			continue
		}
		seen[p.ID] = struct{}{}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 {
		return
	}
	w.SetFundingPayments(prependBounded(fresh, existing, s.cfg.MaxFundingPayments))
}

func (s *Sequencer) applyHeight(w *store.Writer, e *event.HeightEvent) {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	if e.Err != nil {
		s.tracker.Fail(e.Source, e.Err)
		w.SetResourceStatus(domain.HeightsKey(e.Source), loadable.StatusError, e.Err)
	} else {
		s.tracker.Observe(e.Source, e.Height, at)
		w.SetResourceStatus(domain.HeightsKey(e.Source), loadable.StatusSuccess, nil)
	}
	w.SetApiState(s.tracker.State(s.now()))
}

func (s *Sequencer) applyClear(w *store.Writer, e *event.ClearOrdersEvent) {
	for _, id := range e.OrderIDs {
		if !w.ClearOrder(id) {
			slog.Debug("Clear requested for unknown order", slog.String("order_id", id))
		}
	}
	if e.AllTerminal {
		for _, id := range w.OrderIDsWhere(func(o domain.SubaccountOrder) bool { return o.Status.IsClearable() }) {
			w.ClearOrder(id)
		}
	}
}

func balanceEntity(n int) string {
	return "balance:" + strconv.Itoa(n)
}

// prependBounded returns fresh followed by existing, truncated to limit.
// The result never aliases either input.
func prependBounded[T any](fresh, existing []T, limit int) []T {
	if len(fresh) >= limit {
		return append([]T(nil), fresh[:limit]...)
	}
	n := min(len(fresh)+len(existing), limit)
	out := make([]T, 0, n)
	out = append(out, fresh...)
	return append(out, existing[:n-len(fresh)]...)
}
