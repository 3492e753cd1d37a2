package domain

import (
	"time"
)

// SeenKind selects which badge a seen entry belongs to.
type SeenKind string

const (
	SeenOpenOrders SeenKind = "open_orders"
	SeenFills      SeenKind = "fills"
)

// SeenRecord is one persisted seen entry.
type SeenRecord struct {
	Wallet    string    `gorm:"primaryKey" json:"wallet"`
	Network   string    `gorm:"primaryKey" json:"network"`
	Kind      SeenKind  `gorm:"primaryKey" json:"kind"`
	MarketID  string    `gorm:"primaryKey" json:"market_id"` // "ALL" for the wallet-wide entry
	SeenAtMs  int64     `json:"seen_at_ms"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToSeenMemory folds persisted rows into a SeenMemory.
func ToSeenMemory(records []SeenRecord) SeenMemory {
	m := NewSeenMemory()
	for _, r := range records {
		switch r.Kind {
		case SeenOpenOrders:
			m.OpenOrders[r.MarketID] = r.SeenAtMs
		case SeenFills:
			m.Fills[r.MarketID] = r.SeenAtMs
		}
	}
	return m
}
