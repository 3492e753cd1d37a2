package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceKey identifies one subscription: "markets", "orderbook/BTC-USD",
// "trades/BTC-USD", "subaccount/<address>/<n>" or "heights/<source>".
type ResourceKey string

const (
	ChannelMarkets    = "markets"
	ChannelOrderbook  = "orderbook"
	ChannelTrades     = "trades"
	ChannelSubaccount = "subaccount"
	ChannelHeights    = "heights"
)

func MarketsKey() ResourceKey { return ChannelMarkets }

func OrderbookKey(marketID string) ResourceKey {
	return ResourceKey(ChannelOrderbook + "/" + marketID)
}

func TradesKey(marketID string) ResourceKey {
	return ResourceKey(ChannelTrades + "/" + marketID)
}

func SubaccountKey(address string, number int) ResourceKey {
	return ResourceKey(fmt.Sprintf("%s/%s/%d", ChannelSubaccount, address, number))
}

func HeightsKey(src HeightSource) ResourceKey {
	return ResourceKey(ChannelHeights + "/" + string(src))
}

// Channel returns the channel part of the key.
func (k ResourceKey) Channel() string {
	s := string(k)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// ID returns everything after the channel, e.g. "BTC-USD" or "dydx1.../0".
func (k ResourceKey) ID() string {
	s := string(k)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Subaccount parses a subaccount key.
func (k ResourceKey) Subaccount() (address string, number int, err error) {
	if k.Channel() != ChannelSubaccount {
		return "", 0, fmt.Errorf("%w: %q is not a subaccount key", ErrInvalidResourceKey, k)
	}
	id := k.ID()
	i := strings.LastIndexByte(id, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidResourceKey, k)
	}
	number, err = strconv.Atoi(id[i+1:])
	if err != nil || number < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidResourceKey, k)
	}
	return id[:i], number, nil
}

func (k ResourceKey) String() string { return string(k) }
