package domain

import "context"

// HeightFetcher returns the latest block height of one service.
type HeightFetcher interface {
	FetchHeight(ctx context.Context) (uint64, error)
	Source() HeightSource
}

// SeenMemoryRepository persists the seen memory per (wallet, network).
type SeenMemoryRepository interface {
	LoadSeen(wallet, network string) (SeenMemory, error)
	MarkSeen(wallet, network string, kind SeenKind, marketID string, atMs int64) error
}
