package domain

// ApiStatus is the connectivity state derived from validator and indexer heights.
type ApiStatus string

const (
	ApiStatusUnknown         ApiStatus = "UNKNOWN"
	ApiStatusNormal          ApiStatus = "NORMAL"
	ApiStatusValidatorDown   ApiStatus = "VALIDATOR_DOWN"
	ApiStatusValidatorHalted ApiStatus = "VALIDATOR_HALTED"
	ApiStatusIndexerDown     ApiStatus = "INDEXER_DOWN"
	ApiStatusIndexerHalted   ApiStatus = "INDEXER_HALTED"
	ApiStatusIndexerTrailing ApiStatus = "INDEXER_TRAILING"
)

// ApiState is the derived connectivity snapshot. Heights are nil until first observed.
type ApiState struct {
	Status          ApiStatus `json:"status"`
	ValidatorHeight *uint64   `json:"validator_height,omitempty"`
	IndexerHeight   *uint64   `json:"indexer_height,omitempty"`
	HaltedBlock     *uint64   `json:"halted_block,omitempty"`
	TrailingBlocks  *uint64   `json:"trailing_blocks,omitempty"`
}

// HeightSource identifies which service reported a height.
type HeightSource string

const (
	SourceIndexer   HeightSource = "indexer"
	SourceValidator HeightSource = "validator"
)
