package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"perp_go/internal/domain"
	"perp_go/internal/infra"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RestClient issues rate-limited GET requests against one base url.
type RestClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewRestClient creates a client allowing rps requests per second.
func NewRestClient(baseURL string, rps float64, burst int) *RestClient {
	if rps <= 0 {
		rps = DefaultRPS
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RestClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultHandshakeTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *RestClient) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// HistoricalFundings returns the funding rate history of marketID, newest first.
func (c *RestClient) HistoricalFundings(ctx context.Context, marketID string) ([]domain.HistoricalFunding, error) {
	var resp struct {
		HistoricalFunding []struct {
			Ticker            string          `json:"ticker"`
			Rate              decimal.Decimal `json:"rate"`
			Price             decimal.Decimal `json:"price"`
			EffectiveAt       string          `json:"effectiveAt"`
			EffectiveAtHeight string          `json:"effectiveAtHeight"`
		} `json:"historicalFunding"`
	}
	if err := c.getJSON(ctx, "/v4/historicalFunding/"+url.PathEscape(marketID), &resp); err != nil {
		return nil, fmt.Errorf("historical funding %s: %w", marketID, err)
	}

	out := make([]domain.HistoricalFunding, 0, len(resp.HistoricalFunding))
	for _, f := range resp.HistoricalFunding {
		at, _ := parseTime(f.EffectiveAt)
		out = append(out, domain.HistoricalFunding{
			MarketID:    marketID,
			Rate:        f.Rate,
			Price:       f.Price,
			EffectiveAt: at,
			Height:      parseHeight(f.EffectiveAtHeight),
		})
	}
	return out, nil
}

// IndexerHeights reads the latest block the indexer has processed.
type IndexerHeights struct {
	c *RestClient
}

func NewIndexerHeights(c *RestClient) *IndexerHeights { return &IndexerHeights{c: c} }

func (h *IndexerHeights) Source() domain.HeightSource { return domain.SourceIndexer }

func (h *IndexerHeights) FetchHeight(ctx context.Context) (uint64, error) {
	var resp struct {
		Height string `json:"height"`
		Time   string `json:"time"`
	}
	if err := h.c.getJSON(ctx, "/v4/height", &resp); err != nil {
		return 0, err
	}
	return strconv.ParseUint(resp.Height, 10, 64)
}

// ValidatorHeights reads the latest committed block from a validator node.
type ValidatorHeights struct {
	c *RestClient
}

func NewValidatorHeights(c *RestClient) *ValidatorHeights { return &ValidatorHeights{c: c} }

func (h *ValidatorHeights) Source() domain.HeightSource { return domain.SourceValidator }

func (h *ValidatorHeights) FetchHeight(ctx context.Context) (uint64, error) {
	var resp struct {
		Block struct {
			Header struct {
				Height string `json:"height"`
			} `json:"header"`
		} `json:"block"`
	}
	if err := h.c.getJSON(ctx, "/cosmos/base/tendermint/v1beta1/blocks/latest", &resp); err != nil {
		return 0, err
	}
	return strconv.ParseUint(resp.Block.Header.Height, 10, 64)
}
