// Package keysapi is the raw HTTP client for the external Keys API:
// GET /v1/modules/keys?used=... returning a paginated key listing plus
// the EL block the snapshot was taken at.
package keysapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lsd-guardian/guardian/internal/types"
)

// Key is one entry in the Keys API's `data` array. The daemon tolerates
// additional fields the API may add.
type Key struct {
	Key            string `json:"key"`
	Used           bool   `json:"used"`
	ModuleAddress  string `json:"moduleAddress"`
	ModuleID       uint32 `json:"moduleId"`
}

// ElBlockSnapshot is the EL block a key listing was computed against.
type ElBlockSnapshot struct {
	BlockNumber uint64 `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
	Timestamp   uint64 `json:"timestamp"`
}

type keysResponse struct {
	Data []Key `json:"data"`
	Meta struct {
		ElBlockSnapshot ElBlockSnapshot `json:"elBlockSnapshot"`
	} `json:"meta"`
}

// Client is a minimal JSON/HTTP client for the Keys API; it does no
// assembly or validation beyond decoding — that is internal/registry's
// job.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "http://keys-api:3001"),
// applying timeout to every request.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchPage requests one page of keys filtered by `used`, starting at
// `offset` for up to `limit` entries — the pagination shape named by
// REGISTRY_KEYS_QUERY_BATCH_SIZE in §6.
func (c *Client) FetchPage(ctx context.Context, used bool, offset, limit int) ([]Key, ElBlockSnapshot, error) {
	u, err := url.Parse(c.baseURL + "/v1/modules/keys")
	if err != nil {
		return nil, ElBlockSnapshot{}, types.ConfigInvalid("keysapi.FetchPage", err)
	}
	q := u.Query()
	q.Set("used", strconv.FormatBool(used))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, ElBlockSnapshot{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ElBlockSnapshot{}, types.Transient("keysapi.FetchPage", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ElBlockSnapshot{}, types.Transient("keysapi.FetchPage",
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u.String()))
	}

	var out keysResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, ElBlockSnapshot{}, types.Inconsistent("keysapi.FetchPage", fmt.Errorf("decoding response: %w", err))
	}
	return out.Data, out.Meta.ElBlockSnapshot, nil
}
