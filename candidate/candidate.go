// Package candidate queries the Thousand Validators scoring API.
package candidate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stakestar/tvpbot/db"
)

// ErrNotCandidate means the stash is not enrolled in the programme.
var ErrNotCandidate = errors.New("not a candidate")

type Config struct {
	BaseURL string        `yaml:"baseUrl" env:"CANDIDATES_URL" env-description:"Scoring API base URL, defaults to the network profile"`
	Timeout time.Duration `yaml:"timeout" env:"CANDIDATES_TIMEOUT" env-default:"10s"`
}

type Item struct {
	Valid   bool   `json:"valid"`
	Type    string `json:"type"`
	Details string `json:"details"`
}

type Candidate struct {
	Name               string `json:"name"`
	Stash              string `json:"stash"`
	KusamaStash        string `json:"kusamaStash"`
	Rank               int64  `json:"rank"`
	DiscoveredAt       int64  `json:"discoveredAt"`
	NominatedAt        int64  `json:"nominatedAt"`
	OnlineSince        int64  `json:"onlineSince"`
	OfflineSince       int64  `json:"offlineSince"`
	OfflineAccumulated int64  `json:"offlineAccumulated"`
	Version            string `json:"version"`
	Faults             int64  `json:"faults"`
	Location           string `json:"location"`
	Valid              *bool  `json:"valid"`
	Invalidity         []Item `json:"invalidity"`
	Validity           []Item `json:"validity"`
}

// IsValid uses the API verdict when present, otherwise every item must pass.
func (c *Candidate) IsValid() bool {
	if c.Valid != nil {
		return *c.Valid
	}
	for _, item := range c.items() {
		if !item.Valid {
			return false
		}
	}
	return true
}

func (c *Candidate) items() []Item {
	if len(c.Validity) > 0 {
		return c.Validity
	}
	return c.Invalidity
}

// ValidityItems converts the verdict list into its stored form.
func (c *Candidate) ValidityItems() []db.ValidityItem {
	items := c.items()
	out := make([]db.ValidityItem, 0, len(items))
	for _, item := range items {
		out = append(out, db.ValidityItem{Type: item.Type, Valid: item.Valid, Details: item.Details})
	}
	return out
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Get fetches the candidate for stash. 204 and 404 map to ErrNotCandidate;
// any other non-200 status is a transient error.
func (c *Client) Get(ctx context.Context, stash string) (*Candidate, error) {
	endpoint := fmt.Sprintf("%s/candidate/%s", c.baseURL, url.PathEscape(stash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "candidate request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrNotCandidate
	default:
		return nil, fmt.Errorf("candidate api returned status %d", resp.StatusCode)
	}

	var data Candidate
	err = json.NewDecoder(resp.Body).Decode(&data)
	// some deployments answer unknown stashes with 200 and an empty body or object
	if errors.Is(err, io.EOF) {
		return nil, ErrNotCandidate
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode candidate")
	}
	if data.Stash == "" && data.Name == "" {
		return nil, ErrNotCandidate
	}
	return &data, nil
}
