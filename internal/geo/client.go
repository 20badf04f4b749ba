package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const lookupFields = "status,message,country,countryCode,region,regionName,city,lat,lon,timezone,isp,query"

var ErrRateLimited = errors.New("geo lookup budget exhausted")

// Fetcher resolves a public IP address to a location.
type Fetcher interface {
	Fetch(ctx context.Context, ip string) (*Location, error)
}

// Client talks to the ip-api.com JSON endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Query       string  `json:"query"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
}

// NewClient builds a client with an explicit request timeout and a local
// budget of ratePerMinute lookups, shared by all goroutines.
func NewClient(baseURL string, timeout time.Duration, ratePerMinute int) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse geo base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid geo base url scheme")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 45
	}

	return &Client{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMinute)), ratePerMinute),
	}, nil
}

func (c *Client) Fetch(ctx context.Context, ip string) (*Location, error) {
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	endpoint := fmt.Sprintf("%s/json/%s?fields=%s", c.baseURL, url.PathEscape(ip), lookupFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build geo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("geo lookup failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read geo response: %w", err)
	}

	var parsed ipAPIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode geo response: %w", err)
	}
	if parsed.Status != "success" {
		if parsed.Message != "" {
			return nil, fmt.Errorf("geo lookup failed: %s", parsed.Message)
		}
		return nil, fmt.Errorf("geo lookup failed with status %q", parsed.Status)
	}

	return &Location{
		IP:          ip,
		City:        parsed.City,
		Region:      parsed.Region,
		RegionName:  parsed.RegionName,
		Country:     parsed.Country,
		CountryCode: parsed.CountryCode,
		Lat:         parsed.Lat,
		Lng:         parsed.Lon,
		Timezone:    parsed.Timezone,
		ISP:         parsed.ISP,
	}, nil
}

var _ Fetcher = (*Client)(nil)
