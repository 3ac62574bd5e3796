package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the public catalog service the lookups resolve against.
const DefaultBaseURL = "https://brasilapi.com.br/api"

// ErrNotFound is returned when a postal code or bank does not exist.
var ErrNotFound = errors.New("not found")

// Address is the result of a postal-code (CEP) lookup.
type Address struct {
	CEP          string `json:"cep"`
	State        string `json:"state"`
	City         string `json:"city"`
	Neighborhood string `json:"neighborhood"`
	Street       string `json:"street"`
}

// Bank is one entry of the national bank catalog.
type Bank struct {
	ISPB     string  `json:"ispb"`
	Name     string  `json:"name"`
	Code     float64 `json:"code"`
	FullName string  `json:"fullName"`
}

// Client resolves postal codes and the bank catalog from a public service.
// Responses are cached in memory so repeated lookups within a process don't
// hit the network again. These lookups are unauthenticated and independent
// from the session core.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a lookup client. An empty baseURL uses the public default.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
		},
	}
}

// CEP resolves a Brazilian postal code to an address.
func (c *Client) CEP(ctx context.Context, code string) (*Address, error) {
	code = strings.ReplaceAll(strings.TrimSpace(code), "-", "")

	var addr Address
	if err := c.getJSON(ctx, "/cep/v1/"+code, &addr); err != nil {
		return nil, fmt.Errorf("cep lookup failed: %w", err)
	}

	return &addr, nil
}

// Banks returns the full bank catalog.
func (c *Client) Banks(ctx context.Context) ([]Bank, error) {
	var banks []Bank
	if err := c.getJSON(ctx, "/banks/v1", &banks); err != nil {
		return nil, fmt.Errorf("bank catalog lookup failed: %w", err)
	}

	return banks, nil
}

// Bank resolves a single bank by its clearing code.
func (c *Client) Bank(ctx context.Context, code string) (*Bank, error) {
	var bank Bank
	if err := c.getJSON(ctx, "/banks/v1/"+strings.TrimSpace(code), &bank); err != nil {
		return nil, fmt.Errorf("bank lookup failed: %w", err)
	}

	return &bank, nil
}

// getJSON fetches and decodes a catalog endpoint, retrying transient
// failures (network errors and 5xx) with exponential backoff.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	url := c.baseURL + path

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(ErrNotFound)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("catalog service returned %s", resp.Status)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, backoff.Permanent(fmt.Errorf("catalog service returned %s", resp.Status))
		}

		return io.ReadAll(resp.Body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return err
	}

	log.Debug().Str("url", url).Int("bytes", len(body)).Msg("catalog lookup")

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}

	return nil
}
