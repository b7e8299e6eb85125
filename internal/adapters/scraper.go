package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/disputeworks/core/internal/crypto"
	"github.com/disputeworks/core/internal/domain"
)

// Scraper pulls a structured credit report from a monitoring provider using
// the client's sealed credentials. One credential pair per (client, provider);
// concurrent scrapes for the same pair coalesce at the task layer.
type Scraper interface {
	Scrape(ctx context.Context, tenantID, provider string, sealedCreds []byte) (*domain.CreditReport, error)
}

// HTTPScraper drives provider-side headless sessions through the scraping
// service's HTTP front. Credentials are unsealed here and only here.
type HTTPScraper struct {
	endpoint string
	client   *http.Client
	sealer   *crypto.Sealer
	runner   *Runner
}

// NewHTTPScraper builds the scraper adapter.
func NewHTTPScraper(endpoint string, sealer *crypto.Sealer, runner *Runner) *HTTPScraper {
	return &HTTPScraper{
		endpoint: endpoint,
		client:   &http.Client{},
		sealer:   sealer,
		runner:   runner,
	}
}

type scrapeRequest struct {
	Provider string `json:"provider"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *HTTPScraper) Scrape(ctx context.Context, tenantID, provider string, sealedCreds []byte) (*domain.CreditReport, error) {
	plaintext, err := s.sealer.Open(sealedCreds)
	if err != nil {
		return nil, Permanent("scraper.creds", err)
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, Permanent("scraper.creds", err)
	}

	var report *domain.CreditReport
	err = s.runner.Call(ctx, tenantID, "scraper", TimeoutScraper, func(ctx context.Context) error {
		body, err := json.Marshal(scrapeRequest{
			Provider: provider,
			Username: creds.Username,
			Password: creds.Password,
		})
		if err != nil {
			return Permanent("scraper.request", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/scrape", bytes.NewReader(body))
		if err != nil {
			return Permanent("scraper.request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return Transient("scraper.call", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return Permanent("scraper.call", fmt.Errorf("provider rejected credentials: %d", resp.StatusCode))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return Permanent("scraper.call", fmt.Errorf("status %d", resp.StatusCode))
		default:
			return Transient("scraper.call", fmt.Errorf("status %d", resp.StatusCode))
		}

		var r domain.CreditReport
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return Transient("scraper.decode", err)
		}
		r.Provider = provider
		report = &r
		return nil
	})
	return report, err
}
