package crm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/model"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
)

const (
	fetchRetryInitialInterval = 200 * time.Millisecond
	fetchRetryMaxInterval     = 2 * time.Second
	fetchRetryMaxElapsedTime  = 8 * time.Second

	maxResponseBytes = 4 << 20
)

// LeadFetcher fetches the current canonical state of a lead from the CRM
// platform.
type LeadFetcher interface {
	GetLead(ctx context.Context, leadID string) (*model.Lead, error)
}

// Client is the HTTP client for the CRM platform API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Ensure Client implements LeadFetcher
var _ LeadFetcher = (*Client)(nil)

// NewClient creates a CRM API client.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("crm base URL is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
	}, nil
}

// GetLead fetches the canonical lead state by identifier. Not-found maps to
// apperrors.ErrNotFound; transient transport and 5xx failures are retried with
// exponential backoff before surfacing as apperrors.ErrCRM.
func (c *Client) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	url := fmt.Sprintf("%s/api/v1/leads/%s", c.baseURL, leadID)

	operation := func() (*model.Lead, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: build request: %w", apperrors.ErrCRM, err))
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network-level failure, worth retrying
			return nil, fmt.Errorf("%w: %w", apperrors.ErrCRM, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read response: %w", apperrors.ErrCRM, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			lead, err := model.ParseLead(body)
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("%w: decode lead %s: %w", apperrors.ErrCRM, leadID, err))
			}
			if lead.ID == "" {
				lead.ID = leadID
			}
			return lead, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("%w: lead %s", apperrors.ErrNotFound, leadID))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, backoff.Permanent(fmt.Errorf("%w: crm rejected credentials (status %d)", apperrors.ErrUnauthorized, resp.StatusCode))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: crm returned status %d", apperrors.ErrCRM, resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("%w: crm returned status %d", apperrors.ErrCRM, resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = fetchRetryInitialInterval
	b.MaxInterval = fetchRetryMaxInterval
	b.MaxElapsedTime = fetchRetryMaxElapsedTime
	b.Reset()

	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying CRM lead fetch",
			zap.String("lead_id", leadID),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	lead, err := backoff.RetryNotifyWithData(operation, backoff.WithContext(b, ctx), notify)
	if err != nil {
		// Unwrap backoff's permanent marker if it leaked through
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return lead, nil
}
