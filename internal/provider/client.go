package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"escrowd/internal/config"
	"escrowd/internal/models"

	"github.com/sirupsen/logrus"
)

// BankAccount is the beneficiary side of a fund account registration.
type BankAccount struct {
	HolderName    string
	AccountNumber string
	RoutingCode   string
}

// PayoutRequest asks the provider to move amount (in minor currency units,
// paise for INR) to a registered fund account.
type PayoutRequest struct {
	FundAccountID string
	AmountMinor   int64
	Currency      string
	ReferenceID   string
	Narration     string
}

// PayoutResponse is the provider's view of a payout.
type PayoutResponse struct {
	ID     string
	Status string
	UTR    string
	Reason string
}

// Client is the payments provider surface the payout pipeline depends on.
// The production implementation talks to a Razorpay-style REST API; tests
// substitute a fake.
type Client interface {
	CreateContact(ctx context.Context, name, referenceID string) (string, error)
	CreateFundAccount(ctx context.Context, contactID string, account BankAccount) (string, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error)
	FetchPayout(ctx context.Context, providerPayoutID string) (*PayoutResponse, error)
}

// HTTPClient implements Client over the provider's REST API with basic auth.
type HTTPClient struct {
	baseURL string
	key     string
	secret  string
	account string
	http    *http.Client
	logger  *logrus.Logger
}

func NewHTTPClient(cfg config.ProviderConfig, logger *logrus.Logger) *HTTPClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		key:     cfg.Key,
		secret:  cfg.Secret,
		account: cfg.Account,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CreateContact registers a beneficiary and returns the provider contact id.
func (c *HTTPClient) CreateContact(ctx context.Context, name, referenceID string) (string, error) {
	body := map[string]interface{}{
		"name":         name,
		"type":         "vendor",
		"reference_id": referenceID,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/contacts", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateFundAccount attaches a bank account to a contact and returns the
// provider fund account id.
func (c *HTTPClient) CreateFundAccount(ctx context.Context, contactID string, account BankAccount) (string, error) {
	body := map[string]interface{}{
		"contact_id":   contactID,
		"account_type": "bank_account",
		"bank_account": map[string]string{
			"name":           account.HolderName,
			"ifsc":           account.RoutingCode,
			"account_number": account.AccountNumber,
		},
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/fund_accounts", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreatePayout initiates a transfer from the business banking account.
func (c *HTTPClient) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error) {
	body := map[string]interface{}{
		"account_number":       c.account,
		"fund_account_id":      req.FundAccountID,
		"amount":               req.AmountMinor,
		"currency":             req.Currency,
		"mode":                 "IMPS",
		"purpose":              "payout",
		"reference_id":         req.ReferenceID,
		"narration":            req.Narration,
		"queue_if_low_balance": true,
	}
	var resp payoutBody
	if err := c.do(ctx, http.MethodPost, "/payouts", body, &resp); err != nil {
		return nil, err
	}
	return resp.toResponse(), nil
}

// FetchPayout reads the current provider-side state of a payout.
func (c *HTTPClient) FetchPayout(ctx context.Context, providerPayoutID string) (*PayoutResponse, error) {
	var resp payoutBody
	if err := c.do(ctx, http.MethodGet, "/payouts/"+providerPayoutID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toResponse(), nil
}

type payoutBody struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	UTR           string `json:"utr"`
	FailureReason string `json:"failure_reason"`
}

func (b payoutBody) toResponse() *PayoutResponse {
	return &PayoutResponse{ID: b.ID, Status: b.Status, UTR: b.UTR, Reason: b.FailureReason}
}

// do issues one authenticated request. Network failures and 5xx map to
// PROVIDER_UNAVAILABLE, 4xx to PROVIDER_REJECTED with the provider's message.
func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return models.WrapErr(models.CodeInternal, err, "encode provider request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return models.WrapErr(models.CodeInternal, err, "build provider request")
	}
	req.SetBasicAuth(c.key, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.WrapErr(models.CodeProviderUnavailable, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.WrapErr(models.CodeProviderUnavailable, err, "read provider response")
	}

	switch {
	case resp.StatusCode >= 500:
		c.logger.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode}).Warn("provider server error")
		return models.E(models.CodeProviderUnavailable, "provider returned %d on %s", resp.StatusCode, path)
	case resp.StatusCode >= 400:
		return models.E(models.CodeProviderRejected, "provider rejected %s: %s", path, providerErrorMessage(payload))
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return models.WrapErr(models.CodeProviderUnavailable, err, "decode provider response")
		}
	}
	return nil
}

func providerErrorMessage(payload []byte) string {
	var body struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Error.Description == "" {
		return fmt.Sprintf("%.200s", string(payload))
	}
	return fmt.Sprintf("%s: %s", body.Error.Code, body.Error.Description)
}
