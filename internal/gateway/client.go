// Package gateway предоставляет клиент платёжного шлюза Paystack.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketpay/internal/model"
)

var (
	// ErrTimeout означает, что шлюз не ответил вовремя и исход операции неизвестен.
	ErrTimeout = errors.New("gateway timeout")
	// ErrUnavailable означает, что шлюз недоступен или отклонил запрос.
	ErrUnavailable = errors.New("gateway unavailable")
)

const (
	DefaultBaseURL = "https://api.paystack.co"
	currency       = "NGN"
)

// Client инкапсулирует HTTP-взаимодействие с Paystack.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient создаёт клиент Paystack. timeout ограничивает каждый запрос к шлюзу.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// InitCharge создаёт платёж на amount (в основных единицах) и возвращает ссылку на оплату.
func (c *Client) InitCharge(ctx context.Context, email string, amount decimal.Decimal, reference string, meta ChargeMetadata) (*ChargeInit, error) {
	minor, err := ToMinor(amount)
	if err != nil {
		return nil, err
	}

	req := initChargeRequest{
		Email:     email,
		Amount:    minor,
		Reference: reference,
		Currency:  currency,
		Metadata:  meta,
	}

	var resp Response[ChargeInit]
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", req, &resp); err != nil {
		return nil, fmt.Errorf("init charge: %w", err)
	}
	return &resp.Data, nil
}

// VerifyCharge запрашивает у шлюза состояние платежа.
func (c *Client) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	var resp Response[verifyChargeData]
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &resp); err != nil {
		return nil, fmt.Errorf("verify charge: %w", err)
	}
	return &ChargeStatus{
		Reference: resp.Data.Reference,
		Status:    resp.Data.Status,
		Amount:    FromMinor(resp.Data.Amount),
	}, nil
}

// CreatePayoutRecipient регистрирует банковский счёт получателя и возвращает его код.
func (c *Client) CreatePayoutRecipient(ctx context.Context, bank model.BankDetails) (string, error) {
	req := createRecipientRequest{
		Type:          "nuban",
		Name:          bank.AccountName,
		AccountNumber: bank.AccountNumber,
		BankCode:      bank.BankCode,
		Currency:      currency,
	}

	var resp Response[recipientData]
	if err := c.do(ctx, http.MethodPost, "/transferrecipient", req, &resp); err != nil {
		return "", fmt.Errorf("create transfer recipient: %w", err)
	}
	if resp.Data.RecipientCode == "" {
		return "", fmt.Errorf("create transfer recipient: empty recipient code: %w", ErrUnavailable)
	}
	return resp.Data.RecipientCode, nil
}

// InitiatePayout ставит выплату amount (в основных единицах) получателю. reference служит ключом идемпотентности.
func (c *Client) InitiatePayout(ctx context.Context, recipientCode string, amount decimal.Decimal, reference string) (*Payout, error) {
	minor, err := ToMinor(amount)
	if err != nil {
		return nil, err
	}

	req := transferRequest{
		Source:    "balance",
		Reason:    "Marketplace withdrawal " + reference,
		Amount:    minor,
		Recipient: recipientCode,
		Reference: reference,
	}

	var resp Response[transferData]
	if err := c.do(ctx, http.MethodPost, "/transfer", req, &resp); err != nil {
		return nil, fmt.Errorf("initiate transfer: %w", err)
	}

	ref := resp.Data.Reference
	if ref == "" {
		ref = reference
	}
	return &Payout{
		Reference:    ref,
		TransferCode: resp.Data.TransferCode,
		Status:       resp.Data.Status,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: read body: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var env Response[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, env.Message)
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, decodeErr)
	}
	if !env.Status {
		return fmt.Errorf("%w: %s", ErrUnavailable, env.Message)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
