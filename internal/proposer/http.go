package proposer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

const defaultThrottleDelay = time.Second

// HTTPProposer спрашивает удаленный сервис рассуждений. Ответ проходит ту же
// структурную проверку, что и любое намерение.
type HTTPProposer struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

func NewHTTPProposer(endpoint string, client *http.Client) *HTTPProposer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProposer{endpoint: endpoint, client: client, now: time.Now}
}

type remoteResponse struct {
	Amount    domain.Amount `json:"amount"`
	Recipient string        `json:"recipient,omitempty"`
	Purpose   string        `json:"purpose,omitempty"`
	Memo      string        `json:"memo,omitempty"`
	Rationale string        `json:"rationale,omitempty"`
}

func (p *HTTPProposer) ProposeIntent(ctx context.Context, ac AgentContext) (*Proposal, error) {
	if err := validateContext(ac); err != nil {
		return nil, err
	}
	body, err := json.Marshal(ac)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Cause: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proposer call failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("proposer returned %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("proposer returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &PermanentError{Cause: fmt.Errorf("proposer returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &PermanentError{Cause: fmt.Errorf("failed to decode proposer response: %w", err)}
	}

	recipient := out.Recipient
	if recipient == "" {
		recipient = ac.Counterparty
	}
	purpose := out.Purpose
	if purpose == "" {
		purpose = ac.Purpose
	}
	intent := domain.PaymentIntent{
		IntentID:  domain.NewID(domain.PrefixIntent),
		PermitID:  ac.PermitID,
		Sender:    ac.AgentID,
		Recipient: recipient,
		Asset:     ac.Asset,
		Amount:    out.Amount,
		Purpose:   purpose,
		Memo:      out.Memo,
		CreatedAt: domain.Timestamp(p.now()),
	}
	if err := intent.Validate(); err != nil {
		return nil, &PermanentError{Cause: err}
	}
	return &Proposal{Intent: intent, Rationale: out.Rationale, Source: "remote"}, nil
}

// parseRetryAfter понимает секунды и HTTP-дату.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultThrottleDelay
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return defaultThrottleDelay
}
