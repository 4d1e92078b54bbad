// Package cctp retrieves burn attestations from a Circle-CCTP-shaped
// attestation service. Lookups are keyed by burn transaction hash and source
// domain, so a pending cross-chain settlement can be resumed by hash after a
// process restart.
package cctp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/becomeliminal/crosspay"
)

// Attestation message statuses reported by the service.
const (
	StatusComplete = "complete"
	StatusPending  = "pending_confirmations"
)

const (
	// minPollInterval is the floor between polls; the service rate-limits,
	// so the poller must never busy-spin.
	minPollInterval = 2 * time.Second
	maxPollInterval = 15 * time.Second
)

// Client queries the attestation service's v2 message endpoint.
// It implements crosspay.AttestationSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ crosspay.AttestationSource = (*Client)(nil)

// NewClient creates a client for the attestation service at baseURL.
// logger may be nil.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// messagesResponse is the service's v2 response: one entry per message
// emitted by the transaction.
type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type messageResponse struct {
	Message           string `json:"message"`
	Attestation       string `json:"attestation"`
	Status            string `json:"status"`
	EventNonce        string `json:"eventNonce"`
	SourceDomain      string `json:"sourceDomain"`
	DestinationDomain string `json:"destinationDomain"`
}

// GetAttestation performs a single lookup for the burn in txHash. It returns
// ErrCodeAttestationNotFound when the service has no message for the hash and
// errPending while the attestation is not complete yet. Safe to call again at
// any time with the same hash.
func (c *Client) GetAttestation(ctx context.Context, sourceDomain uint32, txHash string) (*crosspay.Attestation, error) {
	url := fmt.Sprintf("%s/v2/messages/%d?transactionHash=%s", c.baseURL, sourceDomain, txHash)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create attestation request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call attestation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, crosspay.NewError(crosspay.ErrCodeAttestationNotFound,
			fmt.Sprintf("no attestation message for transaction %s on domain %d", txHash, sourceDomain), nil)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("attestation service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, fmt.Errorf("failed to decode attestation response: %w", err)
	}
	if len(msgResp.Messages) == 0 {
		return nil, crosspay.NewError(crosspay.ErrCodeAttestationNotFound,
			fmt.Sprintf("no attestation message for transaction %s on domain %d", txHash, sourceDomain), nil)
	}

	msg := msgResp.Messages[0]
	if msg.Status != StatusComplete {
		return nil, errPending
	}

	message, err := hexutil.Decode(msg.Message)
	if err != nil {
		return nil, fmt.Errorf("attestation message is not hex: %w", err)
	}
	proof, err := hexutil.Decode(msg.Attestation)
	if err != nil {
		return nil, fmt.Errorf("attestation proof is not hex: %w", err)
	}

	return &crosspay.Attestation{Message: message, Proof: proof}, nil
}

// WaitForAttestation polls GetAttestation until the attestation is complete
// or timeout elapses, backing off between attempts and never polling tighter
// than the service's rate limit. Timeout is reported distinctly from
// not-found; both leave the burn resumable later by the same hash.
func (c *Client) WaitForAttestation(ctx context.Context, sourceDomain uint32, txHash string, timeout time.Duration) (*crosspay.Attestation, error) {
	if timeout <= 0 {
		timeout = crosspay.DefaultAttestationTimeout
	}
	deadline := time.Now().Add(timeout)

	for attempt := 0; ; attempt++ {
		att, err := c.GetAttestation(ctx, sourceDomain, txHash)
		if err == nil {
			return att, nil
		}
		if !retryable(err) {
			return nil, err
		}

		c.logger.Debug("attestation not ready",
			zap.String("tx", txHash),
			zap.Uint32("domain", sourceDomain),
			zap.Int("attempt", attempt),
		)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, crosspay.NewError(crosspay.ErrCodeAttestationTimeout,
				fmt.Sprintf("attestation for burn %s not available within %s", txHash, timeout), nil)
		}

		delay := backoff.Exponential(minPollInterval, attempt)
		if delay > maxPollInterval {
			delay = maxPollInterval
		}
		delay += backoff.FullJitter(delay / 2)
		// Clamp to the deadline so the loop gets one last attempt instead of
		// giving up with time still on the clock.
		if delay > remaining {
			delay = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// errPending marks a message the service knows about but has not attested
// yet.
var errPending = fmt.Errorf("attestation pending")

// retryable reports whether the poll loop should try again: pending and
// not-found resolve once the burn propagates; anything else is surfaced.
func retryable(err error) bool {
	if err == errPending {
		return true
	}
	return crosspay.IsCode(err, crosspay.ErrCodeAttestationNotFound)
}
