// Package messaging sends WhatsApp messages and fetches inbound media
// through the Twilio REST API.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Messenger is the outbound side of a conversation. Send returns the
// provider's message SID.
type Messenger interface {
	Send(ctx context.Context, to, body string) (string, error)
	FetchAttachment(ctx context.Context, mediaURL string) ([]byte, error)
}

const defaultBaseURL = "https://api.twilio.com"

// TwilioConfig configures the client. Zero values get defaults where a
// default exists; credentials and the sending number do not have one.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	Number     string // sending WhatsApp number, E.164
	BaseURL    string
	RateLimit  float64 // outbound messages per second
	HTTPClient *http.Client
}

// TwilioClient implements Messenger against the Twilio Messages API.
type TwilioClient struct {
	config  TwilioConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewTwilioClient(config TwilioConfig) (*TwilioClient, error) {
	if config.AccountSID == "" || config.AuthToken == "" {
		return nil, fmt.Errorf("messaging credentials are required")
	}
	if config.Number == "" {
		return nil, fmt.Errorf("sending number is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 1
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &TwilioClient{
		config:  config,
		client:  config.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// Send posts one message and returns the SID Twilio assigned to it.
func (t *TwilioClient) Send(ctx context.Context, to, body string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("From", whatsappAddr(t.config.Number))
	form.Set("To", whatsappAddr(to))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimSuffix(t.config.BaseURL, "/"), t.config.AccountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(t.config.AccountSID, t.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("message rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	return parsed.SID, nil
}

// FetchAttachment downloads inbound media. Twilio media URLs require the
// same basic auth as the REST API.
func (t *TwilioClient) FetchAttachment(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.config.AccountSID, t.config.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment fetch failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// whatsappAddr ensures the whatsapp: channel prefix exactly once.
func whatsappAddr(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// EmptyTwiML is the webhook acknowledgement body. Replies go out through
// the REST API, so the webhook response carries no instructions.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
