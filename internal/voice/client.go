package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidPhone  = errors.New("invalid phone number")
	ErrNotConfigured = errors.New("voice provider not configured")
)

// CallContext is forwarded to the voice agent as user_data.
type CallContext struct {
	BookingID       string `json:"booking_id"`
	Address         string `json:"address"`
	City            string `json:"city"`
	NearestHospital string `json:"nearest_hospital"`
	Distance        string `json:"distance"`
	ETAMinutes      int    `json:"eta_minutes,omitempty"`
	PatientPhone    string `json:"patient_phone"`
}

// Result is the outcome of one call attempt. Failures are values; the
// supervisor escalates on them instead of retrying.
type Result struct {
	Success      bool
	CallHandle   string
	ErrorMessage string
}

type Config struct {
	BaseURL    string
	CallPath   string
	APIKey     string
	AgentID    string
	FromNumber string
	Timeout    time.Duration
}

// Client places outbound calls through the voice-AI provider.
type Client struct {
	cfg    Config
	Client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.CallPath == "" {
		cfg.CallPath = "/call"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, Client: &http.Client{Timeout: cfg.Timeout}}
}

type callRequest struct {
	AgentID              string      `json:"agent_id"`
	RecipientPhoneNumber string      `json:"recipient_phone_number"`
	FromPhoneNumber      string      `json:"from_phone_number,omitempty"`
	UserData             CallContext `json:"user_data"`
}

type callResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// PlaceCall dials phone once. Configuration and phone-format problems fail
// before any network traffic.
func (c *Client) PlaceCall(ctx context.Context, phone string, data CallContext) Result {
	if c.cfg.APIKey == "" || c.cfg.AgentID == "" || c.cfg.BaseURL == "" {
		return Result{ErrorMessage: ErrNotConfigured.Error()}
	}
	to, err := NormalizePhone(phone)
	if err != nil {
		return Result{ErrorMessage: err.Error()}
	}
	body, err := json.Marshal(callRequest{
		AgentID:              c.cfg.AgentID,
		RecipientPhoneNumber: to,
		FromPhoneNumber:      c.cfg.FromNumber,
		UserData:             data,
	})
	if err != nil {
		return Result{ErrorMessage: err.Error()}
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(c.cfg.CallPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{ErrorMessage: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("voice provider request: %v", err)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{ErrorMessage: fmt.Sprintf("voice provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}
	var out callResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{ErrorMessage: fmt.Sprintf("decode voice provider response: %v", err)}
	}
	if out.ExecutionID == "" {
		return Result{ErrorMessage: "voice provider response missing execution_id"}
	}
	return Result{Success: true, CallHandle: out.ExecutionID}
}

const countryCode = "+91"

// NormalizePhone converts local Indian numbers to E.164. A number already
// carrying "+" is returned exactly as given, apart from surrounding
// whitespace, as long as it has digits after the "+". Local numbers may use
// spaces, dashes, dots and parentheses: ten digits get +91, eleven digits
// with a leading 1 lose it first. Anything else is rejected.
func NormalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, trimmed)
	if strings.HasPrefix(s, "+") {
		if len(s) < 2 || !allDigits(s[1:]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
		}
		return trimmed, nil
	}
	if !allDigits(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	switch {
	case len(s) == 10:
		return countryCode + s, nil
	case len(s) == 11 && s[0] == '1':
		return countryCode + s[1:], nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
