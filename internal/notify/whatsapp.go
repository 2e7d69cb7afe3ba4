package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/voice"
)

// WhatsApp sends template messages through a WhatsApp Business gateway.
type WhatsApp struct {
	Endpoint string
	APIKey   string
	Template string
	Language string
	Client   *http.Client
}

func NewWhatsApp(endpoint, apiKey, template string) *WhatsApp {
	return &WhatsApp{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Template: template,
		Language: "en",
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type templateMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []templateComponent `json:"components"`
	} `json:"template"`
}

// DriverAssigned tells the patient which driver is on the way.
func (w *WhatsApp) DriverAssigned(ctx context.Context, b *models.Booking, c *models.QueueCandidate) error {
	to, err := voice.NormalizePhone(b.PatientPhone)
	if err != nil {
		return err
	}
	var msg templateMessage
	msg.MessagingProduct = "whatsapp"
	msg.To = strings.TrimPrefix(to, "+")
	msg.Type = "template"
	msg.Template.Name = w.Template
	msg.Template.Language.Code = w.Language
	msg.Template.Components = []templateComponent{{
		Type: "body",
		Parameters: []templateParam{
			{Type: "text", Text: b.ID},
			{Type: "text", Text: c.DriverName},
			{Type: "text", Text: c.DriverPhone},
			{Type: "text", Text: models.FormatDistance(c.DistanceKm)},
		},
	}}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.APIKey)
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("whatsapp status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
