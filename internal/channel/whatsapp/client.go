// internal/channel/whatsapp/client.go
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"booking-notifier/internal/common/config"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"
)

// ChannelError is a classified failure from the WhatsApp Business API.
// Transient failures are eligible for retry under the delivery guard's
// budget; permanent ones are terminal.
type ChannelError struct {
	StatusCode int
	Transient  bool
	Message    string
}

func (e *ChannelError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("channel error (%s, status %d): %s", kind, e.StatusCode, e.Message)
}

// Client talks to the WhatsApp Business Cloud API template-message endpoint.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiVersion  string
	accessToken string
	logger      logger.Logger
}

func NewClient(cfg config.WhatsAppConfig, log logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: config.GetDuration(cfg.Timeout),
		},
		baseURL:     cfg.BaseURL,
		apiVersion:  cfg.APIVersion,
		accessToken: cfg.AccessToken,
		logger:      log.WithFields(map[string]interface{}{"component": "whatsapp"}),
	}
}

type templatePayload struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templateSection `json:"template"`
}

type templateSection struct {
	Name       string             `json:"name"`
	Language   templateLanguage   `json:"language"`
	Components []templateBodyComp `json:"components"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateBodyComp struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendTemplate delivers one rendered template message through the given
// channel account. Returns the channel's message id on success.
func (c *Client) SendTemplate(ctx context.Context, accountID, phone string, msg *models.RenderedMessage) (string, error) {
	params := make([]templateParam, len(msg.OrderedParameters))
	for i, p := range msg.OrderedParameters {
		params[i] = templateParam{Type: "text", Text: p}
	}

	payload := templatePayload{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "template",
		Template: templateSection{
			Name:       msg.TemplateName,
			Language:   templateLanguage{Code: msg.LanguageCode},
			Components: []templateBodyComp{
				{Type: "body", Parameters: params},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal template payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Includes timeouts after the request may have been written; the
		// outcome is ambiguous, so classify transient and let the retry
		// budget decide.
		return "", &ChannelError{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	c.logger.Debug("channel call finished", map[string]interface{}{
		"status":   resp.StatusCode,
		"duration": time.Since(started).String(),
	})

	var parsed sendResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(parsed.Messages) == 0 {
			return "", &ChannelError{StatusCode: resp.StatusCode, Transient: true, Message: "no message id in response"}
		}
		return parsed.Messages[0].ID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &ChannelError{StatusCode: resp.StatusCode, Transient: true, Message: parsed.Error.Message}
	default:
		return "", &ChannelError{StatusCode: resp.StatusCode, Transient: false, Message: parsed.Error.Message}
	}
}
