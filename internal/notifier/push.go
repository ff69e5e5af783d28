package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/types"
)

// ErrPushNotConfigured is returned when no Apprise API URL is set.
var ErrPushNotConfigured = errors.New("push gateway not configured")

// PushChannel sends notifications through an Apprise API gateway. The
// recipient is passed as the Apprise tag so the gateway routes it to the
// recipient's devices.
type PushChannel struct {
	log    zerolog.Logger
	client *resty.Client
	apiURL string
	key    string
}

type appriseRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Type   string `json:"type"`
	Tag    string `json:"tag"`
	Format string `json:"format"`
}

// NewPushChannel creates a push channel posting to {apiURL}/notify/{key}.
func NewPushChannel(log zerolog.Logger, apiURL, key string, timeout time.Duration) *PushChannel {
	client := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &PushChannel{
		log:    log.With().Str("component", "push").Logger(),
		client: client,
		apiURL: apiURL,
		key:    key,
	}
}

func (p *PushChannel) Name() string { return "push" }

// Send posts the payload to the Apprise API
func (p *PushChannel) Send(ctx context.Context, recipientID string, payload types.Payload) error {
	if p.apiURL == "" {
		return ErrPushNotConfigured
	}

	body := appriseRequest{
		Title:  payload.Title,
		Body:   payload.Body,
		Type:   notifyType(payload),
		Tag:    recipientID,
		Format: "text",
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/notify/" + p.key)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode() >= 400 {
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode(), resp.String())
	}

	p.log.Debug().
		Str("alert_id", payload.AlertID).
		Str("recipient", recipientID).
		Msg("push notification sent")
	return nil
}

// notifyType maps urgency to the Apprise notification type
func notifyType(payload types.Payload) string {
	switch {
	case payload.Broadcast, payload.Urgency == types.Critical:
		return "failure"
	case payload.Urgency == types.Urgent:
		return "warning"
	default:
		return "info"
	}
}
