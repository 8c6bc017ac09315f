package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/go-resty/resty/v2"
)

type chatRequest struct {
	To               string `json:"to"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type"`
	TripID           string `json:"trip_id,omitempty"`
}

// ChatChannel delivers messages through the chat gateway webhook.
type ChatChannel struct {
	client   *resty.Client
	endpoint string
}

func NewChatChannel(endpoint string, timeout time.Duration) (*ChatChannel, error) {
	return NewChatChannelWithClient(endpoint, newGatewayClient(timeout))
}

func NewChatChannelWithClient(endpoint string, client *resty.Client) (*ChatChannel, error) {
	validated, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	return &ChatChannel{client: client, endpoint: validated}, nil
}

func (c *ChatChannel) Key() domain.Channel {
	return domain.ChannelChat
}

func (c *ChatChannel) Send(ctx context.Context, job domain.Job, contact string) (*SendResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("chat channel is not initialized")
	}
	if contact == "" {
		return nil, fmt.Errorf("%w: chat contact is required", domain.ErrValidation)
	}

	reqBody := chatRequest{
		To:               contact,
		Message:          payloadString(job.Payload, "message", job.NotificationType),
		NotificationType: job.NotificationType,
	}
	if job.TripID != nil {
		reqBody.TripID = *job.TripID
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(c.endpoint)
	if err != nil {
		return nil, &ChannelError{
			Message:   "chat gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	return resultFromResponse(response)
}
