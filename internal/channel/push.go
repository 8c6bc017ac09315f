package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/go-resty/resty/v2"
)

type pushRequest struct {
	Token string         `json:"token"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// PushChannel delivers notifications through the mobile push gateway.
type PushChannel struct {
	client   *resty.Client
	endpoint string
}

func NewPushChannel(endpoint string, timeout time.Duration) (*PushChannel, error) {
	return NewPushChannelWithClient(endpoint, newGatewayClient(timeout))
}

func NewPushChannelWithClient(endpoint string, client *resty.Client) (*PushChannel, error) {
	validated, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	return &PushChannel{client: client, endpoint: validated}, nil
}

func (c *PushChannel) Key() domain.Channel {
	return domain.ChannelPush
}

func (c *PushChannel) Send(ctx context.Context, job domain.Job, contact string) (*SendResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("push channel is not initialized")
	}
	if contact == "" {
		return nil, fmt.Errorf("%w: push token is required", domain.ErrValidation)
	}

	reqBody := pushRequest{
		Token: contact,
		Title: payloadString(job.Payload, "title", job.NotificationType),
		Body:  payloadString(job.Payload, "message", ""),
		Data:  job.Payload,
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(c.endpoint)
	if err != nil {
		return nil, &ChannelError{
			Message:   "push gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	return resultFromResponse(response)
}
