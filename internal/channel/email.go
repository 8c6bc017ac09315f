package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/go-resty/resty/v2"
)

type emailRequest struct {
	To               string `json:"to"`
	Subject          string `json:"subject"`
	Body             string `json:"body"`
	NotificationType string `json:"notification_type"`
}

// EmailChannel delivers messages through the transactional email relay.
type EmailChannel struct {
	client   *resty.Client
	endpoint string
}

func NewEmailChannel(endpoint string, timeout time.Duration) (*EmailChannel, error) {
	return NewEmailChannelWithClient(endpoint, newGatewayClient(timeout))
}

func NewEmailChannelWithClient(endpoint string, client *resty.Client) (*EmailChannel, error) {
	validated, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	return &EmailChannel{client: client, endpoint: validated}, nil
}

func (c *EmailChannel) Key() domain.Channel {
	return domain.ChannelEmail
}

func (c *EmailChannel) Send(ctx context.Context, job domain.Job, contact string) (*SendResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("email channel is not initialized")
	}
	if contact == "" {
		return nil, fmt.Errorf("%w: email address is required", domain.ErrValidation)
	}

	reqBody := emailRequest{
		To:               contact,
		Subject:          payloadString(job.Payload, "subject", job.NotificationType),
		Body:             payloadString(job.Payload, "message", ""),
		NotificationType: job.NotificationType,
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(c.endpoint)
	if err != nil {
		return nil, &ChannelError{
			Message:   "email relay request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	return resultFromResponse(response)
}
