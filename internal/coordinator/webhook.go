package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoWebhook is returned when payments are reported with no endpoint set.
var ErrNoWebhook = errors.New("no reporting webhook configured")

// Reporter delivers a discovered payment reference to an external endpoint.
type Reporter interface {
	Report(ctx context.Context, payment string) error
}

// Webhook POSTs {"payment": ...} as JSON.
type Webhook struct {
	url    string
	client *resty.Client
}

// NewWebhook creates a reporter for url. Retries cover transient 5xx and
// connection errors only.
func NewWebhook(url string, timeout time.Duration, retries int) *Webhook {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("User-Agent", "centerhelper/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Webhook{url: url, client: client}
}

type paymentBody struct {
	Payment string `json:"payment"`
}

// Report sends payment. Any non-2xx status is an error.
func (w *Webhook) Report(ctx context.Context, payment string) error {
	if w == nil || w.url == "" {
		return ErrNoWebhook
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(paymentBody{Payment: payment}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post payment: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %d", resp.StatusCode())
	}
	return nil
}
