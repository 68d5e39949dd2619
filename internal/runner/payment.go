package runner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// DefaultPaymentWait bounds DiscoverPayment when the caller gives no timeout.
const DefaultPaymentWait = 60 * time.Second

// ErrPaymentNotFound is returned when no payment reference shows up in time.
var ErrPaymentNotFound = errors.New("payment info not found within timeout")

// FindPayment returns the payment id or link shown on the page, if any.
func FindPayment(doc dom.Document) (string, bool) {
	if el := doc.Query("[data-payment-id]"); el != nil {
		v, _ := el.Attr("data-payment-id")
		return v, true
	}
	if el := doc.Query("#paymentId, #payment, #payment-url"); el != nil {
		v := strings.TrimSpace(el.Text())
		if v == "" {
			v, _ = el.Attr("href")
			v = strings.TrimSpace(v)
		}
		if v != "" {
			return v, true
		}
	}
	if el := doc.Query(".payment a, a.payment, a[href*='payment']"); el != nil {
		if href, ok := el.Attr("href"); ok {
			return href, true
		}
	}
	return "", false
}

// DiscoverPayment waits for a payment reference, re-checking on every
// structural mutation, until timeout or ctx is done.
func DiscoverPayment(ctx context.Context, doc dom.Document, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultPaymentWait
	}
	if p, ok := FindPayment(doc); ok {
		return p, nil
	}

	wake := make(chan struct{}, 1)
	cancel := doc.Observe(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()
	if p, ok := FindPayment(doc); ok {
		return p, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-wake:
			if p, ok := FindPayment(doc); ok {
				L_info("runner: payment found", "payment", p)
				return p, nil
			}
		case <-timer.C:
			if p, ok := FindPayment(doc); ok {
				return p, nil
			}
			return "", ErrPaymentNotFound
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
