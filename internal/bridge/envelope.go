package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/runner"
)

// Message types on the page channel and the coordinator bus.
const (
	TypeRunRow        = "automation-run-row"
	TypeResult        = "automation-result"
	TypeLegacyTrigger = "trigger-automation-in-new-tab"
	TypePaymentFound  = "payment-found"
	TypeResume        = "automation-resume"
	TypeBridgeReady   = "bridge-ready"
)

// Values of Response.Via.
const (
	ViaRelay        = "relay"
	ViaRelayTimeout = "relay-timeout"
	ViaRelayError   = "relay-error"
	ViaCoordinator  = "coordinator"
)

// RunOptions are the caller's options for one row.
type RunOptions struct {
	PauseForCaptcha bool `json:"pauseForCaptcha,omitempty"`
	// AwaitOutcome makes the coordinator answer with the runner's outcome
	// instead of the injection result.
	AwaitOutcome bool `json:"awaitOutcome,omitempty"`
}

// Request asks for a row to be run in a new tab. Unknown fields are kept in
// Extras and forwarded.
type Request struct {
	Type           string                     `json:"type"`
	RequestID      string                     `json:"requestId"`
	Index          *int                       `json:"index,omitempty"`
	Row            runner.Row                 `json:"row,omitempty"`
	Options        *RunOptions                `json:"options,omitempty"`
	TimeoutMs      *int64                     `json:"timeoutMs,omitempty"`
	ReceiverTabURL string                     `json:"receiverTabUrl,omitempty"`
	AutoCloseMs    *int64                     `json:"autoCloseMs,omitempty"`
	Extras         map[string]json.RawMessage `json:"-"`
}

var requestKeys = map[string]bool{
	"type": true, "requestId": true, "index": true, "row": true, "options": true,
	"timeoutMs": true, "receiverTabUrl": true, "autoCloseMs": true,
}

type requestFields Request

// UnmarshalJSON decodes the known fields and collects the rest into Extras.
func (r *Request) UnmarshalJSON(data []byte) error {
	var known requestFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if requestKeys[k] {
			continue
		}
		if known.Extras == nil {
			known.Extras = make(map[string]json.RawMessage)
		}
		known.Extras[k] = v
	}
	*r = Request(known)
	return nil
}

// MarshalJSON writes the known fields plus Extras.
func (r Request) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(requestFields(r))
	if err != nil || len(r.Extras) == 0 {
		return base, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extras {
		if !requestKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Timeout returns the caller's timeout or def.
func (r Request) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMs != nil && *r.TimeoutMs > 0 {
		return time.Duration(*r.TimeoutMs) * time.Millisecond
	}
	return def
}

// AutoClose returns the requested tab auto-close delay, zero for none.
func (r Request) AutoClose() time.Duration {
	if r.AutoCloseMs != nil && *r.AutoCloseMs > 0 {
		return time.Duration(*r.AutoCloseMs) * time.Millisecond
	}
	return 0
}

// RunOpts returns the options, never nil.
func (r Request) RunOpts() RunOptions {
	if r.Options == nil {
		return RunOptions{}
	}
	return *r.Options
}

// Response is the single answer to a Request.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Paused    bool   `json:"paused,omitempty"`
	Payment   string `json:"payment,omitempty"`
	Via       string `json:"_via,omitempty"`
}

// Failed builds a negative response.
func Failed(requestID, via string, err error) Response {
	return Response{Type: TypeResult, RequestID: requestID, OK: false, Error: err.Error(), Via: via}
}

// PaymentFound is emitted by an injected run once the page shows a payment
// reference, or its absence after the wait.
type PaymentFound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Payment   string `json:"payment,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BridgeReady greets a newly connected page.
type BridgeReady struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

// ResumeRequest resumes a paused run.
type ResumeRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// peekType reads the type field of a JSON object.
func peekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("decode message: %w", err)
	}
	return head.Type, nil
}
