package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendCommandRoutes(t *testing.T) {
	RegisterCommand("test-echo", "echo", func(cmd Command) CommandResult {
		return CommandResult{Success: true, Data: cmd.Payload}
	})
	defer UnregisterComponent("test-echo")

	r := SendCommand("test-echo", "echo", "hi")
	if !r.Success || r.Data != "hi" {
		t.Errorf("result = %+v", r)
	}

	if r := SendCommand("test-missing", "echo", nil); !errors.Is(r.Error, ErrNoHandler) {
		t.Errorf("missing component error = %v", r.Error)
	}
	if r := SendCommand("test-echo", "nope", nil); !errors.Is(r.Error, ErrUnknownCommand) {
		t.Errorf("unknown command error = %v", r.Error)
	}
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	RegisterCommand("test-slow", "wait", func(cmd Command) CommandResult {
		select {
		case <-release:
		case <-cmd.Context.Done():
		}
		return CommandResult{Success: true}
	})
	RegisterCommand("test-slow", "fast", func(Command) CommandResult {
		return CommandResult{Success: true, Message: "fast"}
	})
	defer UnregisterComponent("test-slow")

	slowDone := make(chan CommandResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slowDone <- SendCommandContext(ctx, "test-slow", "wait", nil, "test")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if r := SendCommandContext(ctx, "test-slow", "fast", nil, "test"); r.Message != "fast" {
		t.Fatalf("fast command blocked: %+v", r)
	}
	close(release)
	if r := <-slowDone; !r.Success {
		t.Errorf("slow result = %+v", r)
	}
}

func TestSendCommandContextTimeout(t *testing.T) {
	RegisterCommand("test-hang", "hang", func(cmd Command) CommandResult {
		<-cmd.Context.Done()
		return CommandResult{Success: true}
	})
	defer UnregisterComponent("test-hang")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := SendCommandContext(ctx, "test-hang", "hang", nil, "test")
	if !errors.Is(r.Error, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", r.Error)
	}
}

func TestHandlerPanicBecomesResult(t *testing.T) {
	RegisterCommand("test-panic", "boom", func(Command) CommandResult { panic("boom") })
	defer UnregisterComponent("test-panic")

	if r := SendCommand("test-panic", "boom", nil); !errors.Is(r.Error, ErrHandlerPanic) {
		t.Errorf("error = %v", r.Error)
	}
}

func TestWaitEvent(t *testing.T) {
	var seen int32
	go func() {
		for CountEventSubscribers("test.topic") == 0 {
			time.Sleep(time.Millisecond)
		}
		PublishEvent("test.topic", "other")
		PublishEvent("test.topic", "wanted")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := WaitEvent(ctx, "test.topic", func(e Event) bool {
		atomic.AddInt32(&seen, 1)
		return e.Data == "wanted"
	})
	if err != nil || e.Data != "wanted" {
		t.Errorf("WaitEvent = %+v, %v", e, err)
	}
	if CountEventSubscribers("test.topic") != 0 {
		t.Error("subscription leaked")
	}
}
