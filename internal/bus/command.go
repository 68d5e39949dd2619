// Package bus is the in-process message bus between the bridge relay and the
// coordinator. Commands are request/response with exactly one result per
// send; events are fire-and-forget pub/sub.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// DefaultTimeout bounds SendCommand.
const DefaultTimeout = 30 * time.Second

// Command is a request to a component.
type Command struct {
	Component string               // "coordinator", ...
	Name      string               // "automation-run-row", ...
	Payload   any                  // request envelope
	Source    string               // "relay", "cli", "system"
	Context   context.Context      // cancelled when the sender gives up
	Result    chan<- CommandResult // nil for fire-and-forget
}

// CommandResult is the response from a handler.
type CommandResult struct {
	Success bool
	Message string
	Data    any
	Error   error
}

// CommandHandler processes a command. Handlers run concurrently, one
// goroutine per command, and should honour cmd.Context.
type CommandHandler func(Command) CommandResult

type busError string

func (e busError) Error() string { return string(e) }

const (
	ErrTimeout        busError = "command timed out"
	ErrBusFull        busError = "command bus full"
	ErrNoHandler      busError = "no handler registered"
	ErrUnknownCommand busError = "unknown command"
	ErrHandlerPanic   busError = "command handler panicked"
)

type componentCommands struct {
	handlers map[string]CommandHandler
}

var (
	commandBus               = make(chan Command, 100)
	commandDispatcherStarted sync.Once

	commandRegistry   = make(map[string]*componentCommands)
	commandRegistryMu sync.RWMutex
)

// --- Registration ---

// RegisterCommand adds a handler for a component command.
func RegisterCommand(component, command string, handler CommandHandler) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()

	if commandRegistry[component] == nil {
		commandRegistry[component] = &componentCommands{
			handlers: make(map[string]CommandHandler),
		}
	}
	commandRegistry[component].handlers[command] = handler
	L_debug("bus: command registered", "component", component, "command", command)
}

// UnregisterComponent removes all command handlers for a component.
func UnregisterComponent(component string) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()
	delete(commandRegistry, component)
}

// --- Send Commands ---

// SendCommand sends a command and waits up to DefaultTimeout for the result.
func SendCommand(component, name string, payload any) CommandResult {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return SendCommandContext(ctx, component, name, payload, "unknown")
}

// SendCommandContext sends a command and waits for its result or for ctx.
// Exactly one result is returned; a result arriving after ctx is done is
// discarded.
func SendCommandContext(ctx context.Context, component, name string, payload any, source string) CommandResult {
	ensureCommandDispatcher()

	result := make(chan CommandResult, 1)
	cmd := Command{
		Component: component,
		Name:      name,
		Payload:   payload,
		Source:    source,
		Context:   ctx,
		Result:    result,
	}

	select {
	case commandBus <- cmd:
	default:
		return CommandResult{Error: ErrBusFull, Message: "command bus full"}
	}

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		return CommandResult{
			Error:   fmt.Errorf("%w: %v", ErrTimeout, ctx.Err()),
			Message: "command timed out",
		}
	}
}

// SendCommandAsync sends a command without waiting for its result.
func SendCommandAsync(component, name string, payload any, source string) {
	ensureCommandDispatcher()

	cmd := Command{
		Component: component,
		Name:      name,
		Payload:   payload,
		Source:    source,
		Context:   context.Background(),
	}

	select {
	case commandBus <- cmd:
	default:
		L_warn("bus: command dropped (bus full)", "component", component, "command", name)
	}
}

// --- Dispatcher ---

func ensureCommandDispatcher() {
	commandDispatcherStarted.Do(func() {
		go runCommandDispatcher()
		L_debug("bus: command dispatcher started")
	})
}

// runCommandDispatcher hands every command to its own goroutine so a slow
// handler (opening a tab, polling a page) never delays the next request.
func runCommandDispatcher() {
	for cmd := range commandBus {
		go dispatchCommand(cmd)
	}
}

func dispatchCommand(cmd Command) {
	L_debug("bus: command dispatch", "component", cmd.Component, "command", cmd.Name, "source", cmd.Source)

	commandRegistryMu.RLock()
	cc := commandRegistry[cmd.Component]
	var handler CommandHandler
	if cc != nil {
		handler = cc.handlers[cmd.Name]
	}
	commandRegistryMu.RUnlock()

	var result CommandResult
	switch {
	case cc == nil:
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s", ErrNoHandler, cmd.Component),
			Message: fmt.Sprintf("component '%s' not available (service not running?)", cmd.Component),
		}
	case handler == nil:
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s.%s", ErrUnknownCommand, cmd.Component, cmd.Name),
			Message: fmt.Sprintf("unknown command '%s' for component '%s'", cmd.Name, cmd.Component),
		}
	default:
		result = runHandler(handler, cmd)
	}

	if cmd.Result != nil {
		select {
		case cmd.Result <- result:
		default:
			L_warn("bus: result channel full", "component", cmd.Component, "command", cmd.Name)
		}
	}
}

func runHandler(handler CommandHandler, cmd Command) (result CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: command handler panic", "component", cmd.Component, "command", cmd.Name, "panic", r)
			result = CommandResult{
				Error:   fmt.Errorf("%w: %v", ErrHandlerPanic, r),
				Message: "internal error",
			}
		}
	}()
	if cmd.Context == nil {
		cmd.Context = context.Background()
	}
	return handler(cmd)
}

// --- Introspection ---

// ListComponents returns all registered component names.
func ListComponents() []string {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()

	names := make([]string, 0, len(commandRegistry))
	for name := range commandRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListCommands returns all command names for a component.
func ListCommands(component string) []string {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()

	cc := commandRegistry[component]
	if cc == nil {
		return nil
	}
	names := make([]string, 0, len(cc.handlers))
	for name := range cc.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
