package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/entities"
)

// DefaultTimeout bounds one business-action call
const DefaultTimeout = 15 * time.Second

// CallContext identifies the call a tool runs on behalf of
type CallContext struct {
	SessionID    string
	BusinessID   string
	CallerNumber string
}

// Dispatcher maps function calls to registered tools and always returns exactly one result.
type Dispatcher struct {
	registry *Registry
	policy   *PolicyEngine
	timeout  time.Duration
	logger   *zap.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithPolicy gates every known tool behind the policy engine
func WithPolicy(p *PolicyEngine) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithTimeout overrides the per-call timeout
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher over registry
func NewDispatcher(registry *Registry, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Manifest returns the tool definitions to advertise in the session config
func (d *Dispatcher) Manifest() []entities.ToolDefinition {
	return d.registry.Definitions()
}

// Execute runs call and converts every failure into an error result.
func (d *Dispatcher) Execute(ctx context.Context, call entities.ToolCall, cc CallContext) (result entities.ToolResult) {
	logger := d.logger.With(
		zap.String("sessionID", cc.SessionID),
		zap.String("tool", call.Name),
		zap.String("callID", call.CallID))

	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		logger.Warn("Model requested unsupported tool")
		return entities.NewToolFailure(call.CallID, fmt.Sprintf("unsupported tool: %s", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.policy != nil {
		decision, reason, err := d.policy.Evaluate(ctx, PolicyInput{
			ToolName:   call.Name,
			BusinessID: cc.BusinessID,
			SessionID:  cc.SessionID,
			Args:       args,
		})
		if err != nil {
			logger.Error("Tool policy evaluation failed", zap.Error(err))
			return entities.NewToolFailure(call.CallID, "policy evaluation failed")
		}
		if decision != DecisionAllow {
			logger.Warn("Tool call blocked by policy",
				zap.String("decision", decision),
				zap.String("reason", reason))
			return entities.NewToolFailure(call.CallID, "blocked by policy")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Tool executor panicked", zap.Any("panic", r))
			result = entities.NewToolFailure(call.CallID, "internal tool error")
		}
	}()

	start := time.Now()
	payload, err := tool.Execute(ctx, Invocation{
		CallID:       call.CallID,
		SessionID:    cc.SessionID,
		BusinessID:   cc.BusinessID,
		CallerNumber: cc.CallerNumber,
		Args:         args,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("Tool call timed out", zap.Duration("timeout", d.timeout))
			return entities.NewToolFailure(call.CallID, "tool call timed out")
		}
		logger.Warn("Tool call failed", zap.Error(err))
		return entities.NewToolFailure(call.CallID, err.Error())
	}

	logger.Info("Tool call completed", zap.Duration("duration", time.Since(start)))
	return entities.NewToolSuccess(call.CallID, payload)
}
