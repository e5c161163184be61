package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxbridge/adapters/business"
	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
)

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *business.MemoryStore) {
	t.Helper()
	store := business.NewMemoryStore()
	store.AddBusiness(business.Business{
		ID:   "biz-1",
		Info: repositories.BusinessInfo{Name: "Tony's Pizza", Hours: map[string]string{"mon": "10-22"}},
	})
	registry := NewRegistry()
	require.NoError(t, RegisterBusinessTools(registry, store))
	return NewDispatcher(registry, zaptest.NewLogger(t), opts...), store
}

var callCtx = CallContext{SessionID: "sess-1", BusinessID: "biz-1", CallerNumber: "+15551234567"}

func decodeOutput(t *testing.T, r entities.ToolResult) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(r.Output()), &out))
	return out
}

func TestDispatcher_CreateOrder(t *testing.T) {
	d, store := newTestDispatcher(t)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"items":[{"name":"Pizza","quantity":2,"price":15}],"total":30}`), &args))

	result := d.Execute(context.Background(), entities.ToolCall{Name: ToolCreateOrder, CallID: "call_1", Arguments: args}, callCtx)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "call_1", result.CallID)

	out := decodeOutput(t, result)
	assert.Equal(t, true, out["success"])
	orderID, ok := out["orderId"].(string)
	require.True(t, ok)
	_, err := uuid.Parse(orderID)
	assert.NoError(t, err)

	order, found := store.Order(orderID)
	require.True(t, found)
	assert.Equal(t, float64(30), order.Total)
}

func TestDispatcher_CreateOrderRejectsBadTotal(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := d.Execute(context.Background(), entities.ToolCall{
		Name:   ToolCreateOrder,
		CallID: "call_1",
		Arguments: map[string]interface{}{
			"items": []interface{}{map[string]interface{}{"name": "Pizza", "quantity": 2, "price": 15}},
			"total": 99,
		},
	}, callCtx)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "does not match")
}

func TestDispatcher_UnsupportedTool(t *testing.T) {
	d, _ := newTestDispatcher(t)
	result := d.Execute(context.Background(), entities.ToolCall{Name: "launch_rocket", CallID: "call_x"}, callCtx)
	assert.False(t, result.Success)
	assert.Equal(t, "call_x", result.CallID)
	assert.Equal(t, "unsupported tool: launch_rocket", result.Error)
	assert.Equal(t, false, decodeOutput(t, result)["success"])
}

func TestDispatcher_BusinessInfoAndAppointments(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	info := d.Execute(ctx, entities.ToolCall{Name: ToolGetBusinessInfo, CallID: "c1"}, callCtx)
	require.True(t, info.Success, info.Error)
	assert.Equal(t, "Tony's Pizza", info.Payload["name"])

	avail := d.Execute(ctx, entities.ToolCall{Name: ToolCheckAvailability, CallID: "c2",
		Arguments: map[string]interface{}{"date": "2026-10-20"}}, callCtx)
	require.True(t, avail.Success, avail.Error)

	appt := d.Execute(ctx, entities.ToolCall{Name: ToolScheduleAppointment, CallID: "c3",
		Arguments: map[string]interface{}{"name": "Ana", "date": "2026-10-20", "time": "10:00"}}, callCtx)
	require.True(t, appt.Success, appt.Error)
	assert.Equal(t, "confirmed", appt.Payload["status"])

	missing := d.Execute(ctx, entities.ToolCall{Name: ToolScheduleAppointment, CallID: "c4",
		Arguments: map[string]interface{}{"name": "Ana"}}, callCtx)
	assert.False(t, missing.Success)
}

func TestDispatcher_PolicyBlocksLargePayment(t *testing.T) {
	policy, err := NewPolicyEngine(context.Background(), DefaultPolicy(500))
	require.NoError(t, err)
	d, _ := newTestDispatcher(t, WithPolicy(policy))
	ctx := context.Background()

	order := d.Execute(ctx, entities.ToolCall{Name: ToolCreateOrder, CallID: "c1", Arguments: map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"name": "Catering", "quantity": 1, "price": 800}},
		"total": 800,
	}}, callCtx)
	require.True(t, order.Success, order.Error)
	orderID := order.Payload["orderId"]

	blocked := d.Execute(ctx, entities.ToolCall{Name: ToolCapturePayment, CallID: "c2",
		Arguments: map[string]interface{}{"orderId": orderID, "amount": 800}}, callCtx)
	assert.False(t, blocked.Success)
	assert.Equal(t, "blocked by policy", blocked.Error)

	allowed := d.Execute(ctx, entities.ToolCall{Name: ToolCapturePayment, CallID: "c3",
		Arguments: map[string]interface{}{"orderId": orderID, "amount": 400}}, callCtx)
	assert.True(t, allowed.Success, allowed.Error)
}

func TestPolicyEngine_ObjectDecision(t *testing.T) {
	policy, err := NewPolicyEngine(context.Background(), `
package tool_policy

decision = {"decision": "block", "reason": "closed"} {
	input.business_id == "biz-closed"
}
`)
	require.NoError(t, err)

	decision, reason, err := policy.Evaluate(context.Background(), PolicyInput{ToolName: "create_order", BusinessID: "biz-closed"})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, decision)
	assert.Equal(t, "closed", reason)

	decision, _, err = policy.Evaluate(context.Background(), PolicyInput{ToolName: "create_order", BusinessID: "biz-1"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, decision)
}

func TestDispatcher_TimeoutAndPanic(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Tool{
		Definition: entities.ToolDefinition{Name: "slow"},
		Execute: func(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	registry.MustRegister(Tool{
		Definition: entities.ToolDefinition{Name: "broken"},
		Execute: func(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
			panic("boom")
		},
	})
	registry.MustRegister(Tool{
		Definition: entities.ToolDefinition{Name: "failing"},
		Execute: func(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
			return nil, errors.New("kitchen closed")
		},
	})
	d := NewDispatcher(registry, zaptest.NewLogger(t), WithTimeout(50*time.Millisecond))

	start := time.Now()
	slow := d.Execute(context.Background(), entities.ToolCall{Name: "slow", CallID: "c1"}, callCtx)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, slow.Success)
	assert.Equal(t, "tool call timed out", slow.Error)

	broken := d.Execute(context.Background(), entities.ToolCall{Name: "broken", CallID: "c2"}, callCtx)
	assert.False(t, broken.Success)
	assert.Equal(t, "c2", broken.CallID)

	failing := d.Execute(context.Background(), entities.ToolCall{Name: "failing", CallID: "c3"}, callCtx)
	assert.False(t, failing.Success)
	assert.Equal(t, "kitchen closed", failing.Error)
}

func TestRegistry_Definitions(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, RegisterBusinessTools(registry, business.NewMemoryStore()))

	defs := registry.Definitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
		assert.True(t, json.Valid(def.Parameters), "schema for %s", def.Name)
	}
	assert.Equal(t, []string{ToolCapturePayment, ToolCheckAvailability, ToolCreateOrder, ToolGetBusinessInfo, ToolScheduleAppointment}, names)

	assert.Error(t, registry.Register(Tool{Definition: entities.ToolDefinition{Name: ToolCreateOrder}, Execute: func(context.Context, Invocation) (map[string]interface{}, error) { return nil, nil }}))
	assert.Error(t, registry.Register(Tool{Definition: entities.ToolDefinition{Name: "x"}}))
}
