package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
)

// Built-in tool names
const (
	ToolCreateOrder         = "create_order"
	ToolCapturePayment      = "capture_payment"
	ToolGetBusinessInfo     = "get_business_info"
	ToolCheckAvailability   = "check_availability"
	ToolScheduleAppointment = "schedule_appointment"
)

// RegisterBusinessTools binds the built-in tools to the business-action collaborator.
func RegisterBusinessTools(r *Registry, actions repositories.BusinessActions) error {
	b := &businessTools{actions: actions}
	for _, t := range []Tool{
		{Definition: definition(ToolCreateOrder, "Create an order for the caller once they confirm the items.", createOrderSchema), Execute: b.createOrder},
		{Definition: definition(ToolCapturePayment, "Capture payment for an existing order.", capturePaymentSchema), Execute: b.capturePayment},
		{Definition: definition(ToolGetBusinessInfo, "Look up business hours, address, phone and services.", emptySchema), Execute: b.getBusinessInfo},
		{Definition: definition(ToolCheckAvailability, "List open slots for a date.", checkAvailabilitySchema), Execute: b.checkAvailability},
		{Definition: definition(ToolScheduleAppointment, "Book an appointment for the caller.", scheduleAppointmentSchema), Execute: b.scheduleAppointment},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func definition(name, description, schema string) entities.ToolDefinition {
	return entities.ToolDefinition{Name: name, Description: description, Parameters: json.RawMessage(schema)}
}

const (
	emptySchema = `{"type":"object","properties":{}}`

	createOrderSchema = `{
  "type": "object",
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "quantity": {"type": "integer", "minimum": 1},
          "price": {"type": "number", "minimum": 0}
        },
        "required": ["name", "quantity", "price"]
      }
    },
    "total": {"type": "number"},
    "notes": {"type": "string"}
  },
  "required": ["items", "total"]
}`

	capturePaymentSchema = `{
  "type": "object",
  "properties": {
    "orderId": {"type": "string"},
    "amount": {"type": "number"},
    "method": {"type": "string"}
  },
  "required": ["orderId", "amount"]
}`

	checkAvailabilitySchema = `{
  "type": "object",
  "properties": {
    "date": {"type": "string", "description": "YYYY-MM-DD"},
    "partySize": {"type": "integer"},
    "service": {"type": "string"}
  },
  "required": ["date"]
}`

	scheduleAppointmentSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "phone": {"type": "string"},
    "date": {"type": "string", "description": "YYYY-MM-DD"},
    "time": {"type": "string", "description": "HH:MM"},
    "service": {"type": "string"}
  },
  "required": ["name", "date", "time"]
}`
)

type businessTools struct {
	actions repositories.BusinessActions
}

// decodeArgs maps loosely typed model arguments onto a request struct
func decodeArgs(args map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (b *businessTools) createOrder(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
	var args struct {
		Items []repositories.OrderItem `json:"items"`
		Total float64                  `json:"total"`
		Notes string                   `json:"notes"`
	}
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, err
	}
	if len(args.Items) == 0 {
		return nil, errors.New("order must contain at least one item")
	}
	var sum float64
	for _, item := range args.Items {
		if item.Name == "" || item.Quantity <= 0 || item.Price < 0 {
			return nil, fmt.Errorf("invalid order item: %+v", item)
		}
		sum += float64(item.Quantity) * item.Price
	}
	if args.Total == 0 {
		args.Total = sum
	}
	if math.Abs(args.Total-sum) > 0.01 {
		return nil, fmt.Errorf("total %.2f does not match items %.2f", args.Total, sum)
	}

	order, err := b.actions.CreateOrder(ctx, repositories.OrderRequest{
		BusinessID:   inv.BusinessID,
		SessionID:    inv.SessionID,
		CallerNumber: inv.CallerNumber,
		Items:        args.Items,
		Total:        args.Total,
		Notes:        args.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return map[string]interface{}{
		"orderId": order.ID,
		"status":  order.Status,
		"total":   order.Total,
	}, nil
}

func (b *businessTools) capturePayment(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
	var args struct {
		OrderID string  `json:"orderId"`
		Amount  float64 `json:"amount"`
		Method  string  `json:"method"`
	}
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, err
	}
	if args.OrderID == "" {
		return nil, errors.New("orderId is required")
	}
	if args.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	payment, err := b.actions.CapturePayment(ctx, repositories.PaymentRequest{
		BusinessID: inv.BusinessID,
		OrderID:    args.OrderID,
		Amount:     args.Amount,
		Method:     args.Method,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture payment: %w", err)
	}
	return map[string]interface{}{
		"paymentId": payment.ID,
		"status":    payment.Status,
		"amount":    payment.Amount,
	}, nil
}

func (b *businessTools) getBusinessInfo(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
	info, err := b.actions.GetBusinessInfo(ctx, inv.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("failed to get business info: %w", err)
	}
	return map[string]interface{}{
		"name":     info.Name,
		"address":  info.Address,
		"phone":    info.Phone,
		"hours":    info.Hours,
		"services": info.Services,
	}, nil
}

func (b *businessTools) checkAvailability(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
	var args struct {
		Date      string `json:"date"`
		PartySize int    `json:"partySize"`
		Service   string `json:"service"`
	}
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, err
	}
	if args.Date == "" {
		return nil, errors.New("date is required")
	}
	avail, err := b.actions.CheckAvailability(ctx, repositories.AvailabilityRequest{
		BusinessID: inv.BusinessID,
		Date:       args.Date,
		Service:    args.Service,
		PartySize:  args.PartySize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}
	return map[string]interface{}{
		"date":  avail.Date,
		"slots": avail.Slots,
	}, nil
}

func (b *businessTools) scheduleAppointment(ctx context.Context, inv Invocation) (map[string]interface{}, error) {
	var args struct {
		Name    string `json:"name"`
		Phone   string `json:"phone"`
		Date    string `json:"date"`
		Time    string `json:"time"`
		Service string `json:"service"`
	}
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, err
	}
	if args.Name == "" || args.Date == "" || args.Time == "" {
		return nil, errors.New("name, date and time are required")
	}
	if args.Phone == "" {
		args.Phone = inv.CallerNumber
	}
	appt, err := b.actions.ScheduleAppointment(ctx, repositories.AppointmentRequest{
		BusinessID: inv.BusinessID,
		Name:       args.Name,
		Phone:      args.Phone,
		Date:       args.Date,
		Time:       args.Time,
		Service:    args.Service,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule appointment: %w", err)
	}
	return map[string]interface{}{
		"appointmentId": appt.ID,
		"status":        appt.Status,
		"date":          appt.Date,
		"time":          appt.Time,
	}, nil
}
