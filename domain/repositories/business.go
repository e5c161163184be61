package repositories

import (
	"context"
	"time"
)

// OrderItem is one line of an order placed during a call
type OrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// OrderRequest is the input of CreateOrder
type OrderRequest struct {
	BusinessID   string      `json:"business_id"`
	SessionID    string      `json:"session_id"`
	CallerNumber string      `json:"caller_number"`
	Items        []OrderItem `json:"items"`
	Total        float64     `json:"total"`
	Notes        string      `json:"notes,omitempty"`
}

// Order is the created order
type Order struct {
	ID        string    `json:"order_id"`
	Status    string    `json:"status"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentRequest is the input of CapturePayment
type PaymentRequest struct {
	BusinessID string  `json:"business_id"`
	OrderID    string  `json:"order_id"`
	Amount     float64 `json:"amount"`
	Method     string  `json:"method,omitempty"`
}

// Payment is a captured payment
type Payment struct {
	ID     string  `json:"payment_id"`
	Status string  `json:"status"`
	Amount float64 `json:"amount"`
}

// BusinessInfo describes the business the agent represents
type BusinessInfo struct {
	Name     string            `json:"name"`
	Address  string            `json:"address,omitempty"`
	Phone    string            `json:"phone,omitempty"`
	Hours    map[string]string `json:"hours,omitempty"`
	Services []string          `json:"services,omitempty"`
}

// AvailabilityRequest is the input of CheckAvailability
type AvailabilityRequest struct {
	BusinessID string `json:"business_id"`
	Date       string `json:"date"`
	Service    string `json:"service,omitempty"`
	PartySize  int    `json:"party_size,omitempty"`
}

// Availability lists open slots for a date
type Availability struct {
	Date  string   `json:"date"`
	Slots []string `json:"slots"`
}

// AppointmentRequest is the input of ScheduleAppointment
type AppointmentRequest struct {
	BusinessID string `json:"business_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Service    string `json:"service,omitempty"`
}

// Appointment is a scheduled appointment
type Appointment struct {
	ID     string `json:"appointment_id"`
	Status string `json:"status"`
	Date   string `json:"date"`
	Time   string `json:"time"`
}

// BusinessActions is the synchronous contract with the business-action collaborators.
// Implementations must be safe for concurrent use from many call sessions.
type BusinessActions interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CapturePayment(ctx context.Context, req PaymentRequest) (*Payment, error)
	GetBusinessInfo(ctx context.Context, businessID string) (*BusinessInfo, error)
	CheckAvailability(ctx context.Context, req AvailabilityRequest) (*Availability, error)
	ScheduleAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error)
}
