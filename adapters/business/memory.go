package business

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/voxbridge/domain/repositories"
)

var (
	ErrBusinessNotFound = errors.New("business not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrSlotUnavailable  = errors.New("slot unavailable")
)

// Order statuses
const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
)

var defaultSlots = []string{"09:00", "10:00", "11:00", "13:00", "14:00", "15:00", "16:00"}

// Business is one tenant known to the in-memory store
type Business struct {
	ID       string
	Info     repositories.BusinessInfo
	Profiles map[string]repositories.AgentProfile // agent type -> profile
}

type storedOrder struct {
	order      repositories.Order
	businessID string
	request    repositories.OrderRequest
	paid       float64
}

// MemoryStore is an in-memory implementation of BusinessActions and ProfileSource.
// It backs local development and tests; production deployments point at the
// business records service instead.
type MemoryStore struct {
	mu           sync.RWMutex
	businesses   map[string]*Business                // id -> business
	orders       map[string]*storedOrder             // order id -> order
	payments     map[string]repositories.Payment     // payment id -> payment
	appointments map[string]map[string]string        // business id -> "date time" -> appointment id
	booked       map[string]repositories.Appointment // appointment id -> appointment
	now          func() time.Time
}

// Ensure MemoryStore implements the collaborator interfaces
var (
	_ repositories.BusinessActions = (*MemoryStore)(nil)
	_ repositories.ProfileSource   = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		businesses:   make(map[string]*Business),
		orders:       make(map[string]*storedOrder),
		payments:     make(map[string]repositories.Payment),
		appointments: make(map[string]map[string]string),
		booked:       make(map[string]repositories.Appointment),
		now:          time.Now,
	}
}

// AddBusiness registers or replaces a business
func (m *MemoryStore) AddBusiness(b Business) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Profiles == nil {
		b.Profiles = make(map[string]repositories.AgentProfile)
	}
	m.businesses[b.ID] = &b
}

func (m *MemoryStore) business(id string) (*Business, error) {
	b, ok := m.businesses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusinessNotFound, id)
	}
	return b, nil
}

// GetAgentProfile implements repositories.ProfileSource
func (m *MemoryStore) GetAgentProfile(ctx context.Context, businessID, agentType string) (*repositories.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.business(businessID)
	if err != nil {
		return nil, err
	}
	profile, ok := b.Profiles[agentType]
	if !ok {
		profile, ok = b.Profiles[""]
	}
	if !ok {
		return nil, fmt.Errorf("no %q agent profile for business %s", agentType, businessID)
	}
	return &profile, nil
}

// CreateOrder implements repositories.BusinessActions
func (m *MemoryStore) CreateOrder(ctx context.Context, req repositories.OrderRequest) (*repositories.Order, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("order has no items")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.BusinessID != "" {
		if _, err := m.business(req.BusinessID); err != nil {
			return nil, err
		}
	}

	order := repositories.Order{
		ID:        uuid.New().String(),
		Status:    OrderStatusPending,
		Total:     req.Total,
		CreatedAt: m.now(),
	}
	m.orders[order.ID] = &storedOrder{order: order, businessID: req.BusinessID, request: req}
	return &order, nil
}

// CapturePayment implements repositories.BusinessActions
func (m *MemoryStore) CapturePayment(ctx context.Context, req repositories.PaymentRequest) (*repositories.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[req.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}
	if req.BusinessID != "" && stored.businessID != req.BusinessID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}
	if stored.paid+req.Amount > stored.order.Total+0.01 {
		return nil, fmt.Errorf("amount %.2f exceeds outstanding balance %.2f", req.Amount, stored.order.Total-stored.paid)
	}

	stored.paid += req.Amount
	if stored.paid >= stored.order.Total-0.01 {
		stored.order.Status = OrderStatusPaid
	}
	payment := repositories.Payment{
		ID:     uuid.New().String(),
		Status: "captured",
		Amount: req.Amount,
	}
	m.payments[payment.ID] = payment
	return &payment, nil
}

// GetBusinessInfo implements repositories.BusinessActions
func (m *MemoryStore) GetBusinessInfo(ctx context.Context, businessID string) (*repositories.BusinessInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.business(businessID)
	if err != nil {
		return nil, err
	}
	info := b.Info
	return &info, nil
}

// CheckAvailability implements repositories.BusinessActions
func (m *MemoryStore) CheckAvailability(ctx context.Context, req repositories.AvailabilityRequest) (*repositories.Availability, error) {
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", req.Date, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.business(req.BusinessID); err != nil {
		return nil, err
	}
	taken := m.appointments[req.BusinessID]
	slots := make([]string, 0, len(defaultSlots))
	for _, slot := range defaultSlots {
		if _, booked := taken[req.Date+" "+slot]; !booked {
			slots = append(slots, slot)
		}
	}
	sort.Strings(slots)
	return &repositories.Availability{Date: req.Date, Slots: slots}, nil
}

// ScheduleAppointment implements repositories.BusinessActions
func (m *MemoryStore) ScheduleAppointment(ctx context.Context, req repositories.AppointmentRequest) (*repositories.Appointment, error) {
	if _, err := time.Parse("2006-01-02 15:04", req.Date+" "+req.Time); err != nil {
		return nil, fmt.Errorf("invalid date/time: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.business(req.BusinessID); err != nil {
		return nil, err
	}
	key := req.Date + " " + req.Time
	if m.appointments[req.BusinessID] == nil {
		m.appointments[req.BusinessID] = make(map[string]string)
	}
	if _, taken := m.appointments[req.BusinessID][key]; taken {
		return nil, fmt.Errorf("%w: %s", ErrSlotUnavailable, key)
	}

	appt := repositories.Appointment{
		ID:     uuid.New().String(),
		Status: "confirmed",
		Date:   req.Date,
		Time:   req.Time,
	}
	m.appointments[req.BusinessID][key] = appt.ID
	m.booked[appt.ID] = appt
	return &appt, nil
}

// Order returns a stored order by id
func (m *MemoryStore) Order(id string) (repositories.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.orders[id]
	if !ok {
		return repositories.Order{}, false
	}
	return stored.order, true
}
