// Package notification delivers best-effort in-app notifications. Delivery
// happens off the caller's goroutine; failures are logged and never reported
// back to the operation that produced the notification.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// Kind identifies what happened.
type Kind string

const (
	KindInvalidationApproved Kind = "invalidation_approved"
	KindInvalidationRejected Kind = "invalidation_rejected"
	KindPatientAssigned      Kind = "patient_assigned"
)

// Notification is one message addressed to a clinician or admin.
type Notification struct {
	ID          uuid.UUID         `json:"id"`
	RecipientID uuid.UUID         `json:"recipient_id"`
	Kind        Kind              `json:"kind"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Read        bool              `json:"read"`
	CreatedAt   time.Time         `json:"created_at"`
	Data        map[string]string `json:"-"`
}

// Store persists delivered notifications.
type Store interface {
	Save(ctx context.Context, n *Notification) error
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*Notification, int, error)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template renders the title and body for one Kind.
type Template struct {
	Kind  Kind
	Title string
	Body  string
}

// TemplateEngine holds templates keyed by Kind.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Kind]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Kind]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			Kind:  KindInvalidationApproved,
			Title: "Invalidation approved",
			Body:  "Your request to invalidate submission {{submission_id}} ({{typology}}) was approved.",
		},
		{
			Kind:  KindInvalidationRejected,
			Title: "Invalidation rejected",
			Body:  "Your request to invalidate submission {{submission_id}} ({{typology}}) was rejected.",
		},
		{
			Kind:  KindPatientAssigned,
			Title: "New patient assigned",
			Body:  "Patient {{patient_id}} ({{tier}}) has been assigned to you.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.Kind] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Kind] = &t
}

// Render performs {{key}} replacement on the template for kind. Keys present
// in the template but absent from data are left as-is.
func (e *TemplateEngine) Render(kind Kind, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template for kind %q not found", kind)
	}

	title, body = t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher renders and stores notifications asynchronously.
type Dispatcher struct {
	store     Store
	templates *TemplateEngine
	logger    zerolog.Logger
	timeout   time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. Each delivery gets its own timeout,
// detached from the caller's cancellation.
func NewDispatcher(store Store, tpl *TemplateEngine, logger zerolog.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:     store,
		templates: tpl,
		logger:    logger.With().Str("component", "notification").Logger(),
		timeout:   timeout,
		now:       time.Now,
	}
}

// Notify queues n for delivery and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deliver(ctx, &n); err != nil {
			d.logger.Warn().Err(err).
				Str("recipient_id", n.RecipientID.String()).
				Str("kind", string(n.Kind)).
				Msg("notification delivery failed")
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	if n.Title == "" {
		title, body, err := d.templates.Render(n.Kind, n.Data)
		if err != nil {
			return err
		}
		n.Title, n.Body = title, body
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = d.now().UTC()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.store.Save(ctx, n)
}

// Wait blocks until every queued delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ---------------------------------------------------------------------------
// Memory Store (test double)
// ---------------------------------------------------------------------------

// MemoryStore keeps notifications in memory.
type MemoryStore struct {
	mu            sync.Mutex
	notifications []*Notification
	ShouldFail    bool
	FailError     string
}

// Save records n, or fails when ShouldFail is set.
func (m *MemoryStore) Save(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return fmt.Errorf("save notification: %s", m.FailError)
	}
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

// ListByRecipient returns the recipient's notifications, newest first.
func (m *MemoryStore) ListByRecipient(_ context.Context, recipientID uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].RecipientID == recipientID {
			cp := *m.notifications[i]
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// All returns a copy of every stored notification in delivery order.
func (m *MemoryStore) All() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.notifications))
	for i, n := range m.notifications {
		out[i] = *n
	}
	return out
}
