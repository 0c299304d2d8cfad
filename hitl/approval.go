// Package hitl provides the human-in-the-loop gates the orchestration core
// blocks on: plan approval, destructive-tool approval, continue prompts, and
// the review gate that resumes suspended tasks.
//
// A gate request parks the calling goroutine on a response channel until an
// external channel (UI, API, test) resolves it, or the request times out.
// Gate state is scoped to one manager instance; tearing down the manager
// tears down all pending requests, so no listeners leak across sessions.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/iterflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GateType identifies what kind of decision a request asks for.
type GateType string

const (
	GateTypePlanApproval GateType = "plan_approval"
	GateTypeToolApproval GateType = "tool_approval"
	GateTypeContinue     GateType = "continue"
)

// GateStatus tracks a request's lifecycle.
type GateStatus string

const (
	GateStatusPending  GateStatus = "pending"
	GateStatusApproved GateStatus = "approved"
	GateStatusRejected GateStatus = "rejected"
	GateStatusTimeout  GateStatus = "timeout"
)

// Request is one pending approval request.
type Request struct {
	ID          string     `json:"id"`
	Type        GateType   `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Payload     any        `json:"payload,omitempty"`
	Status      GateStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Timeout     time.Duration
}

// Response is the human decision for a request. For plan approvals, Payload
// may carry an edited plan that replaces the proposed one.
type Response struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// Handler is notified when a new request is created, so a UI or API layer
// can surface it. Handlers run on their own goroutines.
type Handler func(req *Request)

type pendingRequest struct {
	req        *Request
	responseCh chan *Response
}

// ApprovalManager owns the pending approval requests for one session.
type ApprovalManager struct {
	mu             sync.Mutex
	pending        map[string]*pendingRequest
	handlers       []Handler
	defaultTimeout time.Duration
	logger         *zap.Logger
	closed         bool
}

// NewApprovalManager creates a manager. defaultTimeout bounds how long a
// request without its own timeout waits (zero means 24h).
func NewApprovalManager(defaultTimeout time.Duration, logger *zap.Logger) *ApprovalManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimeout == 0 {
		defaultTimeout = 24 * time.Hour
	}
	return &ApprovalManager{
		pending:        make(map[string]*pendingRequest),
		defaultTimeout: defaultTimeout,
		logger:         logger.With(zap.String("component", "approval_manager")),
	}
}

// OnRequest registers a handler notified of every new request.
func (m *ApprovalManager) OnRequest(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Request creates a pending request and blocks until it is resolved, times
// out, or ctx is cancelled.
func (m *ApprovalManager) Request(ctx context.Context, gateType GateType, title, description string, payload any) (*Response, error) {
	req := &Request{
		ID:          uuid.NewString(),
		Type:        gateType,
		Title:       title,
		Description: description,
		Payload:     payload,
		Status:      GateStatusPending,
		CreatedAt:   time.Now(),
		Timeout:     m.defaultTimeout,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("approval manager is closed")
	}
	pending := &pendingRequest{req: req, responseCh: make(chan *Response, 1)}
	m.pending[req.ID] = pending
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("approval requested",
		zap.String("id", req.ID),
		zap.String("type", string(gateType)),
		zap.String("title", title),
	)

	for _, h := range handlers {
		go h(req)
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case resp := <-pending.responseCh:
		return resp, nil
	case <-timer.C:
		m.finalize(req, GateStatusTimeout)
		return nil, types.NewErrorf(types.ErrApprovalTimeout, "approval request %s timed out after %s", req.ID, req.Timeout)
	case <-ctx.Done():
		m.finalize(req, GateStatusTimeout)
		return nil, ctx.Err()
	}
}

// Resolve answers a pending request.
func (m *ApprovalManager) Resolve(requestID string, resp *Response) error {
	m.mu.Lock()
	pending, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval request not found or already resolved: %s", requestID)
	}
	delete(m.pending, requestID)
	m.mu.Unlock()

	now := time.Now()
	pending.req.ResolvedAt = &now
	if resp.Approved {
		pending.req.Status = GateStatusApproved
	} else {
		pending.req.Status = GateStatusRejected
	}

	m.logger.Info("approval resolved",
		zap.String("id", requestID),
		zap.Bool("approved", resp.Approved),
	)

	select {
	case pending.responseCh <- resp:
	default:
	}
	return nil
}

// Pending returns the currently unresolved requests.
func (m *ApprovalManager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	return out
}

// Close tears down the manager. Pending requesters receive a rejection.
func (m *ApprovalManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, p := range m.pending {
		select {
		case p.responseCh <- &Response{Approved: false, Comment: "session closed"}:
		default:
		}
		delete(m.pending, id)
	}
	m.handlers = nil
}

func (m *ApprovalManager) finalize(req *Request, status GateStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, req.ID)
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
}
