package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrNoTransport is returned when no registered transport owns a chat id.
var ErrNoTransport = errors.New("transport: no transport owns chat id")

const (
	sendAttempts    = 3
	sendBackoffBase = 500 * time.Millisecond
)

// OutboundRecorder persists sent messages so chat history includes the
// assistant's side. Optional.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, chatID, text string) error
}

// Manager owns the registered transports and all outbound traffic: chat id
// resolution, reply splitting, retry, and rate limiting.
type Manager struct {
	mu         sync.RWMutex
	transports []Transport
	limiter    *rate.Limiter
	recorder   OutboundRecorder
	log        *slog.Logger
}

// NewManager builds a manager. sendsPerSecond bounds outbound sends across
// all transports; zero disables the limit.
func NewManager(sendsPerSecond float64, recorder OutboundRecorder, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if sendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(sendsPerSecond), 1)
	}
	return &Manager{limiter: limiter, recorder: recorder, log: log}
}

// Register adds a transport. Registration order breaks OwnsChatID ties.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = append(m.transports, t)
}

// ConnectAll connects every registered transport with the same callbacks.
func (m *Manager) ConnectAll(ctx context.Context, cb Callbacks) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transports {
		if err := t.Connect(ctx, cb); err != nil {
			return fmt.Errorf("connect %s: %w", t.Name(), err)
		}
		m.log.Info("transport connected", "transport", t.Name())
	}
	return nil
}

// DisconnectAll stops every transport, keeping the first error.
func (m *Manager) DisconnectAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first error
	for _, t := range m.transports {
		if err := t.Disconnect(); err != nil && first == nil {
			first = fmt.Errorf("disconnect %s: %w", t.Name(), err)
		}
	}
	return first
}

// ForChat resolves the transport that owns a chat id.
func (m *Manager) ForChat(chatID string) (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transports {
		if t.OwnsChatID(chatID) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoTransport, chatID)
}

// SendReply splits text to the owning transport's size limit and delivers
// the segments in order. The first failed segment aborts the rest and is
// returned, so callers know delivery was not accepted.
func (m *Manager) SendReply(ctx context.Context, chatID, text string) error {
	t, err := m.ForChat(chatID)
	if err != nil {
		return err
	}
	for _, segment := range Split(text, t.MaxMessageSize()) {
		if err := m.sendOne(ctx, t, chatID, segment); err != nil {
			return err
		}
	}
	if m.recorder != nil {
		if err := m.recorder.RecordOutbound(ctx, chatID, text); err != nil {
			m.log.Warn("record outbound failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// sendOne delivers one segment with rate limiting and bounded retry.
func (m *Manager) sendOne(ctx context.Context, t Transport, chatID, text string) error {
	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			backoff := sendBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = t.Send(ctx, chatID, text); lastErr == nil {
			return nil
		}
		m.log.Warn("send failed",
			"transport", t.Name(), "chat", chatID,
			"attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("send to %s after %d attempts: %w", chatID, sendAttempts, lastErr)
}
