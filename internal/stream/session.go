package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Done reports whether the state is absorbing.
func (s State) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Debiter settles a completed stream. ledgerdomain.Service satisfies it.
type Debiter interface {
	Debit(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.DebitResult, error)
}

type SessionConfig struct {
	UserID     string
	Capability string
	// Debiter may be nil for free capabilities; the session then never charges.
	Debiter Debiter
	Log     *zap.Logger
}

// Result is the observable outcome of a session.
type Result struct {
	SessionID      string                    `json:"session_id"`
	State          State                     `json:"-"`
	StateName      string                    `json:"state"`
	Content        string                    `json:"content,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	MessageID      string                    `json:"message_id,omitempty"`
	TaskID         string                    `json:"task_id,omitempty"`
	WorkflowRunID  string                    `json:"workflow_run_id,omitempty"`
	Usage          int64                     `json:"usage"`
	Frames         int                       `json:"frames"`
	Debit          *ledgerdomain.DebitResult `json:"debit,omitempty"`
	DebitErr       error                     `json:"-"`
	Err            error                     `json:"-"`
}

// Session follows one upstream stream from admission to settlement.
// Only a terminal frame charges credits; cancelled and failed streams never do.
type Session struct {
	mu      sync.Mutex
	id      string
	cfg     SessionConfig
	log     *zap.Logger
	decoder *Decoder
	state   State
	content strings.Builder
	result  Result
}

func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	id := ulid.Make().String()
	return &Session{
		id:      id,
		cfg:     cfg,
		log:     log.Named("stream.session").With(zap.String("session_id", id), zap.String("capability", cfg.Capability)),
		decoder: NewDecoder(),
		state:   StateIdle,
		result:  Result{SessionID: id},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves an admitted session into Streaming.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateStreaming
	return nil
}

// Feed decodes chunk and applies its frames in order, stopping at the first one that ends the session.
func (s *Session) Feed(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return fmt.Errorf("%w: feed in %s", ErrInvalidTransition, s.state)
	}

	frames, decodeErr := s.decoder.Push(chunk)
	for _, frame := range frames {
		s.apply(ctx, frame)
		if s.state.Done() {
			return s.result.Err
		}
	}
	if decodeErr != nil {
		s.fail(decodeErr)
		return decodeErr
	}
	return nil
}

// Finish handles end of input. A stream that never sent a terminal frame is truncated.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStreaming:
		if s.decoder.Pending() {
			s.log.Debug("stream ended inside a frame")
		}
		s.fail(ErrStreamTruncated)
		return ErrStreamTruncated
	case StateIdle:
		return fmt.Errorf("%w: finish from idle", ErrInvalidTransition)
	default:
		return s.result.Err
	}
}

// Cancel aborts a session that has not settled yet. It is a no-op once the session is done.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Done() {
		return
	}
	s.state = StateCancelled
	s.result.Err = ErrStreamCancelled
	s.log.Info("stream cancelled", zap.Int("frames", s.result.Frames))
}

// Fail aborts the session on a transport error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Done() {
		return
	}
	s.fail(err)
}

func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.result
	res.State = s.state
	res.StateName = s.state.String()
	res.Content = s.content.String()
	return res
}

func (s *Session) apply(ctx context.Context, frame Frame) {
	s.result.Frames++
	s.capture(frame)

	switch frame.Kind {
	case KindContent:
		s.content.WriteString(frame.Content)
	case KindMetadata:
	case KindTerminal:
		s.complete(ctx, frame)
	case KindError:
		msg := strings.TrimSpace(frame.ErrorMessage)
		if msg == "" {
			msg = frame.ErrorCode
		}
		s.fail(fmt.Errorf("%w: %s", ErrUpstreamError, msg))
	default:
		s.log.Debug("ignoring unknown frame", zap.String("event", frame.Event))
	}
}

func (s *Session) capture(frame Frame) {
	if frame.ConversationID != "" {
		s.result.ConversationID = frame.ConversationID
	}
	if frame.MessageID != "" {
		s.result.MessageID = frame.MessageID
	}
	if frame.TaskID != "" {
		s.result.TaskID = frame.TaskID
	}
	if frame.WorkflowRunID != "" {
		s.result.WorkflowRunID = frame.WorkflowRunID
	}
}

// complete settles usage. The debit outlives the caller's context so a client hanging up
// after the terminal frame cannot skip billing.
func (s *Session) complete(ctx context.Context, frame Frame) {
	s.state = StateCompleted
	s.result.Usage = frame.Usage

	if !frame.HasUsage || frame.Usage <= 0 || s.cfg.Debiter == nil {
		return
	}

	res, err := s.cfg.Debiter.Debit(context.WithoutCancel(ctx), ledgerdomain.DebitRequest{
		UserID:     s.cfg.UserID,
		Amount:     frame.Usage,
		Capability: s.cfg.Capability,
		SessionID:  s.id,
	})
	if err != nil {
		s.result.DebitErr = err
		level := s.log.Error
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			level = s.log.Warn
		}
		level("stream debit failed", zap.Int64("usage", frame.Usage), zap.Error(err))
		return
	}
	s.result.Debit = res
}

func (s *Session) fail(err error) {
	s.state = StateFailed
	s.result.Err = err
	s.log.Warn("stream failed", zap.Int("frames", s.result.Frames), zap.Error(err))
}
