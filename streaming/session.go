package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/streamvisit/tracing"
	"github.com/poiesic/streamvisit/visit"
)

// Session is a running in-process visit.
type Session struct {
	id     string
	trace  *tracing.Trace
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc // releases the visitor timeout, may be nil

	wg   sync.WaitGroup
	done chan struct{}

	mu  sync.Mutex
	err error
}

var _ visit.Session = (*Session)(nil)

func newSession(id string, trace *tracing.Trace, logger *slog.Logger) *Session {
	return &Session{
		id:     id,
		trace:  trace,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string {
	return s.id
}

// WaitUntilDone blocks until every visitor has returned, timeout passes or
// ctx is done.
func (s *Session) WaitUntilDone(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		select {
		case <-s.done:
			return true, s.Err()
		default:
			return false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true, s.Err()
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Abort stops every visitor of the session. Batches already delivered stay
// delivered; no batch is delivered after Abort returns unless a visitor was
// already handing one over.
func (s *Session) Abort() {
	select {
	case <-s.done:
		return
	default:
	}
	s.trace.Addf(traceLevelSession, "session %s aborted", s.id)
	s.cancel(ErrAborted)
}

// Trace returns the trace of the session.
func (s *Session) Trace() *tracing.Trace {
	return s.trace
}

// Done is closed when every visitor has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure of the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the first failure and stops the remaining visitors.
func (s *Session) fail(err error) {
	s.mu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	s.mu.Unlock()
	if first {
		s.logger.Debug("visit session failed", "session", s.id, "err", err)
		s.trace.Addf(traceLevelSession, "session %s failed: %v", s.id, err)
		s.cancel(err)
	}
}

func (s *Session) finish() {
	if s.Err() == nil {
		s.trace.Addf(traceLevelSession, "session %s completed", s.id)
	}
	if s.stop != nil {
		s.stop()
	}
	s.cancel(errSessionDone)
	close(s.done)
}
