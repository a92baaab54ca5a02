// Package service is the produced interface of the research core:
// StartRun kicks off an asynchronous run, StreamEvents delivers its
// stage transitions, GetResult returns the terminal result. Everything
// behind it is internal.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/budget"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/run"
	"github.com/meridian-research/meridian/internal/streaming"
)

// ErrRunNotFound is returned for run IDs this process has never seen.
var ErrRunNotFound = errors.New("run not found")

// ErrRunInProgress is returned by GetResult while a run is still moving
// through its stages.
var ErrRunInProgress = errors.New("run still in progress")

// UserContext identifies the caller of a run. The tier gates budgets
// and premium stages; the user ID is carried for logging only.
type UserContext struct {
	UserID string
	Tier   string
}

// Service owns the run registry and hands work to the sequencer. Safe
// for concurrent use; concurrent runs share only the cache and the
// provider registry underneath the sequencer.
type Service struct {
	resolver  *budget.Resolver
	sequencer *run.Sequencer
	stream    *streaming.Manager
	logger    *zap.Logger

	mu   sync.RWMutex
	runs map[string]*runState
}

type runState struct {
	done   chan struct{}
	result *models.RunResult
	cancel context.CancelFunc
}

// New wires a service over its collaborators.
func New(resolver *budget.Resolver, sequencer *run.Sequencer, stream *streaming.Manager, logger *zap.Logger) *Service {
	return &Service{
		resolver:  resolver,
		sequencer: sequencer,
		stream:    stream,
		logger:    logger,
		runs:      make(map[string]*runState),
	}
}

// StartRun validates the request, assigns a run ID, and launches the
// run asynchronously. Budget resolution errors (unknown mode, premium
// gating) are returned synchronously; everything after that is reported
// through the event stream and GetResult.
func (s *Service) StartRun(ctx context.Context, queryText, mode string, user UserContext) (string, error) {
	tier := user.Tier
	if tier == "" {
		tier = models.TierFree
	}
	b, err := s.resolver.Resolve(tier, mode)
	if err != nil {
		return "", fmt.Errorf("resolve budget: %w", err)
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &runState{done: make(chan struct{}), cancel: cancel}

	s.mu.Lock()
	s.runs[runID] = st
	s.mu.Unlock()

	s.logger.Info("Run started",
		zap.String("run_id", runID),
		zap.String("user_id", user.UserID),
		zap.String("mode", mode),
		zap.String("tier", tier),
	)

	go func() {
		defer cancel()
		result := s.sequencer.Execute(runCtx, runID, queryText, b)
		s.mu.Lock()
		st.result = result
		s.mu.Unlock()
		close(st.done)
	}()
	return runID, nil
}

// CancelRun aborts an in-flight run. The run still reaches a terminal
// state (failed, reason canceled) and remains queryable.
func (s *Service) CancelRun(runID string) error {
	s.mu.RLock()
	st, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}
	st.cancel()
	return nil
}

// StreamEvents returns a finite channel of the run's stage events,
// starting from the beginning. The channel closes after the terminal
// event. Call it as many times as needed; each call replays the full
// history.
func (s *Service) StreamEvents(runID string) (<-chan streaming.Event, error) {
	s.mu.RLock()
	st, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}

	// Subscribe before reading history so no event falls in the gap;
	// the overlap is deduplicated by sequence number.
	live := s.stream.Subscribe(runID, 64)
	history := s.stream.History(runID)

	out := make(chan streaming.Event, 64)
	go func() {
		defer close(out)
		var next uint64
		terminal := false
		for _, evt := range history {
			out <- evt
			next = evt.Seq + 1
			terminal = terminal || evt.Terminal
		}
		if terminal {
			s.stream.Unsubscribe(runID, live)
			// Drain whatever publish raced in before unsubscribe.
			for range live {
			}
			return
		}
		for {
			select {
			case evt, ok := <-live:
				if !ok {
					return
				}
				if evt.Seq < next {
					continue
				}
				out <- evt
				next = evt.Seq + 1
				if evt.Terminal {
					return
				}
			case <-st.done:
				// The sequencer always publishes a terminal event
				// before finishing, so the channel close arrives; this
				// guards subscriber channels orphaned by a replay race.
				s.stream.Unsubscribe(runID, live)
				for evt := range live {
					if evt.Seq >= next {
						out <- evt
					}
				}
				return
			}
		}
	}()
	return out, nil
}

// GetResult returns the terminal result for a run, or ErrRunInProgress
// while it is still executing. Waits for completion only as long as the
// caller's context allows when the run is already terminal-bound.
func (s *Service) GetResult(ctx context.Context, runID string) (*models.RunResult, error) {
	s.mu.RLock()
	st, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-st.done:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return st.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrRunInProgress
	}
}

// WaitResult blocks until the run reaches a terminal state or the
// context expires.
func (s *Service) WaitResult(ctx context.Context, runID string) (*models.RunResult, error) {
	s.mu.RLock()
	st, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-st.done:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return st.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops a finished run from the registry and releases its event
// history. No-op for unknown or still-running IDs.
func (s *Service) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	if !ok {
		return
	}
	select {
	case <-st.done:
		delete(s.runs, runID)
		s.stream.Forget(runID)
	default:
	}
}
