package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/dtroode/notesfed/internal/model"
)

var errStreamClosed = errors.New("stream closed")

// session scripts one Stream call of fakeSource.
type session struct {
	connect bool
	batches [][]model.FederatedOp
	err     error
}

// fakeSource replays scripted sessions and then stays connected until cancelled.
type fakeSource struct {
	mu       sync.Mutex
	sessions []session
	sinces   []int64
}

func (s *fakeSource) Stream(ctx context.Context, since int64, connected func(), deliver func([]model.FederatedOp) error) error {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	if len(s.sessions) == 0 {
		s.mu.Unlock()
		connected()
		<-ctx.Done()
		return ctx.Err()
	}
	sess := s.sessions[0]
	s.sessions = s.sessions[1:]
	s.mu.Unlock()

	if sess.connect {
		connected()
	}
	for _, batch := range sess.batches {
		if err := deliver(batch); err != nil {
			return err
		}
	}
	if sess.err == nil {
		return errStreamClosed
	}
	return sess.err
}

func (s *fakeSource) calls() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sinces...)
}

type fakeIngester struct {
	mu   sync.Mutex
	errs []error
	ops  []model.FederatedOp
}

func (i *fakeIngester) Ingest(_ context.Context, _ string, ops []model.FederatedOp) ([]model.FederatedOp, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.errs) > 0 {
		err := i.errs[0]
		i.errs = i.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	i.ops = append(i.ops, ops...)
	return ops, nil
}

func (i *fakeIngester) stored() []model.FederatedOp {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]model.FederatedOp(nil), i.ops...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(s ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnState(nil), r.states...)
}

func op(id string, ts int64) model.FederatedOp {
	return model.FederatedOp{OpID: id, ActorID: "actor", LamportTs: ts, Payload: "cGF5bG9hZA=="}
}
