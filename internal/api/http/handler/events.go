package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dtroode/notesfed/internal/fanout"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// OpReader reads the op log of a document.
type OpReader interface {
	Pull(ctx context.Context, docID string, since int64) ([]model.FederatedOp, int64, error)
}

// Subscriber registers live listeners of a document.
type Subscriber interface {
	Subscribe(docID string) (<-chan fanout.Event, func())
}

// EventStream writes server-sent event streams of document ops: the log
// after the requested timestamp first, then live ops as they are published.
type EventStream struct {
	ops        OpReader
	subscriber Subscriber
	keepAlive  time.Duration
	logger     *logger.Logger
}

const defaultKeepAlive = 30 * time.Second

// NewEventStream creates an EventStream. A non-positive keepAlive falls back to 30s.
func NewEventStream(ops OpReader, subscriber Subscriber, keepAlive time.Duration, logger *logger.Logger) *EventStream {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &EventStream{ops: ops, subscriber: subscriber, keepAlive: keepAlive, logger: logger}
}

type streamOptions struct {
	// greeting sends an initial "connected" event.
	greeting bool
	// states forwards upstream connection changes as "state" events.
	states bool
	// state is the upstream state at subscription time, if any.
	state fanout.ConnState
}

type connectedEvent struct {
	DocID string `json:"docId"`
	Since int64  `json:"since"`
}

type stateEvent struct {
	State fanout.ConnState `json:"state"`
}

func (s *EventStream) serve(w http.ResponseWriter, r *http.Request, docID string, since int64, opts streamOptions) {
	ctx := r.Context()
	log := s.logger.With("doc_id", docID)

	// subscribe before replaying so nothing published in between is lost
	events, unsubscribe := s.subscriber.Subscribe(docID)
	defer unsubscribe()

	replay, _, err := s.ops.Pull(ctx, docID, since)
	if err != nil {
		HandleError(w, err, log)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, rc: rc}
	if opts.greeting {
		sse.event("connected", connectedEvent{DocID: docID, Since: since})
	}
	if opts.states && opts.state != "" {
		sse.event("state", stateEvent{State: opts.state})
	}

	sent := make(map[string]struct{}, len(replay))
	if len(replay) > 0 {
		for _, op := range replay {
			sent[op.OpID] = struct{}{}
		}
		sse.data(replay)
	}
	if err := sse.flush(); err != nil {
		return
	}
	log.Debug("event stream opened", "since", since, "replayed", len(replay))

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed by client")
			return
		case <-ticker.C:
			sse.comment("keep-alive")
		case ev, ok := <-events:
			if !ok {
				log.Info("event stream dropped, client must resume")
				return
			}
			if ev.State != "" {
				if opts.states {
					sse.event("state", stateEvent{State: ev.State})
				}
				break
			}

			fresh := make([]model.FederatedOp, 0, len(ev.Ops))
			for _, op := range ev.Ops {
				if _, dup := sent[op.OpID]; dup {
					continue
				}
				fresh = append(fresh, op)
			}
			if len(fresh) == 0 {
				continue
			}
			sse.data(fresh)
		}

		if err := sse.flush(); err != nil {
			log.Debug("event stream write failed", "error", err)
			return
		}
	}
}

// sseWriter frames text/event-stream messages. The first write error sticks.
type sseWriter struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	err error
}

func (s *sseWriter) event(name string, v any) {
	s.write(name, v)
}

func (s *sseWriter) data(v any) {
	s.write("", v)
}

func (s *sseWriter) write(name string, v any) {
	if s.err != nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.err = fmt.Errorf("failed to encode event: %w", err)
		return
	}
	if name != "" {
		_, s.err = fmt.Fprintf(s.w, "event: %s\n", name)
		if s.err != nil {
			return
		}
	}
	_, s.err = fmt.Fprintf(s.w, "data: %s\n\n", payload)
}

func (s *sseWriter) comment(text string) {
	if s.err != nil {
		return
	}
	_, s.err = fmt.Fprintf(s.w, ": %s\n\n", text)
}

func (s *sseWriter) flush() error {
	if s.err != nil {
		return s.err
	}
	return s.rc.Flush()
}
