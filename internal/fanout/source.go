package fanout

import (
	"context"
	"time"

	"github.com/dtroode/notesfed/internal/model"
)

// OpSource yields ops of one document newer than a cursor. Streaming and
// polling transports both implement it, so a Proxy can restart either from
// the last timestamp it saw.
type OpSource interface {
	// Stream calls connected once the source is live and deliver for every
	// batch of ops newer than since, until ctx is done or the source fails.
	// It never returns nil.
	Stream(ctx context.Context, since int64, connected func(), deliver func([]model.FederatedOp) error) error
}

type eventStreamer interface {
	StreamEvents(ctx context.Context, host, docID string, since int64, onOpen func(), onOps func([]model.FederatedOp) error) error
}

// StreamSource reads the server-sent event stream of a document on its host.
type StreamSource struct {
	client eventStreamer
	host   string
	docID  string
}

var _ OpSource = (*StreamSource)(nil)

func NewStreamSource(client eventStreamer, host, docID string) *StreamSource {
	return &StreamSource{client: client, host: host, docID: docID}
}

func (s *StreamSource) Stream(ctx context.Context, since int64, connected func(), deliver func([]model.FederatedOp) error) error {
	return s.client.StreamEvents(ctx, s.host, s.docID, since, connected, deliver)
}

type opPuller interface {
	PullOps(ctx context.Context, host, docID string, since int64) (model.PullOpsResponse, error)
}

// PollSource pulls the op log of a document from its host at a fixed interval.
type PollSource struct {
	client   opPuller
	host     string
	docID    string
	interval time.Duration
}

var _ OpSource = (*PollSource)(nil)

func NewPollSource(client opPuller, host, docID string, interval time.Duration) *PollSource {
	return &PollSource{client: client, host: host, docID: docID, interval: interval}
}

func (s *PollSource) Stream(ctx context.Context, since int64, connected func(), deliver func([]model.FederatedOp) error) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	cursor := since
	live := false
	for {
		resp, err := s.client.PullOps(ctx, s.host, s.docID, cursor)
		if err != nil {
			return err
		}
		if !live {
			live = true
			connected()
		}

		if len(resp.Ops) > 0 {
			if err := deliver(resp.Ops); err != nil {
				return err
			}
			cursor = max(cursor, maxLamport(resp.Ops))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func maxLamport(ops []model.FederatedOp) int64 {
	var ts int64
	for _, op := range ops {
		ts = max(ts, op.LamportTs)
	}
	return ts
}
