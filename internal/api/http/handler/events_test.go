package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/notesfed/internal/fanout"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/testutil"
)

type frame struct {
	event string
	data  string
}

// parseFrames splits a recorded event stream into frames. Comment frames are
// reported with event ":".
func parseFrames(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" {
			continue
		}
		var f frame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, ": "):
				f.event = ":"
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			default:
				t.Fatalf("unexpected stream line %q", line)
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func decodeOps(t *testing.T, data string) []string {
	t.Helper()
	var ops []model.FederatedOp
	require.NoError(t, json.Unmarshal([]byte(data), &ops))
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.OpID)
	}
	return ids
}

func testOp(id string, ts int64) model.FederatedOp {
	return model.FederatedOp{OpID: id, ActorID: "alice", LamportTs: ts, Payload: "cGF5bG9hZA==", Signature: "c2ln"}
}

func TestEventStream_ReplaysThenStreamsLive(t *testing.T) {
	ops := new(MockOpLog)
	ops.On("Pull", mock.Anything, "doc-1", int64(1)).
		Return([]model.FederatedOp{testOp("a1", 2), testOp("a2", 3)}, int64(3), nil)

	sub := &scriptedSubscriber{events: []fanout.Event{
		{Ops: []model.FederatedOp{testOp("a2", 3), testOp("a3", 4)}},
		{State: fanout.StateConnected},
		{Ops: []model.FederatedOp{testOp("a2", 3)}},
		{Ops: []model.FederatedOp{testOp("a4", 5)}},
	}}
	stream := NewEventStream(ops, sub, time.Minute, testutil.MakeNoopLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/federation/doc/doc-1/events?since=1", nil)
	stream.serve(rec, req, "doc-1", 1, streamOptions{})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, []string{"a1", "a2"}, decodeOps(t, frames[0].data))
	assert.Equal(t, []string{"a3"}, decodeOps(t, frames[1].data))
	assert.Equal(t, []string{"a4"}, decodeOps(t, frames[2].data))
	for _, f := range frames {
		assert.Empty(t, f.event)
	}
	assert.True(t, sub.unsubscribed)
}

func TestEventStream_GreetingAndStates(t *testing.T) {
	ops := new(MockOpLog)
	ops.On("Pull", mock.Anything, "doc-1", int64(0)).Return([]model.FederatedOp(nil), int64(0), nil)

	sub := &scriptedSubscriber{events: []fanout.Event{
		{State: fanout.StateConnected},
		{Ops: []model.FederatedOp{testOp("b1", 1)}},
		{State: fanout.StateDisconnected},
	}}
	stream := NewEventStream(ops, sub, time.Minute, testutil.MakeNoopLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/client/doc/doc-1/events", nil)
	stream.serve(rec, req, "doc-1", 0, streamOptions{greeting: true, states: true, state: fanout.StateConnecting})

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 5)

	assert.Equal(t, "connected", frames[0].event)
	assert.JSONEq(t, `{"docId":"doc-1","since":0}`, frames[0].data)
	assert.Equal(t, "state", frames[1].event)
	assert.JSONEq(t, `{"state":"connecting"}`, frames[1].data)
	assert.Equal(t, "state", frames[2].event)
	assert.JSONEq(t, `{"state":"connected"}`, frames[2].data)
	assert.Empty(t, frames[3].event)
	assert.Equal(t, []string{"b1"}, decodeOps(t, frames[3].data))
	assert.JSONEq(t, `{"state":"disconnected"}`, frames[4].data)
}

func TestEventStream_PullFailure(t *testing.T) {
	ops := new(MockOpLog)
	ops.On("Pull", mock.Anything, "doc-1", int64(0)).Return(nil, int64(0), errors.New("db down"))

	sub := &scriptedSubscriber{}
	stream := NewEventStream(ops, sub, time.Minute, testutil.MakeNoopLogger())

	rec := httptest.NewRecorder()
	stream.serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), "doc-1", 0, streamOptions{})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, sub.unsubscribed)
}

func TestEventStream_KeepAlive(t *testing.T) {
	ops := new(MockOpLog)
	ops.On("Pull", mock.Anything, "doc-1", int64(0)).Return([]model.FederatedOp(nil), int64(0), nil)

	registry := fanout.NewRegistry(4, testutil.MakeNoopLogger())
	stream := NewEventStream(ops, registry, 10*time.Millisecond, testutil.MakeNoopLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream.serve(w, r, "doc-1", 0, streamOptions{})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, len(": keep-alive\n\n"))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, ": keep-alive\n\n", string(buf))
}
