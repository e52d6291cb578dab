package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/types"
)

// RecordingSleeper returns immediately and records every requested duration.
// It still honours cancellation so cancellation paths can be exercised.
type RecordingSleeper struct {
	mu        sync.Mutex
	durations []time.Duration

	// OnSleep, when set, runs before each sleep returns (e.g. to cancel a context).
	OnSleep func(call int, d time.Duration)
}

// Sleep implements pacing.Sleeper.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.durations = append(s.durations, d)
	call := len(s.durations)
	hook := s.OnSleep
	s.mu.Unlock()

	if hook != nil {
		hook(call, d)
	}
	return ctx.Err()
}

// Durations returns the recorded sleeps.
func (s *RecordingSleeper) Durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations...)
}

// FakeCall is one request observed by FakeTransport.
type FakeCall struct {
	Target  string
	Headers http.Header
}

// FakeTransport is an in-process transport with scripted responses.
// Unscripted targets return StatusOK with the target as payload.
type FakeTransport struct {
	mu       sync.Mutex
	scripted map[string][]types.Response
	errs     map[string][]error
	calls    []FakeCall
	inFlight int
	maxIn    int

	// OnFetch, when set, runs inside every fetch before it returns.
	OnFetch func(target string)
}

// NewFakeTransport creates an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		scripted: make(map[string][]types.Response),
		errs:     make(map[string][]error),
	}
}

// Script queues responses for a target; each call consumes one.
func (f *FakeTransport) Script(target string, statuses ...types.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range statuses {
		f.scripted[target] = append(f.scripted[target], types.Response{
			Target:  target,
			Status:  st,
			Payload: []byte(target),
		})
	}
}

// ScriptResponse queues a full response for a target.
func (f *FakeTransport) ScriptResponse(target string, resp types.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[target] = append(f.scripted[target], resp)
}

// ScriptError queues a transport-level error for a target.
func (f *FakeTransport) ScriptError(target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[target] = append(f.errs[target], err)
}

// Fetch implements the transport collaborator contract.
func (f *FakeTransport) Fetch(ctx context.Context, target string, headers http.Header) (types.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Target: target, Headers: headers.Clone()})
	f.inFlight++
	if f.inFlight > f.maxIn {
		f.maxIn = f.inFlight
	}

	var resp types.Response
	var err error
	switch {
	case len(f.errs[target]) > 0:
		err = f.errs[target][0]
		f.errs[target] = f.errs[target][1:]
		resp = types.Response{Target: target, Status: types.StatusTransient}
	case len(f.scripted[target]) > 0:
		resp = f.scripted[target][0]
		f.scripted[target] = f.scripted[target][1:]
	default:
		resp = types.Response{Target: target, Status: types.StatusOK, StatusCode: http.StatusOK, Payload: []byte(target)}
	}
	hook := f.OnFetch
	f.mu.Unlock()

	if hook != nil {
		hook(target)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	return resp, err
}

// Calls returns every observed request.
func (f *FakeTransport) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// Targets returns the requested targets in order.
func (f *FakeTransport) Targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Target)
	}
	return out
}

// MaxInFlight returns the highest concurrency observed.
func (f *FakeTransport) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxIn
}
