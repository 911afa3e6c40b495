package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alphame/callbridge/internal/admission"
	"github.com/alphame/callbridge/internal/protocol"
	"github.com/alphame/callbridge/internal/registry"
	"github.com/alphame/callbridge/internal/sink"
)

type fakeConn struct {
	frames chan []byte

	mu         sync.Mutex
	sent       []string
	closed     bool
	closeCount int
	closeCh    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.frames:
		return websocket.TextMessage, raw, nil
	case <-c.closeCh:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"}
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, string(raw))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

func (c *fakeConn) deliver(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.frames <- raw
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

type stubDialer struct {
	conn FrameConn
	err  error
}

func (d stubDialer) DialUpstream(ctx context.Context) (FrameConn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type sinkCall struct {
	what     string
	callID   string
	streamID string
	msg      sink.Message
	duration time.Duration
	known    bool
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) record(c sinkCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recordingSink) RecordCallConnected(ctx context.Context, callID, streamID string) error {
	r.record(sinkCall{what: "connected", callID: callID, streamID: streamID})
	return nil
}

func (r *recordingSink) RecordCallEnded(ctx context.Context, callID string) error {
	r.record(sinkCall{what: "ended", callID: callID})
	return nil
}

func (r *recordingSink) RecordMessage(ctx context.Context, callID string, msg sink.Message) error {
	r.record(sinkCall{what: "message", callID: callID, msg: msg})
	return nil
}

func (r *recordingSink) RecordCallFinalized(ctx context.Context, callID string, duration time.Duration, known bool) error {
	r.record(sinkCall{what: "finalized", callID: callID, duration: duration, known: known})
	return nil
}

func (r *recordingSink) RecordCallFailed(ctx context.Context, callID, reason string) error {
	r.record(sinkCall{what: "failed", callID: callID})
	return nil
}

func (r *recordingSink) snapshot() []sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sinkCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingSink) count(what string) int {
	n := 0
	for _, c := range r.snapshot() {
		if c.what == what {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for start := time.Now(); time.Since(start) < 2*time.Second; {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testEnv struct {
	session    *Session
	downstream *fakeConn
	upstream   *fakeConn
	events     *recordingSink
	registry   *registry.Registry
	calls      *admission.Controller
	upstreams  *admission.Controller
	runErr     chan error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRegistry(t, registry.New())
}

func newTestEnvWithRegistry(t *testing.T, reg *registry.Registry) *testEnv {
	t.Helper()
	env := &testEnv{
		downstream: newFakeConn(),
		upstream:   newFakeConn(),
		events:     &recordingSink{},
		registry:   reg,
		calls:      admission.NewController(4),
		upstreams:  admission.NewController(4),
		runErr:     make(chan error, 1),
	}
	permit, err := env.calls.TryAcquire()
	if err != nil {
		t.Fatalf("acquire call permit: %v", err)
	}
	env.session = NewSession(Params{
		Sink:            env.events,
		Registry:        env.registry,
		Downstream:      env.downstream,
		Upstream:        stubDialer{conn: env.upstream},
		UpstreamPermits: env.upstreams,
		CallPermit:      permit,
		SessionOptions: protocol.SessionOptions{
			Voice:         "sage",
			Instructions:  "be helpful",
			Temperature:   0.8,
			AudioFormat:   "g711_ulaw",
			TranscribeSTT: "whisper-1",
		},
		AcquireTimeout: time.Second,
	})
	return env
}

func (e *testEnv) run(ctx context.Context) {
	go func() { e.runErr <- e.session.Run(ctx) }()
}

func (e *testEnv) start(t *testing.T, callID, streamID string) {
	t.Helper()
	var frame protocol.StreamStart
	frame.Event = protocol.EventStart
	frame.Start.CallSID = callID
	frame.Start.StreamSID = streamID
	e.downstream.deliver(t, frame)
	waitFor(t, "stream start", func() bool { return e.session.StreamID() == streamID })
}

func (e *testEnv) media(t *testing.T, payload string) {
	t.Helper()
	var frame protocol.StreamMedia
	frame.Event = protocol.EventMedia
	frame.Media.Payload = payload
	e.downstream.deliver(t, frame)
}

func (e *testEnv) stopAndWait(t *testing.T) error {
	t.Helper()
	e.downstream.deliver(t, protocol.StreamStop{Event: protocol.EventStop})
	select {
	case err := <-e.runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after stop")
		return nil
	}
}

func TestSessionConfiguredBeforeForwarding(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())

	waitFor(t, "session config", func() bool { return len(env.upstream.written()) >= 1 })
	first := env.upstream.written()[0]
	if !strings.Contains(first, `"type":"session.update"`) {
		t.Fatalf("first upstream frame = %s, want session.update", first)
	}
	if !strings.Contains(first, `"server_vad"`) || !strings.Contains(first, `"sage"`) {
		t.Fatalf("session config missing expected fields: %s", first)
	}

	env.start(t, "CA100", "MZ100")
	env.media(t, "AAAA")
	waitFor(t, "media forwarded", func() bool { return len(env.upstream.written()) >= 2 })
	second := env.upstream.written()[1]
	if !strings.Contains(second, `"input_audio_buffer.append"`) || !strings.Contains(second, `"AAAA"`) {
		t.Fatalf("forwarded frame = %s, want audio append", second)
	}

	if err := env.stopAndWait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestFullCallFlow(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	env.start(t, "CA200", "MZ200")

	if got := env.session.CallID(); got != "CA200" {
		t.Fatalf("call id = %q, want CA200", got)
	}
	if _, err := env.registry.Lookup("CA200"); err != nil {
		t.Fatalf("session not registered: %v", err)
	}

	env.media(t, "Zm9v")
	env.upstream.deliver(t, protocol.ResponseAudioDelta{
		Type: protocol.TypeResponseAudioDelta, ResponseID: "resp_1", Delta: "YmFy",
	})
	waitFor(t, "assistant audio forwarded", func() bool {
		for _, raw := range env.downstream.written() {
			if strings.Contains(raw, `"streamSid":"MZ200"`) && strings.Contains(raw, `"YmFy"`) {
				return true
			}
		}
		return false
	})

	if err := env.stopAndWait(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	calls := env.events.snapshot()
	if len(calls) == 0 {
		t.Fatalf("no sink calls recorded")
	}
	if calls[0].what != "connected" || calls[0].callID != "CA200" || calls[0].streamID != "MZ200" {
		t.Fatalf("first sink call = %+v, want connected CA200/MZ200", calls[0])
	}
	last := calls[len(calls)-1]
	if last.what != "finalized" || !last.known {
		t.Fatalf("last sink call = %+v, want finalized with known duration", last)
	}
	if env.events.count("ended") != 1 {
		t.Fatalf("ended notifications = %d, want 1", env.events.count("ended"))
	}

	if _, err := env.registry.Lookup("CA200"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("registry entry survived teardown: %v", err)
	}
	if n := env.upstreams.Count(); n != 0 {
		t.Fatalf("outstanding upstream permits = %d, want 0", n)
	}
	if n := env.calls.Count(); n != 0 {
		t.Fatalf("outstanding call permits = %d, want 0", n)
	}
}

func TestAudioBeforeStartDropped(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	waitFor(t, "session config", func() bool { return len(env.upstream.written()) >= 1 })

	env.upstream.deliver(t, protocol.ResponseAudioDelta{
		Type: protocol.TypeResponseAudioDelta, Delta: "orphan",
	})
	// The drop is silent downstream; give the loop a moment then check.
	time.Sleep(50 * time.Millisecond)
	if n := len(env.downstream.written()); n != 0 {
		t.Fatalf("downstream writes = %d, want 0 before start", n)
	}
	if got := env.session.State(); got != StateAwaitingStart {
		t.Fatalf("state = %s, want %s", got, StateAwaitingStart)
	}

	env.start(t, "CA300", "MZ300")
	env.upstream.deliver(t, protocol.ResponseAudioDelta{
		Type: protocol.TypeResponseAudioDelta, Delta: "wanted",
	})
	waitFor(t, "post-start audio", func() bool {
		for _, raw := range env.downstream.written() {
			if strings.Contains(raw, `"wanted"`) {
				return true
			}
		}
		return false
	})

	if err := env.stopAndWait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMediaOrderPreserved(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	env.start(t, "CA250", "MZ250")

	payloads := []string{"bTE=", "bTI=", "bTM="}
	for _, p := range payloads {
		env.media(t, p)
	}
	waitFor(t, "all media forwarded", func() bool { return len(env.upstream.written()) >= 1+len(payloads) })

	frames := env.upstream.written()[1:]
	for i, p := range payloads {
		if !strings.Contains(frames[i], p) {
			t.Fatalf("frame %d = %s, want payload %s", i, frames[i], p)
		}
	}

	if err := env.stopAndWait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDuplicateStartIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	env.start(t, "CA400", "MZ400")

	var dup protocol.StreamStart
	dup.Event = protocol.EventStart
	dup.Start.CallSID = "CA401"
	dup.Start.StreamSID = "MZ401"
	env.downstream.deliver(t, dup)

	env.media(t, "cGluZw==")
	waitFor(t, "media after duplicate start", func() bool { return len(env.upstream.written()) >= 2 })

	if got := env.session.StreamID(); got != "MZ400" {
		t.Fatalf("stream id = %q, want original MZ400", got)
	}
	if got := env.session.CallID(); got != "CA400" {
		t.Fatalf("call id = %q, want original CA400", got)
	}

	if err := env.stopAndWait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDuplicateCallRejected(t *testing.T) {
	shared := registry.New()

	owner := newTestEnvWithRegistry(t, shared)
	owner.run(context.Background())
	owner.start(t, "CA900", "MZ900")

	late := newTestEnvWithRegistry(t, shared)
	late.run(context.Background())
	waitFor(t, "late session config", func() bool { return len(late.upstream.written()) >= 1 })

	var frame protocol.StreamStart
	frame.Event = protocol.EventStart
	frame.Start.CallSID = "CA900"
	frame.Start.StreamSID = "MZ901"
	late.downstream.deliver(t, frame)

	var runErr error
	select {
	case runErr = <-late.runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("second session for the same call kept running")
	}
	if !errors.Is(runErr, registry.ErrDuplicateSession) {
		t.Fatalf("run error = %v, want ErrDuplicateSession", runErr)
	}
	if got := late.session.State(); got != StateClosed {
		t.Fatalf("late session state = %s, want %s", got, StateClosed)
	}
	if n := late.upstreams.Count(); n != 0 {
		t.Fatalf("late session upstream permits = %d, want 0", n)
	}
	if n := late.calls.Count(); n != 0 {
		t.Fatalf("late session call permits = %d, want 0", n)
	}

	// The rejected session must leave the owner's records alone: no
	// connected, failed or finalized entries under its call identifier.
	for _, what := range []string{"connected", "failed", "finalized"} {
		if n := late.events.count(what); n != 0 {
			t.Fatalf("rejected session recorded %q %d times, want 0", what, n)
		}
	}

	got, err := shared.Lookup("CA900")
	if err != nil {
		t.Fatalf("owner lost its registry entry: %v", err)
	}
	if got.(*Session) != owner.session {
		t.Fatalf("registry entry for CA900 no longer points at the owner")
	}
	if n := shared.Len(); n != 1 {
		t.Fatalf("registry size = %d, want 1 after rejection", n)
	}

	// The owner keeps relaying.
	owner.media(t, "c3RpbGw=")
	waitFor(t, "owner media forwarded", func() bool { return len(owner.upstream.written()) >= 2 })

	if err := owner.stopAndWait(t); err != nil {
		t.Fatalf("owner run: %v", err)
	}
}

func TestStartlessSessionEvicted(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	waitFor(t, "session config", func() bool { return len(env.upstream.written()) >= 1 })

	// A connection that never sends its start event is still visible to the
	// eviction sweep under its provisional key.
	if n := env.registry.Len(); n != 1 {
		t.Fatalf("registry size = %d, want 1 before start event", n)
	}
	expired := env.registry.SweepExpired(0)
	if len(expired) != 1 {
		t.Fatalf("expired sessions = %d, want 1", len(expired))
	}
	expired[0].Teardown("stale session evicted")

	select {
	case err := <-env.runErr:
		if err != nil {
			t.Fatalf("run after eviction = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session kept running after eviction")
	}
	if n := env.registry.Len(); n != 0 {
		t.Fatalf("registry size = %d, want 0 after eviction", n)
	}
	if n := env.upstreams.Count(); n != 0 {
		t.Fatalf("upstream permits = %d, want 0", n)
	}
	if n := env.calls.Count(); n != 0 {
		t.Fatalf("call permits = %d, want 0", n)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	env.start(t, "CA500", "MZ500")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.session.Teardown("test triggered")
		}()
	}
	wg.Wait()

	select {
	case <-env.runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after teardown")
	}

	if n := env.downstream.closes(); n != 1 {
		t.Fatalf("downstream close count = %d, want 1", n)
	}
	if n := env.upstream.closes(); n != 1 {
		t.Fatalf("upstream close count = %d, want 1", n)
	}
	if n := env.upstreams.Count(); n != 0 {
		t.Fatalf("outstanding upstream permits = %d, want 0", n)
	}
	if got := env.session.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}

	// A late trigger after full teardown stays a no-op.
	env.session.Teardown("again")
	if n := env.downstream.closes(); n != 1 {
		t.Fatalf("downstream close count after retrigger = %d, want 1", n)
	}
}

func TestUpstreamCapacityExhausted(t *testing.T) {
	calls := admission.NewController(1)
	starved := admission.NewController(1)
	held, err := starved.TryAcquire()
	if err != nil {
		t.Fatalf("seed permit: %v", err)
	}
	defer held.Release()

	permit, err := calls.TryAcquire()
	if err != nil {
		t.Fatalf("acquire call permit: %v", err)
	}
	s := NewSession(Params{
		Sink:            &recordingSink{},
		Registry:        registry.New(),
		Downstream:      newFakeConn(),
		Upstream:        stubDialer{conn: newFakeConn()},
		UpstreamPermits: starved,
		CallPermit:      permit,
		AcquireTimeout:  30 * time.Millisecond,
	})

	err = s.Run(context.Background())
	if !errors.Is(err, ErrUpstreamCapacity) {
		t.Fatalf("run error = %v, want ErrUpstreamCapacity", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
	if n := calls.Count(); n != 0 {
		t.Fatalf("call permit not released, count = %d", n)
	}
}

func TestDialFailureTearsDown(t *testing.T) {
	env := newTestEnv(t)
	permit, err := env.calls.TryAcquire()
	if err != nil {
		t.Fatalf("acquire call permit: %v", err)
	}
	down := newFakeConn()
	s := NewSession(Params{
		Sink:            env.events,
		Registry:        env.registry,
		Downstream:      down,
		Upstream:        stubDialer{err: errors.New("connection refused")},
		UpstreamPermits: env.upstreams,
		CallPermit:      permit,
		AcquireTimeout:  time.Second,
	})

	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("run succeeded despite dial failure")
	}
	if n := down.closes(); n != 1 {
		t.Fatalf("downstream close count = %d, want 1", n)
	}
	if n := env.upstreams.Count(); n != 0 {
		t.Fatalf("upstream permit not released, count = %d", n)
	}
}

func TestTranscriptRedacted(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	env.start(t, "CA600", "MZ600")

	env.upstream.deliver(t, protocol.TranscriptionCompleted{
		Type:       protocol.TypeTranscriptionDone,
		Transcript: "my email is jo@example.com thanks",
	})
	waitFor(t, "redacted transcript", func() bool {
		for _, c := range env.events.snapshot() {
			if c.what == "message" && c.msg.Kind == sink.KindText && c.msg.Speaker == sink.SpeakerUser {
				return !strings.Contains(c.msg.Text, "jo@example.com") && strings.Contains(c.msg.Text, "[REDACTED_EMAIL]")
			}
		}
		return false
	})

	if err := env.stopAndWait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestInBandUpstreamErrorNonFatal(t *testing.T) {
	env := newTestEnv(t)
	env.run(context.Background())
	env.start(t, "CA700", "MZ700")

	var errFrame protocol.UpstreamError
	errFrame.Type = protocol.TypeError
	errFrame.Error.Code = "rate_limit_exceeded"
	errFrame.Error.Message = "slow down"
	env.upstream.deliver(t, errFrame)

	waitFor(t, "error logged to sink", func() bool {
		for _, c := range env.events.snapshot() {
			if c.what == "message" && c.msg.Kind == sink.KindError {
				return true
			}
		}
		return false
	})
	if got := env.session.State(); got != StateStreaming {
		t.Fatalf("state after in-band error = %s, want %s", got, StateStreaming)
	}

	// Session still relays after the error frame.
	env.media(t, "c3RpbGw=")
	waitFor(t, "media after error", func() bool { return len(env.upstream.written()) >= 2 })

	if err := env.stopAndWait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestCancelledContextEndsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.run(ctx)
	env.start(t, "CA800", "MZ800")

	cancel()
	select {
	case err := <-env.runErr:
		if err != nil {
			t.Fatalf("run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end on cancel")
	}
	if n := env.upstreams.Count(); n != 0 {
		t.Fatalf("upstream permit not released, count = %d", n)
	}
}
