package recognition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/speechdeck/internal/observe"
	"github.com/MrWong99/speechdeck/pkg/audio"
	audiomock "github.com/MrWong99/speechdeck/pkg/audio/mock"
	"github.com/MrWong99/speechdeck/pkg/provider/stt"
	sttmock "github.com/MrWong99/speechdeck/pkg/provider/stt/mock"
	"go.opentelemetry.io/otel/metric/noop"
)

func newEngine(t *testing.T, p stt.Provider, src audio.Source, opts ...Option) *Engine {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	e := New(p, src, append([]Option{WithMetrics(m)}, opts...)...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// started returns an engine that is already listening and the mock session
// it talks to.
func started(t *testing.T, opts ...Option) (*Engine, *sttmock.Provider, *sttmock.Session) {
	t.Helper()
	p := &sttmock.Provider{}
	e := newEngine(t, p, &audiomock.Source{AvailableResult: true}, opts...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e, p, p.Sessions()[0]
}

func next(t *testing.T, e *Engine) Update {
	t.Helper()
	select {
	case u, ok := <-e.Updates():
		if !ok {
			t.Fatal("updates channel closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript update")
	}
	return Update{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupported(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    stt.Provider
		src  audio.Source
		want bool
	}{
		{name: "no provider", src: &audiomock.Source{AvailableResult: true}},
		{name: "no source", p: &sttmock.Provider{}},
		{name: "no microphone", p: &sttmock.Provider{}, src: &audiomock.Source{}},
		{name: "supported", p: &sttmock.Provider{}, src: &audiomock.Source{AvailableResult: true}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEngine(t, tt.p, tt.src)
			if got := e.Supported(); got != tt.want {
				t.Fatalf("Supported() = %v, want %v", got, tt.want)
			}
			if !tt.want {
				if err := e.Start(context.Background()); !errors.Is(err, ErrUnsupported) {
					t.Fatalf("Start err = %v, want ErrUnsupported", err)
				}
			}
		})
	}
}

func TestStart_OpensCaptureAndStream(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{}
	src := &audiomock.Source{AvailableResult: true, Chunks: [][]byte{{1, 0}, {2, 0}}}
	kw := []stt.KeywordBoost{{Keyword: "speechdeck", Boost: 2}}
	e := newEngine(t, p, src, WithLanguage("de-DE"), WithKeywords(kw))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("redundant Start: %v", err)
	}
	if p.CallCount() != 1 || src.CaptureCount() != 1 {
		t.Fatalf("StartStream calls = %d, Capture calls = %d, want 1 each", p.CallCount(), src.CaptureCount())
	}
	if !e.Running() {
		t.Fatal("Running() = false after Start")
	}

	cfg := p.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "de-DE" {
		t.Errorf("stream config = %+v", cfg)
	}
	if len(cfg.Keywords) != 1 || cfg.Keywords[0].Keyword != "speechdeck" {
		t.Errorf("keywords = %+v", cfg.Keywords)
	}
	if src.CaptureFormats[0] != audio.FormatSTT {
		t.Errorf("capture format = %v, want %v", src.CaptureFormats[0], audio.FormatSTT)
	}

	sess := p.Sessions()[0]
	waitFor(t, "audio to reach the session", func() bool { return sess.SendAudioCallCount() == 2 })
}

func TestStop(t *testing.T) {
	t.Parallel()
	e, p, sess := started(t)

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !sess.Closed() {
		t.Error("session not closed")
	}
	if e.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("redundant Stop: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("StartStream calls = %d, want 2", p.CallCount())
	}
}

func TestStart_StreamError(t *testing.T) {
	t.Parallel()
	cause := errors.New("invalid api key")
	e := newEngine(t, &sttmock.Provider{StartStreamErr: cause}, &audiomock.Source{AvailableResult: true})

	if err := e.Start(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("err = %v, want %v", err, cause)
	}
	if e.Running() {
		t.Error("Running() = true after failed Start")
	}
}

func TestStart_CaptureError(t *testing.T) {
	t.Parallel()
	cause := errors.New("device busy")
	p := &sttmock.Provider{}
	e := newEngine(t, p, &audiomock.Source{AvailableResult: true, CaptureErr: cause})

	if err := e.Start(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("err = %v, want %v", err, cause)
	}
	if p.CallCount() != 0 {
		t.Error("no stream should be opened without a microphone")
	}
}

func TestCumulativeTranscript(t *testing.T) {
	t.Parallel()
	e, _, sess := started(t)

	steps := []struct {
		partial bool
		text    string
		want    string
	}{
		{partial: true, text: "hel", want: "hel"},
		{partial: true, text: "hello", want: "hello"},
		{text: "hello world", want: "hello world"},
		{partial: true, text: "how", want: "hello world how"},
		{text: " how are you ", want: "hello world how are you"},
		{partial: true, text: "fine", want: "hello world how are you fine"},
	}
	for i, s := range steps {
		if s.partial {
			sess.PartialsCh <- stt.Transcript{Text: s.text}
		} else {
			sess.FinalsCh <- stt.Transcript{Text: s.text, IsFinal: true}
		}
		if u := next(t, e); u.Text != s.want {
			t.Fatalf("step %d: update = %q, want %q", i, u.Text, s.want)
		}
	}
	if e.Transcript() != "hello world how are you fine" {
		t.Errorf("Transcript() = %q", e.Transcript())
	}
}

func TestUnchangedTranscriptIsNotRepublished(t *testing.T) {
	t.Parallel()
	e, _, sess := started(t)

	sess.PartialsCh <- stt.Transcript{Text: "hello"}
	next(t, e)
	sess.FinalsCh <- stt.Transcript{Text: "hello", IsFinal: true}
	sess.FinalsCh <- stt.Transcript{IsFinal: true}
	// Partials and finals are separate channels; keep them ordered.
	waitFor(t, "finals consumed", func() bool { return len(sess.FinalsCh) == 0 })
	sess.PartialsCh <- stt.Transcript{Text: "again"}

	if u := next(t, e); u.Text != "hello again" {
		t.Fatalf("update = %q, want %q", u.Text, "hello again")
	}
}

func TestReset_StartsNewGeneration(t *testing.T) {
	t.Parallel()
	e, _, sess := started(t)

	sess.FinalsCh <- stt.Transcript{Text: "before", IsFinal: true}
	waitFor(t, "final folded", func() bool { return e.Transcript() == "before" })
	sess.PartialsCh <- stt.Transcript{Text: "pending"}
	waitFor(t, "both results folded", func() bool { return e.Transcript() == "before pending" })

	gen := e.Generation()
	if err := e.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if e.Generation() != gen+1 {
		t.Fatalf("Generation() = %d, want %d", e.Generation(), gen+1)
	}
	if e.Transcript() != "" {
		t.Fatalf("Transcript() = %q after reset", e.Transcript())
	}
	if n := len(e.Updates()); n != 0 {
		t.Fatalf("%d stale updates still queued", n)
	}

	sess.FinalsCh <- stt.Transcript{Text: "after", IsFinal: true}
	u := next(t, e)
	if u.Text != "after" || u.Generation != gen+1 {
		t.Fatalf("update = %+v, want {after %d}", u, gen+1)
	}
	if !e.Running() {
		t.Error("Reset must not stop listening")
	}
}

func TestUpdates_DropOldest(t *testing.T) {
	t.Parallel()
	e, _, sess := started(t, WithUpdateBuffer(1))

	for _, s := range []string{"a", "a b", "a b c"} {
		sess.PartialsCh <- stt.Transcript{Text: s}
	}
	waitFor(t, "partials folded", func() bool { return e.Transcript() == "a b c" })

	if u := next(t, e); u.Text != "a b c" {
		t.Fatalf("update = %q, want newest %q", u.Text, "a b c")
	}
}

func TestStop_DeliversBufferedResults(t *testing.T) {
	t.Parallel()
	e, _, sess := started(t)

	sess.FinalsCh <- stt.Transcript{Text: "last words", IsFinal: true}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if u := next(t, e); u.Text != "last words" {
		t.Fatalf("update = %q, want %q", u.Text, "last words")
	}
}

func TestStart_ReplacesEndedSession(t *testing.T) {
	t.Parallel()
	e, p, sess := started(t)

	close(sess.PartialsCh)
	close(sess.FinalsCh)
	waitFor(t, "session to end", func() bool { return !e.Running() })

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.CallCount() != 2 {
		t.Fatalf("StartStream calls = %d, want 2", p.CallCount())
	}
	if !sess.Closed() {
		t.Error("ended session was not closed")
	}
}

func TestSetKeywords(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{}
	e := newEngine(t, p, &audiomock.Source{AvailableResult: true})
	kw := []stt.KeywordBoost{{Keyword: "Yandex", Boost: 1}}

	if err := e.SetKeywords(kw); err != nil {
		t.Fatalf("SetKeywords before Start: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := p.StartStreamCalls[0].Cfg.Keywords; len(got) != 1 || got[0].Keyword != "Yandex" {
		t.Fatalf("stream keywords = %+v", got)
	}

	sess := p.Sessions()[0]
	if err := e.SetKeywords(nil); err != nil {
		t.Fatalf("SetKeywords while running: %v", err)
	}
	if len(sess.SetKeywordsCalls) != 1 {
		t.Fatalf("SetKeywords calls = %d, want 1", len(sess.SetKeywordsCalls))
	}

	sess.SetKeywordsErr = stt.ErrNotSupported
	if err := e.SetKeywords(kw); !errors.Is(err, stt.ErrNotSupported) {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	e, _, sess := started(t)

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !sess.Closed() {
		t.Error("session not closed")
	}
	if _, ok := <-e.Updates(); ok {
		t.Error("Updates not closed")
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start err = %v, want ErrClosed", err)
	}
	if err := e.Reset(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Reset err = %v, want ErrClosed", err)
	}
}
