package synthesis

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/speechdeck/internal/observe"
	"github.com/MrWong99/speechdeck/internal/resilience"
	audiomock "github.com/MrWong99/speechdeck/pkg/audio/mock"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
	ttsmock "github.com/MrWong99/speechdeck/pkg/provider/tts/mock"
	"github.com/MrWong99/speechdeck/pkg/speech"
	"go.opentelemetry.io/otel/metric/noop"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newEngine(t *testing.T, p *ttsmock.Provider, player *audiomock.Player, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithMetrics(testMetrics(t)), WithProviderName("mock")}, opts...)
	e, err := New(p, player, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
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

// listVoices primes the engine's catalogue the way the catalog watcher does.
func listVoices(t *testing.T, e *Engine) {
	t.Helper()
	if _, err := e.Voices(context.Background()); err != nil {
		t.Fatalf("Voices: %v", err)
	}
}

var catalog = []tts.VoiceProfile{
	{ID: "21m00Tcm4", Name: "Rachel", Language: "en"},
	{ID: "AZnzlk1Xv", Name: "Domi", Language: "en"},
	{ID: "zzzz", Name: "Rachel", Language: "de"},
	{ID: "bare-id"},
	{},
}

func TestNew_RequiresProviderAndPlayer(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, &audiomock.Player{}); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := New(&ttsmock.Provider{}, nil); err == nil {
		t.Error("expected error for nil player")
	}
}

func TestVoices_MapsDisplayNames(t *testing.T) {
	t.Parallel()
	e := newEngine(t, &ttsmock.Provider{ListVoicesResult: catalog}, &audiomock.Player{})

	got, err := e.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	want := []speech.Voice{
		{ID: "Rachel", Name: "Rachel", Language: "en"},
		{ID: "Domi", Name: "Domi", Language: "en"},
		{ID: "bare-id", Name: "bare-id"},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Voices() = %+v, want %+v", got, want)
	}
}

func TestVoices_Error(t *testing.T) {
	t.Parallel()
	cause := errors.New("401 unauthorized")
	e := newEngine(t, &ttsmock.Provider{ListVoicesErr: cause}, &audiomock.Player{})

	if _, err := e.Voices(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped %v", err, cause)
	}
}

func TestSpeak_UsesNativeProfileAndProsody(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		ListVoicesResult: catalog,
		SynthesizeChunks: [][]byte{{1, 2}, {3, 4}},
	}
	player := &audiomock.Player{}
	e := newEngine(t, p, player)
	if _, err := e.Voices(context.Background()); err != nil {
		t.Fatalf("Voices: %v", err)
	}

	err := e.Speak(context.Background(), speech.SynthesisRequest{
		Text:  "hello there",
		Rate:  1.5,
		Pitch: 0.8,
		Voice: &speech.Voice{ID: "Rachel", Name: "Rachel"},
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	waitFor(t, "playback", func() bool { return len(player.PlayCalls()) == 1 && len(p.Calls()[0].Text) == 1 })

	call := p.Calls()[0]
	if call.Voice.ID != "21m00Tcm4" {
		t.Errorf("voice ID = %q, want native 21m00Tcm4", call.Voice.ID)
	}
	if call.Voice.SpeedFactor != 1.5 || call.Voice.PitchFactor != 0.8 {
		t.Errorf("prosody = %v/%v, want 1.5/0.8", call.Voice.SpeedFactor, call.Voice.PitchFactor)
	}
	if call.Text[0] != "hello there" {
		t.Errorf("text = %q", call.Text[0])
	}

	play := player.PlayCalls()[0]
	if play.Format != p.Format() {
		t.Errorf("play format = %v, want %v", play.Format, p.Format())
	}
	if len(play.Chunks) != 2 || play.Cancelled {
		t.Errorf("play = %+v, want 2 chunks, not cancelled", play)
	}
	if p.ListVoicesCallCount() != 1 {
		t.Errorf("ListVoices calls = %d, want 1 (no refresh for a known voice)", p.ListVoicesCallCount())
	}
}

func TestSpeak_Resolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		voices     []tts.VoiceProfile
		voice      *speech.Voice
		wantErr    error
		wantNative string
	}{
		{name: "nil voice uses first", voices: catalog, wantNative: "21m00Tcm4"},
		{name: "listed voice", voices: catalog, voice: &speech.Voice{ID: "Domi"}, wantNative: "AZnzlk1Xv"},
		{name: "unknown voice", voices: catalog, voice: &speech.Voice{ID: "Nobody"}, wantErr: ErrUnknownVoice},
		{name: "empty catalogue", voice: nil, wantErr: ErrNoVoices},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &ttsmock.Provider{ListVoicesResult: tt.voices}
			e := newEngine(t, p, &audiomock.Player{})
			listVoices(t, e)

			err := e.Speak(context.Background(), speech.SynthesisRequest{Text: "hi", Rate: 1, Pitch: 1, Voice: tt.voice})
			if p.ListVoicesCallCount() != 1 {
				t.Errorf("ListVoices calls = %d, want 1 (Speak must not list)", p.ListVoicesCallCount())
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if len(p.Calls()) != 0 {
					t.Fatal("provider must not be called for a rejected voice")
				}
				return
			}
			if err != nil {
				t.Fatalf("Speak: %v", err)
			}
			if got := p.Calls()[0].Voice.ID; got != tt.wantNative {
				t.Errorf("native voice = %q, want %q", got, tt.wantNative)
			}
		})
	}
}

func TestSpeak_UnlistedCatalogueFailsWithoutListing(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{ListVoicesResult: catalog}
	e := newEngine(t, p, &audiomock.Player{})

	err := e.Speak(context.Background(), speech.SynthesisRequest{
		Text: "hi", Rate: 1, Pitch: 1, Voice: &speech.Voice{ID: "Rachel"},
	})
	if !errors.Is(err, ErrNoVoices) {
		t.Fatalf("err = %v, want ErrNoVoices", err)
	}
	if n := p.ListVoicesCallCount(); n != 0 {
		t.Errorf("ListVoices calls = %d, want 0", n)
	}

	listVoices(t, e)
	if err := e.Speak(context.Background(), speech.SynthesisRequest{
		Text: "hi", Rate: 1, Pitch: 1, Voice: &speech.Voice{ID: "Rachel"},
	}); err != nil {
		t.Fatalf("Speak after listing: %v", err)
	}
}

func TestSpeak_EmptyTextIsAccepted(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{}
	player := &audiomock.Player{}
	e := newEngine(t, p, player)

	if err := e.Speak(context.Background(), speech.SynthesisRequest{Rate: 1, Pitch: 1}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(p.Calls()) != 0 || p.ListVoicesCallCount() != 0 {
		t.Error("empty text must not reach the provider")
	}
}

func TestSpeak_RejectionOpensBreaker(t *testing.T) {
	t.Parallel()
	cause := errors.New("quota exceeded")
	p := &ttsmock.Provider{ListVoicesResult: catalog, SynthesizeErr: cause}
	e := newEngine(t, p, &audiomock.Player{},
		WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))
	listVoices(t, e)

	req := speech.SynthesisRequest{Text: "hi", Rate: 1, Pitch: 1}
	for i := range 2 {
		if err := e.Speak(context.Background(), req); !errors.Is(err, cause) {
			t.Fatalf("speak %d: err = %v, want %v", i, err, cause)
		}
	}
	if e.BreakerState() != resilience.StateOpen {
		t.Fatalf("breaker = %v, want open", e.BreakerState())
	}
	if err := e.Speak(context.Background(), req); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("provider calls = %d, want 2 (no call while open)", n)
	}
}

func TestSpeak_InterruptsPreviousUtterance(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{ListVoicesResult: catalog, SynthesizeChunks: [][]byte{{0, 0}}}
	player := &audiomock.Player{Block: make(chan struct{}), Started: make(chan struct{}, 4)}
	e := newEngine(t, p, player)
	listVoices(t, e)

	req := speech.SynthesisRequest{Text: "first", Rate: 1, Pitch: 1}
	if err := e.Speak(context.Background(), req); err != nil {
		t.Fatalf("first Speak: %v", err)
	}
	<-player.Started
	if !e.Playing() {
		t.Error("Playing() = false during playback")
	}

	req.Text = "second"
	if err := e.Speak(context.Background(), req); err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	waitFor(t, "first playback to be interrupted", func() bool { return len(player.PlayCalls()) == 1 })
	if !player.PlayCalls()[0].Cancelled {
		t.Error("first playback was not cancelled")
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(player.PlayCalls()); n != 2 {
		t.Fatalf("play calls after Close = %d, want 2", n)
	}
	if e.Playing() {
		t.Error("Playing() = true after Close")
	}
}

func TestSpeak_CancelledContextAbortsDispatch(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{ListVoicesResult: catalog}
	e := newEngine(t, p, &audiomock.Player{})
	listVoices(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Speak(ctx, speech.SynthesisRequest{Text: "hi", Rate: 1, Pitch: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if e.BreakerState() != resilience.StateClosed {
		t.Error("cancellation must not count against the breaker")
	}
}

func TestClose_RejectsSpeak(t *testing.T) {
	t.Parallel()
	e := newEngine(t, &ttsmock.Provider{ListVoicesResult: catalog}, &audiomock.Player{})
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := e.Speak(context.Background(), speech.SynthesisRequest{Text: "hi"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
