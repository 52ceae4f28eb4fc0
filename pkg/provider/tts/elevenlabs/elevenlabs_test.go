package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
)

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
	if got := p.Format(); got != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("Format = %s, want 24000Hz mono", got)
	}
}

func TestNew_OutputFormat(t *testing.T) {
	tests := []struct {
		format  string
		rate    int
		wantErr bool
	}{
		{format: "pcm_16000", rate: 16000},
		{format: "pcm_44100", rate: 44100},
		{format: "mp3_44100_128", wantErr: true},
		{format: "pcm_abc", wantErr: true},
		{format: "pcm_0", wantErr: true},
	}
	for _, tt := range tests {
		p, err := New("key", WithOutputFormat(tt.format))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.format)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: New: %v", tt.format, err)
			continue
		}
		if p.Format().SampleRate != tt.rate {
			t.Errorf("%s: sample rate = %d, want %d", tt.format, p.Format().SampleRate, tt.rate)
		}
	}
}

// ---- Message construction ----

func TestSettingsFor_SpeedClamped(t *testing.T) {
	tests := []struct {
		speed float64
		want  float64
	}{
		{speed: 0, want: 1.0},
		{speed: 1.0, want: 1.0},
		{speed: 1.1, want: 1.1},
		{speed: 2.0, want: maxSpeed},
		{speed: 0.5, want: minSpeed},
	}
	for _, tt := range tests {
		vs := settingsFor(tts.VoiceProfile{SpeedFactor: tt.speed})
		if vs.Speed != tt.want {
			t.Errorf("speed %v: got %v, want %v", tt.speed, vs.Speed, tt.want)
		}
	}
}

func TestEndOfStreamMessage(t *testing.T) {
	// ElevenLabs end-of-input = {"text":""} with no other fields.
	data, err := json.Marshal(textMessage{Text: ""})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"text":""}` {
		t.Errorf("got %s", data)
	}
}

func TestWSURL(t *testing.T) {
	p, _ := New("key", WithBaseURL("http://localhost:1234/"))
	got := p.wsURL("voice abc")
	if !strings.HasPrefix(got, "ws://localhost:1234/v1/text-to-speech/voice%20abc/stream-input?") {
		t.Errorf("unexpected URL %s", got)
	}
	if !strings.Contains(got, "model_id=eleven_flash_v2_5") || !strings.Contains(got, "output_format=pcm_24000") {
		t.Errorf("URL missing query params: %s", got)
	}

	p, _ = New("key")
	if got := p.wsURL("v"); !strings.HasPrefix(got, "wss://api.elevenlabs.io/") {
		t.Errorf("default URL should be wss, got %s", got)
	}
}

// ---- Voice list parsing ----

func TestParseVoicesResponse(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "abc123", "name": "Rachel", "category": "premade",
			 "labels": {"gender": "female", "accent": "american"}},
			{"voice_id": "def456", "name": "Adam", "category": "premade",
			 "labels": {"gender": "male", "language": "en"}},
			{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" || rachel.Name != "Rachel" || rachel.Provider != "elevenlabs" {
		t.Errorf("unexpected profile %+v", rachel)
	}
	if rachel.Language != "american" {
		t.Errorf("Rachel language = %q, want accent fallback", rachel.Language)
	}
	if rachel.Metadata["category"] != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Metadata["category"])
	}
	if profiles[1].Language != "en" {
		t.Errorf("Adam language = %q, want en", profiles[1].Language)
	}
	if _, ok := profiles[2].Metadata["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{invalid`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestListVoices_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("xi-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Alice","labels":{"language":"en"}}]}`))
	}))
	defer srv.Close()

	p, err := New("secret", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v1" || voices[0].Language != "en" {
		t.Errorf("voices = %+v", voices)
	}

	bad, _ := New("wrong", WithBaseURL(srv.URL))
	if _, err := bad.ListVoices(context.Background()); err == nil {
		t.Error("expected error for unauthorized key")
	}
}

// ---- Streaming ----

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), tts.SingleText("hi"), tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestSynthesizeStream_WebSocket(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	received := make(chan []textMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/text-to-speech/voice-1/stream-input") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var msgs []textMessage
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			msgs = append(msgs, m)
			if m.Text == "" {
				break
			}
		}
		received <- msgs

		resp, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(pcm)})
		_ = conn.Write(ctx, websocket.MessageText, resp)
		final, _ := json.Marshal(audioResponse{IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, final)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	p, err := New("secret", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.SynthesizeStream(ctx, tts.SingleText("Hello there"), tts.VoiceProfile{ID: "voice-1", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var got []byte
	for chunk := range ch {
		got = append(got, chunk...)
	}
	if string(got) != string(pcm) {
		t.Errorf("audio = %v, want %v", got, pcm)
	}

	msgs := <-received
	if len(msgs) != 3 {
		t.Fatalf("server received %d messages, want 3 (BOI, text, EOS)", len(msgs))
	}
	if msgs[0].XiAPIKey != "secret" || msgs[0].VoiceSettings == nil || msgs[0].VoiceSettings.Speed != 1.1 {
		t.Errorf("BOI = %+v", msgs[0])
	}
	if strings.TrimSpace(msgs[1].Text) != "Hello there" {
		t.Errorf("text message = %q", msgs[1].Text)
	}
}
