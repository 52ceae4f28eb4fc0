package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/speechdeck/pkg/provider/stt"
	"github.com/MrWong99/speechdeck/pkg/speech"
)

// ErrUnknownCommand is returned by Exec for input it cannot parse.
var ErrUnknownCommand = errors.New("app: unknown command")

// defaultKeywordBoost applies to keywords given without an explicit weight.
const defaultKeywordBoost = 1.0

const helpText = `commands:
  text <s>             set the text to speak
  say <s>              set the text and speak it
  speak                speak the current text
  rate <f>             set the speaking rate (0.5-2.0)
  pitch <f>            set the pitch (0.5-2.0)
  voices               list the available voices
  voice <name>         select a voice
  listen               start speech recognition
  stop                 stop speech recognition
  reset                clear the transcript
  transcript           print the transcript
  keywords [w[:b]...]  set recognition keywords with optional boost
  state                print the session state
  help                 show this help`

// Exec interprets one line of REPL input and returns the text to show the
// user. Errors from the engines are returned unchanged (typically
// [*speech.EngineError] or [speech.ErrCapabilityUnavailable]); unparsable
// input yields an error wrapping [ErrUnknownCommand].
func (a *App) Exec(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "help", "?":
		return helpText, nil

	case "text":
		return "ok", a.Do(ctx, func(c *speech.Controller) error {
			c.SetDraftText(arg)
			return nil
		})

	case "say":
		err := a.Do(ctx, func(c *speech.Controller) error {
			c.SetDraftText(arg)
			return c.Speak(ctx)
		})
		if err != nil {
			return "", err
		}
		return "speaking", nil

	case "speak":
		if err := a.Do(ctx, func(c *speech.Controller) error { return c.Speak(ctx) }); err != nil {
			return "", err
		}
		return "speaking", nil

	case "rate", "pitch":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s needs a number, got %q", ErrUnknownCommand, cmd, arg)
		}
		var got float64
		err = a.Do(ctx, func(c *speech.Controller) error {
			if cmd == "rate" {
				c.SetRate(v)
				got = c.State().Rate
			} else {
				c.SetPitch(v)
				got = c.State().Pitch
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %.2f", cmd, got), nil

	case "voices":
		var st speech.State
		if err := a.Do(ctx, func(c *speech.Controller) error {
			st = c.State()
			return nil
		}); err != nil {
			return "", err
		}
		return formatVoices(st), nil

	case "voice":
		if arg == "" {
			return "", fmt.Errorf("%w: voice needs a name", ErrUnknownCommand)
		}
		var ok bool
		if err := a.Do(ctx, func(c *speech.Controller) error {
			ok = c.SelectVoice(arg)
			return nil
		}); err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf("voice %q is not in the catalog; selection unchanged", arg), nil
		}
		return "voice " + arg, nil

	case "listen":
		if err := a.Do(ctx, func(c *speech.Controller) error { return c.StartListening(ctx) }); err != nil {
			return "", err
		}
		return "listening", nil

	case "stop":
		if err := a.Do(ctx, func(c *speech.Controller) error { return c.StopListening(ctx) }); err != nil {
			return "", err
		}
		return "stopped", nil

	case "reset":
		if err := a.Do(ctx, func(c *speech.Controller) error { return c.ResetTranscript(ctx) }); err != nil {
			return "", err
		}
		return "transcript cleared", nil

	case "transcript":
		var text string
		if err := a.Do(ctx, func(c *speech.Controller) error {
			text = c.State().Transcript
			return nil
		}); err != nil {
			return "", err
		}
		if text == "" {
			return "(empty)", nil
		}
		return text, nil

	case "keywords":
		kws, err := parseKeywords(arg)
		if err != nil {
			return "", err
		}
		if err := a.Do(ctx, func(c *speech.Controller) error {
			if !c.RecognitionAvailable() {
				return speech.ErrCapabilityUnavailable
			}
			return a.rec.SetKeywords(kws)
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d keywords", len(kws)), nil

	case "state":
		var st speech.State
		if err := a.Do(ctx, func(c *speech.Controller) error {
			st = c.State()
			return nil
		}); err != nil {
			return "", err
		}
		return formatState(st), nil
	}
	return "", fmt.Errorf("%w: %q (try help)", ErrUnknownCommand, cmd)
}

// parseKeywords reads space-separated "word" or "word:boost" tokens.
func parseKeywords(arg string) ([]stt.KeywordBoost, error) {
	fields := strings.Fields(arg)
	out := make([]stt.KeywordBoost, 0, len(fields))
	for _, f := range fields {
		word, boost, hasBoost := strings.Cut(f, ":")
		kw := stt.KeywordBoost{Keyword: word, Boost: defaultKeywordBoost}
		if word == "" {
			return nil, fmt.Errorf("%w: empty keyword in %q", ErrUnknownCommand, f)
		}
		if hasBoost {
			b, err := strconv.ParseFloat(boost, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: keyword %q has invalid boost %q", ErrUnknownCommand, word, boost)
			}
			kw.Boost = b
		}
		out = append(out, kw)
	}
	return out, nil
}

func formatVoices(st speech.State) string {
	if len(st.Voices) == 0 {
		return "no voices available yet"
	}
	var b strings.Builder
	for i, v := range st.Voices {
		if i > 0 {
			b.WriteByte('\n')
		}
		mark := "  "
		if v.ID == st.SelectedVoiceID {
			mark = "* "
		}
		b.WriteString(mark)
		b.WriteString(v.Name)
		if v.Language != "" {
			fmt.Fprintf(&b, " (%s)", v.Language)
		}
	}
	return b.String()
}

func formatState(st speech.State) string {
	voice := st.SelectedVoiceID
	if voice == "" {
		voice = "(none)"
	}
	recognition := "unavailable"
	if st.RecognitionAvailable {
		recognition = "idle"
		if st.Listening {
			recognition = "listening"
		}
	}
	return fmt.Sprintf("session:     %s\ntext:        %q\nrate:        %.2f\npitch:       %.2f\nvoice:       %s (%d available)\nrecognition: %s\ntranscript:  %q",
		st.SessionID, st.DraftText, st.Rate, st.Pitch, voice, len(st.Voices), recognition, st.Transcript)
}
