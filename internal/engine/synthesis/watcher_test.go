package synthesis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speechdeck/pkg/speech"
)

// scriptedLister returns one scripted result per call and repeats the last.
type scriptedLister struct {
	mu      sync.Mutex
	results [][]speech.Voice
	errs    []error
	calls   int
}

func (l *scriptedLister) Voices(context.Context) ([]speech.Voice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := min(l.calls, len(l.results)-1)
	l.calls++
	return l.results[i], l.errs[i]
}

func TestCatalogWatcher_Check(t *testing.T) {
	t.Parallel()
	a := []speech.Voice{{ID: "Alex", Name: "Alex", Language: "en-US"}}
	b := []speech.Voice{{ID: "Alex", Name: "Alex", Language: "en-GB"}}
	lister := &scriptedLister{
		results: [][]speech.Voice{nil, a, a, nil, b, {}},
		errs:    []error{errors.New("not ready"), nil, nil, errors.New("flaky"), nil, nil},
	}
	var got [][]speech.Voice
	w := NewCatalogWatcher(lister, func(v []speech.Voice) { got = append(got, v) })

	want := []bool{false, true, false, false, true, true}
	for i, wantChanged := range want {
		if changed := w.Check(context.Background()); changed != wantChanged {
			t.Errorf("check %d: changed = %v, want %v", i, changed, wantChanged)
		}
	}
	if len(got) != 3 {
		t.Fatalf("onChange calls = %d, want 3", len(got))
	}
	if got[1][0].Language != "en-GB" {
		t.Errorf("second catalogue = %+v", got[1])
	}
	if len(got[2]) != 0 {
		t.Errorf("emptied catalogue should be reported, got %+v", got[2])
	}
}

func TestCatalogWatcher_FirstEmptyCatalogIsReported(t *testing.T) {
	t.Parallel()
	lister := &scriptedLister{results: [][]speech.Voice{{}}, errs: []error{nil}}
	calls := 0
	w := NewCatalogWatcher(lister, func([]speech.Voice) { calls++ })
	w.Check(context.Background())
	w.Check(context.Background())
	if calls != 1 {
		t.Fatalf("onChange calls = %d, want 1", calls)
	}
}

func TestCatalogWatcher_Run(t *testing.T) {
	t.Parallel()
	lister := &scriptedLister{
		results: [][]speech.Voice{{{ID: "Alex", Name: "Alex"}}},
		errs:    []error{nil},
	}
	changes := make(chan []speech.Voice, 4)
	w := NewCatalogWatcher(lister, func(v []speech.Voice) { changes <- v }, WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case v := <-changes:
		if len(v) != 1 || v[0].ID != "Alex" {
			t.Fatalf("catalogue = %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial catalogue")
	}

	// Let it poll a few more times; the catalogue is stable.
	for {
		lister.mu.Lock()
		n := lister.calls
		lister.mu.Unlock()
		if n >= 5 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("stable catalogue reported again: %d extra calls", len(changes))
	}
}

func TestHashVoices_FieldBoundaries(t *testing.T) {
	t.Parallel()
	a := hashVoices([]speech.Voice{{ID: "ab", Name: "c"}})
	b := hashVoices([]speech.Voice{{ID: "a", Name: "bc"}})
	if a == b {
		t.Fatal("different catalogues must hash differently")
	}
}
