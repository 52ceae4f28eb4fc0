package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speechdeck/internal/engine/recognition"
	"github.com/MrWong99/speechdeck/pkg/speech"
)

// shutdownGrace bounds how long the HTTP server waits for open requests.
const shutdownGrace = 5 * time.Second

// op is one closure queued for the event loop.
type op struct {
	fn   func(*speech.Controller) error
	done chan error
}

// Run starts the event loop, the voice catalog watcher, the transcript pump,
// the config watcher (if any) and the HTTP side channel (if
// server.listen_addr is set), and blocks until ctx is cancelled or one of
// them fails. A cancelled ctx is a normal shutdown and yields nil.
//
// Run may only be called once.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("app: already running")
	}

	var ln net.Listener
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			close(a.loopDone)
			return fmt.Errorf("app: listen on %s: %w", addr, err)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return a.loop(egCtx) })
	eg.Go(func() error { return a.catalog.Run(egCtx) })
	eg.Go(func() error { return a.pumpTranscripts(egCtx) })
	if a.watcher != nil {
		eg.Go(func() error { return a.watcher.Run(egCtx) })
	}
	if ln != nil {
		eg.Go(func() error { return a.serve(egCtx, ln) })
	}

	a.log.Info("app running",
		"tts", a.providers.TTSName,
		"stt", a.providers.STTName,
		"recognition", a.rec.Supported(),
	)
	return eg.Wait()
}

// Do runs fn on the event loop goroutine and returns its error. Closures run
// one at a time in submission order, so fn has exclusive access to the
// controller. fn must not call Do.
//
// Do returns ctx.Err() if ctx ends before fn has finished, although fn may
// still run to completion, and [ErrStopped] once the loop has exited.
func (a *App) Do(ctx context.Context, fn func(*speech.Controller) error) error {
	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case a.ops <- o:
	case <-a.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) loop(ctx context.Context) error {
	defer close(a.loopDone)
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-a.ops:
			o.done <- o.fn(a.ctrl)
		}
	}
}

// onCatalog is the catalog watcher callback. It runs on the watcher goroutine
// and hands the new catalog to the loop.
func (a *App) onCatalog(voices []speech.Voice) {
	err := a.Do(context.Background(), func(c *speech.Controller) error {
		c.OnCatalogRefreshed(voices)
		a.metrics.RecordCatalog(context.Background(), a.voiceCount, len(voices))
		a.voiceCount = len(voices)
		return nil
	})
	if err != nil {
		a.log.Debug("dropping catalog refresh", "err", err)
	}
}

// pumpTranscripts forwards recognition updates to the controller. Updates
// from before the latest reset are dropped on the loop, where they are
// ordered against the reset itself.
func (a *App) pumpTranscripts(ctx context.Context) error {
	updates := a.rec.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := a.Do(ctx, a.applyUpdate(u)); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (a *App) applyUpdate(u recognition.Update) func(*speech.Controller) error {
	return func(c *speech.Controller) error {
		if u.Generation != a.rec.Generation() {
			a.log.Debug("dropping stale transcript", "generation", u.Generation)
			return nil
		}
		c.OnTranscriptUpdate(u.Text)
		return nil
	}
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.log.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: http server: %w", err)
	}
	return nil
}
