package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts the event loop, the control listener and the configured
// notebooks, then blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Debug("App.Run method started.")
	defer func() {
		if err := a.closeLog(); err != nil {
			fmt.Fprintf(a.outW, "failed to close log file: %v\n", err)
		}
	}()

	go a.eventLoop(a.ctx)

	ln, err := net.Listen("tcp", a.config.ListenAddr)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", a.config.ListenAddr, err)
	}
	a.httpServer = &http.Server{
		Handler:           a.mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.addrMu.Lock()
	a.addr = ln.Addr().String()
	a.addrMu.Unlock()

	a.healthCheckServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("✅ Control channel listening.", "address", ln.Addr().String(), "socket_path", a.config.SocketPath)
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for _, nb := range a.config.Notebooks {
			if err := a.openNotebook(a.ctx, nb); err != nil {
				return err
			}
		}
		a.readyOnce.Do(func() { close(a.ready) })
		a.logger.Info("🚀 Host ready.", "notebooks", len(a.config.Notebooks))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	err = g.Wait()
	a.logger.Debug("App.Run method finished.")
	return err
}

// shutdown stops intake first, then drains the pipeline while the event loop
// still runs, then stops the loop and releases the kernels.
func (a *App) shutdown() {
	a.logger.Info("Shutting down...")

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Control server shutdown failed.", "error", err)
		}
		cancel()
	}
	a.channel.Close()
	a.pipeline.Close()

	a.cancel()
	<-a.loopDone

	a.kernels.closeAll()
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("Failed to close kernel manager.", "error", err)
	}
	_ = a.closeHealthCheckServer()
	a.logger.Info("🏁 Shutdown complete.")
}
