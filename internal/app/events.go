package app

import (
	"context"

	"github.com/vk/cellpilot/internal/ctxlog"
	"github.com/vk/cellpilot/internal/events"
)

// eventLoop applies host events one at a time, in posting order, until ctx
// is done.
func (a *App) eventLoop(ctx context.Context) {
	defer close(a.loopDone)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Event loop started.")
	for {
		select {
		case ev := <-a.events:
			a.handle(ctx, ev)
		case <-ctx.Done():
			logger.Debug("Event loop stopped.")
			return
		}
	}
}

func (a *App) handle(ctx context.Context, ev events.Event) {
	logger := ctxlog.FromContext(ctx).With("event", ev.Kind.String(), "path", ev.Path)
	logger.Debug("Handling host event.", "cell_id", ev.CellID, "kernel_id", ev.KernelID)

	switch ev.Kind {
	case events.DocumentOpened:
		a.attachChannel(ctx, ev.KernelID)

	case events.DocumentClosed:
		a.tracker.Reset(ev.Path)
		if !a.kernelInUse(ev.KernelID, ev.Path) {
			a.detachChannel(ctx, ev.KernelID)
		}

	case events.KernelChanged:
		// Replacement, never coexistence: the old handler goes before the
		// new one is installed, even when the id is unchanged.
		if ev.PreviousKernelID == ev.KernelID || !a.kernelInUse(ev.PreviousKernelID, ev.Path) {
			a.detachChannel(ctx, ev.PreviousKernelID)
		}
		a.tracker.Reset(ev.Path)
		a.attachChannel(ctx, ev.KernelID)

	case events.ExecutionScheduled:
		a.tracker.OnScheduled(ev.Path, ev.CellID)

	case events.CellStateChanged:
		if !ev.Completed() {
			return
		}
		popped, ok := a.tracker.OnCompleted(ev.Path, ev.CellID)
		if ok && popped != ev.CellID {
			logger.Warn("Completion does not match queue head.", "completed", ev.CellID, "popped", popped)
		}
	}
}

func (a *App) attachChannel(ctx context.Context, kernelID string) {
	if kernelID == "" {
		return
	}
	registered, err := a.registry.RegisterIfAbsent(kernelID, func() error {
		return a.channel.RegisterTarget(kernelID, a.dispatcher.Dispatch)
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("❌ Failed to register control channel.", "kernel_id", kernelID, "error", err)
		return
	}
	if registered {
		ctxlog.FromContext(ctx).Debug("Control channel registered.", "kernel_id", kernelID)
	}
}

func (a *App) detachChannel(ctx context.Context, kernelID string) {
	if kernelID == "" {
		return
	}
	a.registry.Unregister(kernelID)
	if a.channel.UnregisterTarget(kernelID) {
		ctxlog.FromContext(ctx).Debug("Control channel unregistered.", "kernel_id", kernelID)
	}
}

// kernelInUse reports whether a notebook other than path is attached to kernelID.
func (a *App) kernelInUse(kernelID, path string) bool {
	if kernelID == "" {
		return false
	}
	for _, p := range a.workspace.Paths() {
		if p == path {
			continue
		}
		if nb, ok := a.workspace.Get(p); ok && nb.KernelID() == kernelID {
			return true
		}
	}
	return false
}
