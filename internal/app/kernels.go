package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/vk/cellpilot/internal/config"
	"github.com/vk/cellpilot/internal/ctxlog"
	"github.com/vk/cellpilot/internal/kernel"
)

// kernelSet holds the live connection of every attached kernel, keyed by id.
type kernelSet struct {
	mu sync.RWMutex
	m  map[string]kernel.Kernel
}

func newKernelSet() *kernelSet {
	return &kernelSet{m: make(map[string]kernel.Kernel)}
}

// Lookup implements pipeline.Kernels.
func (s *kernelSet) Lookup(id string) (kernel.Kernel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.m[id]
	return k, ok
}

func (s *kernelSet) put(k kernel.Kernel) {
	s.mu.Lock()
	s.m[k.ID()] = k
	s.mu.Unlock()
}

// remove drops k unless it was already replaced by a newer connection.
func (s *kernelSet) remove(k kernel.Kernel) {
	s.mu.Lock()
	if cur, ok := s.m[k.ID()]; ok && cur == k {
		delete(s.m, k.ID())
	}
	s.mu.Unlock()
}

func (s *kernelSet) closeAll() {
	s.mu.Lock()
	all := s.m
	s.m = make(map[string]kernel.Kernel)
	s.mu.Unlock()
	for _, k := range all {
		_ = k.Close()
	}
}

// openNotebook opens nb in the workspace and attaches it to its kernel: the
// configured one, or a fresh kernel started on the Jupyter server.
func (a *App) openNotebook(ctx context.Context, nb config.Notebook) error {
	logger := ctxlog.FromContext(ctx).With("path", nb.Path)
	if _, err := a.workspace.OpenFile(nb.Path); err != nil {
		return err
	}
	logger.Info("📓 Notebook opened.")

	kernelID := nb.KernelID
	if kernelID == "" {
		model, err := a.manager.StartKernel(ctx, a.config.Jupyter.KernelName)
		if err != nil {
			return fmt.Errorf("failed to start kernel for %s: %w", nb.Path, err)
		}
		kernelID = model.ID
		logger.Info("Kernel started.", "kernel_id", kernelID, "kernel_name", model.Name)
	} else if _, err := a.manager.GetKernel(ctx, kernelID); err != nil {
		return fmt.Errorf("failed to find kernel for %s: %w", nb.Path, err)
	}

	k, ok := a.kernels.Lookup(kernelID)
	if !ok {
		conn, err := a.manager.Connect(ctx, kernelID)
		if err != nil {
			return fmt.Errorf("failed to connect to kernel %s: %w", kernelID, err)
		}
		k = conn
		a.kernels.put(k)
		go a.supervise(ctx, k)
	}

	if err := a.workspace.SetKernel(nb.Path, kernelID); err != nil {
		return err
	}
	logger.Info("🔌 Notebook attached to kernel.", "kernel_id", k.ID())
	return nil
}

// supervise waits for k to drop and reconnects it with backoff. Every notebook
// attached to the kernel is re-announced through KernelChanged, which resets
// its queue and replaces its control channel. When reconnecting gives up the
// notebooks are detached.
func (a *App) supervise(ctx context.Context, k kernel.Kernel) {
	logger := ctxlog.FromContext(ctx).With("kernel_id", k.ID())
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.Done():
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Kernel connection lost, reconnecting.")

		next, err := a.reconnect(ctx, k.ID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("❌ Giving up on kernel.", "error", err)
			a.kernels.remove(k)
			a.reattach(k.ID(), "")
			return
		}
		a.kernels.put(next)
		a.reattach(k.ID(), next.ID())
		logger.Info("🔌 Kernel reconnected.")
		k = next
	}
}

// reattach moves every notebook attached to oldID onto newID.
func (a *App) reattach(oldID, newID string) {
	for _, path := range a.workspace.Paths() {
		nb, ok := a.workspace.Get(path)
		if !ok || nb.KernelID() != oldID {
			continue
		}
		if err := a.workspace.SetKernel(path, newID); err != nil {
			a.logger.Warn("Failed to update notebook kernel.", "path", path, "error", err)
		}
	}
}

func (a *App) reconnect(ctx context.Context, id string) (kernel.Kernel, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	maxAttempts := a.config.Reconnect.MaxAttempts
	logger := ctxlog.FromContext(ctx).With("kernel_id", id)

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		delay := kernel.NextBackoffDelay(a.backoff, attempt, rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		k, err := a.manager.Connect(ctx, id)
		if err == nil {
			return k, nil
		}
		if errors.Is(err, kernel.ErrKernelNotFound) {
			return nil, err
		}
		logger.Warn("Kernel reconnect attempt failed.", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("gave up after %d attempts", maxAttempts)
}
