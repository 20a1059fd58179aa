// Package app wires the host together: the open notebooks, their kernels, the
// execution pipeline, the control channel and the HTTP surfaces. It owns the
// single event loop that turns host events into queue and channel updates.
package app
