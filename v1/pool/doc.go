// Package pool manages an elastically sized, ordered collection of worker
// units. Units below the warm watermark never auto-close; the rest share the
// pool's idle timeout. Dispatch prefers an open idle unit, then any idle
// unit, and under saturation waits for the first unit to drain, so traffic is
// never pinned to a single warm unit and dispatch is always eventual.
package pool
