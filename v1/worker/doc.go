// Package worker implements the isolated execution unit managed by pool.
// A Unit owns a private execution context (a dedicated goroutine event loop)
// that shares no state with its owner; work and results cross the boundary
// only as correlated call and resolve/reject messages. The callable itself is
// data, pushed to the live context through an explicit reconfigure message.
package worker
