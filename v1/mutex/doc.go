// Package mutex lets parties that share no memory take turns on named
// resources. A single Broker arbitrates per-key FIFO queues and is reached
// only through a msgbus.Bus; each party holds a Handle that requests, holds,
// cancels and releases a lock through correlated request/reply messages.
//
// The broker offers mutual exclusion, nothing more: no persistence, no
// fencing tokens, no crash recovery. A key whose holder never releases stays
// locked forever, which is the contract, not a defect.
package mutex
