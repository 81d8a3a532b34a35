// Package msgbus provides the shared asynchronous message bus that loom
// components coordinate over. Workers, pools and the mutex broker never share
// memory; every cross-party interaction is a payload published to a topic.
//
// The in-memory backend covers single-process setups and tests. The NATS,
// Redis and Kafka backends let a broker arbitrate locks for workers spread
// across processes, all through the same Bus interface.
package msgbus
