// Package rabbitmq keeps a single AMQP channel usable across broker
// restarts and network faults.
//
// A LifecycleManager owns one connection and one channel. Its
// event-delivery goroutine walks an explicit state machine:
//
//	idle -> connecting -> channel_opening -> topology_setup -> ready
//	ready -> reconnect_wait -> connecting   (unexpected closure)
//	any   -> closing -> closed              (Stop)
//
// Topology is declared again on every fresh channel, in order, before
// anything may publish or consume. The role decides what is added on top
// of the shared exchange, work queue and binding: a caller gets a private
// reply queue, a worker gets a prefetch limit.
//
// Publishes are tracked by sequence number when confirms are enabled.
// Each returns a PublishReceipt that resolves on ack, on nack, or with
// ErrIndeterminate when the connection is lost before the broker answered.
package rabbitmq
