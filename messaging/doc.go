// Package messaging implements remote procedure calls over a message broker.
//
//   - RPCClient: publishes a task with a fresh correlation id and a reply_to
//     naming its private reply queue, then blocks until the matching reply,
//     a timeout, a broker nack or a connection loss
//   - RPCServer: consumes tasks, runs a TaskHandler for each in its own
//     goroutine and publishes the correlated response
//
// Both sit on a Transport, which owns the broker connection and reports
// readiness through ConnectionListener.
//
// Example usage:
//
//	client, err := messaging.NewRPCClient(transport, messaging.WithDefaultTimeout(10*time.Second))
//	if err != nil {
//		return err
//	}
//	if err := transport.Start(ctx); err != nil {
//		return err
//	}
//	reply, err := client.Call(ctx, contracts.Task{Op: "predict"}, 0)
//	switch {
//	case errors.Is(err, messaging.ErrTimeout), errors.Is(err, messaging.ErrIndeterminate):
//		// retry the whole call or give up
//	}
package messaging
