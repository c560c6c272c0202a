// Package avista wires the portal controller together.
//
// A Controller publishes tasks to the work queue and waits for correlated
// replies; a Worker consumes them and replies. A Runner drives the
// controller from a polling loop:
//
//	controller, _ := avista.NewController(url)
//	controller.Start(ctx)
//
//	runner := avista.NewRunner(controller,
//		poller.NewHTTPSource(base, poller.WithWatermark(w)),
//		poller.NewHTTPSink(base),
//		avista.WithInterval(time.Minute),
//		avista.WithWatermark(w, save))
//	runner.Run(ctx)
package avista
