// Package bridge provides synchronous request-response over asynchronous messaging.
//
// A request is published with a fresh correlation id and the name of a
// shared reply queue. Workers publish their answer to that queue carrying
// the same id. The bridge keeps one PendingRequest per outstanding id and
// resolves it exactly once: with the reply, with a timeout, with a publish
// failure, or with an abandonment when the caller stops waiting.
//
// The moving parts are:
//   - IDGenerator: mints correlation ids (UUIDs)
//   - PendingTable: id -> PendingRequest, claimed with the atomic Take
//   - TimeoutSupervisor: one timer per request, racing the reply path through Take
//   - Dispatcher: registers, arms and publishes requests
//   - Demultiplexer: matches reply deliveries; unmatched replies are
//     requeued a bounded number of times and then discarded
//
// Basic usage:
//
//	b, err := bridge.NewSyncAsyncBridge(ctx, transport.Publisher(), transport.Subscriber(),
//		bridge.WithReplyQueue("response.api.q"),
//		bridge.WithRequestRoutingKey("v1.api"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	reply, err := b.Request(ctx, []byte(`{"hello":"world"}`), bridge.WithTimeout(2*time.Second))
//	switch {
//	case bridge.IsTimeout(err):
//	    // no worker answered in time
//	case bridge.IsPublishFailed(err):
//	    // the broker refused the request
//	}
package bridge
