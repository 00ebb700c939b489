// Package runtime is the registry of a single-node buffer server. It maps
// publisher identities to their buffers and subscriber group names to the
// nodes delivering them, replaces connections that reuse an identifier,
// and answers purge and reset requests.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	defer rt.Close()
//	w, _, _ := rt.Publisher("orders", 0, 0, pubConn)
//	_ = w.Append(frames)
//	_, _ = rt.Subscribe(runtime.SubscribeRequest{ID: "s1", Group: "billing", Upstream: "orders"}, subConn)
//	msg, _ := rt.Purge("orders", base, window)
package runtime
