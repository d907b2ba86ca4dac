package router

// DumpTable logs the full routing table at info level, one line per
// destination, most-preferred via-router first. Wired to SIGUSR1 in
// main.go, the Go-native stand-in for the original's table-dump-on-signal
// debugging aid.
func (c *Context) DumpTable() {
	c.Log.Info("routing table dump", "entries", len(c.Routes.All()))
	for dst, r := range c.Routes.All() {
		for i, v := range r.Routers {
			c.Log.Info("route",
				"dst", dst.String(),
				"rank", i,
				"via", v.Peer.String(),
				"hops", v.Hops,
				"latency_ms", v.Latency,
			)
		}
	}
}
