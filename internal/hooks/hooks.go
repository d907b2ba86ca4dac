// Package hooks implements the route-change shell hook interface
// described as an external collaborator in spec.md §1/§6: a configured
// command prefix invoked on every route or peer add/remove.
package hooks

import (
	"log/slog"
	"os/exec"

	"github.com/zrouter/z/internal/ia"
)

// Runner invokes configured hook prefixes as subprocesses.
type Runner struct {
	Prefixes []string
	Log      *slog.Logger
}

// run appends suffix (already containing its own leading space and
// double-quoted argument) to each configured prefix and runs the result
// through a shell, matching the original's "prefix + args" / system(3)
// invocation: a prefix may itself carry flags ("/usr/bin/env logger -t z"),
// which only a shell, not exec.Command's argv[0], can split correctly.
func (r *Runner) run(suffix string) {
	for _, prefix := range r.Prefixes {
		cmd := exec.Command("sh", "-c", prefix+suffix)
		if out, err := cmd.CombinedOutput(); err != nil {
			r.Log.Warn("route hook failed", "cmd", prefix+suffix, "err", err, "output", string(out))
		}
	}
}

// Route invokes "<prefix> route {add|del} \"<IA>\"".
func (r *Runner) Route(deleted bool, dest ia.Addr) {
	action := "add"
	if deleted {
		action = "del"
	}
	r.run(" route " + action + ` "` + dest.String() + `"`)
}

// Peer invokes "<prefix> peer {add|del} \"<sockaddr>\"".
func (r *Runner) Peer(deleted bool, sockaddr string) {
	action := "add"
	if deleted {
		action = "del"
	}
	r.run(" peer " + action + ` "` + sockaddr + `"`)
}
