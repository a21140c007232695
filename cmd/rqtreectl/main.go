// Command rqtreectl is a thin CLI harness exercising the RQ caching tree
// end to end: it wires internal/remoteclient (Remote), internal/fslocal
// (Local), internal/share, internal/overlay, internal/uploader, and
// internal/syncproc into runnable subcommands. Grounded on the teacher's
// main.go/root.go CLIContext harness.
package main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
