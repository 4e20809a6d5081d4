// Command replicorefd runs the replication applier daemon: one Applier
// per configured peer, a process-wide Sequencer, and a Supervisor driving
// each peer's reconnect loop.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
