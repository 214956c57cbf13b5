// Klingnet PoW sync node daemon.
//
// Usage:
//
//	powsyncd [--mine --algo=blake3]  Run node
//	powsyncd --help                  Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-powsync/config"
	"github.com/Klingon-tech/klingnet-powsync/internal/node"
)

func main() {
	cfg, flags, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if flags.Help {
		config.PrintUsage()
		return
	}
	if flags.Version {
		fmt.Println("powsyncd version " + config.Version)
		return
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	failed := make(chan error, 1)
	go func() { failed <- n.Wait() }()

	select {
	case <-sigCh:
	case err := <-failed:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			n.Stop()
			os.Exit(1)
		}
	}

	n.Stop()
}
