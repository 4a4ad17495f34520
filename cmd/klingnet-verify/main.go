// Klingnet consensus verifier.
//
// Replays the local event journal, optionally follows a reference node's
// headers, and prints the resulting consensus state.
//
// Usage:
//
//	klingnet-verify [--rpc=http://127.0.0.1:8545] [--follow]  Verify chain
//	klingnet-verify --help                                    Show help
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-consensus/config"
	"github.com/Klingon-tech/klingnet-consensus/internal/node"
)

func main() {
	cfg, flags, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	n.SetMaxHeight(flags.MaxHeight)

	if flags.Follow {
		if err := n.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			n.Stop()
			os.Exit(1)
		}
	}

	code := 0
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if flags.Follow {
		<-ctx.Done()
	} else if _, err := n.Sync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}
	stop()

	state := n.Engine().GetConsensusState()
	n.Stop()

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
	if state.Halted {
		code = 2
	}
	os.Exit(code)
}
