package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/protocol"
)

var healthCmd = &cobra.Command{
	Use:   "health NODE_URL",
	Short: "Show a node's identity and load",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.NewNodeClient(args[0], &client.NodeConfig{Version: Version})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		identity, err := n.Identity(ctx)
		if err != nil {
			return fmt.Errorf("failed to probe node: %v", err)
		}
		sample, err := n.Health(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch health: %v", err)
		}

		fmt.Printf("Node:     %s\n", identity.Name)
		fmt.Printf("Runtime:  %s\n", identity.NodeVersion)
		fmt.Printf("Workers:  %d\n", sample.WorkersRunning)
		fmt.Printf("CPU mean: %5.1f%%\n", sample.Mean()*100)
		for i, u := range sample.CPUUsage {
			fmt.Printf("  core %-2d %5.1f%%\n", i, u*100)
		}
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers NODE_URL",
	Short: "List the workers running on a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.NewNodeClient(args[0], &client.NodeConfig{Version: Version})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ids, err := n.Workers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list workers: %v", err)
		}
		if len(ids) == 0 {
			fmt.Println("No workers running.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach NODE_URL WORKER_ID",
	Short: "Attach to a live worker's event stream",
	Long: `Attach a read-only event stream to a worker that is already running,
printing its stdout and stderr until it exits. Attaching does not take
the worker over; the spawning client keeps its own streams.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.NewNodeClient(args[0], &client.NodeConfig{Version: Version})
		if err != nil {
			return err
		}

		body, err := n.AttachEvents(context.Background(), args[1], false)
		if err != nil {
			return fmt.Errorf("failed to attach: %v", err)
		}
		defer body.Close()

		dec := protocol.NewDecoder(body)
		for {
			rec, err := dec.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("event stream ended: %v", err)
			}

			switch rec.Name {
			case protocol.EventOnline:
				fmt.Fprintf(os.Stderr, "[online] %s\n", rec.Value)
			case protocol.EventStdout:
				if b, err := rec.Binary(); err == nil {
					_, _ = os.Stdout.Write(b)
				}
			case protocol.EventStderr:
				if b, err := rec.Binary(); err == nil {
					_, _ = os.Stderr.Write(b)
				}
			case protocol.EventMessage:
				if b, err := rec.Binary(); err == nil {
					fmt.Fprintf(os.Stderr, "[message] %s\n", b)
				}
			case protocol.EventExit:
				fmt.Fprintf(os.Stderr, "[exit] code %s\n", rec.Value)
				return nil
			case protocol.EventError:
				payload, berr := rec.Binary()
				if berr != nil {
					return fmt.Errorf("worker faulted")
				}
				remote, derr := protocol.DecodeErrorPayload(payload)
				if derr != nil {
					return fmt.Errorf("worker faulted")
				}
				if remote.Stack != "" {
					fmt.Fprintln(os.Stderr, remote.Stack)
				}
				return fmt.Errorf("worker faulted: %v", remote)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(attachCmd)
}
