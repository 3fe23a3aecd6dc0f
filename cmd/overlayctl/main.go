// cmd/overlayctl is the CLI client for an overlay node's control API,
// built with Cobra.
//
// Usage:
//
//	overlayctl put mykey "hello world"   --node http://localhost:8080
//	overlayctl get mykey                 --node http://localhost:8080
//	overlayctl delete mykey              --node http://localhost:8080
//	overlayctl status                    --node http://localhost:8080
//	overlayctl unicast aaaa "ping"        --node http://localhost:8080
//	overlayctl multicast aaaa ffff        --node http://localhost:8080
//	overlayctl cluster join ws://host/ws  --node http://localhost:8080
//	overlayctl cluster leave             --node http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelab/overlay/internal/restclient"
)

var (
	nodeAddr string
	timeout  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "overlayctl",
		Short: "CLI client for an overlay node's control API",
	}

	root.PersistentFlags().StringVarP(&nodeAddr, "node", "n",
		"http://localhost:8080", "overlay node control API address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), statusCmd(), unicastCmd(), multicastCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(nodeAddr, timeout)
			return c.Put(context.Background(), args[0], args[1])
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(nodeAddr, timeout)
			resp, err := c.Get(context.Background(), args[0])
			if err == restclient.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			return prettyPrint(resp)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(nodeAddr, timeout)
			if err := c.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's ring/finger/suspicious-node status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(nodeAddr, timeout)
			resp, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			return prettyPrint(resp)
		},
	}
}

func unicastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unicast <target-key> [payload]",
		Short: "Route a payload toward a single target key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ""
			if len(args) == 2 {
				payload = args[1]
			}
			c := restclient.New(nodeAddr, timeout)
			resp, err := c.Unicast(context.Background(), args[0], payload)
			if err != nil {
				return err
			}
			return prettyPrint(resp)
		},
	}
}

func multicastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "multicast <from-key> <to-key>",
		Short: "Run a range query over [from, to)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(nodeAddr, timeout)
			resp, err := c.Multicast(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			return prettyPrint(resp)
		},
	}
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Ring membership commands",
	}

	joinCmd := &cobra.Command{
		Use:   "join <peer-url>",
		Short: "Join the overlay through a peer's advertised URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(nodeAddr, timeout)
			if err := c.JoinCluster(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("joined through %q\n", args[0])
			return nil
		},
	}

	leaveCmd := &cobra.Command{
		Use:   "leave",
		Short: "Leave the overlay gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(nodeAddr, timeout)
			if err := c.LeaveCluster(context.Background()); err != nil {
				return err
			}
			fmt.Println("left the overlay")
			return nil
		},
	}

	cmd.AddCommand(joinCmd, leaveCmd)
	return cmd
}

func prettyPrint(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
