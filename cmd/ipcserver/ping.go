package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcserver/pkg/ipc"
	"github.com/billm/baaaht/ipcserver/pkg/kernel/loopback"
	"github.com/billm/baaaht/ipcserver/pkg/services/echo"
)

var (
	// ping flags
	pingCount   int
	pingPayload string
	pingTimeout time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the echo service once per count and print the replies",
	Long: `ping starts a server with the echo service, connects one client and
pumps the server by hand for every request. It prints each reply and the
server counters.`,
	RunE: runPing,
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 3, "Number of requests")
	pingCmd.Flags().StringVar(&pingPayload, "payload", "ping", "Request payload")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "Timeout for each request")
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg := rootCfg
	k := loopback.NewKernel(rootLog)
	srv, err := newServer(cfg, k, nil, rootLog)
	if err != nil {
		return err
	}
	defer srv.Destroy()

	client, err := k.Connect(cfg.Server.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to connect to %q: %w", cfg.Server.ServiceName, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
	err = srv.Pump(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("accept failed: %w", err)
	}

	out := cmd.OutOrStdout()
	for i := 1; i <= pingCount; i++ {
		ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
		err := pingOnce(ctx, srv, client, i, out)
		cancel()
		if err != nil {
			return err
		}
	}

	stats, err := json.MarshalIndent(srv.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(stats))
	return nil
}

func pingOnce(ctx context.Context, srv *ipc.Server, c *loopback.ClientSession, i int, out io.Writer) error {
	payload := fmt.Sprintf("%s %d", pingPayload, i)
	if err := c.Send(loopback.Request{RequestID: echo.RequestEcho, RawData: []byte(payload)}); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	start := time.Now()
	if err := srv.Pump(ctx); err != nil {
		return fmt.Errorf("pump failed: %w", err)
	}
	resp, err := c.Recv(ctx)
	if err != nil {
		return fmt.Errorf("receive failed: %w", err)
	}
	fmt.Fprintf(out, "reply %d: %q (%s)\n", i, resp.RawData, time.Since(start).Round(time.Microsecond))
	return nil
}
