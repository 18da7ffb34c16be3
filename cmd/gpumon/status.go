package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Annad25/gpu-monitor/pkg/transport"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a running node's health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:"+transport.DefaultPort, "address of the node to query")
	return cmd
}

func printStatus(cmd *cobra.Command, addr string) error {
	url := fmt.Sprintf("http://%s/status", transport.NormalizeHostPort(addr, transport.DefaultPort))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "query %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read status")
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return errors.Wrap(err, "format status")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
