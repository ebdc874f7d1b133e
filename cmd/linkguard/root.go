package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/linkguard/internal/guard/gateways/apiclient"
	"github.com/haukened/linkguard/internal/guard/gateways/transport"
)

const (
	appName = "linkguard"

	// apiAddrEnv overrides the daemon address.
	apiAddrEnv     = "LINKGUARD_API_ADDR"
	defaultAPIAddr = "127.0.0.1:7543"
)

// daemon is the part of the API client the commands use.
type daemon interface {
	Resolve(ctx context.Context, rawURL, layer string) (transport.Action, error)
	Open(ctx context.Context, rawURL, layer string) (transport.OpenResponse, error)
	OpenAnyway(ctx context.Context, rawURL, verdict string) error
	IsApproved(ctx context.Context, rawURL string) (bool, error)
	Approve(ctx context.Context, rawURL string, ttl time.Duration) error
	Forget(ctx context.Context, rawURL string) error
	ClearCache(ctx context.Context) error
	PurgeExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (transport.Stats, error)
	Protection(ctx context.Context) (transport.Protection, error)
	SetProtection(ctx context.Context, p transport.Protection) (transport.Protection, error)
	History(ctx context.Context, limit int) ([]transport.Scan, error)
}

var _ daemon = (*apiclient.Client)(nil)

type clientFactory func(addr string) (daemon, error)

func newClient(addr string) (daemon, error) {
	return apiclient.New(apiclient.Options{Addr: addr})
}

// newRootCmd builds the command tree. connect is called lazily so --help works
// without a daemon.
func newRootCmd(connect clientFactory) *cobra.Command {
	addr := os.Getenv(apiAddrEnv)
	if addr == "" {
		addr = defaultAPIAddr
	}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Check links for phishing before they open",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&addr, "api", addr, "daemon API address (env "+apiAddrEnv+")")

	client := func() (daemon, error) { return connect(addr) }

	root.AddCommand(
		newOpenCmd(client),
		newCheckCmd(client),
		newApproveCmd(client),
		newForgetCmd(client),
		newClearCmd(client),
		newPurgeCmd(client),
		newStatsCmd(client),
		newProtectCmd(client),
		newHistoryCmd(client),
	)
	return root
}
