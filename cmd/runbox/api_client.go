package main

import (
	"context"

	"github.com/fentz26/runbox/internal/apiclient"
	"github.com/spf13/cobra"
)

// newClient returns an API client for the --api / --api-key flags.
func newClient() *apiclient.Client {
	return apiclient.New(apiAddr, apiKey)
}

// commandContext bounds one CLI call by the client timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, apiclient.DefaultClientTimeout)
}

// isDaemonRunning reports whether the daemon answers /health.
func isDaemonRunning(ctx context.Context) bool {
	_, err := newClient().Health(ctx)
	return err == nil
}
