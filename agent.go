package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/client"
	"github.com/Rainerrr/Gestelit-sub005/repository"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/cobra"
)

var (
	agentServer  string
	agentSession string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Keep a session alive from a station terminal by sending heartbeats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		api := newAgentAPI(agentServer, agentSession, cfg.Heartbeat.Interval, logger)
		return runAgent(ctx, api, agentSession, cfg.Heartbeat.Interval, logger)
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentServer, "server", "http://localhost:5000", "Base URL of the floorline API")
	agentCmd.Flags().StringVar(&agentSession, "session", "", "Session to keep alive")
	agentCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(agentCmd)
}

// newAgentAPI bounds each heartbeat by the interval so a stalled request never overlaps the
// next tick, and tags requests so the server log can be matched to the terminal.
func newAgentAPI(server, sessionID string, interval time.Duration, logger cmtlog.Logger) *client.API {
	return client.NewAPI(server,
		client.WithTimeout(interval),
		client.WithRequestIDs("agent-"+sessionID),
		client.WithExchangeHook(func(ex client.Exchange) {
			logger.Debug("Heartbeat sent", "request_id", ex.RequestID, "status", ex.StatusCode, "took", ex.Duration)
		}))
}

// heartbeater is the part of the API client the agent needs
type heartbeater interface {
	Heartbeat(ctx context.Context, sessionID string) error
}

// runAgent heartbeats until ctx ends or the session is gone. Delivery failures are logged and
// swallowed: the grace window absorbs short outages. A final heartbeat goes out on shutdown.
func runAgent(ctx context.Context, api heartbeater, sessionID string, interval time.Duration, logger cmtlog.Logger) error {
	logger = logger.With("module", "agent", "session", sessionID)

	beat := func(ctx context.Context) bool {
		err := api.Heartbeat(ctx, sessionID)
		switch client.CodeOf(err) {
		case "":
			if err != nil {
				logger.Error("Heartbeat failed", "err", err)
			}
			return true
		case repository.CodeSessionNotActive, repository.CodeSessionNotFound:
			logger.Info("Session ended, stopping agent", "code", client.CodeOf(err))
			return false
		default:
			logger.Error("Heartbeat rejected", "err", err)
			return true
		}
	}

	if !beat(ctx) {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			beat(final)
			cancel()
			return nil
		case <-ticker.C:
			if !beat(ctx) {
				return nil
			}
		}
	}
}
