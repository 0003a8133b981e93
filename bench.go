package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/client"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"github.com/spf13/cobra"
)

type benchOptions struct {
	server     string
	iterations int
	workerID   string
	stationID  string
	stepID     string
	output     string
	pause      time.Duration
}

var benchOpts benchOptions

type RequestResult struct {
	Name     string
	Method   string
	Endpoint string
	Latency  time.Duration
	Outcome  string
	Status   int
}

// lastExchange keeps the most recent API exchange so a step can report the wire round trip
// instead of its own wall time.
type lastExchange struct {
	ex   client.Exchange
	seen bool
}

func (l *lastExchange) record(ex client.Exchange) {
	l.ex = ex
	l.seen = true
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive create, transition, close-production and complete against a server and record latencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := benchOpts.output
		if filename == "" {
			filename = fmt.Sprintf("benchmark_n_%d_%s.csv", benchOpts.iterations, benchOpts.stationID)
		}
		file, err := os.Create(filename)
		if err != nil {
			return fmt.Errorf("creating CSV file: %w", err)
		}
		defer file.Close()

		if err := runBench(cmd.Context(), benchOpts, file, cmd.OutOrStdout()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nBenchmark complete. Results saved to %s\n", filename)
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchOpts.server, "server", "http://127.0.0.1:5000", "Base URL of the floorline API")
	f.IntVarP(&benchOpts.iterations, "iterations", "n", 1, "Number of iterations to run")
	f.StringVar(&benchOpts.workerID, "worker", "W-001", "Worker running the sessions")
	f.StringVar(&benchOpts.stationID, "station", "ST-CUT", "Station to run on")
	f.StringVar(&benchOpts.stepID, "step", "JIS-1001-A-1", "Job item step to produce for")
	f.StringVarP(&benchOpts.output, "out", "o", "", "CSV output file")
	f.DurationVar(&benchOpts.pause, "pause", 100*time.Millisecond, "Pause between steps")
	rootCmd.AddCommand(benchCmd)
}

func runBench(ctx context.Context, opts benchOptions, out io.Writer, progress io.Writer) error {
	last := &lastExchange{}
	api := client.NewAPI(opts.server,
		client.WithRequestIDs("bench"),
		client.WithExchangeHook(last.record))

	writer := csv.NewWriter(out)
	defer writer.Flush()

	header := []string{"Iteration", "Step", "Method", "Endpoint", "Latency_ms", "Outcome", "HTTP_Status"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for i := 0; i < opts.iterations; i++ {
		fmt.Fprintf(progress, "\n[Iteration %d/%d]\n", i+1, opts.iterations)
		results := runBenchmark(ctx, api, last, opts, progress)

		for _, result := range results {
			record := []string{
				strconv.Itoa(i + 1),
				result.Name,
				result.Method,
				result.Endpoint,
				strconv.FormatInt(result.Latency.Milliseconds(), 10),
				result.Outcome,
				strconv.Itoa(result.Status),
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("writing record to CSV: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// runBenchmark runs one session from start to completion. It stops at the first failing step
// and records the failure's error code as the outcome. Step latency is the HTTP round trip
// reported by the client; the workflow row is wall time including pauses.
func runBenchmark(ctx context.Context, api *client.API, last *lastExchange, opts benchOptions, progress io.Writer) []RequestResult {
	var results []RequestResult
	totalStart := time.Now()

	step := func(name, method, endpoint string, fn func() error) bool {
		if len(results) > 0 && opts.pause > 0 {
			time.Sleep(opts.pause)
		}
		*last = lastExchange{}
		start := time.Now()
		err := fn()
		elapsed := time.Since(start)
		var status int
		if last.seen {
			elapsed = last.ex.Duration
			status = last.ex.StatusCode
		}

		outcome := "ok"
		if err != nil {
			outcome = client.CodeOf(err)
			if outcome == "" {
				outcome = "error"
			}
			fmt.Fprintf(progress, "%s failed: %v\n", name, err)
		} else {
			fmt.Fprintf(progress, "%s [Delay: %v]\n", name, elapsed)
		}
		results = append(results, RequestResult{Name: name, Method: method, Endpoint: endpoint, Latency: elapsed, Outcome: outcome, Status: status})
		return err == nil
	}

	var sessionID, productionEventID string
	ok := step("Create Session", "POST", "/sessions", func() error {
		created, err := api.CreateSession(ctx, opts.workerID, opts.stationID, opts.stepID)
		if err == nil {
			sessionID = created.Session.ID
		}
		return err
	}) && step("Start Production", "POST", "/sessions/:id/transition", func() error {
		res, err := api.Transition(ctx, sessionID, models.StatusCodeProduction, nil)
		if err == nil {
			productionEventID = res.Event.ID
		}
		return err
	}) && step("Heartbeat", "POST", "/sessions/:id/heartbeat", func() error {
		return api.Heartbeat(ctx, sessionID)
	}) && step("Close Production", "POST", "/sessions/:id/close-production", func() error {
		_, err := api.CloseProduction(ctx, sessionID, productionEventID, 10, 0, models.StatusCodeStoppage)
		return err
	}) && step("Complete Session", "POST", "/sessions/:id/complete", func() error {
		_, err := api.Complete(ctx, sessionID)
		return err
	})

	totalElapsed := time.Since(totalStart)
	outcome := "ok"
	if !ok {
		outcome = "aborted"
		if sessionID != "" {
			// free the station for the next iteration
			api.Abandon(ctx, sessionID, "worker_choice")
		}
	}
	fmt.Fprintf(progress, "\nTotal workflow execution time: %v\n", totalElapsed)

	results = append(results, RequestResult{
		Name:     "Complete Workflow",
		Method:   "WORKFLOW",
		Endpoint: "complete-workflow",
		Latency:  totalElapsed,
		Outcome:  outcome,
	})
	return results
}
