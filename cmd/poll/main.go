// Command poll waits for a task to finish using the standard polling
// contract and prints its result document to stdout.
//
//	poll -url http://localhost:8080 -task 4f0c...
//
// Exit status is 0 when the task completed, 1 when it failed, 2 when the
// polling budget ran out and 3 for any other error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/client"
)

const (
	exitCompleted = 0
	exitFailed    = 1
	exitTimeout   = 2
	exitError     = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("url", "http://localhost:8080", "base URL of the task API")
	taskID := fs.String("task", "", "id of the task to wait for")
	initial := fs.Duration("initial", client.DefaultInitialInterval, "first polling interval")
	maxInterval := fs.Duration("max-interval", client.DefaultMaxInterval, "longest polling interval")
	budget := fs.Duration("budget", client.DefaultBudget, "total time to wait")
	quiet := fs.Bool("quiet", false, "do not print progress updates")

	if err := fs.Parse(args); err != nil {
		return exitError
	}

	id, err := uuid.Parse(*taskID)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -task %q: %v\n", *taskID, err)
		return exitError
	}

	poller := client.NewPoller(client.New(*baseURL), client.PollConfig{
		InitialInterval: *initial,
		MaxInterval:     *maxInterval,
		Budget:          *budget,
	})
	if !*quiet {
		lastProgress := -1
		poller.OnStatus(func(s *client.Status) {
			if s.Progress == lastProgress {
				return
			}
			lastProgress = s.Progress
			fmt.Fprintf(stderr, "%s %3d%% %s\n", time.Now().Format(time.TimeOnly), s.Progress, s.Message)
		})
	}

	result, err := poller.Wait(ctx, id)

	var failed *client.TaskFailedError
	switch {
	case err == nil:
		fmt.Fprintln(stdout, string(result))
		return exitCompleted
	case errors.As(err, &failed):
		fmt.Fprintf(stderr, "task failed: %s\n", failed.ErrorMessage)
		return exitFailed
	case errors.Is(err, client.ErrPollTimeout):
		fmt.Fprintln(stderr, err)
		return exitTimeout
	default:
		fmt.Fprintln(stderr, err)
		return exitError
	}
}
