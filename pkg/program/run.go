package program

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Routine is a long-running piece of a program, such as an HTTP server
// or a background prober. Routines may launch further routines through
// the provided Group; all routines share a context that is canceled
// when any routine fails or a termination signal is received.
type Routine func(ctx context.Context, group Group) error

// Group can be used by routines to launch sibling routines.
type Group interface {
	Go(routine Routine)
}

type group struct {
	ctx    context.Context
	cancel context.CancelFunc

	wait sync.WaitGroup

	lock sync.Mutex
	err  error
}

func (g *group) Go(routine Routine) {
	g.wait.Add(1)
	go func() {
		defer g.wait.Done()
		if err := routine(g.ctx, g); err != nil {
			g.lock.Lock()
			if g.err == nil {
				g.err = err
			}
			g.lock.Unlock()
			g.cancel()
		}
	}()
}

// RunLocal runs a routine and all routines it launches until they have
// all completed, returning the first error that occurred. It exists so
// that integration tests can drive a full program lifecycle without
// process-level signal handling.
func RunLocal(ctx context.Context, routine Routine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := &group{ctx: ctx, cancel: cancel}
	g.Go(routine)
	g.wait.Wait()
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.err
}

// RunMain runs a routine as the body of main(), terminating cleanly
// when SIGINT or SIGTERM is received and exiting nonzero when any
// routine fails.
func RunMain(routine Routine) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		receivedSignal := <-signals
		log.Printf("Received %s; shutting down", receivedSignal)
		cancel()
	}()

	if err := RunLocal(ctx, routine); err != nil {
		log.Fatal("Fatal error: ", err)
	}
}
