package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	asyncmix "github.com/jeffcaradona/async-mix-and-match"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	stepDelay time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "asyncmix-demo",
		Short: "Lessons on mixing callback and promise APIs",
		Long: "Runs the asyncmix lesson sequences on a live event loop: the error-first\n" +
			"callback convention, the promise convention, the dual-mode invocation\n" +
			"contract, and the hazards of mixing the two.",
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, notice, warning, err)")
	rootCmd.PersistentFlags().DurationVar(&stepDelay, "step", 200*time.Millisecond, "Pause between lesson steps")

	rootCmd.AddCommand(
		callbacksCmd(),
		promisesCmd(),
		dualmodeCmd(),
		hazardsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLevel(s string) logiface.Level {
	switch s {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "info":
		return logiface.LevelInformational
	case "notice":
		return logiface.LevelNotice
	case "warning", "warn":
		return logiface.LevelWarning
	case "err", "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func newLogger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stdout)),
		stumpy.L.WithLevel(parseLevel(logLevel)),
	).Logger()
}

func step() { time.Sleep(stepDelay) }

// withLoop runs a lesson against a freshly started loop, shutting it down
// and logging its counters afterwards.
func withLoop(fn func(ctx context.Context, loop *asyncmix.Loop, log *logiface.Logger[logiface.Event]) error) error {
	log := newLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	loop, err := asyncmix.New(
		asyncmix.WithLogger(log),
		asyncmix.WithMetrics(true),
		asyncmix.WithUnhandledRejection(func(p *asyncmix.Promise, reason error) {
			log.Warning().
				Uint64("promise", p.ID()).
				Err(reason).
				Log("rejection with no handler attached")
		}),
	)
	if err != nil {
		return err
	}
	go loop.Run(ctx)

	if err := fn(ctx, loop, log); err != nil {
		loop.Shutdown(context.Background())
		return err
	}

	if err := loop.Shutdown(context.Background()); err != nil {
		return err
	}
	if m, ok := loop.Metrics(); ok {
		log.Info().
			Uint64("tasks", m.TasksExecuted).
			Uint64("microtasks", m.MicrotasksExecuted).
			Uint64("timers_fired", m.TimersFired).
			Uint64("invocations_callback", m.InvocationsCallback).
			Uint64("invocations_promise", m.InvocationsPromise).
			Uint64("settlements_fulfilled", m.SettlementsFulfilled).
			Uint64("settlements_rejected", m.SettlementsRejected).
			Uint64("unhandled_rejections", m.UnhandledRejections).
			Dur("delivery_p50", m.DeliveryLatency.P50).
			Dur("delivery_p99", m.DeliveryLatency.P99).
			Log("loop counters")
	}
	return nil
}

func callbacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "callbacks",
		Short: "The error-first callback convention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoop(func(ctx context.Context, loop *asyncmix.Loop, log *logiface.Logger[logiface.Event]) error {
				readFile := func(name string, cb asyncmix.Callback) {
					loop.SetTimeout(func() {
						if name == "missing.txt" {
							cb(errors.New("no such file: "+name), nil)
							return
						}
						cb(nil, "contents of "+name)
					}, 30*time.Millisecond)
				}

				log.Info().Log("lesson: completion callbacks take (err, value); check err first")

				done := make(chan struct{}, 2)
				readFile("notes.txt", func(err error, value asyncmix.Result) {
					log.Info().Any("value", value).Log("success path: err is nil")
					done <- struct{}{}
				})
				readFile("missing.txt", func(err error, value asyncmix.Result) {
					log.Info().Err(err).Log("failure path: value is absent")
					done <- struct{}{}
				})
				log.Info().Log("both calls returned before either callback ran")

				<-done
				<-done
				step()
				return nil
			})
		},
	}
}

func promisesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promises",
		Short: "The deferred-result handle convention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoop(func(ctx context.Context, loop *asyncmix.Loop, log *logiface.Logger[logiface.Event]) error {
				log.Info().Log("lesson: a promise settles once; handlers attach to the handle")

				p, resolve, _ := loop.NewPromise()
				loop.SetTimeout(func() { resolve(7) }, 30*time.Millisecond)

				chain := p.
					Then(func(v asyncmix.Result) (asyncmix.Result, error) {
						n := v.(int)
						log.Info().Int("value", n).Log("first handler doubles the value")
						return n * 2, nil
					}, nil).
					Then(func(v asyncmix.Result) (asyncmix.Result, error) {
						log.Info().Any("value", v).Log("second handler sees the doubled value")
						return v, nil
					}, nil)

				if v, err := chain.Await(ctx); err == nil {
					log.Info().Any("value", v).Log("await yielded the chain's final value")
				}
				step()

				log.Info().Log("lesson: combinators settle from many inputs")
				fast := loop.Resolve("fast")
				slow, resolveSlow, _ := loop.NewPromise()
				loop.SetTimeout(func() { resolveSlow("slow") }, 50*time.Millisecond)

				if v, err := loop.Race([]*asyncmix.Promise{slow, fast}).Await(ctx); err == nil {
					log.Info().Any("winner", v).Log("race settled with the first settlement")
				}
				if v, err := loop.All([]*asyncmix.Promise{fast, slow}).Await(ctx); err == nil {
					log.Info().Any("values", fmt.Sprint(v)).Log("all preserved input order")
				}
				step()
				return nil
			})
		},
	}
}

func dualmodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dualmode",
		Short: "One operation, two mutually exclusive completion interfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoop(func(ctx context.Context, loop *asyncmix.Loop, log *logiface.Logger[logiface.Event]) error {
				fetch, err := asyncmix.NewDualMode(loop, func(ctx context.Context) (asyncmix.Result, error) {
					time.Sleep(20 * time.Millisecond)
					return "payload", nil
				})
				if err != nil {
					return err
				}

				log.Info().Log("lesson: mode is fixed at call time, never both interfaces")

				done := make(chan struct{})
				fetch.InvokeCallback(ctx, func(err error, value asyncmix.Result) {
					log.Info().Any("value", value).Log("callback mode delivered exactly once")
					close(done)
				})
				log.Info().Log("callback-mode call returned nothing")
				<-done
				step()

				handle := fetch.InvokePromise(ctx)
				log.Info().Str("state", handle.State().String()).Log("promise mode returned the live handle")
				if v, err := handle.Await(ctx); err == nil {
					log.Info().Any("value", v).Log("the same handle settled")
				}
				step()

				if p := fetch.Invoke(asyncmix.Call{Ctx: ctx}); p != nil {
					v, _ := p.Await(ctx)
					log.Info().Any("value", v).Log("descriptor without callback dispatched to promise mode")
				}
				return nil
			})
		},
	}
}

func hazardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hazards",
		Short: "What leaks when the conventions are mixed carelessly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoop(func(ctx context.Context, loop *asyncmix.Loop, log *logiface.Logger[logiface.Event]) error {
				log.Info().Log("hazard: a callback API that fires twice")
				buggy := func(ctx context.Context, cb asyncmix.Callback) {
					loop.SetTimeout(func() {
						cb(nil, "first completion")
						cb(errors.New("second completion"), nil)
					}, 20*time.Millisecond)
				}
				send := asyncmix.Promisify(loop, buggy)
				if v, err := send(ctx).Await(ctx); err == nil {
					log.Info().Any("value", v).Log("promisify absorbed the double fire; first wins")
				}
				step()

				log.Info().Log("hazard: a rejection nobody handles")
				loop.Reject(errors.New("dropped on the floor"))
				step()

				log.Info().Log("bridge: promise API consumed through a callback")
				quote := func(ctx context.Context) *asyncmix.Promise {
					p, resolve, _ := loop.NewPromise()
					loop.SetTimeout(func() { resolve(41.99) }, 20*time.Millisecond)
					return p
				}
				bridged := asyncmix.Callbackify(quote)
				done := make(chan struct{})
				bridged(ctx, func(err error, value asyncmix.Result) {
					log.Info().Any("value", value).Log("bridge delivered once, deferred")
					close(done)
				})
				log.Info().Log("bridge call returned before delivery")
				<-done
				step()
				return nil
			})
		},
	}
}
