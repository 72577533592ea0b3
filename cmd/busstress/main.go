// File: cmd/busstress/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// busstress drives a local bus domain with concurrent multicast senders and
// receivers and reports the resulting counters.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/momentics/hioload-bus/affinity"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/control"
	"github.com/momentics/hioload-bus/fake"
	"github.com/momentics/hioload-bus/fdtable"
	"github.com/momentics/hioload-bus/internal/logging"
	"github.com/momentics/hioload-bus/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "busstress",
	Short: "Stress the bus peer core in process",
	Long: `busstress creates a domain of peers backed by fake address spaces and
runs concurrent senders multicasting to every receiver.

Pool size, descriptor limit and logging come from the BUS_* environment.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a stress round",
	RunE: func(cmd *cobra.Command, args []string) error {
		senders, _ := cmd.Flags().GetInt("senders")
		receivers, _ := cmd.Flags().GetInt("receivers")
		messages, _ := cmd.Flags().GetInt("messages")
		size, _ := cmd.Flags().GetInt("size")
		handles, _ := cmd.Flags().GetInt("handles")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pin, _ := cmd.Flags().GetBool("pin")

		if senders <= 0 || receivers <= 0 || messages <= 0 {
			return errors.New("senders, receivers and messages must be positive")
		}
		if receivers > api.DestinationMax || handles > api.FDMax || handles < 0 || size < 0 {
			return errors.New("limits exceeded")
		}

		cfg, err := control.Load()
		if err != nil {
			return err
		}
		log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer log.Sync()
		log = log.With(zap.String("run", uuid.NewString()))

		reg := prometheus.NewRegistry()
		var metrics *control.Metrics
		if cfg.Metrics.Enabled {
			metrics = control.NewMetrics(reg)
		}
		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn("metrics server", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		d := peer.NewDomain(peer.DomainOptions{Logger: log, Metrics: metrics})
		defer d.Close()

		start := time.Now()
		r := &round{
			cfg: cfg, log: log, pin: pin,
			senders: senders, receivers: receivers, messages: messages,
			size: size, handles: handles,
		}
		if err := r.stress(ctx, d); err != nil {
			return err
		}
		elapsed := time.Since(start)

		total := senders * messages * receivers
		fmt.Printf("\n  Deliveries : %d\n", total)
		fmt.Printf("  Elapsed    : %s\n", elapsed)
		fmt.Printf("  Rate       : %.0f msg/s\n\n", float64(total)/elapsed.Seconds())
		return report(reg)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := control.Load()
		if err != nil {
			return err
		}
		fmt.Printf("  BUS_PEER_POOL_SIZE  : %d\n", cfg.Peer.PoolSize)
		fmt.Printf("  BUS_PEER_FD_LIMIT   : %d\n", cfg.Peer.FDLimit)
		fmt.Printf("  BUS_LOG_LEVEL       : %s\n", cfg.Logging.Level)
		fmt.Printf("  BUS_LOG_DEV         : %t\n", cfg.Logging.Development)
		fmt.Printf("  BUS_METRICS_ENABLED : %t\n", cfg.Metrics.Enabled)
		return nil
	},
}

type endpoint struct {
	p    *peer.Peer
	task *peer.Task
}

func newEndpoint(d *peer.Domain, cfg *control.Config) (*endpoint, *fake.Memory, *fdtable.Table, error) {
	p, err := d.Connect(cfg.Peer.PoolSize)
	if err != nil {
		return nil, nil, nil, err
	}
	mem := fake.NewMemory()
	files := fdtable.NewTable(cfg.Peer.FDLimit)
	return &endpoint{p: p, task: &peer.Task{Memory: mem, Files: files}}, mem, files, nil
}

type round struct {
	cfg *control.Config
	log *zap.Logger
	pin bool

	senders, receivers, messages int
	size, handles                int
}

// worker pins the calling goroutine when requested.
func (r *round) worker(idx int) func() {
	if !r.pin {
		return func() {}
	}
	unpin, err := affinity.Pin(idx)
	if err != nil {
		r.log.Warn("pin worker", zap.Int("worker", idx), zap.Error(err))
		return func() {}
	}
	return unpin
}

func (r *round) stress(ctx context.Context, d *peer.Domain) error {
	cfg, senders, receivers, messages := r.cfg, r.senders, r.receivers, r.messages
	dests := make([]uint64, receivers)
	rx := make([]*endpoint, receivers)
	rxFiles := make([]*fdtable.Table, receivers)
	for i := range rx {
		ep, _, files, err := newEndpoint(d, cfg)
		if err != nil {
			return err
		}
		rx[i], rxFiles[i] = ep, files
		dests[i] = ep.p.ID()
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < senders; i++ {
		ep, mem, files, err := newEndpoint(d, cfg)
		if err != nil {
			return err
		}
		defer files.CloseAll()
		sc, err := buildSend(mem, files, r.size, r.handles, dests)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer r.worker(i)()
			for n := 0; n < messages; {
				err := ep.p.Send(ep.task, sc)
				switch {
				case err == nil:
					n++
				case errors.Is(err, api.ErrNoSpace):
					// receivers are behind
					if ctx.Err() != nil {
						return ctx.Err()
					}
					runtime.Gosched()
				default:
					return fmt.Errorf("sender %d: %w", ep.p.ID(), err)
				}
			}
			return nil
		})
	}

	for i, ep := range rx {
		files := rxFiles[i]
		g.Go(func() error {
			defer r.worker(senders + i)()
			want := senders * messages
			for n := 0; n < want; {
				var rc api.RecvCmd
				err := ep.p.Recv(ep.task, &rc)
				switch {
				case err == nil:
					n++
					if rc.MsgFDs > 0 {
						// received handles are not used, close them to stay under the limit
						files.CloseAll()
					}
				case errors.Is(err, api.ErrWouldBlock):
					if ctx.Err() != nil {
						return ctx.Err()
					}
					runtime.Gosched()
				default:
					return fmt.Errorf("receiver %d: %w", ep.p.ID(), err)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		r.log.Error("stress round failed", zap.Error(err))
	}
	return err
}

// buildSend lays out one reusable send command in mem.
func buildSend(mem *fake.Memory, files *fdtable.Table, size, handles int, dests []uint64) (*api.SendCmd, error) {
	sc := &api.SendCmd{
		NDestinations:   uint64(len(dests)),
		PtrDestinations: mem.Map(api.EncodeIDs(dests)),
	}
	if size > 0 {
		body := mem.Alloc(size)
		sc.NVecs = 1
		sc.PtrVecs = mem.Map(api.EncodeVecs([]api.Vec{{Ptr: body, Len: uint64(size)}}))
	}
	if handles > 0 {
		fds := make([]int, handles)
		for i := range fds {
			fd, err := files.Open(fake.NewResource(fmt.Sprintf("h%d", i)))
			if err != nil {
				return nil, err
			}
			fds[i] = fd
		}
		sc.NFDs = uint64(handles)
		sc.PtrFDs = mem.Map(api.EncodeFDs(fds))
	}
	return sc, nil
}

func report(g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			label := ""
			for _, lp := range m.GetLabel() {
				label += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			fmt.Printf("  %s%s %g\n", mf.GetName(), label, v)
		}
	}
	return nil
}

func init() {
	runCmd.Flags().Int("senders", 4, "concurrent senders")
	runCmd.Flags().Int("receivers", 4, "receivers, each a destination of every send")
	runCmd.Flags().Int("messages", 10000, "messages per sender")
	runCmd.Flags().Int("size", 256, "payload bytes per message")
	runCmd.Flags().Int("handles", 1, "handles attached to each message")
	runCmd.Flags().Duration("timeout", time.Minute, "abort after this long (0 disables)")
	runCmd.Flags().String("metrics-addr", "", "serve /metrics on this address while running")
	runCmd.Flags().Bool("pin", false, "pin every worker goroutine to its own CPU")

	rootCmd.AddCommand(runCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
