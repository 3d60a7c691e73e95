package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/progcache"
	"github.com/unkn0wn-root/progcache/config"
	"github.com/unkn0wn-root/progcache/internal/wire"
	"github.com/unkn0wn-root/progcache/metrics/prometheus"
	"github.com/unkn0wn-root/progcache/observer/async"
	"github.com/unkn0wn-root/progcache/observer/slogobs"
	"github.com/unkn0wn-root/progcache/provider"
)

var (
	runCount     int
	runFrameSize int
	runEvents    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Seed synthetic assets and retrieve them progressively",
	Long: `Seeds --count synthetic assets into the configured store, retrieves them
into one shared target buffer using the configured stages, and prints
per-stage results and cache usage.

With metrics.enabled the Prometheus endpoint stays up until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runCount, "count", 64, "number of assets")
	runCmd.Flags().IntVar(&runFrameSize, "frame-size", 256<<10, "bytes per full-quality frame")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "log cache and retrieval events")
}

// stageLog collects stage completions for the summary table.
type stageLog struct {
	progcache.NopObserver
	mu   sync.Mutex
	rows [][]string
}

func (s *stageLog) OnStageCompleted(stage string, total, failures int, elapsed time.Duration) {
	s.mu.Lock()
	s.rows = append(s.rows, []string{stage, strconv.Itoa(total), strconv.Itoa(failures), elapsed.Round(time.Millisecond).String()})
	s.mu.Unlock()
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runCount <= 0 || runFrameSize <= 0 {
		return fmt.Errorf("--count and --frame-size must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prom.NewRegistry()
	m := prometheus.New(reg)
	stages := &stageLog{}
	obs := progcache.Observers{m, stages}
	if runEvents {
		ev := async.New(slogobs.New(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)), slogobs.Options{ImprovedEvery: 8}), 1, 1024)
		defer ev.Close()
		obs = append(obs, ev)
	}

	loaders := progcache.NewRegistry()
	opts, err := cfg.CoreOptions(loaders, obs, m)
	if err != nil {
		return err
	}
	core, err := progcache.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := config.ShutdownContext()
		defer cancel()
		_ = core.Close(sctx)
	}()

	store, err := cfg.OpenProvider(ctx)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())
	src, err := cfg.Source(store, core.Cache, opts.Logger)
	if err != nil {
		return err
	}
	loaders.SetDefault(src)

	ids := syntheticIDs(runCount)
	for i, id := range ids {
		if err := src.Seed(ctx, id, map[string]any{"index": i, "frame_size": runFrameSize}, syntheticFrames(i, runFrameSize), time.Hour); err != nil {
			return err
		}
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				opts.Logger.Error("metrics server failed", progcache.Fields{"err": err})
			}
		}()
	}

	target := &progcache.TargetBuffer{Buffer: make([]byte, runCount*runFrameSize), ElementType: "uint8"}
	start := time.Now()
	done, err := core.Retrieve(ctx, progcache.Request{IDs: ids, Target: target, FrameLength: runFrameSize})
	if err != nil {
		return err
	}
	if err := done.Wait(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	stages.mu.Lock()
	printTable(out, []string{"Stage", "Nodes", "Failures", "Elapsed"}, stages.rows)
	stages.mu.Unlock()

	st := core.Cache.Stats()
	fmt.Fprintln(out)
	printTable(out, []string{"Cache", "Value"}, [][]string{
		{"max", humanize.IBytes(uint64(st.MaxCacheSize))},
		{"volatile", humanize.IBytes(uint64(st.VolatileBytes))},
		{"reserved", humanize.IBytes(uint64(st.ReservedBytes))},
		{"available", humanize.IBytes(uint64(st.Available))},
		{"images", strconv.Itoa(st.Images)},
		{"pending", strconv.Itoa(st.Pending)},
	})
	if sr, ok := store.(provider.StatsReporter); ok {
		if ps, err := sr.Stats(ctx); err == nil {
			fmt.Fprintln(out)
			printTable(out, []string{"Store", "Value"}, [][]string{
				{"provider", cfg.Source.Provider},
				{"keys", strconv.FormatInt(ps.Keys, 10)},
				{"hits", strconv.FormatInt(ps.Hits, 10)},
				{"misses", strconv.FormatInt(ps.Misses, 10)},
				{"bytes", storeBytes(ps.Bytes)},
			})
		}
	}
	fmt.Fprintf(out, "\nretrieved %d assets (%s) in %s\n", runCount, humanize.IBytes(uint64(len(target.Buffer))), elapsed.Round(time.Millisecond))

	if srv != nil {
		fmt.Fprintf(out, "serving metrics on %s/metrics, interrupt to exit\n", cfg.Metrics.Listen)
		<-ctx.Done()
		sctx, cancel := config.ShutdownContext()
		defer cancel()
		return srv.Shutdown(sctx)
	}
	return nil
}

func storeBytes(n int64) string {
	if n < 0 {
		return "n/a"
	}
	return humanize.IBytes(uint64(n))
}

// syntheticFrames yields one frame per progressive quality; higher qualities
// carry more of the payload.
func syntheticFrames(seed, size int) []wire.Frame {
	qs := []progcache.Quality{
		progcache.QualityFarReplicate,
		progcache.QualitySubResolution,
		progcache.QualityLossy,
		progcache.QualityFull,
	}
	frames := make([]wire.Frame, len(qs))
	for i, q := range qs {
		n := size * int(q) / int(progcache.QualityFull)
		p := make([]byte, n)
		for j := range p {
			p[j] = byte(seed + j)
		}
		frames[i] = wire.Frame{Quality: uint8(q), Payload: p}
	}
	return frames
}
