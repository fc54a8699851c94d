package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/phroun/skein"
	"github.com/phroun/skein/internal/config"
	"github.com/phroun/skein/internal/logging"
)

const (
	benchReadSize  = 4096
	benchEditSize  = 100
	benchChunkSize = 4 << 20
)

// BenchConfig controls a benchmark run.
type BenchConfig struct {
	Size    int64
	Edits   int
	Cursors int
	Seed    uint64
	TempDir string
}

// BenchResult is the outcome of one benchmark.
type BenchResult struct {
	Name     string
	Duration time.Duration
	Ops      int
	Bytes    int64
	Extra    string
}

func (r BenchResult) String() string {
	line := fmt.Sprintf("%-36s %12v", r.Name, r.Duration.Round(time.Microsecond))
	if r.Ops > 0 {
		line += fmt.Sprintf("  %s ops, %s ops/sec",
			humanize.Comma(int64(r.Ops)),
			humanize.CommafWithDigits(float64(r.Ops)/max(r.Duration.Seconds(), 1e-9), 0))
	}
	if r.Bytes > 0 {
		line += fmt.Sprintf("  %s/s", humanize.IBytes(uint64(float64(r.Bytes)/max(r.Duration.Seconds(), 1e-9))))
	}
	if r.Extra != "" {
		line += "  " + r.Extra
	}
	return line
}

func newBenchCommand(a *app) *cobra.Command {
	var (
		size    string
		edits   int
		cursors int
		seed    uint64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic workload",
		Long: `Generate a document, then time reads, edits and cursor scans, including
cursors scanning concurrently with an editor.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := config.ParseSize(size)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "skein benchmark")
			fmt.Fprintf(out, "document: %s, edits: %d, cursors: %d\n", humanize.IBytes(uint64(n)), edits, cursors)
			fmt.Fprintf(out, "go: %s, GOMAXPROCS: %d\n\n", runtime.Version(), runtime.GOMAXPROCS(0))

			results, err := RunBench(cmd.Context(), a.options(), BenchConfig{
				Size:    int64(n),
				Edits:   edits,
				Cursors: cursors,
				Seed:    seed,
			})
			for _, r := range results {
				fmt.Fprintln(out, r)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&size, "size", "16MiB", "document size")
	cmd.Flags().IntVar(&edits, "edits", 10000, "number of edits per edit benchmark")
	cmd.Flags().IntVar(&cursors, "cursors", 4, "concurrent cursors in the mixed benchmark")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	return cmd
}

// RunBench executes every benchmark against a freshly generated file and
// returns the results gathered so far, even on failure.
func RunBench(ctx context.Context, opts skein.Options, cfg BenchConfig) ([]BenchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.FromContext(ctx)
	dir, err := os.MkdirTemp(cfg.TempDir, "skein-bench-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	path := filepath.Join(dir, "document.txt")

	var results []BenchResult
	res, err := generateFile(path, cfg.Size, rng)
	results = append(results, res)
	if err != nil {
		return results, err
	}

	start := time.Now()
	h, err := skein.OpenFile(path, opts)
	if err != nil {
		return results, err
	}
	defer h.Close()
	results = append(results, BenchResult{Name: "Open file", Duration: time.Since(start), Extra: humanize.IBytes(uint64(h.Len()))})

	steps := []struct {
		name string
		fn   func(*skein.Handle, *rand.Rand, BenchConfig) (BenchResult, error)
	}{
		{"Random reads", benchReads},
		{"Repeated reads (cached)", benchCachedReads},
		{"Small inserts", benchInserts},
		{"Small overwrites", benchWrites},
		{"Small deletes", benchDeletes},
		{"Cursor scan", benchScan},
		{"Concurrent cursors + editor", benchConcurrent},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := step.fn(h, rng, cfg)
		res.Name = step.name
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("%s: %w", step.name, err)
		}
		logger.Debug("bench step done", "step", step.name, "duration", res.Duration,
			logging.FieldLength, h.Len(), logging.FieldVersion, h.Version())
	}

	start = time.Now()
	dropped := h.PruneEditLog()
	st := h.Stats()
	logger.Debug("bench finished", logging.FieldPieces, st.Pieces, logging.FieldDropped, dropped)
	results = append(results, BenchResult{
		Name:     "Prune edit log",
		Duration: time.Since(start),
		Extra: fmt.Sprintf("dropped %d, %s pieces, cache %s hits / %s misses",
			dropped, humanize.Comma(int64(st.Pieces)),
			humanize.Comma(int64(st.Cache.Hits)), humanize.Comma(int64(st.Cache.Misses))),
	})
	return results, nil
}

func generateFile(path string, size int64, rng *rand.Rand) (BenchResult, error) {
	start := time.Now()
	f, err := os.Create(path)
	if err != nil {
		return BenchResult{Name: "Generate file"}, err
	}
	defer f.Close()

	chunk := make([]byte, min(size, benchChunkSize))
	for written := int64(0); written < size; {
		n := min(int64(len(chunk)), size-written)
		fillText(chunk[:n], rng)
		if _, err := f.Write(chunk[:n]); err != nil {
			return BenchResult{Name: "Generate file"}, err
		}
		written += n
	}
	return BenchResult{Name: "Generate file", Duration: time.Since(start), Bytes: size}, f.Sync()
}

// fillText writes printable lines of random lowercase text.
func fillText(p []byte, rng *rand.Rand) {
	for i := range p {
		if rng.IntN(64) == 0 {
			p[i] = '\n'
			continue
		}
		p[i] = byte('a' + rng.IntN(26))
	}
}

func benchReads(h *skein.Handle, rng *rand.Rand, cfg BenchConfig) (BenchResult, error) {
	n := max(cfg.Edits, 1)
	var total int64
	start := time.Now()
	for range n {
		off := rng.Int64N(max(h.Len(), 1))
		data, err := h.Read(off, benchReadSize)
		if err != nil {
			return BenchResult{}, err
		}
		total += int64(len(data))
	}
	return BenchResult{Duration: time.Since(start), Ops: n, Bytes: total}, nil
}

func benchCachedReads(h *skein.Handle, rng *rand.Rand, cfg BenchConfig) (BenchResult, error) {
	n := max(cfg.Edits, 1)
	hot := make([]int64, 16)
	for i := range hot {
		hot[i] = rng.Int64N(max(h.Len(), 1))
	}
	var total int64
	start := time.Now()
	for i := range n {
		data, err := h.Read(hot[i%len(hot)], benchReadSize)
		if err != nil {
			return BenchResult{}, err
		}
		total += int64(len(data))
	}
	return BenchResult{Duration: time.Since(start), Ops: n, Bytes: total}, nil
}

func benchInserts(h *skein.Handle, rng *rand.Rand, cfg BenchConfig) (BenchResult, error) {
	data := make([]byte, benchEditSize)
	start := time.Now()
	for range cfg.Edits {
		fillText(data, rng)
		if _, err := h.Insert(rng.Int64N(h.Len()+1), data); err != nil {
			return BenchResult{}, err
		}
	}
	return BenchResult{Duration: time.Since(start), Ops: cfg.Edits}, nil
}

func benchWrites(h *skein.Handle, rng *rand.Rand, cfg BenchConfig) (BenchResult, error) {
	data := make([]byte, benchEditSize)
	start := time.Now()
	for range cfg.Edits {
		if h.Len() < benchEditSize {
			break
		}
		fillText(data, rng)
		if _, err := h.Write(rng.Int64N(h.Len()-benchEditSize+1), data); err != nil {
			return BenchResult{}, err
		}
	}
	elapsed := time.Since(start)
	if err := h.Sync(); err != nil {
		return BenchResult{}, err
	}
	return BenchResult{Duration: elapsed, Ops: cfg.Edits}, nil
}

func benchDeletes(h *skein.Handle, rng *rand.Rand, cfg BenchConfig) (BenchResult, error) {
	start := time.Now()
	ops := 0
	for range cfg.Edits {
		if h.Len() < benchEditSize {
			break
		}
		if _, err := h.Delete(rng.Int64N(h.Len()-benchEditSize+1), benchEditSize); err != nil {
			return BenchResult{}, err
		}
		ops++
	}
	return BenchResult{Duration: time.Since(start), Ops: ops}, nil
}

// scan reads a cursor to the end and returns the byte count.
func scan(c *skein.Cursor) (int64, error) {
	var n int64
	for {
		_, err := c.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func benchScan(h *skein.Handle, _ *rand.Rand, _ BenchConfig) (BenchResult, error) {
	c, err := h.OpenCursor(0)
	if err != nil {
		return BenchResult{}, err
	}
	defer c.Close()

	start := time.Now()
	n, err := scan(c)
	if err != nil {
		return BenchResult{}, err
	}
	return BenchResult{Duration: time.Since(start), Bytes: n}, nil
}

// benchConcurrent runs cursors scanning from random offsets while one
// goroutine keeps editing.
func benchConcurrent(h *skein.Handle, rng *rand.Rand, cfg BenchConfig) (BenchResult, error) {
	var g errgroup.Group
	scanned := make([]int64, cfg.Cursors)
	editorSeed := rng.Uint64()

	start := time.Now()
	for i := range cfg.Cursors {
		c, err := h.OpenCursor(rng.Int64N(h.Len() + 1))
		if err != nil {
			return BenchResult{}, err
		}
		g.Go(func() error {
			defer c.Close()
			n, err := scan(c)
			scanned[i] = n
			return err
		})
	}
	g.Go(func() error {
		local := rand.New(rand.NewPCG(editorSeed, editorSeed>>1))
		data := make([]byte, benchEditSize)
		for range cfg.Edits {
			fillText(data, local)
			if local.IntN(2) == 0 || h.Len() < benchEditSize {
				if _, err := h.Insert(local.Int64N(h.Len()+1), data); err != nil {
					return err
				}
				continue
			}
			if _, err := h.Delete(local.Int64N(h.Len()-benchEditSize+1), benchEditSize); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return BenchResult{}, err
	}

	var total int64
	for _, n := range scanned {
		total += n
	}
	return BenchResult{
		Duration: time.Since(start),
		Ops:      cfg.Edits,
		Bytes:    total,
		Extra:    fmt.Sprintf("journal %d records", h.Stats().JournalRecords),
	}, nil
}
