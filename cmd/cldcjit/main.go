// cldcjit compiles sample methods with the amd64 template backend, prints
// their call-info tables, keeps a persistent code cache and exercises the
// collector over compiled frames.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/emtee40/phoneJ2ME-cldc/codecache"
	"github.com/emtee40/phoneJ2ME-cldc/codegen"
	"github.com/emtee40/phoneJ2ME-cldc/config"
	"github.com/emtee40/phoneJ2ME-cldc/execmem"
	"github.com/emtee40/phoneJ2ME-cldc/vm"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// options holds the command-line flags.
type options struct {
	configDir string
	cachePath string
	verbose   bool
	dump      bool
	runGC     bool
	list      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", "", "Directory containing cldc.toml (default: search upward from the working directory)")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose output")
	flag.StringVar(&opts.cachePath, "cache", "", "Code cache database (overrides cldc.toml)")
	flag.BoolVar(&opts.dump, "dump", false, "Print the call-info table of every compiled method (with -v, the bytecode and machine code too)")
	flag.BoolVar(&opts.runGC, "gc", false, "Run a collection over a synthetic stack of compiled frames")
	flag.BoolVar(&opts.list, "list", false, "List the code cache and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cldcjit [options]\n\n")
		fmt.Fprintf(os.Stderr, "Compiles the built-in sample methods and reports on the generated code.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cldcjit -dump            # Compile and print call-info tables\n")
		fmt.Fprintf(os.Stderr, "  cldcjit -gc -v           # Collect over compiled frames, with logging\n")
		fmt.Fprintf(os.Stderr, "  cldcjit -list            # Show cached compiled methods\n")
	}
	flag.Parse()

	if err := execute(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute runs one invocation. Everything it opens is closed before it
// returns.
func execute(opts options) error {
	cfg, err := loadConfig(opts.configDir)
	if err != nil {
		return err
	}
	verbosity := cfg.Log.Verbosity
	if opts.verbose && verbosity < 2 {
		verbosity = 2
	}
	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(verbosity, logPath)

	cachePath := opts.cachePath
	if cachePath == "" && !cfg.Cache.Disabled {
		cachePath = cfg.CachePath()
	}
	var store *codecache.Store
	if cachePath != "" {
		store, err = codecache.Open(cachePath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if opts.list {
		if store == nil {
			return errors.New("the code cache is disabled")
		}
		return listCache(store)
	}
	return run(cfg, store, opts.dump, opts.runGC, opts.verbose)
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func listCache(store *codecache.Store) error {
	entries, err := store.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\tCODE\tCOMPILATION\tSAVED\n")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Key, e.CodeSize, e.CompilationID, e.SavedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

// installed is one sample with its code and where the code came from.
type installed struct {
	method *vm.Method
	code   *vm.CompiledMethod
	source string
}

func run(cfg *config.Config, store *codecache.Store, dump, runGC, verbose bool) error {
	heap, err := vm.NewObjectHeap(cfg.Options())
	if err != nil {
		return err
	}
	mirror := execmem.New()
	defer mirror.Close()
	if err := mirror.FlushICache(0, []byte{0xC3}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: no executable memory, code is not mirrored: %v\n", err)
	} else {
		mirror.Release(0)
		heap.SetICacheFlusher(mirror)
	}

	backend := codegen.New()
	jit := vm.NewJITCompiler(heap, backend)
	defer jit.Stop()
	if store != nil {
		jit.OnInstall = func(m *vm.Method, cm *vm.CompiledMethod, id string) {
			err := store.SaveCompiled(m, backend.Name(), id, cm)
			if err != nil && !errors.Is(err, vm.ErrNotRelocatable) {
				fmt.Fprintf(os.Stderr, "Warning: caching %s: %v\n", m, err)
			}
		}
	}
	collector := vm.NewCollector(heap, cfg.GC.Interval)
	jit.AttachCollector(collector)
	collector.OnCollect(func(s *vm.CollectStats) { mirror.Relocate(s.Relocate) })

	var compiled []installed
	for _, s := range samples {
		m, err := s.build(heap)
		if err != nil {
			return fmt.Errorf("building %s: %w", s.name, err)
		}
		if store != nil {
			if cm, err := store.Install(heap, m, backend.Name()); err == nil {
				jit.Install(m, cm)
				compiled = append(compiled, installed{m, cm, "cache"})
				continue
			}
		}
		cm, err := jit.Compile(context.Background(), m)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s stays interpreted: %v\n", m, err)
			continue
		}
		compiled = append(compiled, installed{m, cm, "jit"})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "METHOD\tCODE\tMETADATA\tCALL SITES\tSOURCE\n")
	for _, c := range compiled {
		records, err := vm.Records(c.code)
		if err != nil {
			return fmt.Errorf("%s: %w", c.method, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", c.method, c.code.CodeSize(), c.code.MetadataSize(), len(records), c.source)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if dump {
		for _, c := range compiled {
			fmt.Println()
			if verbose {
				fmt.Println(c.method.Disassemble())
				fmt.Print(codegen.Disassemble(c.code.Code()))
			}
			if err := codegen.VerifyCallSites(c.code); err != nil {
				return err
			}
			if err := vm.DumpCallInfo(os.Stdout, c.code); err != nil {
				return err
			}
		}
	}

	if runGC {
		if err := collectOverFrames(heap, collector, compiled); err != nil {
			return err
		}
	}

	if verbose {
		stats := jit.Stats()
		hs := heap.Stats()
		fmt.Printf("\nJIT: %d compiled, %d deferred, %d failed in %s\n",
			stats.MethodsCompiled, stats.Deferred, stats.Failures, stats.CompilationTime)
		fmt.Printf("Heap: %d bytes used, %d free, %d objects, %d compiled methods, %d mirrored\n",
			hs.MainUsed, hs.MainFree, hs.Objects, hs.CompiledMethods, len(mirror.Entries()))
	}
	return nil
}

// collectOverFrames builds one frame per call site, stopped at its return
// address, with a fresh object in every slot the stack map tags. It then
// collects and checks that the frames still resolve.
func collectOverFrames(heap *vm.ObjectHeap, collector *vm.Collector, compiled []installed) error {
	stack := &vm.Stack{}
	var tagged []vm.Handle
	for _, c := range compiled {
		records, err := vm.Records(c.code)
		if err != nil {
			return err
		}
		for _, rec := range records {
			frame := &vm.Frame{
				ReturnAddress: c.code.Entry() + vm.Address(rec.CodeOffset()),
				Slots:         make([]uint64, rec.StackmapSize()),
			}
			for i := range frame.Slots {
				if !rec.OopTagAt(i) {
					frame.Slots[i] = uint64(i) << 1
					continue
				}
				obj, err := heap.Allocate(vm.KindData, 16)
				if err != nil {
					return err
				}
				frame.Slots[i] = uint64(obj)
				tagged = append(tagged, obj)
			}
			stack.Frames = append(stack.Frames, frame)
		}
	}
	// Unreachable filler, so that the collection has something to compact.
	for i := 0; i < 8; i++ {
		if _, err := heap.Allocate(vm.KindData, 64); err != nil {
			return err
		}
	}

	collector.AddStack(stack)
	defer collector.RemoveStack(stack)
	stats, err := collector.CollectNow()
	if err != nil {
		return err
	}
	for _, obj := range tagged {
		if !heap.IsValid(obj) {
			return fmt.Errorf("object %s held by a tagged slot was collected", obj)
		}
	}
	for _, f := range stack.Frames {
		cm, err := heap.FindCompiledMethod(f.ReturnAddress)
		if err != nil {
			return err
		}
		if _, err := vm.FindCallInfo(cm, f.ReturnAddress); err != nil {
			return err
		}
	}
	fmt.Printf("\nGC: %d frames, %d roots, marked %d, freed %d (%d bytes), moved %d in %s\n",
		stats.FramesScanned, stats.Roots, stats.Marked, stats.Freed, stats.BytesReclaimed, stats.Moved, stats.Duration)
	return nil
}
