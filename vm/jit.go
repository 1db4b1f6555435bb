package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// JITCompiler compiles methods to native code on a single worker goroutine.
// Only one compilation can own the compiler area, so requests are
// serialized. Methods that fail for lack of memory stay interpreted and are
// retried after the next collection.
type JITCompiler struct {
	heap    *ObjectHeap
	backend Backend

	pending  chan jitWorkItem
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.RWMutex
	installed map[Handle]*CompiledMethod // method -> installed code
	methods   map[Handle]*Method
	deferred  map[Handle]*Method // waiting for memory
	failed    map[Handle]error   // not compilable by the backend

	methodsCompiled uint64
	exhaustions     uint64
	failures        uint64
	compilationTime uint64 // nanoseconds

	// OnInstall, if set, runs on the worker after a method is installed.
	OnInstall func(m *Method, cm *CompiledMethod, id string)
}

type jitWorkItem struct {
	ctx    context.Context
	method *Method
	done   chan jitResult
}

type jitResult struct {
	cm  *CompiledMethod
	err error
}

// NewJITCompiler creates a JIT for heap and starts its worker.
func NewJITCompiler(heap *ObjectHeap, backend Backend) *JITCompiler {
	jit := &JITCompiler{
		heap:      heap,
		backend:   backend,
		pending:   make(chan jitWorkItem, heap.Options().QueueSize),
		done:      make(chan struct{}),
		installed: make(map[Handle]*CompiledMethod),
		methods:   make(map[Handle]*Method),
		deferred:  make(map[Handle]*Method),
		failed:    make(map[Handle]error),
	}
	go jit.compilationWorker()
	return jit
}

// Backend returns the code generator in use.
func (jit *JITCompiler) Backend() Backend {
	return jit.backend
}

// Submit queues m for background compilation. It returns false when m is
// already compiled, known to be uncompilable, or the queue is full.
func (jit *JITCompiler) Submit(m *Method) bool {
	jit.mu.RLock()
	_, compiled := jit.installed[m.handle]
	_, failed := jit.failed[m.handle]
	jit.mu.RUnlock()
	if compiled || failed || jit.stopped() {
		return false
	}
	select {
	case jit.pending <- jitWorkItem{ctx: context.Background(), method: m}:
		return true
	default:
		return false
	}
}

// Compile compiles m on the worker and waits for the result.
func (jit *JITCompiler) Compile(ctx context.Context, m *Method) (*CompiledMethod, error) {
	if cm, ok := jit.Lookup(m); ok {
		return cm, nil
	}
	if jit.stopped() {
		return nil, ErrJITStopped
	}
	work := jitWorkItem{ctx: ctx, method: m, done: make(chan jitResult, 1)}
	select {
	case jit.pending <- work:
	case <-jit.done:
		return nil, ErrJITStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-work.done:
		return res.cm, res.err
	case <-jit.done:
		return nil, ErrJITStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (jit *JITCompiler) compilationWorker() {
	for {
		select {
		case work := <-jit.pending:
			cm, err := jit.execute(work)
			if work.done != nil {
				work.done <- jitResult{cm: cm, err: err}
			}
		case <-jit.done:
			return
		}
	}
}

// execute compiles one method, turning a backend panic into an error.
func (jit *JITCompiler) execute(work jitWorkItem) (cm *CompiledMethod, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compile %s: %v", work.method, r)
			jit.heap.mu.Lock()
			jit.heap.resetCompilerAreaLocked()
			jit.heap.mu.Unlock()
		}
	}()
	return jit.compileMethod(work.ctx, work.method)
}

func (jit *JITCompiler) compileMethod(ctx context.Context, m *Method) (*CompiledMethod, error) {
	if cm, ok := jit.Lookup(m); ok {
		return cm, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	c, err := NewCompilation(jit.heap, m, jit.backend)
	if err != nil {
		return nil, jit.recordFailure(m, err)
	}
	if err := jit.backend.Generate(c, m); err != nil {
		c.Abort()
		return nil, jit.recordFailure(m, err)
	}
	if err := ctx.Err(); err != nil {
		c.Abort()
		return nil, err
	}
	cm, err := c.Finish()
	if err != nil {
		return nil, jit.recordFailure(m, err)
	}
	atomic.AddUint64(&jit.compilationTime, uint64(time.Since(start)))
	atomic.AddUint64(&jit.methodsCompiled, 1)

	jit.mu.Lock()
	jit.installed[m.handle] = cm
	jit.methods[m.handle] = m
	delete(jit.deferred, m.handle)
	jit.mu.Unlock()

	if jit.OnInstall != nil {
		jit.OnInstall(m, cm, c.ID.String())
	}
	return cm, nil
}

// recordFailure files m as deferred (resource exhaustion) or failed.
func (jit *JITCompiler) recordFailure(m *Method, err error) error {
	jit.mu.Lock()
	defer jit.mu.Unlock()
	if errors.Is(err, ErrResourceExhausted) {
		atomic.AddUint64(&jit.exhaustions, 1)
		jit.deferred[m.handle] = m
		jitLog().Infof("%s stays interpreted until the next collection: %s", m, err)
		return err
	}
	if errors.Is(err, ErrCompilerBusy) {
		return err
	}
	atomic.AddUint64(&jit.failures, 1)
	jit.failed[m.handle] = err
	jitLog().Warningf("%s cannot be compiled: %s", m, err)
	return err
}

// Lookup returns the installed code of m.
func (jit *JITCompiler) Lookup(m *Method) (*CompiledMethod, bool) {
	jit.mu.RLock()
	defer jit.mu.RUnlock()
	cm, ok := jit.installed[m.handle]
	return cm, ok
}

// Install registers code produced elsewhere, such as a restored cache entry.
func (jit *JITCompiler) Install(m *Method, cm *CompiledMethod) {
	jit.mu.Lock()
	defer jit.mu.Unlock()
	jit.installed[m.handle] = cm
	jit.methods[m.handle] = m
	delete(jit.deferred, m.handle)
	delete(jit.failed, m.handle)
}

// Invalidate drops the installed code of m. The method runs interpreted
// until it is compiled again.
func (jit *JITCompiler) Invalidate(m *Method) {
	jit.mu.Lock()
	defer jit.mu.Unlock()
	delete(jit.installed, m.handle)
	delete(jit.methods, m.handle)
}

// Deferred returns the methods waiting for memory.
func (jit *JITCompiler) Deferred() []*Method {
	jit.mu.RLock()
	defer jit.mu.RUnlock()
	out := make([]*Method, 0, len(jit.deferred))
	for _, m := range jit.deferred {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// RetryDeferred requeues every method that failed for lack of memory and
// returns how many were queued.
func (jit *JITCompiler) RetryDeferred() int {
	n := 0
	for _, m := range jit.Deferred() {
		if jit.Submit(m) {
			n++
		}
	}
	if n > 0 {
		jitLog().Debugf("requeued %d deferred methods", n)
	}
	return n
}

// AttachCollector makes installed code a collection root and retries
// deferred methods after each collection.
func (jit *JITCompiler) AttachCollector(c *Collector) {
	c.AddRoots(jit)
	c.OnCollect(func(*CollectStats) { jit.RetryDeferred() })
}

// ScanRoots reports installed code, its methods and deferred methods.
func (jit *JITCompiler) ScanRoots(visit func(Handle)) {
	jit.mu.RLock()
	defer jit.mu.RUnlock()
	for h, cm := range jit.installed {
		visit(cm.handle)
		if m, ok := jit.methods[h]; ok {
			m.ScanRoots(visit)
		}
	}
	for _, m := range jit.deferred {
		m.ScanRoots(visit)
	}
}

// Stop shuts down the worker. Pending requests are dropped.
func (jit *JITCompiler) Stop() {
	jit.stopOnce.Do(func() { close(jit.done) })
}

func (jit *JITCompiler) stopped() bool {
	select {
	case <-jit.done:
		return true
	default:
		return false
	}
}

// JITStats holds JIT compiler statistics.
type JITStats struct {
	MethodsCompiled uint64
	Exhaustions     uint64
	Failures        uint64
	Installed       int
	Deferred        int
	PendingQueue    int
	CompilationTime time.Duration
}

// Stats returns JIT compiler statistics.
func (jit *JITCompiler) Stats() JITStats {
	jit.mu.RLock()
	installed, deferred := len(jit.installed), len(jit.deferred)
	jit.mu.RUnlock()
	return JITStats{
		MethodsCompiled: atomic.LoadUint64(&jit.methodsCompiled),
		Exhaustions:     atomic.LoadUint64(&jit.exhaustions),
		Failures:        atomic.LoadUint64(&jit.failures),
		Installed:       installed,
		Deferred:        deferred,
		PendingQueue:    len(jit.pending),
		CompilationTime: time.Duration(atomic.LoadUint64(&jit.compilationTime)),
	}
}
