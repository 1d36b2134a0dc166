// Package vm implements the VM execution kernel of spec §4.4: the state
// machine that binds a guest script to a files archive and a call log,
// serialises guest invocations, and appends an audit entry after every
// attempt.
package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/reusee/vms/archive"
	"github.com/reusee/vms/calllog"
	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/sandbox"
	"github.com/reusee/vms/syncs"
	"github.com/reusee/vms/vmerr"
)

type State string

const (
	StateConstructed State = "constructed"
	StateDeployed     State = "deployed"
	StateEvaluated     State = "evaluated"
	StateExecuting     State = "executing"
	StateClosed        State = "closed"
)

const defaultQMax = 1000

// DeployOpts mirrors spec §4.4's deploy({dir, title, url?}).
type DeployOpts struct {
	Dir   string
	Title string
	Url   string
}

type pendingCall struct {
	ctx        context.Context
	methodName string
	args       []any
	userID     string
	resultCh   chan callOutcome
}

type callOutcome struct {
	res any
	err error
}

// VM is the execution kernel described in spec §4.4. It owns exactly one
// files archive, one call log, and one sandbox; construction never
// touches disk.
type VM struct {
	id     string
	code   string
	logger logs.Logger

	mu    sync.Mutex
	state State

	dir     string
	archive archive.VersionedArchive
	adaptor *archive.Adaptor
	log     calllog.AppendOnlyLog
	sandbox *sandbox.Sandbox

	vmsAPI sandbox.VMsAPI
	extra  map[string]map[string]any

	active   atomic.Bool
	callWG   sync.WaitGroup
	qMax     int
	queue    chan *pendingCall
	queueSem syncs.Semaphore
	runOnce  sync.Once
	closed   chan struct{}
	closeOnce sync.Once

	hookMu     sync.Mutex
	readyHooks []func()
	closeHooks []func()

	// archiveCtor/logCtor, when set by Module.New, route the common
	// fresh-deploy-without-an-explicit-URL path through the archive and
	// calllog packages' own injected constructors instead of calling
	// archive.Create/calllog.Create directly — the edge cases Deploy
	// already has to special-case (reopen, explicit URL) still call the
	// package functions directly since neither constructor's simpler
	// open-or-create shape covers them.
	archiveCtor func(dir, title string) (*archive.LocalArchive, error)
	logCtor     func(dir, code, filesArchiveUrl string) (*calllog.LocalLog, error)
}

// New constructs a VM around an immutable guest script, per spec §4.4's
// "new VM(code) — stores script; assigns identity; does not touch disk."
func New(code string, logger logs.Logger) *VM {
	return newVM(code, logger, func(name, code string) *sandbox.Sandbox {
		return sandbox.New(name, code, logger)
	})
}

func newVM(code string, logger logs.Logger, newSandbox func(name, code string) *sandbox.Sandbox) *VM {
	return &VM{
		id:      uuid.NewString(),
		code:    code,
		logger:  logger,
		state:   StateConstructed,
		sandbox: newSandbox(uuid.NewString(), code),
		extra:   map[string]map[string]any{},
		qMax:    defaultQMax,
		closed:  make(chan struct{}),
	}
}

func (vm *VM) ID() string   { return vm.id }
func (vm *VM) Code() string { return vm.code }

func (vm *VM) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// SetQMax overrides the call queue's bound; must be called before Deploy.
func (vm *VM) SetQMax(n int) { vm.qMax = n }

// InstallVMs wires System.vms; only a Factory calls this before Deploy.
func (vm *VM) InstallVMs(api sandbox.VMsAPI) { vm.vmsAPI = api }

// InstallExtra stages a System.<name> namespace to install at Deploy.
func (vm *VM) InstallExtra(name string, fns map[string]any) { vm.extra[name] = fns }

func (vm *VM) OnReady(fn func()) {
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()
	vm.readyHooks = append(vm.readyHooks, fn)
}

func (vm *VM) OnClose(fn func()) {
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()
	vm.closeHooks = append(vm.closeHooks, fn)
}

func (vm *VM) emitReady() {
	vm.hookMu.Lock()
	hooks := append([]func(){}, vm.readyHooks...)
	vm.hookMu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (vm *VM) emitClose() {
	vm.hookMu.Lock()
	hooks := append([]func(){}, vm.closeHooks...)
	vm.hookMu.Unlock()
	for _, h := range hooks {
		h()
	}
}

type metaFile struct {
	Title string `json:"title"`
	Url   string `json:"url"`
}

func metaPath(dir string) string { return filepath.Join(dir, "meta.json") }

func writeMeta(dir string, m metaFile) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := metaPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, metaPath(dir))
}

func readMeta(dir string) (metaFile, bool, error) {
	data, err := os.ReadFile(metaPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return metaFile{}, false, nil
		}
		return metaFile{}, false, err
	}
	var m metaFile
	if err := json.Unmarshal(data, &m); err != nil {
		return metaFile{}, false, vmerr.Wrap(vmerr.KindMalformedLog, "decode meta.json", err)
	}
	return m, true, nil
}

// Deploy implements spec §4.4's deploy contract: reopen-or-create the
// backing archive and log, install System.files, evaluate the script
// exactly once, run init if exported, and emit ready.
func (vm *VM) Deploy(ctx context.Context, opts DeployOpts) error {
	vm.mu.Lock()
	if vm.state != StateConstructed {
		vm.mu.Unlock()
		return fmt.Errorf("vm: deploy called in state %s", vm.state)
	}
	vm.mu.Unlock()

	vm.dir = opts.Dir
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return vmerr.Wrap(vmerr.KindStoreError, "create vm dir", err)
	}

	meta, exists, err := readMeta(opts.Dir)
	if err != nil {
		return err
	}

	archiveDir := filepath.Join(opts.Dir, "archive")
	logDir := filepath.Join(opts.Dir, "log")

	var ar *archive.LocalArchive
	var cl *calllog.LocalLog

	if exists {
		if opts.Url != "" && opts.Url != meta.Url {
			return vmerr.New(vmerr.KindAssertionMismatch, fmt.Sprintf(
				"deploy url %q disagrees with recorded meta.json url %q", opts.Url, meta.Url))
		}
		ar, err = archive.Open(archiveDir)
		if err != nil {
			return vmerr.Wrap(vmerr.KindStoreError, "reopen files archive", err)
		}
		if meta.Url != ar.URL() {
			return vmerr.New(vmerr.KindAssertionMismatch, fmt.Sprintf(
				"meta.json url %q disagrees with archive url %q", meta.Url, ar.URL()))
		}
		cl, err = calllog.Open(logDir)
		if err != nil {
			return vmerr.Wrap(vmerr.KindStoreError, "reopen call log", err)
		}
		if cl.Length() == 0 {
			return vmerr.New(vmerr.KindMalformedLog, "call log has no init entry")
		}
	} else {
		if opts.Url != "" {
			// A caller-supplied URL on a fresh deploy means the new archive
			// must claim that identity rather than mint its own — the shape
			// the replay driver (spec §4.6) relies on to rebuild an archive
			// that compares equal to the one named in the call log.
			ar, err = archive.CreateWithURL(archiveDir, opts.Title, opts.Url)
		} else if vm.archiveCtor != nil {
			ar, err = vm.archiveCtor(archiveDir, opts.Title)
		} else {
			ar, err = archive.Create(archiveDir, opts.Title)
		}
		if err != nil {
			return vmerr.Wrap(vmerr.KindStoreError, "create files archive", err)
		}
		if vm.logCtor != nil {
			cl, err = vm.logCtor(logDir, vm.code, ar.URL())
		} else {
			cl, err = calllog.Create(logDir, vm.code, ar.URL())
		}
		if err != nil {
			return vmerr.Wrap(vmerr.KindStoreError, "create call log", err)
		}
		if err := writeMeta(opts.Dir, metaFile{Title: opts.Title, Url: ar.URL()}); err != nil {
			return vmerr.Wrap(vmerr.KindStoreError, "write meta.json", err)
		}
	}

	vm.archive = ar
	vm.adaptor = archive.NewAdaptor(ar)
	vm.log = cl

	vm.sandbox.InstallFiles(vm.adaptor)
	if vm.vmsAPI != nil {
		vm.sandbox.InstallVMs(vm.vmsAPI)
	}
	for name, fns := range vm.extra {
		vm.sandbox.InstallExtra(name, fns)
	}

	vm.mu.Lock()
	vm.state = StateDeployed
	vm.mu.Unlock()

	if err := vm.sandbox.Eval(ctx); err != nil {
		return vmerr.Wrap(vmerr.KindGuestError, "evaluate guest script", err)
	}

	vm.mu.Lock()
	vm.state = StateEvaluated
	vm.mu.Unlock()

	if vm.sandbox.HasExport("init") {
		if _, err := vm.ExecuteCall(ctx, "init", nil, ""); err != nil {
			return err
		}
	}

	vm.startQueue()
	vm.emitReady()
	return nil
}

func (vm *VM) startQueue() {
	vm.runOnce.Do(func() {
		vm.queue = make(chan *pendingCall, vm.qMax)
		vm.queueSem = syncs.NewSemaphore(vm.qMax)
		go vm.runQueue()
	})
}

func (vm *VM) runQueue() {
	for {
		select {
		case call := <-vm.queue:
			// Release the queue slot as soon as the call is dequeued, not
			// when it finishes: Q_MAX bounds calls waiting in line, not
			// the one call that is actively executing (spec §3).
			vm.queueSem.Release()
			res, err := vm.ExecuteCall(call.ctx, call.methodName, call.args, call.userID)
			call.resultCh <- callOutcome{res: res, err: err}
		case <-vm.closed:
			vm.drainQueue()
			return
		}
	}
}

func (vm *VM) drainQueue() {
	for {
		select {
		case call := <-vm.queue:
			call.resultCh <- callOutcome{err: vmerr.New(vmerr.KindClosed, "vm closed before call ran")}
			vm.queueSem.Release()
		default:
			return
		}
	}
}

// Enqueue implements the Call Queue of spec §3/§4.8: it bounds pending
// work at Q_MAX and guarantees queue arrival order equals execution
// order. Rejected enqueues never advance the queue.
func (vm *VM) Enqueue(ctx context.Context, methodName string, args []any, userID string) (any, error) {
	vm.mu.Lock()
	closed := vm.state == StateClosed
	vm.mu.Unlock()
	if closed {
		return nil, vmerr.New(vmerr.KindClosed, "vm is closed")
	}

	if vm.queueSem == nil || !vm.queueSem.TryAcquire() {
		return nil, vmerr.New(vmerr.KindCapacity, "call queue is full")
	}

	call := &pendingCall{ctx: ctx, methodName: methodName, args: args, userID: userID, resultCh: make(chan callOutcome, 1)}
	select {
	case vm.queue <- call:
	case <-vm.closed:
		vm.queueSem.Release()
		return nil, vmerr.New(vmerr.KindClosed, "vm is closed")
	}

	select {
	case out := <-call.resultCh:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteCall implements spec §4.4's executeCall: it must never be
// invoked concurrently with itself on the same VM — that precondition
// violation is a programmer error, not one of the audited error kinds.
// Enqueue is the safe, serialising entrypoint for untrusted callers;
// ExecuteCall is used directly by Deploy's init call and by the replay
// driver, both of which are already single-threaded.
func (vm *VM) ExecuteCall(ctx context.Context, methodName string, args []any, userID string) (any, error) {
	if !vm.active.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("vm: executeCall invoked while a call is already active (programmer error)")
	}
	defer vm.active.Store(false)

	// Registering with callWG must happen inside the same critical section
	// that checks for StateClosed: Close sets StateClosed and only then
	// waits on callWG, so whichever side wins the race on vm.mu decides
	// cleanly whether this call is let through or rejected — no window
	// where Close's Wait observes a zero count while a call is about to
	// register itself (spec §5: an active call runs to completion; close
	// waits for it).
	vm.mu.Lock()
	if vm.state == StateClosed {
		vm.mu.Unlock()
		return nil, vmerr.New(vmerr.KindClosed, "vm is closed")
	}
	vm.callWG.Add(1)
	vm.state = StateExecuting
	vm.mu.Unlock()
	defer vm.callWG.Done()

	res, callErr := vm.sandbox.Call(ctx, methodName, args, userID)

	version := vm.adaptor.Version()
	result := calllog.CallResult{FilesVersion: version}
	if callErr != nil {
		result.Err = &calllog.ErrInfo{Message: callErr.Error()}
	} else {
		result.Res = res
	}
	invocation := calllog.CallInvocation{MethodName: methodName, Args: args, UserId: userID}
	if appendErr := vm.log.AppendCall(ctx, invocation, result); appendErr != nil {
		vm.logger.ErrorContext(ctx, "append call log entry failed", "vm", vm.id, "err", appendErr)
	}

	vm.mu.Lock()
	if vm.state != StateClosed {
		vm.state = StateEvaluated
	}
	vm.mu.Unlock()

	if callErr != nil {
		return nil, vmerr.Wrap(vmerr.KindGuestError, "guest method failed", callErr)
	}
	return res, nil
}

// Exports exposes the guest's callable export names, for RPC mounting.
func (vm *VM) Exports() []string { return vm.sandbox.Exports() }

func (vm *VM) FilesArchiveUrl() string {
	if vm.archive == nil {
		return ""
	}
	return vm.archive.URL()
}

func (vm *VM) CallLogUrl() string {
	if vm.log == nil {
		return ""
	}
	return vm.log.URL()
}

func (vm *VM) Log() calllog.AppendOnlyLog       { return vm.log }
func (vm *VM) Archive() archive.VersionedArchive { return vm.archive }

// Close implements spec §4.4/§8 invariant 6: idempotent, releases the
// archive then the log, in that order (spec §3's Ownership rule), and
// cancels queued-but-inactive calls per §5's cancellation policy.
func (vm *VM) Close() error {
	var closeErr error
	vm.closeOnce.Do(func() {
		vm.mu.Lock()
		vm.state = StateClosed
		vm.mu.Unlock()
		close(vm.closed)

		// Wait for a call that is already running to finish before
		// touching the archive/log it is using — queued-but-inactive
		// calls are cancelled by drainQueue instead of waited on.
		vm.callWG.Wait()

		if vm.archive != nil {
			if err := vm.archive.Close(); err != nil {
				closeErr = err
			}
		}
		if vm.log != nil {
			if err := vm.log.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		vm.emitClose()
	})
	return closeErr
}
