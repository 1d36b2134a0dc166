// Package factory implements the VM Factory of spec §4.5: a VM whose
// script manages a registry of child VMs through a native System.vms
// namespace, composed rather than inherited (spec §9's "Factory as
// subclass" note).
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/procs"
	"github.com/reusee/vms/sandbox"
	"github.com/reusee/vms/vm"
	"github.com/reusee/vms/vmerr"
)

// Mounter is the subset of the RPC Adapter's contract a Factory needs to
// mount and unmount provisioned children (spec §4.8).
type Mounter interface {
	Mount(path string, v *vm.VM) error
	Unmount(path string) error
}

// Factory has a VM plus a child registry and an API installer — the
// composition spec §9 prescribes in place of subclassing a VM type.
type Factory struct {
	vm     *vm.VM
	newVM  func(string) *vm.VM
	logger logs.Logger
	dir    string
	mount  Mounter

	mu       sync.Mutex
	children map[string]*vm.VM
	maxVMs   int
	qMax     int
}

// Options mirrors spec §6's factory configuration: {maxVMs?}, plus the
// Q_MAX call-queue bound applied to the factory's own VM and propagated
// to every child it provisions.
type Options struct {
	MaxVMs int
	QMax   int
}

// New takes a VM constructor rather than calling vm.New itself, so a
// Factory built through the composition root spawns its own VM and
// every child it provisions through the same injected constructor
// (vm.Module.New), which in turn exercises sandbox/archive/calllog's own
// Module providers.
func New(code string, newVM func(string) *vm.VM, logger logs.Logger, mount Mounter, opts Options) *Factory {
	f := &Factory{
		newVM:    newVM,
		logger:   logger,
		mount:    mount,
		children: map[string]*vm.VM{},
		maxVMs:   opts.MaxVMs,
		qMax:     opts.QMax,
	}
	f.vm = newVM(code)
	f.vm.InstallVMs(f)
	if f.qMax > 0 {
		f.vm.SetQMax(f.qMax)
	}
	return f
}

func (f *Factory) VM() *vm.VM { return f.vm }

func (f *Factory) Deploy(ctx context.Context, opts vm.DeployOpts) error {
	f.dir = opts.Dir
	return f.vm.Deploy(ctx, opts)
}

func (f *Factory) Close() error {
	f.mu.Lock()
	children := make([]*vm.VM, 0, len(f.children))
	for _, c := range f.children {
		children = append(children, c)
	}
	f.mu.Unlock()
	for _, c := range children {
		c.Close()
	}
	return f.vm.Close()
}

type savedChild struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Title string `json:"title"`
}

// childRecordPath names a child's record inside the factory's own files
// archive, the shape spec.md's registry section prescribes: the guest's
// writes into its own archive enumerate the children, so a record saved
// here rides the same append-only ledger every other archive write does,
// and shows up under a replayed or verified factory the same way any
// other write would.
func childRecordPath(id string) string { return "/vms/" + id + ".json" }

func (f *Factory) saveChildRecord(ctx context.Context, id, code, title string) error {
	data, err := json.MarshalIndent(savedChild{ID: id, Code: code, Title: title}, "", "  ")
	if err != nil {
		return err
	}
	return f.vm.Archive().WriteFile(ctx, childRecordPath(id), data)
}

func (f *Factory) removeChildRecord(ctx context.Context, id string) {
	if err := f.vm.Archive().Unlink(ctx, childRecordPath(id)); err != nil {
		f.logger.ErrorContext(ctx, "remove child record failed", "id", id, "err", err)
	}
}

// ProvisionVM implements spec §4.5's provisionVM(args): validates
// capacity and code, constructs and deploys a child, mounts it, and
// returns its identity and durable resource URLs.
func (f *Factory) ProvisionVM(ctx context.Context, args map[string]any) (map[string]any, error) {
	code, _ := args["code"].(string)
	if code == "" {
		return nil, vmerr.New(vmerr.KindGuestError, "provisionVM requires a non-empty code string")
	}
	title, _ := args["title"].(string)

	f.mu.Lock()
	if f.maxVMs > 0 && len(f.children) >= f.maxVMs {
		f.mu.Unlock()
		return nil, vmerr.New(vmerr.KindCapacity, fmt.Sprintf("factory at capacity (maxVMs=%d)", f.maxVMs))
	}
	f.mu.Unlock()

	child := f.newVM(code)
	if f.qMax > 0 {
		child.SetQMax(f.qMax)
	}
	childDir := filepath.Join(f.dir, child.ID())
	if err := child.Deploy(ctx, vm.DeployOpts{Dir: childDir, Title: title}); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.maxVMs > 0 && len(f.children) >= f.maxVMs {
		f.mu.Unlock()
		child.Close()
		return nil, vmerr.New(vmerr.KindCapacity, fmt.Sprintf("factory at capacity (maxVMs=%d)", f.maxVMs))
	}
	f.children[child.ID()] = child
	f.mu.Unlock()

	mountPath := "/" + child.ID()
	if f.mount != nil {
		if err := f.mount.Mount(mountPath, child); err != nil {
			f.mu.Lock()
			delete(f.children, child.ID())
			f.mu.Unlock()
			child.Close()
			return nil, err
		}
	}

	if err := f.saveChildRecord(ctx, child.ID(), code, title); err != nil {
		f.logger.ErrorContext(ctx, "save provisioned child record failed", "id", child.ID(), "err", err)
	}

	child.OnClose(func() {
		f.mu.Lock()
		delete(f.children, child.ID())
		f.mu.Unlock()
	})

	return map[string]any{
		"id":              child.ID(),
		"callLogUrl":      child.CallLogUrl(),
		"filesArchiveUrl": child.FilesArchiveUrl(),
	}, nil
}

// ShutdownVM implements spec §4.5's shutdownVM(id): unmount, close, then
// drop the child's saved record. Closing the whole factory keeps the
// records, so ReprovisionSavedVMs can restore those children later.
func (f *Factory) ShutdownVM(ctx context.Context, id string) error {
	f.mu.Lock()
	child, ok := f.children[id]
	f.mu.Unlock()
	if !ok {
		return vmerr.New(vmerr.KindGuestError, fmt.Sprintf("no such child vm: %s", id))
	}
	if f.mount != nil {
		if err := f.mount.Unmount("/" + id); err != nil {
			f.logger.ErrorContext(ctx, "unmount child failed", "id", id, "err", err)
		}
	}
	err := child.Close()
	f.removeChildRecord(ctx, id)
	return err
}

// reprovisionStep re-provisions one saved child record. A step that
// fails logs and is dropped rather than aborting the rest of the batch:
// one corrupt record should not strand every other child unmounted.
type reprovisionStep struct {
	f    *Factory
	path string
}

func (s reprovisionStep) Run(ctx context.Context) (procs.Proc[context.Context], error) {
	data, err := s.f.vm.Archive().ReadFile(ctx, s.path)
	if err != nil {
		s.f.logger.ErrorContext(ctx, "read saved child record failed", "path", s.path, "err", err)
		return nil, nil
	}
	var saved savedChild
	if err := json.Unmarshal(data, &saved); err != nil {
		s.f.logger.ErrorContext(ctx, "decode saved child record failed", "path", s.path, "err", err)
		return nil, nil
	}
	if _, err := s.f.ProvisionVM(ctx, map[string]any{"code": saved.Code, "title": saved.Title}); err != nil {
		s.f.logger.ErrorContext(ctx, "reprovision saved child failed", "id", saved.ID, "err", err)
	}
	return nil, nil
}

// ReprovisionSavedVMs implements spec §4.5's optional post-restart
// recovery: it enumerates the `/vms/*.json` entries the guest script's
// own writes recorded in the factory's archive and reprovisions each
// one, restoring mounts. The factory's own call log therefore makes the
// resulting topology itself auditable, per spec.md's registry section.
func (f *Factory) ReprovisionSavedVMs(ctx context.Context) error {
	if _, err := f.vm.Archive().Stat(ctx, "/vms"); err != nil {
		// Nothing has ever been provisioned against this archive.
		return nil
	}

	entries, err := f.vm.Archive().Readdir(ctx, "/vms")
	if err != nil {
		return vmerr.Wrap(vmerr.KindStoreError, "list saved child records", err)
	}

	var steps procs.Procs[context.Context]
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		steps = append(steps, reprovisionStep{f: f, path: entry.Path})
	}

	var chain procs.Proc[context.Context] = steps
	for chain != nil {
		next, err := chain.Run(ctx)
		if err != nil {
			return err
		}
		chain = next
	}
	return nil
}

var _ sandbox.VMsAPI = (*Factory)(nil)
