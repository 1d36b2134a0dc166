package sandbox

import (
	"context"
	"fmt"

	"github.com/reusee/vms/debugs"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// FilesAPI is the restricted surface a Files Archive Adaptor exposes to
// guest code, per spec §4.1. Read operations never advance the archive
// version; every mutating operation does.
type FilesAPI interface {
	GetInfo(ctx context.Context) (map[string]any, error)
	Stat(ctx context.Context, path string) (map[string]any, error)
	ReadFile(ctx context.Context, path string, opts map[string]any) (any, error)
	Readdir(ctx context.Context, path string, opts map[string]any) ([]any, error)
	History(ctx context.Context, opts map[string]any) ([]any, error)
	WriteFile(ctx context.Context, path string, data any, opts map[string]any) error
	Mkdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string, opts map[string]any) error
}

// VMsAPI is the System.vms namespace installed only when the host is a
// factory, per spec §4.5.
type VMsAPI interface {
	ProvisionVM(ctx context.Context, args map[string]any) (map[string]any, error)
	ShutdownVM(ctx context.Context, id string) error
}

func contextFromThread(thread *starlark.Thread) context.Context {
	if v := thread.Local(ctxKeyName); v != nil {
		if ctx, ok := v.(context.Context); ok {
			return ctx
		}
	}
	return context.Background()
}

const ctxKeyName = "vms.ctx"

func setThreadContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal(ctxKeyName, ctx)
}

// callerCell is the single-slot caller context of spec §3/§4.4: a mutable
// cell owned by the VM, read through a getter so the guest always
// observes the current value even across suspension points.
type callerCell struct {
	id *string
}

func (c *callerCell) String() string        { return fmt.Sprintf("<caller id=%q>", *c.id) }
func (c *callerCell) Type() string          { return "caller" }
func (c *callerCell) Freeze()               {}
func (c *callerCell) Truth() starlark.Bool  { return starlark.Bool(*c.id != "") }
func (c *callerCell) Hash() (uint32, error) { return 0, fmt.Errorf("caller is unhashable") }

func (c *callerCell) Attr(name string) (starlark.Value, error) {
	if name == "id" {
		return starlark.String(*c.id), nil
	}
	return nil, nil
}

func (c *callerCell) AttrNames() []string { return []string{"id"} }

var _ starlark.HasAttrs = (*callerCell)(nil)

// filesValue adapts a FilesAPI into a Starlark object with one bound
// builtin per operation named in spec §4.1.
type filesValue struct {
	api FilesAPI
}

func (f *filesValue) String() string        { return "<System.files>" }
func (f *filesValue) Type() string          { return "files" }
func (f *filesValue) Freeze()               {}
func (f *filesValue) Truth() starlark.Bool  { return starlark.True }
func (f *filesValue) Hash() (uint32, error) { return 0, fmt.Errorf("files is unhashable") }

var filesMethods = []string{
	"getInfo", "stat", "readFile", "readdir", "history",
	"writeFile", "mkdir", "unlink", "rmdir",
}

func (f *filesValue) AttrNames() []string { return filesMethods }

func (f *filesValue) Attr(name string) (starlark.Value, error) {
	switch name {

	case "getInfo":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			info, err := f.api.GetInfo(contextFromThread(thread))
			if err != nil {
				return nil, err
			}
			return debugs.ToStarlarkValue(info), nil
		}), nil

	case "stat":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs(name, args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			info, err := f.api.Stat(contextFromThread(thread), path)
			if err != nil {
				return nil, err
			}
			return debugs.ToStarlarkValue(info), nil
		}), nil

	case "readFile":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			var opts *starlark.Dict
			if err := starlark.UnpackArgs(name, args, kwargs, "path", &path, "opts?", &opts); err != nil {
				return nil, err
			}
			goOpts, err := dictToOpts(opts)
			if err != nil {
				return nil, err
			}
			data, err := f.api.ReadFile(contextFromThread(thread), path, goOpts)
			if err != nil {
				return nil, err
			}
			return debugs.ToStarlarkValue(data), nil
		}), nil

	case "readdir":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			var opts *starlark.Dict
			if err := starlark.UnpackArgs(name, args, kwargs, "path", &path, "opts?", &opts); err != nil {
				return nil, err
			}
			goOpts, err := dictToOpts(opts)
			if err != nil {
				return nil, err
			}
			entries, err := f.api.Readdir(contextFromThread(thread), path, goOpts)
			if err != nil {
				return nil, err
			}
			return debugs.ToStarlarkValue(entries), nil
		}), nil

	case "history":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var opts *starlark.Dict
			if err := starlark.UnpackArgs(name, args, kwargs, "opts?", &opts); err != nil {
				return nil, err
			}
			goOpts, err := dictToOpts(opts)
			if err != nil {
				return nil, err
			}
			hist, err := f.api.History(contextFromThread(thread), goOpts)
			if err != nil {
				return nil, err
			}
			return debugs.ToStarlarkValue(hist), nil
		}), nil

	case "writeFile":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			var data starlark.Value
			var opts *starlark.Dict
			if err := starlark.UnpackArgs(name, args, kwargs, "path", &path, "data", &data, "opts?", &opts); err != nil {
				return nil, err
			}
			goOpts, err := dictToOpts(opts)
			if err != nil {
				return nil, err
			}
			goData, err := debugs.FromStarlarkValue(data)
			if err != nil {
				return nil, err
			}
			if err := f.api.WriteFile(contextFromThread(thread), path, goData, goOpts); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}), nil

	case "mkdir":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs(name, args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			if err := f.api.Mkdir(contextFromThread(thread), path); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}), nil

	case "unlink":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs(name, args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			if err := f.api.Unlink(contextFromThread(thread), path); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}), nil

	case "rmdir":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			var opts *starlark.Dict
			if err := starlark.UnpackArgs(name, args, kwargs, "path", &path, "opts?", &opts); err != nil {
				return nil, err
			}
			goOpts, err := dictToOpts(opts)
			if err != nil {
				return nil, err
			}
			if err := f.api.Rmdir(contextFromThread(thread), path, goOpts); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}), nil
	}

	return nil, nil
}

var _ starlark.HasAttrs = (*filesValue)(nil)

func dictToOpts(d *starlark.Dict) (map[string]any, error) {
	if d == nil {
		return nil, nil
	}
	v, err := debugs.FromStarlarkValue(d)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// vmsValue adapts a VMsAPI into System.vms, installed only on factory VMs
// per spec §4.5.
type vmsValue struct {
	api VMsAPI
}

func (v *vmsValue) String() string        { return "<System.vms>" }
func (v *vmsValue) Type() string          { return "vms" }
func (v *vmsValue) Freeze()               {}
func (v *vmsValue) Truth() starlark.Bool  { return starlark.True }
func (v *vmsValue) Hash() (uint32, error) { return 0, fmt.Errorf("vms is unhashable") }

func (v *vmsValue) AttrNames() []string { return []string{"provisionVM", "shutdownVM"} }

func (v *vmsValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "provisionVM":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var argsDict *starlark.Dict
			if err := starlark.UnpackArgs(name, args, kwargs, "args", &argsDict); err != nil {
				return nil, err
			}
			goArgs, err := dictToOpts(argsDict)
			if err != nil {
				return nil, err
			}
			res, err := v.api.ProvisionVM(contextFromThread(thread), goArgs)
			if err != nil {
				return nil, err
			}
			return debugs.ToStarlarkValue(res), nil
		}), nil
	case "shutdownVM":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var id string
			if err := starlark.UnpackArgs(name, args, kwargs, "id", &id); err != nil {
				return nil, err
			}
			if err := v.api.ShutdownVM(contextFromThread(thread), id); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}), nil
	}
	return nil, nil
}

var _ starlark.HasAttrs = (*vmsValue)(nil)

// newSystemModule builds the curated System global described in spec
// §4.3, using starlarkstruct.Module for named-attribute access — the
// same building block the teacher's debug REPL tap relies on when it
// hands guest code a Starlark thread with named globals.
func newSystemModule(caller *callerCell, files FilesAPI, vmsAPI VMsAPI, extra map[string]map[string]any) *starlarkstruct.Module {
	members := starlark.StringDict{
		"caller": caller,
		"files":  &filesValue{api: files},
	}
	if vmsAPI != nil {
		members["vms"] = &vmsValue{api: vmsAPI}
	}
	for ns, fns := range extra {
		d := make(starlark.StringDict, len(fns))
		for name, fn := range fns {
			bound := name
			gofn := fn
			d[name] = starlark.NewBuiltin(bound, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				return callGoFunc(gofn, thread, args, kwargs)
			})
		}
		members[ns] = &starlarkstruct.Module{Name: ns, Members: d}
	}
	return &starlarkstruct.Module{
		Name:    "System",
		Members: members,
	}
}

// callGoFunc invokes a host-installed extra API function of shape
// func(context.Context, map[string]any) (any, error), converting to and
// from Starlark values at the boundary.
func callGoFunc(fn any, thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	f, ok := fn.(func(ctx context.Context, args map[string]any) (any, error))
	if !ok {
		return nil, fmt.Errorf("unsupported extra API function shape: %T", fn)
	}
	goArgs := make(map[string]any, len(args))
	for i, a := range args {
		v, err := debugs.FromStarlarkValue(a)
		if err != nil {
			return nil, err
		}
		goArgs[fmt.Sprintf("%d", i)] = v
	}
	for _, kv := range kwargs {
		key, ok := kv[0].(starlark.String)
		if !ok {
			continue
		}
		v, err := debugs.FromStarlarkValue(kv[1])
		if err != nil {
			return nil, err
		}
		goArgs[string(key)] = v
	}
	res, err := f(contextFromThread(thread), goArgs)
	if err != nil {
		return nil, err
	}
	return debugs.ToStarlarkValue(res), nil
}
