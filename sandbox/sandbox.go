// Package sandbox implements the Guest Sandbox of spec §4.3: an isolated
// Starlark evaluation context exposing a curated System global and
// nothing else. The embedded interpreter choice follows the teacher's
// own go.starlark.net dependency and its debugs.toStarlarkValue
// conversion layer — the natural "embedded interpreter" spec §9 asks for.
package sandbox

import (
	"context"
	"fmt"

	"github.com/reusee/vms/debugs"
	"github.com/reusee/vms/logs"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// dialect enables the Starlark extensions the sandbox relies on: mutable
// set()/while-loops/top-level control flow, the same dialect the
// teacher's debug REPL tap opts into.
var dialect = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	Recursion:       true,
}

type Sandbox struct {
	name   string
	code   string
	logger logs.Logger

	caller *callerCell
	system *systemModuleHolder

	thread  *starlark.Thread
	globals starlark.StringDict
	exports map[string]starlark.Callable

	evaluated bool
}

type systemModuleHolder struct {
	files FilesAPI
	vms   VMsAPI
	extra map[string]map[string]any
}

// New constructs a sandbox for the given guest script. It does not
// evaluate the script; call InstallFiles/InstallVMs/InstallExtra first,
// then Eval, mirroring VM.deploy's ordering in spec §4.4.
func New(name, code string, logger logs.Logger) *Sandbox {
	id := ""
	return &Sandbox{
		name:   name,
		code:   code,
		logger: logger,
		caller: &callerCell{id: &id},
		system: &systemModuleHolder{extra: map[string]map[string]any{}},
	}
}

// InstallFiles wires System.files to the given Files Archive Adaptor.
func (s *Sandbox) InstallFiles(files FilesAPI) {
	s.system.files = files
}

// InstallVMs wires System.vms; only factories call this (spec §4.5).
func (s *Sandbox) InstallVMs(vms VMsAPI) {
	s.system.vms = vms
}

// InstallExtra installs an arbitrary host API namespace under
// System.<name>, per spec §4.3's "System.<added-api>" clause. Each
// function must have shape func(context.Context, map[string]any) (any, error).
func (s *Sandbox) InstallExtra(name string, fns map[string]any) {
	s.system.extra[name] = fns
}

// SetCaller sets the caller context slot observed by the guest via
// System.caller.id. Call sets it at dispatch and clears it when the call
// returns (spec §3).
func (s *Sandbox) SetCaller(userID string) {
	*s.caller.id = userID
}

// Eval evaluates the guest script exactly once, publishing the guest's
// exported mapping of methodName → callable (spec §4.3). Calling Eval
// twice is a no-op, matching VM.deploy's "evaluate the script (idempotent)".
func (s *Sandbox) Eval(ctx context.Context) error {
	if s.evaluated {
		return nil
	}

	system := newSystemModule(s.caller, s.system.files, s.system.vms, s.system.extra)

	predeclared := starlark.StringDict{
		"System":  system,
		"sleep":   sleepBuiltin(),
		"Buffer":  bufferBuiltin(),
		"console": &consoleValue{logger: s.logger},
	}

	thread := &starlark.Thread{
		Name: s.name,
		Print: func(thread *starlark.Thread, msg string) {
			s.logger.InfoContext(contextFromThread(thread), msg, "source", "guest", "vm", s.name)
		},
	}
	setThreadContext(thread, ctx)

	globals, err := dialect.ExecFile(thread, s.name, s.code, predeclared)
	if err != nil {
		return fmt.Errorf("evaluate guest script: %w", err)
	}

	s.thread = thread
	s.globals = globals
	s.exports = make(map[string]starlark.Callable, len(globals))
	for name, v := range globals {
		if fn, ok := v.(starlark.Callable); ok {
			s.exports[name] = fn
		}
	}
	s.evaluated = true
	return nil
}

// Exports returns the names of every callable export, for RPC mounting.
func (s *Sandbox) Exports() []string {
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	return names
}

// HasExport reports whether the guest exported a callable of this name.
func (s *Sandbox) HasExport(name string) bool {
	_, ok := s.exports[name]
	return ok
}

// Call invokes a guest-exported method under the given caller identity,
// converting args/result across the Go/Starlark boundary via debugs'
// ToStarlarkValue/FromStarlarkValue, exactly the conversion layer the
// teacher's debug REPL tap uses to hand Go values to a Starlark thread.
func (s *Sandbox) Call(ctx context.Context, methodName string, args []any, userID string) (any, error) {
	fn, ok := s.exports[methodName]
	if !ok {
		return nil, fmt.Errorf("no such export: %s", methodName)
	}

	s.SetCaller(userID)
	defer s.SetCaller("")

	setThreadContext(s.thread, ctx)

	starlarkArgs := make(starlark.Tuple, len(args))
	for i, a := range args {
		starlarkArgs[i] = debugs.ToStarlarkValue(a)
	}

	result, err := starlark.Call(s.thread, fn, starlarkArgs, nil)
	if err != nil {
		return nil, err
	}

	return debugs.FromStarlarkValue(result)
}
