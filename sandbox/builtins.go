package sandbox

import (
	"fmt"
	"time"

	"github.com/reusee/vms/logs"
	"go.starlark.net/starlark"
)

// bufferValue is the minimal buffer type named in spec §4.3, a thin
// wrapper over a byte slice with the handful of operations guest code
// needs to shuttle binary data to and from System.files.
type bufferValue struct {
	data []byte
}

func (b *bufferValue) String() string       { return fmt.Sprintf("Buffer(%q)", string(b.data)) }
func (b *bufferValue) Type() string         { return "buffer" }
func (b *bufferValue) Freeze()              {}
func (b *bufferValue) Truth() starlark.Bool { return starlark.Bool(len(b.data) > 0) }
func (b *bufferValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("buffer is unhashable")
}

func (b *bufferValue) AttrNames() []string { return []string{"len", "toString", "slice"} }

func (b *bufferValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "len":
		return starlark.MakeInt(len(b.data)), nil
	case "toString":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, bi *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return starlark.String(string(b.data)), nil
		}), nil
	case "slice":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, bi *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var start, end int
			end = len(b.data)
			if err := starlark.UnpackArgs(name, args, kwargs, "start?", &start, "end?", &end); err != nil {
				return nil, err
			}
			if start < 0 {
				start = 0
			}
			if end > len(b.data) {
				end = len(b.data)
			}
			if start > end {
				start = end
			}
			return &bufferValue{data: b.data[start:end]}, nil
		}), nil
	}
	return nil, nil
}

var _ starlark.HasAttrs = (*bufferValue)(nil)

func bufferBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("Buffer", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value
		if err := starlark.UnpackArgs("Buffer", args, kwargs, "data", &data); err != nil {
			return nil, err
		}
		switch d := data.(type) {
		case starlark.String:
			return &bufferValue{data: []byte(d)}, nil
		case starlark.Bytes:
			return &bufferValue{data: []byte(d)}, nil
		default:
			return nil, fmt.Errorf("Buffer() expects string or bytes, got %s", data.Type())
		}
	})
}

// sleepBuiltin is the timer primitive named in spec §4.3: a real
// suspension point (spec §5) that the runtime may service I/O during,
// but which never begins a second call on the same VM.
func sleepBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("sleep", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var seconds float64
		if err := starlark.UnpackArgs("sleep", args, kwargs, "seconds", &seconds); err != nil {
			return nil, err
		}
		ctx := contextFromThread(thread)
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return starlark.None, nil
	})
}

// consoleValue is the minimal console logging facility of spec §4.3,
// routed to the host's structured logger.
type consoleValue struct {
	logger logs.Logger
}

func (c *consoleValue) String() string        { return "<console>" }
func (c *consoleValue) Type() string          { return "console" }
func (c *consoleValue) Freeze()               {}
func (c *consoleValue) Truth() starlark.Bool  { return starlark.True }
func (c *consoleValue) Hash() (uint32, error) { return 0, fmt.Errorf("console is unhashable") }

func (c *consoleValue) AttrNames() []string { return []string{"log", "warn", "error"} }

func (c *consoleValue) Attr(name string) (starlark.Value, error) {
	level := name
	switch level {
	case "log", "warn", "error":
	default:
		return nil, nil
	}
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		msg := ""
		for i, a := range args {
			if i > 0 {
				msg += " "
			}
			msg += a.String()
		}
		ctx := contextFromThread(thread)
		switch level {
		case "warn":
			c.logger.WarnContext(ctx, msg, "source", "guest")
		case "error":
			c.logger.ErrorContext(ctx, msg, "source", "guest")
		default:
			c.logger.InfoContext(ctx, msg, "source", "guest")
		}
		return starlark.None, nil
	}), nil
}

var _ starlark.HasAttrs = (*consoleValue)(nil)
