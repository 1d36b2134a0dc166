// Package rpcadapter implements the RPC Adapter of spec §4.8: the
// WebSocket boundary that exposes a VM's exports to remote callers,
// enforcing the method blacklist and the VM's own call queue bound.
// The connection handling follows the read-pump/write-pump split the
// pack's evalgo-org-graphium websocket handler uses for its own
// per-client goroutines.
package rpcadapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/vm"
	"golang.org/x/net/netutil"
)

// ErrUnknownMethod is spec §6's reserved JSON-RPC-style error code for a
// method name the mount doesn't recognise.
const ErrUnknownMethod = -32601

// Blacklist is never exposed over RPC even though the VM runs it
// internally at deploy time (spec §4.4 design choice 4).
var Blacklist = map[string]bool{
	"init": true,
}

type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
	UserId string `json:"userId,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

type Handshake struct {
	Methods         []string `json:"methods"`
	CallLogUrl      string   `json:"callLogUrl"`
	FilesArchiveUrl string   `json:"filesArchiveUrl"`
}

// Options carries the adapter's own settings: Port, and MaxConns, which
// bounds concurrent WebSocket connections the way Q_MAX bounds calls
// waiting on a single VM — a coarser, connection-level analogue. Q_MAX
// itself is set per VM (VM.SetQMax), not here.
type Options struct {
	Port     int
	MaxConns int
}

const defaultMaxConns = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Adapter is the core's only window onto the network: mount/unmount/
// listen/close, exactly the contract spec §4.8 assigns it.
type Adapter struct {
	logger logs.Logger
	opts   Options

	mu     sync.Mutex
	mounts map[string]*vm.VM
	mux    *http.ServeMux
	server *http.Server
}

func New(logger logs.Logger, opts Options) *Adapter {
	if opts.Port == 0 {
		opts.Port = 5555
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = defaultMaxConns
	}
	return &Adapter{
		logger: logger,
		opts:   opts,
		mounts: map[string]*vm.VM{},
		mux:    http.NewServeMux(),
	}
}

// Mount registers a VM under path, per spec §4.8: exports are filtered
// against the blacklist and the remainder is remotely callable.
func (a *Adapter) Mount(path string, v *vm.VM) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.mounts[path]; ok {
		return fmt.Errorf("rpcadapter: path %s already mounted", path)
	}
	a.mounts[path] = v
	a.mux.HandleFunc(path, a.handler(path))
	return nil
}

// Unmount removes a mount. Go's http.ServeMux has no unregister, so the
// handler closure checks the live mount map on every connection and
// rejects stale paths — the mux entry stays, the mount doesn't.
func (a *Adapter) Unmount(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.mounts[path]; !ok {
		return fmt.Errorf("rpcadapter: path %s is not mounted", path)
	}
	delete(a.mounts, path)
	return nil
}

func (a *Adapter) mountedVM(path string) *vm.VM {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mounts[path]
}

func (a *Adapter) handler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := a.mountedVM(path)
		if v == nil {
			http.Error(w, "not mounted", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.logger.ErrorContext(r.Context(), "rpcadapter: websocket upgrade failed", "path", path, "err", err)
			return
		}
		serveConnection(r.Context(), conn, v, a.logger)
	}
}

// serveConnection runs the read pump: every inbound message is dispatched
// independently so slow calls on one VM never block handshake replies,
// but the VM itself still serialises actual guest execution via its call
// queue.
func serveConnection(ctx context.Context, conn *websocket.Conn, v *vm.VM, logger logs.Logger) {
	defer conn.Close()
	var writeMu sync.Mutex
	writeJSON := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(resp); err != nil {
			logger.ErrorContext(ctx, "rpcadapter: write failed", "err", err)
		}
	}

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		go dispatch(ctx, req, v, writeJSON)
	}
}

func dispatch(ctx context.Context, req Request, v *vm.VM, reply func(Response)) {
	if req.Method == "handshake" {
		reply(Response{ID: req.ID, Result: Handshake{
			Methods:         visibleExports(v),
			CallLogUrl:      v.CallLogUrl(),
			FilesArchiveUrl: v.FilesArchiveUrl(),
		}})
		return
	}

	if Blacklist[req.Method] || !hasExport(v, req.Method) {
		reply(Response{ID: req.ID, Error: &RPCError{
			Code:    ErrUnknownMethod,
			Message: fmt.Sprintf("method not supported: %s", req.Method),
		}})
		return
	}

	res, err := v.Enqueue(ctx, req.Method, req.Args, req.UserId)
	if err != nil {
		// -32601 is reserved for unknown method (spec §6); every other
		// failure (capacity, guest error, closed VM) reports as 0 and
		// relies on Message for detail.
		reply(Response{ID: req.ID, Error: &RPCError{Code: 0, Message: err.Error()}})
		return
	}
	reply(Response{ID: req.ID, Result: res})
}

func visibleExports(v *vm.VM) []string {
	var out []string
	for _, name := range v.Exports() {
		if !Blacklist[name] {
			out = append(out, name)
		}
	}
	return out
}

func hasExport(v *vm.VM, name string) bool {
	for _, n := range v.Exports() {
		if n == name {
			return true
		}
	}
	return false
}

// Listen implements spec §4.8's listen(port): serve every registered
// mount over HTTP/WebSocket until Close. The listener is wrapped with
// netutil.LimitListener so a burst of connection attempts can't starve
// the process the way an unbounded Q_MAX-less queue would starve a VM.
func (a *Adapter) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.opts.Port))
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, a.opts.MaxConns)

	a.mu.Lock()
	a.server = &http.Server{Handler: a.mux}
	server := a.server
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		return a.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}
