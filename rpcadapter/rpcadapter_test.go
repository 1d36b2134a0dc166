package rpcadapter

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reusee/vms/vm"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func dialTestServer(t *testing.T, a *Adapter, path string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(a.mux)
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func deployTestVM(t *testing.T, code string) *vm.VM {
	t.Helper()
	v := vm.New(code, testLogger())
	require.NoError(t, v.Deploy(context.Background(), vm.DeployOpts{Dir: t.TempDir(), Title: "rpc"}))
	return v
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Request) Response {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestHandshakeListsExportsMinusBlacklist(t *testing.T) {
	code := `
def init():
    pass

def greet(name):
    return 'hi ' + name
`
	v := deployTestVM(t, code)
	a := New(testLogger(), Options{})
	require.NoError(t, a.Mount("/vm", v))
	conn := dialTestServer(t, a, "/vm")

	resp := roundTrip(t, conn, Request{ID: "1", Method: "handshake"})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	methods, ok := result["methods"].([]any)
	require.True(t, ok)
	for _, m := range methods {
		require.NotEqual(t, "init", m)
	}
	require.Contains(t, methods, "greet")
	require.Equal(t, v.CallLogUrl(), result["callLogUrl"])
	require.Equal(t, v.FilesArchiveUrl(), result["filesArchiveUrl"])
}

func TestCallRoutesToVMAndReturnsResult(t *testing.T) {
	code := `
def add(a, b):
    return a + b
`
	v := deployTestVM(t, code)
	a := New(testLogger(), Options{})
	require.NoError(t, a.Mount("/vm", v))
	conn := dialTestServer(t, a, "/vm")

	resp := roundTrip(t, conn, Request{ID: "1", Method: "add", Args: []any{2, 3}})
	require.Nil(t, resp.Error)
	require.EqualValues(t, 5, resp.Result)
}

func TestBlacklistedMethodRejected(t *testing.T) {
	code := `
def init():
    pass
`
	v := deployTestVM(t, code)
	a := New(testLogger(), Options{})
	require.NoError(t, a.Mount("/vm", v))
	conn := dialTestServer(t, a, "/vm")

	resp := roundTrip(t, conn, Request{ID: "1", Method: "init"})
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrUnknownMethod, resp.Error.Code)
}

func TestUnknownMethodRejected(t *testing.T) {
	code := `
def known():
    return 1
`
	v := deployTestVM(t, code)
	a := New(testLogger(), Options{})
	require.NoError(t, a.Mount("/vm", v))
	conn := dialTestServer(t, a, "/vm")

	resp := roundTrip(t, conn, Request{ID: "1", Method: "unknown"})
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrUnknownMethod, resp.Error.Code)
}

func TestCapacityRejectionSurfacesOverRPC(t *testing.T) {
	code := `
def slow():
    sleep(0.2)
    return 'done'
`
	v := vm.New(code, testLogger())
	v.SetQMax(1)
	require.NoError(t, v.Deploy(context.Background(), vm.DeployOpts{Dir: t.TempDir(), Title: "rpc"}))
	a := New(testLogger(), Options{})
	require.NoError(t, a.Mount("/vm", v))
	conn := dialTestServer(t, a, "/vm")

	require.NoError(t, conn.WriteJSON(Request{ID: "1", Method: "slow"}))
	require.NoError(t, conn.WriteJSON(Request{ID: "2", Method: "slow"}))
	require.NoError(t, conn.WriteJSON(Request{ID: "3", Method: "slow"}))

	var responses []Response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 3; i++ {
		var resp Response
		require.NoError(t, conn.ReadJSON(&resp))
		responses = append(responses, resp)
	}

	var rejected, succeeded int
	for _, r := range responses {
		if r.Error != nil {
			rejected++
		} else {
			succeeded++
		}
	}
	require.Equal(t, 1, rejected)
	require.Equal(t, 2, succeeded)
}

func TestUnmountRejectsFurtherConnections(t *testing.T) {
	code := `
def f():
    return 1
`
	v := deployTestVM(t, code)
	a := New(testLogger(), Options{})
	require.NoError(t, a.Mount("/vm", v))
	require.NoError(t, a.Unmount("/vm"))

	server := httptest.NewServer(a.mux)
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/vm"
	_, httpResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if httpResp != nil {
		require.Equal(t, 404, httpResp.StatusCode)
	}
}
