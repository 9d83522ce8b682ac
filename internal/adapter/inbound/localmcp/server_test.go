package localmcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/xiaozhi-mcp/mcp-mux/pkg/mcp"
)

func dialUnix(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}

type echoInterceptor struct{}

func (echoInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return &mcp.Message{Raw: msg.Raw, Direction: mcp.ServerToClient}, nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_ListenAndServeUnix_EchoesMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "mux.sock")

	srv := NewServer(echoInterceptor{}, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.ListenAndServeUnix(ctx, socketPath)
	}()

	// Wait for the socket file to appear.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for socket to be created")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn, err := dialUnix(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	msg := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(buf[:n-1], &parsed); err != nil {
		t.Fatalf("unmarshal echoed response: %v, got %s", err, buf[:n])
	}

	_ = conn.Close()
	cancel()

	select {
	case err := <-serveDone:
		if err != nil && err != context.Canceled {
			t.Errorf("unexpected ListenAndServeUnix error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server shutdown")
	}
}
