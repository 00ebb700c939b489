package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/runtime"
	grpcserver "github.com/rzbill/flobuf/internal/server/grpc"
	httpserver "github.com/rzbill/flobuf/internal/server/http"
)

// startServers runs a runtime behind real gRPC and HTTP listeners and
// points the CLI at them.
func startServers(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Buffer.BlockSize = 4096
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	gsrv := grpcserver.New(rt, grpcserver.Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gsrv.Serve(ctx, l)
	}()
	hs := httptest.NewServer(httpserver.New(rt, httpserver.Options{}).Handler())
	t.Cleanup(func() {
		_ = rt.Close()
		cancel()
		<-done
		hs.Close()
	})
	t.Setenv("FLOBUF_GRPC", l.Addr().String())
	t.Setenv("FLOBUF_HTTP", hs.URL)
	return rt
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func TestPublishThenSubscribe(t *testing.T) {
	startServers(t)

	out, err := run(t, newPublishCommand(), "--identity", "sensor", "--data", "hello", "--data", `{"n":1}`, "--partition", "3")
	if err != nil {
		t.Fatalf("publish: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != "base: 0" {
		t.Fatalf("publish output: %q", out)
	}

	out, err = run(t, newSubscribeCommand(), "--id", "c1", "--group", "g", "--upstream", "sensor", "--limit", "5")
	if err != nil {
		t.Fatalf("subscribe: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("want 5 frames, got %d:\n%s", len(lines), out)
	}
	var frames []map[string]any
	for _, l := range lines {
		var m map[string]any
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			t.Fatalf("line %q: %v", l, err)
		}
		frames = append(frames, m)
	}
	if frames[0]["kind"] != "RESET_WINDOW" || frames[1]["kind"] != "BEGIN_WINDOW" || frames[4]["kind"] != "END_WINDOW" {
		t.Fatalf("frames: %v", frames)
	}
	if frames[2]["payload_text"] != "hello" || frames[2]["partition"] != float64(3) {
		t.Fatalf("text payload: %v", frames[2])
	}
	if obj, ok := frames[3]["payload_json"].(map[string]any); !ok || obj["n"] != float64(1) {
		t.Fatalf("json payload: %v", frames[3])
	}
}

func TestPublishRequiresInput(t *testing.T) {
	startServers(t)
	if _, err := run(t, newPublishCommand(), "--identity", "p"); err == nil {
		t.Fatalf("publish without frames succeeded")
	}
	if _, err := run(t, newPublishCommand(), "--data", "x"); err == nil {
		t.Fatalf("publish without identity succeeded")
	}
}

func TestPurgeAndResetBothTransports(t *testing.T) {
	startServers(t)
	if out, err := run(t, newPublishCommand(), "--identity", "p", "--data", "x"); err != nil {
		t.Fatalf("publish: %v\n%s", err, out)
	}

	for _, transport := range []string{"grpc", "http"} {
		out, err := run(t, newPurgeCommand(), "--identity", "p", "--window", "1", "--transport", transport)
		if err != nil || !strings.Contains(out, "Purge request sent for processing") {
			t.Fatalf("%s purge: %v %q", transport, err, out)
		}
		out, err = run(t, newResetCommand(), "--identity", "p", "--transport", transport)
		if err != nil || !strings.Contains(out, "Reset request sent for processing") {
			t.Fatalf("%s reset: %v %q", transport, err, out)
		}
		_, err = run(t, newResetCommand(), "--identity", "ghost", "--transport", transport)
		if err == nil || !strings.Contains(err.Error(), "Invalid identifier 'ghost'") {
			t.Fatalf("%s unknown identity: %v", transport, err)
		}
	}
}

func TestStatsCommand(t *testing.T) {
	startServers(t)
	if out, err := run(t, newPublishCommand(), "--identity", "p", "--data", "x"); err != nil {
		t.Fatalf("publish: %v\n%s", err, out)
	}
	out, err := run(t, newStatsCommand(), "--identity", "p")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"identity": "p"`) {
		t.Fatalf("stats output: %s", out)
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := NewRoot()
	for _, name := range []string{"publish", "subscribe", "purge", "reset", "stats"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}
