package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/postalsys/pingtrace/internal/cli"
	"github.com/postalsys/pingtrace/internal/icmp"
	"github.com/postalsys/pingtrace/internal/probe/probetest"
	"github.com/postalsys/pingtrace/internal/trace"
)

var target = netip.MustParseAddr("192.0.2.1")

type fakeLookup struct {
	ptrs    map[string]string
	reverse int
}

func (f *fakeLookup) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if host == "host.example" {
		return []netip.Addr{target}, nil
	}
	return nil, errors.New("no such host")
}

func (f *fakeLookup) LookupAddr(_ context.Context, addr string) ([]string, error) {
	f.reverse++
	if name, ok := f.ptrs[addr]; ok {
		return []string{name}, nil
	}
	return nil, errors.New("no PTR record")
}

type harness struct {
	net     *probetest.Network
	lookup  *fakeLookup
	listens int
	cfg     icmp.Config
	err     error
}

func newHarness() *harness {
	return &harness{
		net:    pathNetwork(3),
		lookup: &fakeLookup{ptrs: map[string]string{"10.0.0.1": "gw.example."}},
	}
}

func (h *harness) env() env {
	return env{
		lookup: h.lookup,
		listen: func(cfg icmp.Config) (trace.Transport, error) {
			h.listens++
			h.cfg = cfg
			if h.err != nil {
				return nil, h.err
			}
			return h.net.Open()
		},
	}
}

// pathNetwork answers with Time Exceeded from 10.0.0.<ttl> until the target
// is reached at the given distance.
func pathNetwork(distance int) *probetest.Network {
	n := probetest.NewNetwork()
	n.Answer = func(p probetest.Probe) []probetest.Reply {
		if p.TTL >= distance {
			return []probetest.Reply{{Type: icmp.TypeEchoReply, From: p.Dst, TTL: 60}}
		}
		router := netip.AddrFrom4([4]byte{10, 0, 0, byte(p.TTL)})
		return []probetest.Reply{{Type: icmp.TypeTimeExceeded, From: router, TTL: 255}}
	}
	return n
}

func execute(t *testing.T, h *harness, args ...string) (int, string) {
	t.Helper()
	cmd := tracerouteCmd(h.env())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	return cli.Execute(cmd), out.String()
}

func TestTraceroute_NoArgsPrintsUsage(t *testing.T) {
	h := newHarness()

	code, out := execute(t, h)
	if code != cli.ExitOK {
		t.Errorf("exit = %d, want %d", code, cli.ExitOK)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("output missing usage:\n%s", out)
	}
	if h.listens != 0 {
		t.Errorf("listen called %d times, want 0", h.listens)
	}
}

func TestTraceroute_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"non-numeric queries", []string{"-q", "few", "host.example"}},
		{"zero queries", []string{"-q", "0", "host.example"}},
		{"too many hops", []string{"-h", "256", "host.example"}},
		{"zero hops", []string{"-h", "0", "host.example"}},
		{"non-numeric wait", []string{"-w", "soon", "host.example"}},
		{"zero wait", []string{"-w", "0", "host.example"}},
		{"two targets", []string{"a.example", "b.example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()

			code, out := execute(t, h, tt.args...)
			if code != cli.ExitUsage {
				t.Errorf("exit = %d, want %d\n%s", code, cli.ExitUsage, out)
			}
			if h.listens != 0 {
				t.Errorf("listen called %d times, want 0", h.listens)
			}
		})
	}
}

func TestTraceroute_UnresolvableTarget(t *testing.T) {
	h := newHarness()

	code, _ := execute(t, h, "nowhere.invalid")
	if code != cli.ExitNoHost {
		t.Errorf("exit = %d, want %d", code, cli.ExitNoHost)
	}
	if h.listens != 0 {
		t.Errorf("listen called %d times, want 0", h.listens)
	}
}

func TestTraceroute_PermissionDenied(t *testing.T) {
	h := newHarness()
	h.err = fmt.Errorf("%w: listen ip4:icmp", icmp.ErrPermission)

	code, out := execute(t, h, "host.example")
	if code != cli.ExitNoPerm {
		t.Errorf("exit = %d, want %d", code, cli.ExitNoPerm)
	}
	if strings.Contains(out, "Tracing route") {
		t.Errorf("header printed before the socket check:\n%s", out)
	}
	if !h.cfg.Privileged {
		t.Error("traceroute should default to a raw socket")
	}
}

func TestTraceroute_ReachesTarget(t *testing.T) {
	h := newHarness()

	code, out := execute(t, h, "--no-color", "host.example")
	if code != cli.ExitOK {
		t.Fatalf("exit = %d, want %d\n%s", code, cli.ExitOK, out)
	}

	wants := []string{
		"Tracing route to host.example [192.0.2.1] over a maximum of 30 hops:",
		"gw.example (10.0.0.1)",
		"10.0.0.2",
		"Trace Completed",
	}
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Trace Route Statistics") {
		t.Error("per-hop summary printed without -S")
	}

	if got := len(h.net.Probes()); got != 9 {
		t.Errorf("%d probes sent, want 9", got)
	}
	// One preflight socket plus one per probe, all closed
	if h.net.Opened() != 10 || h.net.Closed() != 10 {
		t.Errorf("opened/closed = %d/%d, want 10/10", h.net.Opened(), h.net.Closed())
	}
}

func TestTraceroute_NumericAndSummary(t *testing.T) {
	h := newHarness()

	code, out := execute(t, h, "-n", "-S", "-q", "2", "host.example")
	if code != cli.ExitOK {
		t.Fatalf("exit = %d\n%s", code, out)
	}

	if h.lookup.reverse != 0 {
		t.Errorf("%d reverse lookups with -n, want 0", h.lookup.reverse)
	}
	if strings.Contains(out, "gw.example") {
		t.Errorf("name printed with -n:\n%s", out)
	}
	if !strings.Contains(out, "Trace Route Statistics for 10.0.0.1:") {
		t.Errorf("missing hop summary:\n%s", out)
	}
	if !strings.Contains(out, "Packets: Sent = 2, Received = 2, Lost = 0 (0 percent loss)") {
		t.Errorf("missing packets line:\n%s", out)
	}
	if got := len(h.net.Probes()); got != 6 {
		t.Errorf("%d probes sent, want 6", got)
	}
}

func TestTraceroute_MaxHops(t *testing.T) {
	h := newHarness()
	h.net = pathNetwork(10)

	code, out := execute(t, h, "-n", "-h", "2", "-q", "1", "host.example")
	if code != cli.ExitOK {
		t.Fatalf("exit = %d\n%s", code, out)
	}

	var ttls []int
	for _, p := range h.net.Probes() {
		ttls = append(ttls, p.TTL)
	}
	if diff := cmp.Diff([]int{1, 2}, ttls); diff != "" {
		t.Errorf("probe TTLs mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(out, "over a maximum of 2 hops") {
		t.Errorf("header missing hop limit:\n%s", out)
	}
	if strings.Contains(out, "192.0.2.1)") {
		t.Errorf("target should not be reached:\n%s", out)
	}
}

func TestTraceroute_LargePayloadBuffer(t *testing.T) {
	h := newHarness()
	path := filepath.Join(t.TempDir(), "pingtrace.yaml")
	if err := os.WriteFile(path, []byte("traceroute:\n  payload_size: 4000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, out := execute(t, h, "-n", "-q", "1", "--config", path, "host.example")
	if code != cli.ExitOK {
		t.Fatalf("exit = %d\n%s", code, out)
	}
	if want := 20 + icmp.HeaderLen + 4000; h.cfg.ReadBufferSize < want {
		t.Errorf("ReadBufferSize = %d, want at least %d", h.cfg.ReadBufferSize, want)
	}
	for _, p := range h.net.Probes() {
		if p.Size != 4000 {
			t.Fatalf("probe size = %d, want 4000", p.Size)
		}
	}
}

func TestTraceroute_Silent(t *testing.T) {
	h := newHarness()
	h.net = probetest.NewNetwork()

	code, out := execute(t, h, "-h", "1", "-q", "2", "host.example")
	if code != cli.ExitOK {
		t.Fatalf("exit = %d\n%s", code, out)
	}
	if !strings.Contains(out, "Request Timed Out.") {
		t.Errorf("missing timeout line:\n%s", out)
	}
	if n := strings.Count(out, "*"); n != 2 {
		t.Errorf("%d timeout cells, want 2:\n%s", n, out)
	}
}
