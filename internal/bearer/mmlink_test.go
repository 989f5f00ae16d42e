package bearer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

const bearerConnected = `  ------------------------
  Status    |   connected: yes
            |   suspended: no
  ------------------------
  IPv4 configuration |   method: static
            |  address: 10.20.30.40
            |   prefix: 30
            |  gateway: 10.20.30.41
            |      mtu: 1430
`

const bearerDisconnected = `  ------------------------
  Status    |   connected: no
`

// scriptedRunner records commands and returns canned output per command
// prefix.
type scriptedRunner struct {
	calls   []string
	outputs map[string]string
	fails   map[string]bool
}

func (s *scriptedRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	s.calls = append(s.calls, cmd)
	if s.fails[cmd] {
		return nil, fmt.Errorf("exit status 1")
	}
	return []byte(s.outputs[cmd]), nil
}

func testLink(r *scriptedRunner) *MMLink {
	l := NewMMLink(0, "wwan0", "hologram", "198.51.100.7")
	l.run = r.run
	l.sleep = func(time.Duration) {}
	return l
}

// TestUpConfiguresAddressingAndRoutes checks the full happy-path sequence:
// enable, connect, then address, MTU, subnet route and host route.
func TestUpConfiguresAddressingAndRoutes(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]string{
		"mmcli -b 0": bearerConnected,
	}}
	l := testLink(r)

	if err := l.Up(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"mmcli -m 0 -e",
		"mmcli -m 0 --simple-connect=apn=hologram",
		"mmcli -b 0",
		"ip addr add 10.20.30.40/30 dev wwan0",
		"ip link set dev wwan0 mtu 1430",
		"ip route add 10.20.30.40/30 dev wwan0",
		"ip route add 198.51.100.7 via 10.20.30.41",
	}
	if len(r.calls) != len(want) {
		t.Fatalf("calls:\n%s", strings.Join(r.calls, "\n"))
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Errorf("call %d: want %q got %q", i, want[i], r.calls[i])
		}
	}
}

// TestUpRetriesUntilBearerConnects checks the reconnect poll loop.
func TestUpRetriesUntilBearerConnects(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]string{
		"mmcli -b 0": bearerDisconnected,
	}}
	l := testLink(r)

	// Flip the bearer to connected after the second status poll.
	polls := 0
	base := r.run
	l.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "mmcli" && len(args) == 2 && args[0] == "-b" {
			polls++
			if polls >= 2 {
				r.outputs["mmcli -b 0"] = bearerConnected
			}
		}
		return base(ctx, name, args...)
	}

	if err := l.Up(context.Background()); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, call := range r.calls {
		if call == "mmcli -b 0 -c" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a bearer connect retry, calls:\n%s", strings.Join(r.calls, "\n"))
	}
}

// TestUpGivesUpAfterRetries checks the bounded retry policy.
func TestUpGivesUpAfterRetries(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]string{
		"mmcli -b 0": bearerDisconnected,
	}}
	l := testLink(r)

	if err := l.Up(context.Background()); err == nil {
		t.Fatal("want an error when the bearer never connects")
	}
}

// TestUpFailsWhenEnableFails checks that a dead modem aborts immediately.
func TestUpFailsWhenEnableFails(t *testing.T) {
	r := &scriptedRunner{fails: map[string]bool{"mmcli -m 0 -e": true}}
	l := testLink(r)

	if err := l.Up(context.Background()); err == nil {
		t.Fatal("want an error when modem enable fails")
	}
	if len(r.calls) != 1 {
		t.Errorf("should stop after the failed enable, got %v", r.calls)
	}
}

// TestDownTearsDownOnlyWhenUp checks teardown ordering and idempotency.
func TestDownTearsDownOnlyWhenUp(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]string{
		"mmcli -b 0": bearerConnected,
	}}
	l := testLink(r)

	// Down before Up is a no-op.
	if err := l.Down(); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 0 {
		t.Errorf("down before up ran commands: %v", r.calls)
	}

	if err := l.Up(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.calls = nil

	if err := l.Down(); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"ip addr flush dev wwan0",
		"mmcli -b 0 -x",
	}
	if len(r.calls) != len(want) || r.calls[0] != want[0] || r.calls[1] != want[1] {
		t.Errorf("want %v, got %v", want, r.calls)
	}
}
