package bearer

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

// bearerInfo is what mmcli reports about a connected bearer.
type bearerInfo struct {
	address string
	prefix  int
	gateway string
	mtu     string
}

var (
	reConnected = regexp.MustCompile(`connected:\s*yes`)
	reAddress   = regexp.MustCompile(`address: ([\d.]+)`)
	rePrefix    = regexp.MustCompile(`prefix: (\d+)`)
	reGateway   = regexp.MustCompile(`gateway: ([\d.]+)`)
	reMTU       = regexp.MustCompile(`mtu: (\d+)`)
)

const (
	connectRetries = 5
	connectSettle  = 5 * time.Second
)

// runner abstracts command execution so tests can script mmcli/ip output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// MMLink drives a ModemManager-managed modem. The modem is assumed to be
// attached over USB CDC, so the kernel already exposes it as a network
// interface; this only handles the bearer and routing.
type MMLink struct {
	ModemIndex int
	Interface  string
	APN        string
	Target     string // collector host; the only route installed

	run     runner
	sleep   func(time.Duration)
	upIface string
}

// NewMMLink configures the modem at modemIndex to carry traffic to target
// (host or IP) over iface.
func NewMMLink(modemIndex int, iface, apn, target string) *MMLink {
	return &MMLink{
		ModemIndex: modemIndex,
		Interface:  iface,
		APN:        apn,
		Target:     target,
		run:        execRunner,
		sleep:      time.Sleep,
	}
}

// Up enables the modem, connects the bearer and installs addressing and the
// two routes needed to reach the collector: the bearer subnet, and the
// target via the gateway. Connectivity exists to just the target.
func (l *MMLink) Up(ctx context.Context) error {
	idx := strconv.Itoa(l.ModemIndex)

	// The modem is often disabled at boot. This one must succeed.
	if out, err := l.run(ctx, "mmcli", "-m", idx, "-e"); err != nil {
		return fmt.Errorf("bearer: enable modem %s: %v (%s)", idx, err, out)
	}

	// Simple-connect loads the APN config but frequently times out on the
	// first try, so run it once and then poll in a retry loop.
	log.Printf("bearer: configuring modem for APN %s", l.APN)
	if _, err := l.run(ctx, "mmcli", "-m", idx, "--simple-connect=apn="+l.APN); err != nil {
		log.Print("bearer: initial modem connection failed, will retry")
	}

	info := l.bearerStatus(ctx)
	for retry := 0; info == nil; retry++ {
		if retry >= connectRetries {
			return fmt.Errorf("bearer: could not connect modem after %d retries", connectRetries)
		}
		log.Printf("bearer: connecting modem for data, retry %d", retry+1)
		if _, err := l.run(ctx, "mmcli", "-b", "0", "-c"); err != nil {
			log.Print("bearer: modem connect command failed")
		}
		l.sleep(connectSettle)
		info = l.bearerStatus(ctx)
	}

	log.Printf("bearer: up, ip %s/%d gateway %s", info.address, info.prefix, info.gateway)
	if err := l.configure(ctx, info); err != nil {
		return err
	}
	l.upIface = l.Interface
	return nil
}

func (l *MMLink) configure(ctx context.Context, info *bearerInfo) error {
	addr := fmt.Sprintf("%s/%d", info.address, info.prefix)
	prefix, err := netip.ParsePrefix(addr)
	if err != nil {
		return fmt.Errorf("bearer: bad address %q: %w", addr, err)
	}
	// The route needs the network base address; mmcli only reports the
	// assigned IP, so mask it down.
	network := prefix.Masked()

	steps := [][]string{
		{"ip", "addr", "add", addr, "dev", l.Interface},
		{"ip", "link", "set", "dev", l.Interface, "mtu", info.mtu},
		{"ip", "route", "add", network.String(), "dev", l.Interface},
		{"ip", "route", "add", l.Target, "via", info.gateway},
	}
	for _, step := range steps {
		if out, err := l.run(ctx, step[0], step[1:]...); err != nil {
			return fmt.Errorf("bearer: %v: %v (%s)", step, err, out)
		}
	}
	return nil
}

// Down disconnects the bearer and removes the addressing so the next SCAN
// window gets the radio back in a clean state.
func (l *MMLink) Down() error {
	if l.upIface == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if out, err := l.run(ctx, "ip", "addr", "flush", "dev", l.upIface); err != nil {
		firstErr = fmt.Errorf("bearer: flush %s: %v (%s)", l.upIface, err, out)
	}
	if out, err := l.run(ctx, "mmcli", "-b", "0", "-x"); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("bearer: disconnect: %v (%s)", err, out)
	}
	l.upIface = ""
	return firstErr
}

// bearerStatus checks bearer 0 (multiple bearers are not handled) and
// returns its addressing if connected.
func (l *MMLink) bearerStatus(ctx context.Context) *bearerInfo {
	out, err := l.run(ctx, "mmcli", "-b", "0")
	if err != nil {
		log.Print("bearer: checking modem bearer status failed")
		return nil
	}
	text := string(out)
	if !reConnected.MatchString(text) {
		log.Print("bearer: bearer check succeeded but did not show connected status")
		return nil
	}

	addr := reAddress.FindStringSubmatch(text)
	prefix := rePrefix.FindStringSubmatch(text)
	gateway := reGateway.FindStringSubmatch(text)
	mtu := reMTU.FindStringSubmatch(text)
	if addr == nil || prefix == nil || gateway == nil || mtu == nil {
		log.Print("bearer: connected bearer missing addressing fields")
		return nil
	}
	prefixLen, err := strconv.Atoi(prefix[1])
	if err != nil {
		return nil
	}
	return &bearerInfo{
		address: addr[1],
		prefix:  prefixLen,
		gateway: gateway[1],
		mtu:     mtu[1],
	}
}
