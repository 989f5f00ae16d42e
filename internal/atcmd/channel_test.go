package atcmd

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePort behaves like a serial port opened in blocking mode: reads block
// until the modem produces output. Each Write answers with the next scripted
// response; inject delivers output tied to no command, like a response
// arriving after its command already timed out.
type fakePort struct {
	mu        sync.Mutex
	out       bytes.Buffer
	responses []string

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newFakePort(t *testing.T, responses ...string) *fakePort {
	t.Helper()
	pr, pw := io.Pipe()
	f := &fakePort{responses: responses, pr: pr, pw: pw}
	t.Cleanup(func() { pw.Close() })
	return f
}

func (f *fakePort) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.out.Write(p)
	var resp string
	scripted := len(f.responses) > 0
	if scripted {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	if scripted {
		go f.pw.Write([]byte(resp))
	}
	return len(p), nil
}

func (f *fakePort) inject(s string) {
	go f.pw.Write([]byte(s))
}

func (f *fakePort) push(response string) {
	f.mu.Lock()
	f.responses = append(f.responses, response)
	f.mu.Unlock()
}

func (f *fakePort) sent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

// TestSendCollectsBodyLines checks that Send strips the echo, blank padding
// and the final OK, returning only the body.
func TestSendCollectsBodyLines(t *testing.T) {
	port := newFakePort(t, "AT+GMM\r\n\r\nLE910C1-NA\r\n\r\nOK\r\n")
	ch := New(port, time.Second)

	lines, err := ch.Send("AT+GMM", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d: %v", len(lines), lines)
	}
	if lines[0] != "LE910C1-NA" {
		t.Errorf("want LE910C1-NA, got %q", lines[0])
	}
	if got := port.sent(); got != "AT+GMM\r\n" {
		t.Errorf("wrote %q", got)
	}
}

// TestSendMultiLine checks that a multi-line report is returned in order.
func TestSendMultiLine(t *testing.T) {
	port := newFakePort(t, "AT#CSURV\r\nfirst line\r\nsecond line\r\nOK\r\n")
	ch := New(port, time.Second)

	lines, err := ch.Send("AT#CSURV", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"first line", "second line"}
	if len(lines) != len(want) {
		t.Fatalf("want %d lines, got %d", len(want), len(lines))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: want %q got %q", i, want[i], lines[i])
		}
	}
}

// TestSendModemError checks that ERROR and +CME ERROR map to ErrModem.
func TestSendModemError(t *testing.T) {
	cases := []struct {
		name     string
		response string
	}{
		{"plain error", "AT$GPSP=1\r\nERROR\r\n"},
		{"cme error", "AT+CPIN?\r\n+CME ERROR: 10\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := New(newFakePort(t, tc.response), time.Second)
			_, err := ch.Send(strings.SplitN(tc.response, "\r\n", 2)[0], time.Second)
			if !errors.Is(err, ErrModem) {
				t.Errorf("want ErrModem, got %v", err)
			}
		})
	}
}

// TestSendSilentModem checks that a modem producing no output at all reports
// a channel error at the deadline. The port blocks reads until data arrives,
// like the real serial port does, so this is the deadline path and not an
// immediate EOF.
func TestSendSilentModem(t *testing.T) {
	ch := New(newFakePort(t), time.Second)

	start := time.Now()
	_, err := ch.Send("AT", 200*time.Millisecond)
	if !errors.Is(err, ErrChannel) {
		t.Errorf("want ErrChannel, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send took %v, expected to give up near the deadline", elapsed)
	}
}

// TestSendPartialResponse checks that body lines with no final result code
// report a timeout, distinct from a dead channel.
func TestSendPartialResponse(t *testing.T) {
	ch := New(newFakePort(t, "AT#CSURV\r\nsome data\r\n"), time.Second)

	_, err := ch.Send("AT#CSURV", 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("want ErrTimeout, got %v", err)
	}
}

// TestSendDropsStaleResponseAfterTimeout checks that output arriving after
// its command timed out is not misread as the next command's response: the
// stale OK must not terminate the next command and stale body lines must not
// appear in its payload.
func TestSendDropsStaleResponseAfterTimeout(t *testing.T) {
	port := newFakePort(t, "AT#CSURV\r\narfcn: 48 bsic: 24 rxLev: -52\r\n")
	ch := New(port, time.Second)

	_, err := ch.Send("AT#CSURV", 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}

	// The rest of the survey shows up late, after the caller gave up.
	port.inject("Network survey ended\r\nOK\r\n")
	time.Sleep(100 * time.Millisecond)

	port.push("AT+GMM\r\nLE910C1-NA\r\nOK\r\n")
	model, err := ch.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if model != "LE910C1-NA" {
		t.Errorf("want LE910C1-NA, got %q", model)
	}
}

// TestIdentify checks the AT+GMM helper.
func TestIdentify(t *testing.T) {
	ch := New(newFakePort(t, "AT+GMM\r\nLE910C1-NA\r\nOK\r\n"), time.Second)

	model, err := ch.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if model != "LE910C1-NA" {
		t.Errorf("want LE910C1-NA, got %q", model)
	}
}

// TestEnableNMEATolerantOfGPSPError checks that an ERROR from AT$GPSP=1
// (GNSS already powered) does not fail the sequence.
func TestEnableNMEATolerantOfGPSPError(t *testing.T) {
	port := newFakePort(t,
		"AT$GPSP=1\r\nERROR\r\n",
		"AT$GPSNMUN=2,1,1,1,1,1,1\r\nOK\r\n")
	ch := New(port, time.Second)

	if err := ch.EnableNMEA(); err != nil {
		t.Fatal(err)
	}
}
