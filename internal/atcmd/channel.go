// Package atcmd provides a serialized AT command channel over the modem's
// control serial port.
//
// AT commands follow a request/response pattern: the command is written with
// CRLF termination, the modem echoes it back, then returns zero or more body
// lines followed by a final result code (OK, ERROR, +CME ERROR). The channel
// guarantees one outstanding command at a time and strips the echo and line
// framing from responses.
package atcmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Final result codes and control sequences.
const (
	crlf     = "\r\n"
	respOK   = "OK"
	respErr  = "ERROR"
	cmeError = "+CME ERROR:"
	cmsError = "+CMS ERROR:"
)

var (
	// ErrTimeout is returned when the modem stops responding mid-command.
	ErrTimeout = errors.New("atcmd: no final result code before deadline")
	// ErrModem is returned when the modem answers with ERROR or +CME/+CMS ERROR.
	ErrModem = errors.New("atcmd: modem returned ERROR")
	// ErrChannel is returned when the device is unreachable. The holder of
	// the current radio lease must treat this as fatal and release.
	ErrChannel = errors.New("atcmd: control channel unusable")
)

// Channel is a serialized AT command interface over a serial-like stream.
//
// Reads happen on a dedicated goroutine feeding the lines channel, so Send
// enforces its deadline even when the port blocks reads until a byte
// arrives, as a serial port opened in blocking mode does.
type Channel struct {
	mu      sync.Mutex
	port    io.Writer
	lines   chan string
	timeout time.Duration
}

// New wraps port in a Channel and starts its reader. defaultTimeout applies
// to commands issued through helpers that do not take their own timeout.
func New(port io.ReadWriter, defaultTimeout time.Duration) *Channel {
	c := &Channel{
		port:    port,
		lines:   make(chan string, 64),
		timeout: defaultTimeout,
	}
	go c.pump(port)
	return c
}

// pump moves raw lines from the port to the lines channel until the port
// errors out, then closes the channel to signal a dead device. Unsolicited
// output arriving between commands parks in the channel buffer and is
// discarded by the next command's drain.
func (c *Channel) pump(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			c.lines <- line
		}
		if err != nil {
			close(c.lines)
			return
		}
	}
}

// Send writes cmd to the modem and collects the response body, excluding the
// echo and the final result code. It returns ErrModem if the modem reports
// ERROR, ErrTimeout if a response starts but never finishes, and ErrChannel
// if the device produces nothing at all.
func (c *Channel) Send(cmd string, timeout time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(cmd, timeout)
}

func (c *Channel) sendLocked(cmd string, timeout time.Duration) ([]string, error) {
	// Anything already buffered belongs to a previous command (a late
	// response after a timeout, or unsolicited chatter). It must not be
	// misread as this command's response.
	c.drain()

	if _, err := c.port.Write([]byte(cmd + crlf)); err != nil {
		return nil, fmt.Errorf("%w: write %q: %v", ErrChannel, cmd, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var lines []string
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				if len(lines) == 0 {
					return nil, fmt.Errorf("%w: %q unanswered", ErrChannel, cmd)
				}
				return nil, fmt.Errorf("%w: %q, partial response", ErrTimeout, cmd)
			}

			line = strings.TrimSpace(line)
			// Skip blank padding and the command echo.
			if line == "" || line == cmd {
				continue
			}

			switch {
			case line == respOK:
				return lines, nil
			case line == respErr:
				return nil, fmt.Errorf("%w: %q", ErrModem, cmd)
			case strings.HasPrefix(line, cmeError), strings.HasPrefix(line, cmsError):
				return nil, fmt.Errorf("%w: %q: %s", ErrModem, cmd, line)
			}

			lines = append(lines, line)

		case <-deadline.C:
			if len(lines) == 0 {
				return nil, fmt.Errorf("%w: %q unanswered", ErrChannel, cmd)
			}
			return nil, fmt.Errorf("%w: %q, got %d lines but no final result", ErrTimeout, cmd, len(lines))
		}
	}
}

// Reset puts the modem back into a known state even if it previously
// received a partial command or was left in a weird config (echo on, etc).
// A bare CRLF clears any partial command, ATZ soft-resets, and everything
// the modem says during the settle window is discarded.
func (c *Channel) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.port.Write([]byte(crlf)); err != nil {
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}
	if _, err := c.port.Write([]byte("ATZ" + crlf)); err != nil {
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}
	time.Sleep(time.Second)
	c.drain()
	return nil
}

// drain discards buffered modem output (echoes, reset banners, responses
// that arrived after their command timed out).
func (c *Channel) drain() {
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Identify returns the modem model reported by AT+GMM.
func (c *Channel) Identify() (string, error) {
	lines, err := c.Send("AT+GMM", c.timeout)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: AT+GMM returned no model", ErrModem)
	}
	return lines[0], nil
}

// EnableNMEA powers the GNSS module and enables the unsolicited NMEA stream
// on the dedicated NMEA interface. GPSP fails with ERROR if the module is
// already powered, which is fine.
func (c *Channel) EnableNMEA() error {
	if _, err := c.Send("AT$GPSP=1", c.timeout); err != nil && !errors.Is(err, ErrModem) {
		return err
	}
	_, err := c.Send("AT$GPSNMUN=2,1,1,1,1,1,1", c.timeout)
	return err
}

// Ping checks that the modem is responsive.
func (c *Channel) Ping() error {
	_, err := c.Send("AT", 2*time.Second)
	return err
}
