// Package gnss consumes the modem's unsolicited NMEA stream and maintains
// the most recent valid position fix as a single-slot snapshot.
package gnss

import (
	"bufio"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// Reader listens on the NMEA serial stream. It runs continuously and
// independently of the radio arbiter: the NMEA interface is a passive
// listener and never contends for the radio.
type Reader struct {
	mu    sync.RWMutex
	fix   Fix
	valid bool

	reader *bufio.Reader
	now    func() time.Time
}

// NewReader wraps the NMEA stream. The caller owns the underlying port.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		reader: bufio.NewReader(r),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes sentences until the stream errors out. Only GGA sentences
// with a valid fix quality update the snapshot; sentences that fail
// checksum validation are rejected by the parser and dropped.
func (g *Reader) Run() error {
	for {
		line, err := g.reader.ReadString('\n')
		if err != nil {
			if len(line) == 0 {
				return err
			}
			// Process the final unterminated line before reporting.
			g.consume(line)
			return err
		}
		g.consume(line)
	}
}

func (g *Reader) consume(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		// Noisy serial or a failed checksum; drop it.
		return
	}
	if sentence.DataType() != nmea.TypeGGA {
		return
	}

	gga := sentence.(nmea.GGA)
	if gga.FixQuality == nmea.Invalid {
		// Before the receiver reports a fix the coordinates are null or
		// have very high error. Keep the previous fix instead.
		return
	}

	g.mu.Lock()
	g.fix = Fix{
		Lat:     gga.Latitude,
		Lon:     gga.Longitude,
		Alt:     gga.Altitude,
		Quality: gga.FixQuality,
		Time:    g.now(),
	}
	g.valid = true
	g.mu.Unlock()
}

// Restart points the reader at a reopened stream, keeping the fix snapshot.
// Only call between Run invocations.
func (g *Reader) Restart(r io.Reader) {
	g.reader = bufio.NewReader(r)
}

// Current returns an immutable copy of the most recent valid fix. The bool
// is false until the first valid fix arrives.
func (g *Reader) Current() (Fix, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fix, g.valid
}

// LogState writes a one-line summary of the snapshot, for startup logging.
func (g *Reader) LogState() {
	fix, ok := g.Current()
	if !ok {
		log.Print("gnss: no fix yet")
		return
	}
	log.Printf("gnss: fix %0.6f,%0.6f alt %0.1fm quality %s", fix.Lat, fix.Lon, fix.Alt, fix.Quality)
}
