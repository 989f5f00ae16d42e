package gnss

import (
	"fmt"
	"io"
	"math"
	"strings"
	"testing"
	"time"
)

// sentence frames an NMEA body with a correct checksum.
func sentence(body string) string {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, cs)
}

// badSentence frames an NMEA body with a deliberately wrong checksum.
func badSentence(body string) string {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, cs^0xFF)
}

const ggaValid = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
const ggaNoFix = "GPGGA,123520,0000.000,N,00000.000,E,0,00,99.9,0.0,M,0.0,M,,"
const ggaSecond = "GPGGA,123521,4807.100,N,01131.100,E,2,09,0.8,546.0,M,46.9,M,,"

func runReader(t *testing.T, stream string) *Reader {
	t.Helper()
	r := NewReader(strings.NewReader(stream))
	if err := r.Run(); err != io.EOF {
		t.Fatalf("Run: want io.EOF, got %v", err)
	}
	return r
}

// TestReaderKeepsValidFix checks that a GGA sentence with a real fix
// quality becomes the current fix.
func TestReaderKeepsValidFix(t *testing.T) {
	r := runReader(t, sentence(ggaValid))

	fix, ok := r.Current()
	if !ok {
		t.Fatal("want a fix")
	}
	if math.Abs(fix.Lat-48.1173) > 0.001 {
		t.Errorf("lat: want ~48.1173, got %v", fix.Lat)
	}
	if math.Abs(fix.Lon-11.5166) > 0.001 {
		t.Errorf("lon: want ~11.5166, got %v", fix.Lon)
	}
	if fix.Alt != 545.4 {
		t.Errorf("alt: want 545.4, got %v", fix.Alt)
	}
	if fix.Quality != "1" {
		t.Errorf("quality: want 1, got %q", fix.Quality)
	}
}

// TestReaderIgnoresInvalidQuality checks that quality-0 sentences never
// produce a fix and never clobber an existing one.
func TestReaderIgnoresInvalidQuality(t *testing.T) {
	r := runReader(t, sentence(ggaNoFix))
	if _, ok := r.Current(); ok {
		t.Error("quality 0 should not produce a fix")
	}

	r = runReader(t, sentence(ggaValid)+sentence(ggaNoFix))
	fix, ok := r.Current()
	if !ok {
		t.Fatal("earlier valid fix should survive")
	}
	if math.Abs(fix.Lat-48.1173) > 0.001 {
		t.Errorf("fix was clobbered: %+v", fix)
	}
}

// TestReaderDropsBadChecksum checks that checksum failures are discarded.
func TestReaderDropsBadChecksum(t *testing.T) {
	r := runReader(t, badSentence(ggaValid))
	if _, ok := r.Current(); ok {
		t.Error("bad checksum should be dropped")
	}
}

// TestReaderOverwritesFix checks that newer fixes replace older ones and
// that handed-out copies are unaffected.
func TestReaderOverwritesFix(t *testing.T) {
	r := NewReader(strings.NewReader(sentence(ggaValid) + sentence(ggaSecond)))
	if err := r.Run(); err != io.EOF {
		t.Fatal(err)
	}

	fix, ok := r.Current()
	if !ok {
		t.Fatal("want a fix")
	}
	if fix.Quality != "2" {
		t.Errorf("want the newer fix (quality 2), got %+v", fix)
	}
}

// TestReaderRestartResumesUpdates checks that pointing the reader at a
// reopened stream keeps the snapshot and picks up fresh fixes, so a serial
// error does not leave the rest of the process locationless forever.
func TestReaderRestartResumesUpdates(t *testing.T) {
	r := runReader(t, sentence(ggaValid))

	fix, ok := r.Current()
	if !ok || fix.Quality != "1" {
		t.Fatalf("want the first fix, got %+v (ok=%v)", fix, ok)
	}

	r.Restart(strings.NewReader(sentence(ggaSecond)))
	if err := r.Run(); err != io.EOF {
		t.Fatal(err)
	}

	fix, ok = r.Current()
	if !ok {
		t.Fatal("want a fix after restart")
	}
	if fix.Quality != "2" {
		t.Errorf("want the post-restart fix (quality 2), got %+v", fix)
	}
}

// TestFixAge checks staleness arithmetic.
func TestFixAge(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	fix := Fix{Time: now.Add(-45 * time.Second)}

	if got := fix.Age(now); got != 45*time.Second {
		t.Errorf("want 45s, got %v", got)
	}
}

// TestReaderStampsReceiveTime checks that fixes carry the receive clock,
// which the staleness threshold is computed against.
func TestReaderStampsReceiveTime(t *testing.T) {
	stamp := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := NewReader(strings.NewReader(sentence(ggaValid)))
	r.now = func() time.Time { return stamp }

	if err := r.Run(); err != io.EOF {
		t.Fatal(err)
	}

	fix, _ := r.Current()
	if !fix.Time.Equal(stamp) {
		t.Errorf("want %v, got %v", stamp, fix.Time)
	}
}
