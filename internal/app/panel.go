package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// LED behavior by service state: solid while scanning, even blink while
// uploading, short pulse after a failure, off when idle.
const (
	ledOff   = "off"
	ledOn    = "on"
	ledBlink = "blink"
	ledPulse = "pulse"
)

// longPress is the threshold separating a scan trigger from an accidental
// hold.
const longPress = 3 * time.Second

// Panel drives the indicator LED and the trigger button. The button is
// active low (wired to GND); the LED shows on while scanning and blinks
// while uploading or after an error.
type Panel struct {
	LEDPin    string
	ButtonPin string
	Hub       *Hub
	Trigger   func()

	ledMode string
}

// RunPanel owns the GPIO lines until ctx is cancelled.
func (p *Panel) Run(ctx context.Context) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("panel: gpio host init: %w", err)
	}

	led := gpioreg.ByName(p.LEDPin)
	if led == nil {
		return fmt.Errorf("panel: no such pin %q", p.LEDPin)
	}
	button := gpioreg.ByName(p.ButtonPin)
	if button == nil {
		return fmt.Errorf("panel: no such pin %q", p.ButtonPin)
	}
	if err := button.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return fmt.Errorf("panel: configure button: %w", err)
	}

	go p.watchButton(ctx, button)

	events, cancel := p.Hub.Subscribe()
	defer cancel()

	// The LED is driven by a coarse tick so blink needs no extra timer.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ledLevel := gpio.Low
	p.ledMode = ledOff
	tick := 0
	log.Print("panel: ready")

	for {
		select {
		case <-ctx.Done():
			led.Out(gpio.Low)
			return nil
		case ev := <-events:
			p.ledMode = modeForEvent(ev.Kind)
		case <-ticker.C:
			tick++
		}

		switch p.ledMode {
		case ledOn:
			ledLevel = gpio.High
		case ledOff:
			ledLevel = gpio.Low
		case ledBlink:
			ledLevel = !ledLevel
		case ledPulse:
			// On one tick in four, a heartbeat distinct from the even blink.
			ledLevel = tick%4 == 0
		}
		if err := led.Out(ledLevel); err != nil {
			log.Printf("panel: led write: %v", err)
		}
	}
}

func modeForEvent(kind string) string {
	switch kind {
	case EventScanStarted:
		return ledOn
	case EventUploadStarted:
		return ledBlink
	case EventScanFailed, EventUploadFailed:
		return ledPulse
	case EventScanOK, EventUploadOK:
		return ledOff
	}
	return ledOff
}

// watchButton converts edges into scan triggers. Presses longer than
// longPress are ignored so a pocketed device does not spam surveys.
func (p *Panel) watchButton(ctx context.Context, button gpio.PinIO) {
	var pressedAt time.Time

	for ctx.Err() == nil {
		if !button.WaitForEdge(time.Second) {
			continue
		}
		if button.Read() == gpio.Low {
			pressedAt = time.Now()
			continue
		}
		if pressedAt.IsZero() {
			continue
		}
		held := time.Since(pressedAt)
		pressedAt = time.Time{}

		if held > longPress {
			log.Printf("panel: ignoring %v hold", held.Round(time.Millisecond))
			continue
		}
		log.Printf("panel: button press (%v), triggering scan", held.Round(time.Millisecond))
		p.Trigger()
	}
}
