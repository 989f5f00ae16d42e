package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/jcrawfordor/cellscan/internal/atcmd"
	"github.com/jcrawfordor/cellscan/internal/bearer"
	"github.com/jcrawfordor/cellscan/internal/collector"
	"github.com/jcrawfordor/cellscan/internal/config"
	"github.com/jcrawfordor/cellscan/internal/gnss"
	"github.com/jcrawfordor/cellscan/internal/radio"
	"github.com/jcrawfordor/cellscan/internal/store"
)

const (
	atDefaultTimeout = 10 * time.Second
	uploadTimeout    = 2 * time.Minute
	gnssRetryDelay   = 5 * time.Second
	// A lease long enough for a full survey or a bearer bring-up plus
	// upload, with margin. Holders that outlive it must abandon.
	leaseTTL = 5 * time.Minute
)

// RunService runs the sensor daemon until SIGINT/SIGTERM.
func RunService() error {
	cfg := config.Get()

	// Storage corruption is the one unrecoverable startup failure: refusing
	// to run beats fabricating empty state and dropping observations.
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("observation store: %w", err)
	}
	defer st.Close()
	pending, _, _ := st.Counts()
	log.Printf("service: observation store open, %d pending", pending)

	atPort, err := serial.Open(serial.OpenOptions{
		PortName:        cfg.ATPort,
		BaudRate:        uint(cfg.ATBaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return fmt.Errorf("open AT port %s: %w", cfg.ATPort, err)
	}
	defer atPort.Close()

	nmeaOpts := serial.OpenOptions{
		PortName:        cfg.NMEAPort,
		BaudRate:        uint(cfg.NMEABaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	nmeaPort, err := serial.Open(nmeaOpts)
	if err != nil {
		return fmt.Errorf("open NMEA port %s: %w", cfg.NMEAPort, err)
	}

	// Put the modem into a known state before any lease is issued.
	channel := atcmd.New(atPort, atDefaultTimeout)
	if err := channel.Reset(); err != nil {
		return fmt.Errorf("modem reset: %w", err)
	}
	model, err := channel.Identify()
	if err != nil {
		return fmt.Errorf("modem identify: %w", err)
	}
	log.Printf("service: connected to modem %s", model)
	if err := channel.EnableNMEA(); err != nil {
		return fmt.Errorf("enable NMEA stream: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := gnss.NewReader(nmeaPort)
	go watchGNSS(ctx, reader, nmeaPort, nmeaOpts)

	collectorHost, err := hostOf(cfg.CollectorURL)
	if err != nil {
		return err
	}
	link := bearer.NewMMLink(cfg.ModemIndex, cfg.ModemInterface, cfg.DataAPN, collectorHost)

	// All radio access funnels through the arbiter; releasing a DATA lease
	// tears the bearer down before the radio is handed back.
	arb := radio.NewArbiter(leaseTTL, func(mode radio.Mode) {
		if mode == radio.ModeData {
			if err := link.Down(); err != nil {
				log.Printf("service: bearer teardown: %v", err)
			}
		}
	})

	client := collector.NewClient(cfg.CollectorURL, cfg.DeviceID, uploadTimeout)
	hub := NewHub()

	scans := NewScanScheduler(arb, channel, reader, st, hub,
		time.Duration(cfg.ScanInterval)*time.Second,
		time.Duration(cfg.LeaseTimeout)*time.Second,
		time.Duration(cfg.FixMaxAge)*time.Second)

	uploads := &UploadScheduler{
		Arbiter:      arb,
		Store:        st,
		Client:       client,
		Link:         link,
		Hub:          hub,
		Interval:     time.Duration(cfg.UploadInterval) * time.Second,
		MaxBackoff:   time.Duration(cfg.UploadMaxBackoff) * time.Second,
		LeaseTimeout: time.Duration(cfg.LeaseTimeout) * time.Second,
		BatchMax:     cfg.BatchMaxSize,
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Printf("service: %s stopped", name)
		}()
	}

	run("scan scheduler", scans.Run)
	run("upload scheduler", uploads.Run)

	if cfg.PanelEnabled {
		panel := &Panel{
			LEDPin:    cfg.LEDPin,
			ButtonPin: cfg.ButtonPin,
			Hub:       hub,
			Trigger:   scans.Trigger,
		}
		run("panel", func(ctx context.Context) {
			if err := panel.Run(ctx); err != nil {
				log.Printf("panel: %v", err)
			}
		})
	}

	if cfg.MQTTBroker != "" {
		run("status publisher", func(ctx context.Context) {
			if err := RunStatusPublisher(ctx, cfg.MQTTBroker, cfg.MQTTClientID, cfg.TopicStatus, hub); err != nil {
				log.Printf("status: %v", err)
			}
		})
	}

	if cfg.WebPort != 0 {
		snapshot := func() StatusSnapshot {
			s := StatusSnapshot{LastEvent: hub.Last()}
			s.Pending, s.InFlight, s.Delivered = st.Counts()
			if fix, ok := reader.Current(); ok {
				s.Fix = &fix
			}
			return s
		}
		run("web", func(ctx context.Context) {
			if err := RunWeb(ctx, cfg.WebPort, snapshot, hub); err != nil {
				log.Printf("web: %v", err)
			}
		})
	}

	log.Print("service: running")
	<-ctx.Done()
	log.Print("service: shutting down")
	wg.Wait()
	return nil
}

// watchGNSS keeps the NMEA stream alive for the life of the process. A
// serial error stops fix updates, and every observation after it would be
// recorded locationless, so the port is reopened and the reader resumed.
func watchGNSS(ctx context.Context, reader *gnss.Reader, port io.ReadWriteCloser, opts serial.OpenOptions) {
	for {
		if err := reader.Run(); err != nil {
			log.Printf("gnss: stream ended: %v", err)
		}
		port.Close()
		if ctx.Err() != nil {
			return
		}
		time.Sleep(gnssRetryDelay)
		p, err := serial.Open(opts)
		if err != nil {
			log.Printf("gnss: reopen %s: %v", opts.PortName, err)
			continue
		}
		log.Printf("gnss: reopened %s", opts.PortName)
		port = p
		reader.Restart(p)
	}
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("bad COLLECTOR_URL %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("COLLECTOR_URL %q has no host", rawURL)
	}
	return host, nil
}
