// Bench tool: run one network survey against a modem on the given serial
// port and print the parsed cells. Useful for checking antenna placement
// without deploying the full service.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/jcrawfordor/cellscan/internal/atcmd"
	"github.com/jcrawfordor/cellscan/internal/scanreport"
)

func main() {
	portName := flag.String("port", "/dev/ttyUSB2", "modem AT serial port")
	baud := flag.Int("baud", 115200, "baud rate")
	flag.Parse()

	port, err := serial.Open(serial.OpenOptions{
		PortName:        *portName,
		BaudRate:        uint(*baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		log.Fatalf("open %s: %v", *portName, err)
	}
	defer port.Close()

	channel := atcmd.New(port, 10*time.Second)
	if err := channel.Reset(); err != nil {
		log.Fatalf("modem reset: %v", err)
	}
	model, err := channel.Identify()
	if err != nil {
		log.Fatalf("modem identify: %v", err)
	}
	log.Printf("connected to %s on %s", model, *portName)

	log.Print("starting survey, this can take a couple of minutes")
	lines, err := channel.Send("AT#CSURV", 3*time.Minute)
	if err != nil {
		log.Fatalf("survey: %v", err)
	}

	report, err := scanreport.Parse(strings.Join(lines, "\n"))
	if err != nil {
		log.Fatalf("parse: %v", err)
	}

	printCell("serving ", report.Serving)
	for _, cell := range report.Neighbors {
		printCell("neighbor", cell)
	}
	if report.Skipped > 0 {
		log.Printf("skipped %d malformed line(s)", report.Skipped)
	}
}

func printCell(role string, c scanreport.Cell) {
	fmt.Printf("%s  %s  mcc=%s mnc=%s lac=%s cell=%s ch=%d rx=%d dBm\n",
		role, c.Gen, c.MCC, c.MNC, c.LAC, c.CellID, c.Channel, c.SignalDBM)
}
