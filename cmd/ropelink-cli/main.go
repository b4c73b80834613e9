// ropelink-cli is the operator console: it speaks the authenticated
// control channel and watches telemetry, without the daemon around it.
package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"github.com/ascentic/ropelink/control"
	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/helpers/cli"
	"github.com/ascentic/ropelink/log2"
	"github.com/ascentic/ropelink/state"
	"github.com/ascentic/ropelink/status"
	"github.com/ascentic/ropelink/telemetry"
	"github.com/ascentic/ropelink/wire"
)

const usage = `commands
- stop [reason]  engage the emergency stop
- clear          request emergency stop clear
- open           open the rope clamps
- close          close the rope clamps
- camera N       switch the active camera
- ping           measure control round trip
- status         print the bridge status snapshot
- log=yes|no     toggle debug logging
- help
`

var log = log2.NewStderr(log2.LInfo)

type console struct {
	config *state.Config
	ctl    *control.Channel
	rtt    *telemetry.RTT
	src    *status.Source
	token  string

	// -1 unknown, 0 clear, 1 engaged; transitions are printed once
	estopSeen int32
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "ropelink.hcl", "")
	flagDebug := cmdline.Bool("debug", false, "debug logging")
	_ = cmdline.Parse(os.Args[1:])
	log.SetFlags(log2.LInteractiveFlags)
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	config := state.MustReadConfigFile(*flagConfig, log)
	g := config.Global()
	if config.Role != "operator" {
		log.Fatal("ropelink-cli needs an operator role config")
	}
	if !g.PskValid {
		log.Fatal("psk missing or invalid")
	}

	c := &console{
		config:    config,
		rtt:       telemetry.NewRTT(),
		estopSeen: -1,
	}
	c.token = config.ClearPolicy().ConfirmToken
	if c.token == "" {
		c.token = estop.DefaultConfirmToken
	}

	live := &estop.Liveness{}
	ctlLink, err := config.ControlLinkOptions()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if c.ctl, err = control.New(control.Options{Log: log, Link: ctlLink, Live: live}); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer c.ctl.Close()

	teleLink, err := config.TelemetryLinkOptions()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	tele, err := telemetry.New(telemetry.Options{
		Log:         log,
		Link:        teleLink,
		Live:        live,
		RTT:         c.rtt,
		OnTelemetry: c.onTelemetry,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer tele.Close()

	c.src = &status.Source{
		Control:   c.ctl.Link(),
		Telemetry: tele.Link(),
		RTT:       c.rtt,
		PskValid:  g.PskValid,
	}

	cli.MainLoop("ropelink", c.execute, newCompleter())
}

func (c *console) onTelemetry(m *wire.Telemetry) {
	if m.Estop != nil {
		seen := int32(0)
		if m.Estop.Engaged {
			seen = 1
		}
		if atomic.SwapInt32(&c.estopSeen, seen) != seen {
			log.Infof("robot estop engaged=%t reason=%s", m.Estop.Engaged, m.Estop.Reason)
		}
	}
	log.Debugf("telemetry age=%dms rtt=%.1fms v=%.1f h=%.2f",
		m.ControlAgeMs, m.RttMs, m.Voltage, m.Height)
}

func (c *console) execute(line string) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	var err error
	switch words[0] {
	case "help":
		log.Infof(usage)
	case "log=yes":
		log.SetLevel(log2.LDebug)
	case "log=no":
		log.SetLevel(log2.LInfo)
	case "stop":
		reason := "operator stop"
		if len(words) > 1 {
			reason = strings.Join(words[1:], " ")
		}
		if err = c.ctl.Send(wire.NewEstop(true, reason, "")); err == nil {
			log.Infof("stop sent reason=%q", reason)
		}
	case "clear":
		if err = c.ctl.Send(wire.NewEstop(false, "operator clear", c.token)); err == nil {
			log.Infof("clear requested, watch telemetry for the result")
		}
	case "open":
		err = c.ctl.Send(wire.NewClamp(true))
	case "close":
		err = c.ctl.Send(wire.NewClamp(false))
	case "camera":
		if len(words) != 2 {
			err = errors.Errorf("usage: camera N")
			break
		}
		var id uint64
		if id, err = strconv.ParseUint(words[1], 10, 8); err != nil {
			err = errors.Annotatef(err, "camera id=%s", words[1])
			break
		}
		err = c.ctl.Send(wire.NewStartCamera(uint8(id)))
	case "ping":
		msg := c.rtt.NextPing()
		if err = c.ctl.Send(msg); err == nil {
			log.Infof("ping seq=%d sent, rtt arrives with telemetry", msg.Ping.Seq)
		}
	case "status":
		s := c.src.Snapshot()
		log.Infof("%s", s.JSON())
	default:
		err = errors.Errorf("invalid command %q, try help", words[0])
	}
	if err != nil {
		log.Errorf(errors.ErrorStack(err))
	}
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "stop", Description: "engage the emergency stop"},
		{Text: "clear", Description: "request emergency stop clear"},
		{Text: "open", Description: "open the rope clamps"},
		{Text: "close", Description: "close the rope clamps"},
		{Text: "camera", Description: "switch the active camera"},
		{Text: "ping", Description: "measure control round trip"},
		{Text: "status", Description: "print the bridge status"},
		{Text: "help", Description: "show command syntax"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}
