// ropelinkd is the bridge daemon. One binary serves both ends: the
// role in the config file selects robot or operator wiring.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/ascentic/ropelink/control"
	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/helpers"
	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
	"github.com/ascentic/ropelink/state"
	"github.com/ascentic/ropelink/status"
	"github.com/ascentic/ropelink/telemetry"
	"github.com/ascentic/ropelink/video"
	"github.com/ascentic/ropelink/wire"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "ropelink.hcl", "")
	flagDebug := flag.Bool("debug", false, "debug logging")
	flag.Parse()
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}
	if sdnotify("STATUS=starting") {
		// under systemd the journal stamps lines already
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfigFile(*flagConfig, log)
	g := config.Global()
	if !g.PskValid {
		log.Fatal("psk missing or invalid, refusing to start")
	}
	robot := config.Role == "robot"

	live := &estop.Liveness{}
	es := estop.NewState(config.ClearPolicy())

	var pongs *telemetry.PongSlot
	var rtt *telemetry.RTT
	if robot {
		pongs = &telemetry.PongSlot{}
	} else {
		rtt = telemetry.NewRTT()
	}

	ctlLink, err := config.ControlLinkOptions()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	copt := control.Options{Log: log, Link: ctlLink, Live: live}
	if robot {
		copt.Estop = es
		copt.Act = inertActuator{}
		copt.Pongs = pongs
	}
	ctl, err := control.New(copt)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	teleLink, err := config.TelemetryLinkOptions()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	topt := telemetry.Options{Log: log, Link: teleLink, Live: live}
	if robot {
		topt.Estop = es
		topt.Sensors = inertSensors{}
		topt.Interval = config.TelemetryInterval()
		topt.Pongs = pongs
	} else {
		topt.RTT = rtt
		topt.OnTelemetry = func(m *wire.Telemetry) {
			log.Debugf("telemetry age=%dms rtt=%.1fms v=%.1f h=%.2f",
				m.ControlAgeMs, m.RttMs, m.Voltage, m.Height)
		}
	}
	tele, err := telemetry.New(topt)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	var wd *estop.Watchdog
	if robot {
		timeout, grace, tick := config.WatchdogTimings()
		sdInterval, sderr := daemon.SdWatchdogEnabled(false)
		if sderr != nil {
			log.Errorf("sd_watchdog err=%v", sderr)
		}
		wd = estop.NewWatchdog(estop.WatchdogOptions{
			Log:            log,
			State:          es,
			Live:           live,
			ControlHealthy: ctl.Link().Healthy,
			Timeout:        timeout,
			Grace:          grace,
			Tick:           tick,
			OnTick: func() {
				if sdInterval > 0 {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			},
		})
	}

	var vid *video.Channel
	if config.Video.Enable {
		vmode, err := link.ParseMode(config.Video.Mode)
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		vopt := video.Options{
			Log:            log,
			Name:           "video",
			Mode:           vmode,
			URL:            config.Video.URL,
			FPS:            config.Video.FPS,
			MaxFrame:       uint32(config.Video.MaxFrame),
			ReconnectDelay: ctlLink.ReconnectDelay,
		}
		if robot {
			vopt.Source = new(patternSource)
		}
		if vid, err = video.New(vopt); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		// geometry is for the capture driver; the channel moves bytes
		log.Infof("video mode=%s %dx%d fps=%d", config.Video.Mode,
			config.Video.Width, config.Video.Height, vopt.FPS)
		if !robot {
			go drainVideo(vid)
		}
	}

	src := &status.Source{
		Control:   ctl.Link(),
		Telemetry: tele.Link(),
		RTT:       rtt,
		Video:     vid,
		Watchdog:  wd,
		PskValid:  g.PskValid,
	}
	if robot {
		// only the robot owns the state machine; the operator sees the
		// engaged flag through telemetry
		src.Estop = es
	}
	pubs := []status.Publisher{status.LogPublisher(log)}
	if config.Status.Mqtt.Enable {
		mp, err := status.NewMQTT(log, status.MQTTConfig{
			BrokerURL:   config.Status.Mqtt.Broker,
			ClientID:    config.Status.Mqtt.ClientID,
			Password:    config.Status.Mqtt.Password,
			TopicPrefix: config.Status.Mqtt.TopicPrefix,
		})
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		pubs = append(pubs, mp)
	}
	rep := status.NewReporter(status.Options{
		Log:        log,
		Source:     src,
		Interval:   config.StatusInterval(),
		Publishers: pubs,
	})

	sdnotify(daemon.SdNotifyReady)
	log.Infof("ropelinkd role=%s running", config.Role)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("signal=%v shutdown", sig)
	sdnotify(daemon.SdNotifyStopping)

	if robot {
		// last telemetry before the links close must report engaged
		es.Engage(estop.ReasonOperatorRequest, "daemon shutdown")
	}
	errs := []error{rep.Close()}
	if wd != nil {
		errs = append(errs, wd.Close())
	}
	if vid != nil {
		errs = append(errs, vid.Close())
	}
	errs = append(errs, tele.Close(), ctl.Close())
	if err := helpers.FoldErrors(errs); err != nil {
		log.Errorf("shutdown err=%v", err)
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

func drainVideo(vid *video.Channel) {
	for {
		frame, ok := vid.Frames().Next()
		if !ok {
			return
		}
		log.Debugf("video frame size=%d", len(frame))
	}
}

// inertActuator and inertSensors stand in until the site build wires
// real hardware drivers.
type inertActuator struct{}

func (inertActuator) ClampOpen() error {
	log.Infof("actuator: clamp open")
	return nil
}

func (inertActuator) ClampClose() error {
	log.Infof("actuator: clamp close")
	return nil
}

func (inertActuator) StartCamera(id uint8) error {
	log.Infof("actuator: camera=%d", id)
	return nil
}

type inertSensors struct{}

func (inertSensors) Sample() *wire.Telemetry {
	return &wire.Telemetry{MotorCurrent: make([]float64, wire.NumActuators)}
}

// patternSource emits a tiny counter frame so the video path can be
// exercised without a camera attached.
type patternSource struct{ n uint32 }

func (p *patternSource) Capture() ([]byte, error) {
	p.n++
	return []byte{0xff, 0xd8, byte(p.n >> 24), byte(p.n >> 16), byte(p.n >> 8), byte(p.n), 0xff, 0xd9}, nil
}
