package status

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/ascentic/ropelink/helpers"
	"github.com/ascentic/ropelink/log2"
)

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Password    string
	TopicPrefix string

	KeepaliveSec   int
	PingTimeoutSec int
}

// mqttPublisher pushes status snapshots to a broker for remote site
// monitoring. The binary will on the connect topic lets the other side
// tell a dead bridge from a silent one.
type mqttPublisher struct {
	log          *log2.Log
	m            mqtt.Client
	topicStatus  string
	topicConnect string
}

func NewMQTT(log *log2.Log, conf MQTTConfig) (Publisher, error) {
	if conf.BrokerURL == "" {
		return nil, errors.Errorf("mqtt broker url required")
	}
	if conf.ClientID == "" {
		return nil, errors.Errorf("mqtt client id required")
	}
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	p := &mqttPublisher{log: log}
	prefix := conf.TopicPrefix
	if prefix == "" {
		prefix = conf.ClientID
	}
	p.topicStatus = fmt.Sprintf("%s/status", prefix)
	p.topicConnect = fmt.Sprintf("%s/c", prefix)
	keepAlive := helpers.IntSecondDefault(conf.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(conf.PingTimeoutSec, 30*time.Second)

	credFun := func() (string, string) { return conf.ClientID, conf.Password }
	mopt := mqtt.NewClientOptions().
		AddBroker(conf.BrokerURL).
		SetBinaryWill(p.topicConnect, []byte{0x00}, 1, true).
		SetClientID(conf.ClientID).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(keepAlive / 2).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectLost)
	p.m = mqtt.NewClient(mopt)
	if token := p.m.Connect(); token.Error() != nil {
		return nil, errors.Annotate(token.Error(), "mqtt connect")
	}
	return p, nil
}

func (p *mqttPublisher) Publish(s Snapshot) error {
	// QoS 0: status is periodic, a lost snapshot is replaced in a second
	p.m.Publish(p.topicStatus, 0, false, s.JSON())
	return nil
}

func (p *mqttPublisher) Close() {
	p.m.Publish(p.topicConnect, 1, true, []byte{0x00})
	p.m.Disconnect(250)
}

func (p *mqttPublisher) onConnect(c mqtt.Client) {
	p.log.Infof("status: mqtt connected")
	c.Publish(p.topicConnect, 1, true, []byte{0x01})
}

func (p *mqttPublisher) onConnectLost(c mqtt.Client, err error) {
	p.log.Infof("status: mqtt disconnected err=%v", err)
}
