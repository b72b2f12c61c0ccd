// Package mqttpub mirrors phone status snapshots to an MQTT broker so other
// in-car consumers (dash displays, loggers) can follow call state.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carpi/headunit/internal/phone"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 5 * time.Second
	queueSize      = 16
)

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
	Retained  bool
}

// Publisher publishes snapshots without ever waiting on the broker. Payloads
// go through a bounded queue drained by one worker, so they reach the broker
// in snapshot order and a full queue drops the newest payload.
type Publisher struct {
	client   mqtt.Client
	topic    string
	qos      byte
	retained bool
	log      zerolog.Logger

	queue chan []byte
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New builds a publisher with an auto-reconnecting paho client. Call Connect
// before publishing.
func New(o Options, log zerolog.Logger) *Publisher {
	clientID := o.ClientID
	if clientID == "" {
		clientID = "headunit-" + uuid.New().String()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", o.BrokerURL).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info().Msg("mqtt reconnecting")
	})

	return NewWithClient(mqtt.NewClient(opts), o.Topic, o.QoS, o.Retained, log)
}

// NewWithClient wraps an existing client and starts the publish worker.
func NewWithClient(client mqtt.Client, topic string, qos byte, retained bool, log zerolog.Logger) *Publisher {
	p := &Publisher{
		client:   client,
		topic:    topic,
		qos:      qos,
		retained: retained,
		log:      log,
		queue:    make(chan []byte, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case payload := <-p.queue:
			token := p.client.Publish(p.topic, p.qos, p.retained, payload)
			if !token.WaitTimeout(publishTimeout) {
				p.log.Warn().Str("topic", p.topic).Msg("mqtt publish timed out")
				continue
			}
			if err := token.Error(); err != nil {
				p.log.Warn().Err(err).Str("topic", p.topic).Msg("mqtt publish failed")
			}
		}
	}
}

// Connect starts the connection. With connect-retry enabled the client keeps
// trying in the background, so a timeout here is not fatal.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn().Msg("mqtt broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Publish queues st for the configured topic. It is a phone status subscriber
// and never blocks.
func (p *Publisher) Publish(st phone.Status) {
	select {
	case <-p.stop:
		return
	default:
	}
	if !p.client.IsConnected() {
		p.log.Debug().Msg("mqtt not connected, skipping snapshot")
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		p.log.Error().Err(err).Msg("encoding snapshot")
		return
	}
	select {
	case p.queue <- payload:
	default:
		p.log.Warn().Str("topic", p.topic).Msg("mqtt queue full, dropping snapshot")
	}
}

// Close stops the worker and disconnects, allowing a short time for queued
// messages.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		p.client.Disconnect(250)
	})
}
