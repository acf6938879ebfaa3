// internal/mqttclient/mqttclient.go
package mqttclient

import (
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Host     string `yaml:"host" env:"MQTT_HOST"`
	Port     int    `yaml:"port" env:"MQTT_PORT"`
	Username string `yaml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" env:"MQTT_PASSWORD"`
	ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	// TopicBase prefixa todos os tópicos (ex.: "sentinel/cameras").
	TopicBase string `yaml:"topic_base" env:"MQTT_TOPIC_BASE"`
	// WillTopic recebe "offline" (retained) se o processo cair sem Close.
	WillTopic string `yaml:"will_topic" env:"MQTT_WILL_TOPIC"`
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.Host) != "" }

func (c Config) BrokerURL() string {
	port := c.Port
	if port <= 0 {
		port = 1883
	}
	if strings.Contains(c.Host, "://") {
		return fmt.Sprintf("%s:%d", c.Host, port)
	}
	return fmt.Sprintf("tcp://%s:%d", c.Host, port)
}

// Client embrulha o paho com publish/subscribe síncronos.
type Client struct {
	client mqtt.Client
	will   string
}

func NewClient(cfg Config) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[mqtt] conexão perdida: %v", err)
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, "offline", 1, true)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	c := &Client{client: cli, will: cfg.WillTopic}
	if c.will != "" {
		_ = c.Publish(c.will, 1, true, []byte("online"))
	}
	log.Printf("[mqtt] conectado em %s como %s", cfg.BrokerURL(), cfg.ClientID)
	return c, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		if c.will != "" {
			_ = c.Publish(c.will, 1, true, []byte("offline"))
		}
		c.client.Disconnect(250)
	}
}
