// Package config loads the broker's YAML configuration (spec §6),
// grounded on the teacher's use of gopkg.in/yaml.v3 and its GATEWAY_CONFIG
// environment-variable override convention (teacher's cmd/goqtt/main.go).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full broker option table (spec §6).
type Config struct {
	TCPPort  string `yaml:"tcpPort"`
	TCPSPort string `yaml:"tcpsPort"`
	WSPort   string `yaml:"wsPort"`
	WSSPort  string `yaml:"wssPort"`
	WSPath   string `yaml:"wsPath"`

	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`

	MaxConnections  int `yaml:"maxConnections"`
	MaxMessageSizeKb int `yaml:"maxMessageSizeKb"`

	QueuedMessagesEnabled         bool `yaml:"queuedMessagesEnabled"`
	AllowRootWildcardSubscription bool `yaml:"allowRootWildcardSubscription"`

	MaxPublishRate   int `yaml:"maxPublishRate"`
	MaxSubscribeRate int `yaml:"maxSubscribeRate"`

	MessageQueueSize      int `yaml:"messageQueueSize"`
	SubscriptionQueueSize int `yaml:"subscriptionQueueSize"`

	SessionStoreType  string `yaml:"sessionStoreType"`  // "memory" | "sql"
	RetainedStoreType string `yaml:"retainedStoreType"` // "memory" | "sql"
	StoreDSN          string `yaml:"storeDsn"`

	ClusterBus  string `yaml:"clusterBus"` // "inproc" | "nats"
	ClusterName string `yaml:"clusterName"`
	NATSUrl     string `yaml:"natsUrl"`
	NodeID      string `yaml:"nodeId"`

	KeepAliveGrace   float64 `yaml:"keepAliveGrace"`
	QoS2RetryInterval int    `yaml:"qos2RetryIntervalSeconds"`
	QoS2RetryCount   int     `yaml:"qos2RetryCount"`

	AuthDSN string `yaml:"authDsn"`
}

// Default returns the broker's built-in defaults, overridden by whatever
// the loaded YAML document sets explicitly.
func Default() *Config {
	return &Config{
		TCPPort:               "1883",
		WSPort:                "8083",
		WSPath:                "/mqtt",
		MaxConnections:        1000,
		MaxMessageSizeKb:      256,
		QueuedMessagesEnabled: true,
		MaxPublishRate:        0,
		MaxSubscribeRate:      0,
		MessageQueueSize:      1000,
		SubscriptionQueueSize: 1000,
		SessionStoreType:      "memory",
		RetainedStoreType:     "memory",
		ClusterBus:            "inproc",
		ClusterName:           "monstermq",
		KeepAliveGrace:        1.5,
		QoS2RetryInterval:     10,
		QoS2RetryCount:        3,
	}
}

// Load reads path and merges its contents onto Default(). An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
