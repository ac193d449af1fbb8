package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shijie-nv/houseagent/model"
)

// Environment variables read by ApplyEnv.
const (
	EnvBrokerAddress  = "MQTT_BROKER_ADDRESS"
	EnvBrokerPort     = "MQTT_PORT"
	EnvKeepAlive      = "MQTT_KEEP_ALIVE_INTERVAL"
	EnvNATSURL        = "NATS_URL"
	EnvInputTopic     = "INPUT_TOPIC"
	EnvBundleTopic    = "MESSAGE_BUNDLE_TOPIC"
	EnvBundleInterval = "BUNDLE_INTERVAL"
	EnvModel          = "OLLAMA_MODEL"
	EnvTemperature    = "OLLAMA_TEMPERATURE"
)

// ApplyEnv overlays environment variables onto c. Empty values are ignored.
// Integer intervals are seconds; Go duration strings are also accepted.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvNATSURL); ok {
		c.Broker.URL = v
		c.Broker.Address = ""
	}
	if v, ok := get(EnvBrokerAddress); ok {
		c.Broker.Address = v
	}
	if v, ok := get(EnvBrokerPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBrokerPort, err)
		}
		c.Broker.Port = port
	}
	if v, ok := get(EnvKeepAlive); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvKeepAlive, err)
		}
		c.Broker.KeepAlive = d
	}
	if v, ok := get(EnvInputTopic); ok {
		c.Collector.InputTopic = v
	}
	if v, ok := get(EnvBundleTopic); ok {
		c.Collector.BundleTopic = v
		c.Agent.BundleTopic = v
	}
	if v, ok := get(EnvBundleInterval); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBundleInterval, err)
		}
		c.Collector.BundleInterval = d
	}
	if v, ok := get(EnvModel); ok {
		if len(c.Model.Endpoints) == 0 {
			c.Model.Endpoints = append(c.Model.Endpoints, model.DefaultEndpoint())
		}
		c.Model.Endpoints[0].Model = v
	}
	if v, ok := get(EnvTemperature); ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTemperature, err)
		}
		c.Model.Temperature = t
	}
	return nil
}

func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
