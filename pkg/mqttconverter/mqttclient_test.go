package mqttconverter_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/mqttconverter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMQTTClientConfigWithEnv(t *testing.T) {
	t.Run("Default values are set correctly", func(t *testing.T) {
		cfg := mqttconverter.LoadMQTTClientConfigWithEnv()
		require.NotNil(t, cfg)
		assert.Equal(t, 60*time.Second, cfg.KeepAlive)
		assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, "thingbridge-", cfg.ClientIDPrefix)
	})

	t.Run("Values are loaded from environment", func(t *testing.T) {
		t.Setenv("MQTT_BROKER_URL", "tcp://broker:1883")
		t.Setenv("MQTT_USERNAME", "bridge")
		t.Setenv("MQTT_KEEP_ALIVE_SECONDS", "30")
		t.Setenv("MQTT_CONNECT_TIMEOUT_SECONDS", "5")
		t.Setenv("MQTT_INSECURE_SKIP_VERIFY", "true")

		cfg := mqttconverter.LoadMQTTClientConfigWithEnv()
		require.NotNil(t, cfg)

		assert.Equal(t, "tcp://broker:1883", cfg.BrokerURL)
		assert.Equal(t, "bridge", cfg.Username)
		assert.Equal(t, 30*time.Second, cfg.KeepAlive)
		assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
		assert.True(t, cfg.InsecureSkipVerify)
	})

	t.Run("Invalid duration values fall back to defaults", func(t *testing.T) {
		t.Setenv("MQTT_KEEP_ALIVE_SECONDS", "not-a-number")
		t.Setenv("MQTT_CONNECT_TIMEOUT_SECONDS", "invalid")

		cfg := mqttconverter.LoadMQTTClientConfigWithEnv()
		require.NotNil(t, cfg)
		assert.Equal(t, 60*time.Second, cfg.KeepAlive, "KeepAlive should default if env var is invalid")
		assert.Equal(t, 10*time.Second, cfg.ConnectTimeout, "ConnectTimeout should default if env var is invalid")
	})
}

func TestNewClientOptions(t *testing.T) {
	t.Run("broker url is required", func(t *testing.T) {
		_, err := mqttconverter.NewClientOptions(&mqttconverter.MQTTClientConfig{Username: "u"}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("credentials are required for private brokers", func(t *testing.T) {
		_, err := mqttconverter.NewClientOptions(&mqttconverter.MQTTClientConfig{BrokerURL: "tcp://localhost:1883"}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("public broker without credentials", func(t *testing.T) {
		opts, err := mqttconverter.NewClientOptions(&mqttconverter.MQTTClientConfig{
			BrokerURL:         "tcp://localhost:1883",
			AllowPublicBroker: true,
			ClientIDPrefix:    "test-",
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.Contains(t, opts.ClientID, "test-")
		assert.False(t, opts.CleanSession)
	})

	t.Run("unreadable CA file fails for tls brokers", func(t *testing.T) {
		_, err := mqttconverter.NewClientOptions(&mqttconverter.MQTTClientConfig{
			BrokerURL:  "tls://localhost:8883",
			Username:   "u",
			CACertFile: "/does/not/exist.pem",
		}, zerolog.Nop())
		assert.Error(t, err)
	})
}
