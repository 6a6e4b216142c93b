package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testTopics() Topics {
	return Topics{Root: "tuya", DiscoveryRoot: "tuyagateway", HomeAssistantRoot: "homeassistant"}
}

func TestTopics(t *testing.T) {
	topics := testTopics()
	legacy := topics.LegacyNamespace("3.3", "bf12", "0123abcd", "192.168.1.20")
	discovered := topics.DiscoveredNamespace("bf12")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"legacy namespace", legacy, "tuya/3.3/bf12/0123abcd/192.168.1.20"},
		{"legacy dp command", topics.DataPoint(legacy, 1, SubtopicCommand), "tuya/3.3/bf12/0123abcd/192.168.1.20/1/command"},
		{"discovered namespace", discovered, "tuya/bf12"},
		{"discovered attributes", topics.Device(discovered, SubtopicAttributes), "tuya/bf12/attributes"},
		{"discovered dp state", topics.DataPoint(discovered, 20, SubtopicState), "tuya/bf12/20/state"},
		{"gateway status", topics.GatewayStatus(), "tuyagateway/status"},
		{"all under", topics.AllUnder(discovered), "tuya/bf12/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestGatewaySubscriptions(t *testing.T) {
	assert.Equal(t,
		[]string{"tuya/#", "homeassistant/#", "tuyagateway/#"},
		testTopics().GatewaySubscriptions(),
	)
}
