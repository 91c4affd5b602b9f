package connection_test

import (
	"testing"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const connectionYAML = `
id: conn-1
type: mqtt
sources:
  - addresses: ["devices/#"]
    authorization_context: ["integration:{{ header:device-id }}"]
    enforcement:
      input: "{{ source:address }}"
      filters: ["devices/{{ thing:namespace }}/{{ thing:name }}"]
    acknowledgement_requests:
      includes: ["twin-persisted"]
      filter: "fn:filter(header:qos,'ne','0')"
    header_mapping:
      source: "{{ request:subjectId }}"
    payload_mapping: ["status"]
targets:
  - address: "telemetry/{{ thing:id }}"
    authorization_context: ["integration:target"]
    topics:
      - topic: "_/_/things/twin/events"
        extra_fields: ["attributes/location", "features/temp"]
      - topic: "_/_/things/live/commands"
        extra_fields: ["attributes/location"]
        namespaces: ["org.eclipse"]
  - address: "live/commands"
    topics:
      - topic: "_/_/things/live/commands"
mappings:
  status:
    engine: add-header
    options:
      name: mapped
      value: "true"
`

func loadTestConnection(t *testing.T) connection.Connection {
	t.Helper()
	var c connection.Connection
	require.NoError(t, yaml.Unmarshal([]byte(connectionYAML), &c))
	return c
}

func TestConnection_YAML(t *testing.T) {
	// Act
	c := loadTestConnection(t)

	// Assert
	require.NoError(t, c.Validate())
	require.Len(t, c.Sources, 1)
	src := c.Sources[0]
	assert.Equal(t, []string{"devices/#"}, src.Addresses)
	assert.Equal(t, "{{ source:address }}", src.Enforcement.Input)
	assert.Equal(t, []signal.AcknowledgementLabel{"twin-persisted"}, src.AcknowledgementRequests.Includes)
	assert.Equal(t, []signal.AcknowledgementLabel{"twin-persisted"}, signal.Labels(src.AcknowledgementRequests.IncludedRequests()))
	assert.Equal(t, "add-header", c.Mappings["status"].Engine)

	target := c.Targets[0]
	assert.True(t, target.NeedsEnrichment())
	assert.Equal(t, []string{"attributes/location", "features/temp"}, target.ExtraFields())
	assert.False(t, c.Targets[1].NeedsEnrichment())
}

func TestConnection_TargetsFor(t *testing.T) {
	// Arrange
	c := loadTestConnection(t)
	twinEvent := signal.NewEvent("org.eclipse:thing", "modified", "/attributes", nil, 1, signal.NewHeaders(nil))
	liveHeaders := signal.NewHeaders(map[string]string{signal.HeaderChannel: "live"})
	liveCommand := signal.NewCommand("org.eclipse:thing", "modify", "/attributes", nil, liveHeaders)
	otherNamespace := signal.NewCommand("com.acme:thing", "modify", "/attributes", nil, liveHeaders)
	response := signal.NewCommandResponse("org.eclipse:thing", "modify", "/", nil, 204, signal.NewHeaders(nil))

	// Act & Assert
	assert.Len(t, c.TargetsFor(twinEvent), 1)
	assert.Len(t, c.TargetsFor(liveCommand), 2)
	got := c.TargetsFor(otherNamespace)
	require.Len(t, got, 1)
	assert.Equal(t, "live/commands", got[0].Address)
	assert.Empty(t, c.TargetsFor(response))
}

func TestConnection_Validate(t *testing.T) {
	// Arrange
	c := connection.Connection{
		Sources: []connection.Source{{
			Enforcement:             &connection.Enforcement{Input: "x"},
			AcknowledgementRequests: &connection.FilteredAcknowledgementRequest{Includes: []signal.AcknowledgementLabel{""}},
		}},
		Targets:  []connection.Target{{Topics: []connection.FilteredTopic{{Topic: "nope"}}}},
		Mappings: map[string]connection.MappingDefinition{"m": {}},
	}

	// Act
	err := c.Validate()

	// Assert
	require.Error(t, err)
	for _, fragment := range []string{"connection id", "address is required", "enforcement", "label", "target 0", "unknown topic", "mapping 'm'"} {
		assert.Contains(t, err.Error(), fragment)
	}
}
