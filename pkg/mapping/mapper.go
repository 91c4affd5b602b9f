// Package mapping converts between external messages and protocol
// adaptables through configurable chains of payload mappers.
package mapping

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
)

// DefaultMapperID is the id of the protocol mapper used by empty chains.
const DefaultMapperID = "default"

// Outbound is a message on its way to a target: the adaptable and the
// external message rendered from it so far.
type Outbound struct {
	Adaptable protocol.Adaptable
	Message   message.External
}

// IsRendered reports whether a mapper has produced an external message yet.
func (o Outbound) IsRendered() bool {
	return o.Message.PayloadType() != message.PayloadUnknown
}

// Mapper maps payloads in both directions. A mapper may produce zero, one or
// many results. Implementations must be safe for concurrent use.
type Mapper interface {
	ID() string
	MapInbound(m message.External) ([]protocol.Adaptable, error)
	MapOutbound(o Outbound) ([]Outbound, error)
}

// FailedError reports a mapper that failed on a message.
type FailedError struct {
	MapperID string
	Address  string
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("mapper '%s' failed for address '%s': %v", e.MapperID, e.Address, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) ErrorCode() string { return "connectivity:message.mapping.failed" }

func (e *FailedError) HTTPStatus() int { return http.StatusBadRequest }

func (e *FailedError) Description() string {
	return fmt.Sprintf("The mapper '%s' failed. Check if you are sending the correct content-type/payload in combination with the configured mapping.", e.MapperID)
}

// UnknownMapperError reports a chain referencing a mapper id that is not registered.
type UnknownMapperError struct {
	ID string
}

func (e *UnknownMapperError) Error() string {
	return fmt.Sprintf("no payload mapper with id '%s' is configured", e.ID)
}

// render returns o with its message rendered by the protocol mapper if no
// mapper did so before.
func render(o Outbound) (Outbound, error) {
	if o.IsRendered() {
		return o, nil
	}
	data, err := json.Marshal(o.Adaptable)
	if err != nil {
		return o, fmt.Errorf("failed to render adaptable: %w", err)
	}
	o.Message = message.NewText(map[string]string{message.HeaderContentType: protocol.ContentType}, string(data))
	return o, nil
}
