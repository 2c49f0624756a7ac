// Package envelope defines the universal request/response message used
// both on the wire between silos and in-process on the local fast path,
// per spec §3 and §6.
package envelope

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/virtualactor/silo/internal/wire"
)

// Field numbers, assigned in declaration order (see SPEC_FULL.md §6).
const (
	fieldMessageID       wire.Field = 1
	fieldCorrelationID   wire.Field = 2
	fieldActorType       wire.Field = 3
	fieldActorID         wire.Field = 4
	fieldMethodName      wire.Field = 5
	fieldPayload         wire.Field = 6
	fieldTimestamp       wire.Field = 7
	fieldResponsePayload wire.Field = 8
	fieldIsError         wire.Field = 9
	fieldErrorMessage    wire.Field = 10
)

// Envelope is the universal wire and in-process message described by
// spec §3. The zero value is a well-formed (if useless) request.
type Envelope struct {
	MessageID       string
	CorrelationID   string
	ActorType       string
	ActorID         string
	MethodName      string
	Payload         []byte
	Timestamp       time.Time
	ResponsePayload []byte
	IsError         bool
	ErrorMessage    string
}

// IsResponse implements the envelope classification predicate from spec
// §3: a response satisfies response_payload != nil OR is_error == true;
// a request satisfies the negation. This predicate is the sole criterion
// used to separate request and response flows.
func (e *Envelope) IsResponse() bool {
	return e.ResponsePayload != nil || e.IsError
}

// Marshal encodes e using a protobuf-style, length-delimited field-tag
// encoding (see internal/wire). The encoding is schema-described but not
// protoc-generated, matching spec §6's "deployment concern" framing.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, fieldMessageID, e.MessageID)
	b = wire.AppendString(b, fieldCorrelationID, e.CorrelationID)
	b = wire.AppendString(b, fieldActorType, e.ActorType)
	b = wire.AppendString(b, fieldActorID, e.ActorID)
	b = wire.AppendString(b, fieldMethodName, e.MethodName)
	b = wire.AppendBytes(b, fieldPayload, e.Payload)
	if !e.Timestamp.IsZero() {
		b = wire.AppendVarint(b, fieldTimestamp, uint64(e.Timestamp.UnixNano()))
	}
	// response_payload is distinguished from "absent" by a dedicated
	// presence marker, since an empty-but-present byte slice is a valid
	// (void) reply and must not collapse to "no field written".
	if e.ResponsePayload != nil {
		b = protowire.AppendTag(b, protowire.Number(fieldResponsePayload), protowire.BytesType)
		b = protowire.AppendBytes(b, e.ResponsePayload)
	}
	b = wire.AppendBool(b, fieldIsError, e.IsError)
	b = wire.AppendString(b, fieldErrorMessage, e.ErrorMessage)
	return b
}

// Unmarshal decodes buf into a newly allocated Envelope. A corrupted tag or
// length prefix on any field surfaces as a framing error, in which case no
// envelope is returned.
func Unmarshal(buf []byte) (*Envelope, error) {
	e := &Envelope{}
	var haveResponsePayload bool
	err := wire.Consume(buf, func(num wire.Field, typ protowire.Type, val []byte, raw uint64) error {
		switch num {
		case fieldMessageID:
			e.MessageID = string(val)
		case fieldCorrelationID:
			e.CorrelationID = string(val)
		case fieldActorType:
			e.ActorType = string(val)
		case fieldActorID:
			e.ActorID = string(val)
		case fieldMethodName:
			e.MethodName = string(val)
		case fieldPayload:
			e.Payload = append([]byte(nil), val...)
		case fieldTimestamp:
			e.Timestamp = time.Unix(0, int64(raw))
		case fieldResponsePayload:
			e.ResponsePayload = append([]byte{}, val...)
			haveResponsePayload = true
		case fieldIsError:
			e.IsError = raw != 0
		case fieldErrorMessage:
			e.ErrorMessage = string(val)
		default:
			// Unknown fields are ignored for forward compatibility,
			// consistent with protobuf's own unknown-field handling.
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if !haveResponsePayload {
		e.ResponsePayload = nil
	}
	return e, nil
}

// NewError builds a response envelope carrying the given message/
// correlation ids and a human-readable error, per spec §7: handler errors
// travel the same path as successful replies, demultiplexed by the same
// message_id.
func NewError(messageID, correlationID string, err error) *Envelope {
	return &Envelope{
		MessageID:     messageID,
		CorrelationID: correlationID,
		IsError:       true,
		ErrorMessage:  err.Error(),
		Timestamp:     time.Now(),
	}
}

// NewResponse builds a successful reply envelope.
func NewResponse(messageID, correlationID string, payload []byte) *Envelope {
	if payload == nil {
		payload = []byte{}
	}
	return &Envelope{
		MessageID:       messageID,
		CorrelationID:   correlationID,
		ResponsePayload: payload,
		Timestamp:       time.Now(),
	}
}
