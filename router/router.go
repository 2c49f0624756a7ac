// Package router implements the client-side call path described by spec
// §2/§9: for each outgoing invocation, resolve the owning silo via
// Membership and hand the envelope to Transport, which itself picks the
// local fast path or a remote stream. Router is the "proxy" layer's only
// legitimate way to reach an actor — it never exposes a server-side
// activation reference (spec §9).
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/virtualactor/silo/envelope"
	"github.com/virtualactor/silo/membership"
	"github.com/virtualactor/silo/transport"
)

// ErrNoOwningSilo is returned when the ring has no member that can host
// the requested actor key (spec §7 RoutingError).
type ErrNoOwningSilo struct {
	ActorType, ActorID string
}

func (e *ErrNoOwningSilo) Error() string {
	return fmt.Sprintf("router: no silo owns actor %s/%s", e.ActorType, e.ActorID)
}

// GRPCStatus lets status.FromError classify a RoutingError as NotFound,
// the same vocabulary inprocgrpc uses for every RPC failure.
func (e *ErrNoOwningSilo) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// Router resolves and dispatches calls on behalf of a caller.
type Router struct {
	membership *membership.Membership
	transport  *transport.Transport
}

// New builds a Router over the given Membership and Transport.
func New(m *membership.Membership, t *transport.Transport) *Router {
	return &Router{membership: m, transport: t}
}

// Call constructs a request envelope, resolves its owning silo, and
// dispatches it via Transport.Send. params is the already-length-framed
// payload (see envelope.EncodeParams); Call does not frame on the caller's
// behalf, since only the generated proxy knows each parameter's codec.
func (r *Router) Call(ctx context.Context, actorType, actorID, methodName string, params []byte) ([]byte, error) {
	target, ok := r.membership.GetActorSilo(actorType, actorID)
	if !ok {
		return nil, &ErrNoOwningSilo{ActorType: actorType, ActorID: actorID}
	}

	req := &envelope.Envelope{
		MessageID:  uuid.NewString(),
		ActorType:  actorType,
		ActorID:    actorID,
		MethodName: methodName,
		Payload:    params,
		Timestamp:  time.Now(),
	}

	resp, err := r.transport.Send(ctx, target, req)
	if err != nil {
		return nil, err
	}
	if resp.IsError {
		return nil, fmt.Errorf("router: %s", resp.ErrorMessage)
	}
	return resp.ResponsePayload, nil
}
