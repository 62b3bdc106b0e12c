package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ExternalRequest is a request the workflow posts to a caller outside the
// graph. It stays outstanding until a matching ExternalResponse is delivered
// with Run.SendResponse.
type ExternalRequest struct {
	RequestID    string `json:"request_id"`
	PortID       string `json:"port_id"`
	Data         any    `json:"data"`
	RequestType  TypeID `json:"request_type"`
	ResponseType TypeID `json:"response_type"`
}

// CreateResponse returns a response to r carrying data.
func (r ExternalRequest) CreateResponse(data any) ExternalResponse {
	return ExternalResponse{RequestID: r.RequestID, PortID: r.PortID, Data: data}
}

// ExternalResponse answers an ExternalRequest.
type ExternalResponse struct {
	RequestID string `json:"request_id"`
	PortID    string `json:"port_id"`
	Data      any    `json:"data"`
}

// RequestPort is an executor that forwards the messages it receives to the
// caller as external requests. Responses re-enter the graph as messages sent
// by the port, so they follow the port's outgoing edges.
type RequestPort struct {
	id           string
	requestType  TypeID
	responseType TypeID
}

// NewRequestPort returns a port that accepts Req messages and expects Resp
// responses.
func NewRequestPort[Req, Resp any](id string) *RequestPort {
	return &RequestPort{id: id, requestType: TypeOf[Req](), responseType: TypeOf[Resp]()}
}

func (p *RequestPort) ID() string { return p.id }

// RequestType is the message type the port accepts.
func (p *RequestPort) RequestType() TypeID { return p.requestType }

// ResponseType is the type a response to this port must carry.
func (p *RequestPort) ResponseType() TypeID { return p.responseType }

// CrossRunShareable reports true; a port holds no per-run state.
func (p *RequestPort) CrossRunShareable() bool { return true }

func (p *RequestPort) ConfigureRoutes(rb *RouteBuilder) {
	rb.add(p.requestType, func(ctx context.Context, env Envelope, wctx WorkflowContext) error {
		poster, ok := wctx.(requestPoster)
		if !ok {
			return fmt.Errorf("request port %s: context cannot post external requests", p.id)
		}
		return poster.postRequest(ctx, ExternalRequest{
			RequestID:    uuid.NewString(),
			PortID:       p.id,
			Data:         env.Payload,
			RequestType:  p.requestType,
			ResponseType: p.responseType,
		})
	})
}

// checkResponse validates that resp can be delivered through the port.
func (p *RequestPort) checkResponse(resp ExternalResponse) error {
	if actual := TypeOfValue(resp.Data); actual != p.responseType {
		return &PortMismatchError{PortID: p.id, Expected: p.responseType, Actual: actual}
	}
	return nil
}

// requestPoster is implemented by the context handed to request ports.
type requestPoster interface {
	postRequest(ctx context.Context, req ExternalRequest) error
}

// PortableRequest is the checkpointed form of an outstanding request.
type PortableRequest struct {
	RequestID    string        `json:"request_id"`
	PortID       string        `json:"port_id"`
	Data         PortableValue `json:"data"`
	RequestType  TypeID        `json:"request_type"`
	ResponseType TypeID        `json:"response_type"`
}

func toPortableRequest(r ExternalRequest) (PortableRequest, error) {
	pv, err := ToPortable(r.Data)
	if err != nil {
		return PortableRequest{}, fmt.Errorf("request %s: %w", r.RequestID, err)
	}
	return PortableRequest{
		RequestID:    r.RequestID,
		PortID:       r.PortID,
		Data:         pv,
		RequestType:  r.RequestType,
		ResponseType: r.ResponseType,
	}, nil
}

// Request returns the live form of the request. Data stays portable.
func (p PortableRequest) Request() ExternalRequest {
	return ExternalRequest{
		RequestID:    p.RequestID,
		PortID:       p.PortID,
		Data:         p.Data,
		RequestType:  p.RequestType,
		ResponseType: p.ResponseType,
	}
}
