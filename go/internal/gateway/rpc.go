package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/mcdev12/lobby/go/internal/countdown"
)

const CountdownServiceName = "lobby.v1.CountdownService"

const (
	GetCountdownProcedure  = "/lobby.v1.CountdownService/GetCountdown"
	RequestStartProcedure  = "/lobby.v1.CountdownService/RequestStart"
	RequestCancelProcedure = "/lobby.v1.CountdownService/RequestCancel"
)

type GetCountdownRequest struct{}

type RequestStartRequest struct{}

type RequestCancelRequest struct{}

// CountdownServiceHandler is the server side of lobby.v1.CountdownService.
type CountdownServiceHandler interface {
	GetCountdown(context.Context, *connect.Request[GetCountdownRequest]) (*connect.Response[CountdownView], error)
	RequestStart(context.Context, *connect.Request[RequestStartRequest]) (*connect.Response[CountdownView], error)
	RequestCancel(context.Context, *connect.Request[RequestCancelRequest]) (*connect.Response[CountdownView], error)
}

// jsonCodec lets plain Go structs travel as Connect messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewCountdownServiceHandler returns the mount path and handler for svc.
func NewCountdownServiceHandler(svc CountdownServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append(opts, connect.WithCodec(jsonCodec{}))

	mux := http.NewServeMux()
	mux.Handle(GetCountdownProcedure, connect.NewUnaryHandler(GetCountdownProcedure, svc.GetCountdown, opts...))
	mux.Handle(RequestStartProcedure, connect.NewUnaryHandler(RequestStartProcedure, svc.RequestStart, opts...))
	mux.Handle(RequestCancelProcedure, connect.NewUnaryHandler(RequestCancelProcedure, svc.RequestCancel, opts...))
	return "/" + CountdownServiceName + "/", mux
}

// rpcService adapts a Countdown to CountdownServiceHandler.
type rpcService struct {
	countdown Countdown
}

var _ CountdownServiceHandler = (*rpcService)(nil)

func (s *rpcService) GetCountdown(ctx context.Context, req *connect.Request[GetCountdownRequest]) (*connect.Response[CountdownView], error) {
	return connect.NewResponse(viewOf(s.countdown)), nil
}

func (s *rpcService) RequestStart(ctx context.Context, req *connect.Request[RequestStartRequest]) (*connect.Response[CountdownView], error) {
	if err := start(ctx, s.countdown); err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(viewOf(s.countdown)), nil
}

func (s *rpcService) RequestCancel(ctx context.Context, req *connect.Request[RequestCancelRequest]) (*connect.Response[CountdownView], error) {
	if err := s.countdown.RequestCancel(ctx); err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(viewOf(s.countdown)), nil
}

func rpcError(err error) error {
	if errors.Is(err, ErrNotAuthority) || errors.Is(err, countdown.ErrNotInSession) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// CountdownClient calls lobby.v1.CountdownService.
type CountdownClient struct {
	getCountdown  *connect.Client[GetCountdownRequest, CountdownView]
	requestStart  *connect.Client[RequestStartRequest, CountdownView]
	requestCancel *connect.Client[RequestCancelRequest, CountdownView]
}

// NewCountdownClient constructs a client for the gateway at baseURL.
func NewCountdownClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *CountdownClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append(opts, connect.WithCodec(jsonCodec{}))
	return &CountdownClient{
		getCountdown:  connect.NewClient[GetCountdownRequest, CountdownView](httpClient, baseURL+GetCountdownProcedure, opts...),
		requestStart:  connect.NewClient[RequestStartRequest, CountdownView](httpClient, baseURL+RequestStartProcedure, opts...),
		requestCancel: connect.NewClient[RequestCancelRequest, CountdownView](httpClient, baseURL+RequestCancelProcedure, opts...),
	}
}

func (c *CountdownClient) GetCountdown(ctx context.Context) (*CountdownView, error) {
	res, err := c.getCountdown.CallUnary(ctx, connect.NewRequest(&GetCountdownRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *CountdownClient) RequestStart(ctx context.Context) (*CountdownView, error) {
	res, err := c.requestStart.CallUnary(ctx, connect.NewRequest(&RequestStartRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *CountdownClient) RequestCancel(ctx context.Context) (*CountdownView, error) {
	res, err := c.requestCancel.CallUnary(ctx, connect.NewRequest(&RequestCancelRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
