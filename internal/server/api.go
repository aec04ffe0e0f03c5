package server

import (
	"context"
	"encoding/json"

	"LendLedger/internal/command"
	"LendLedger/internal/event"
	"LendLedger/internal/protocol"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the API. Clients pass
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

const (
	CommandServiceName = "lendledger.v1.CommandService"
	QueryServiceName   = "lendledger.v1.QueryService"
)

// jsonCodec carries the API's plain Go messages over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ============================================================================
// Messages
// ============================================================================

// SubmitRequest carries one command. Payload is the command's JSON body.
// A nil OperationID is replaced by a fresh one.
type SubmitRequest struct {
	Type        command.Type    `json:"type"`
	OperationID uuid.UUID       `json:"operation_id"`
	Admin       bool            `json:"admin,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	Sequence  int64          `json:"sequence"`
	Block     uint64         `json:"block"`
	StateHash string         `json:"state_hash,omitempty"`
	Ignored   bool           `json:"ignored"`
	Events    []event.Record `json:"events,omitempty"`
}

type AssetRequest struct {
	Asset protocol.Asset `json:"asset"`
}

type AccountRequest struct {
	Account uuid.UUID `json:"account"`
}

type StatusRequest struct{}

type ListEventsRequest struct {
	Asset         protocol.Asset `json:"asset,omitempty"`
	EventType     string         `json:"event_type,omitempty"`
	Caller        uuid.UUID      `json:"caller"`
	AfterSequence int64          `json:"after_sequence,omitempty"`
	Limit         int            `json:"limit,omitempty"`
}

type ListEventsResponse struct {
	Events []query.EventResponse `json:"events"`
}

// ============================================================================
// Service interfaces and descriptors
// ============================================================================

type CommandServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
}

type QueryServer interface {
	GetPool(context.Context, *AssetRequest) (*query.PoolResponse, error)
	GetAccount(context.Context, *AccountRequest) (*query.AccountResponse, error)
	GetPrice(context.Context, *AssetRequest) (*query.PriceResponse, error)
	GetClaimableMnt(context.Context, *AccountRequest) (*query.MntResponse, error)
	GetStatus(context.Context, *StatusRequest) (*query.StatusResponse, error)
	ListEvents(context.Context, *ListEventsRequest) (*ListEventsResponse, error)
}

// unaryMethod builds the method handler a protoc plugin would generate for
// one unary RPC.
func unaryMethod[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var CommandServiceDesc = grpc.ServiceDesc{
	ServiceName: CommandServiceName,
	HandlerType: (*CommandServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(CommandServiceName, "Submit", CommandServer.Submit),
	},
	Metadata: "lendledger/v1/api",
}

var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(QueryServiceName, "GetPool", QueryServer.GetPool),
		unaryMethod(QueryServiceName, "GetAccount", QueryServer.GetAccount),
		unaryMethod(QueryServiceName, "GetPrice", QueryServer.GetPrice),
		unaryMethod(QueryServiceName, "GetClaimableMnt", QueryServer.GetClaimableMnt),
		unaryMethod(QueryServiceName, "GetStatus", QueryServer.GetStatus),
		unaryMethod(QueryServiceName, "ListEvents", QueryServer.ListEvents),
	},
	Metadata: "lendledger/v1/api",
}

// ============================================================================
// Clients
// ============================================================================

// Client calls both services over one connection with the JSON codec.
type Client struct {
	cc    grpc.ClientConnInterface
	token string
}

// NewClient returns a client that presents token on every call. An empty
// token calls anonymously.
func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, token: token}
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any) error {
	if c.token != "" {
		ctx = withOutgoingToken(ctx, c.token)
	}
	return c.cc.Invoke(ctx, "/"+service+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

func (c *Client) Submit(ctx context.Context, in *SubmitRequest) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	return out, c.invoke(ctx, CommandServiceName, "Submit", in, out)
}

func (c *Client) GetPool(ctx context.Context, in *AssetRequest) (*query.PoolResponse, error) {
	out := new(query.PoolResponse)
	return out, c.invoke(ctx, QueryServiceName, "GetPool", in, out)
}

func (c *Client) GetAccount(ctx context.Context, in *AccountRequest) (*query.AccountResponse, error) {
	out := new(query.AccountResponse)
	return out, c.invoke(ctx, QueryServiceName, "GetAccount", in, out)
}

func (c *Client) GetPrice(ctx context.Context, in *AssetRequest) (*query.PriceResponse, error) {
	out := new(query.PriceResponse)
	return out, c.invoke(ctx, QueryServiceName, "GetPrice", in, out)
}

func (c *Client) GetClaimableMnt(ctx context.Context, in *AccountRequest) (*query.MntResponse, error) {
	out := new(query.MntResponse)
	return out, c.invoke(ctx, QueryServiceName, "GetClaimableMnt", in, out)
}

func (c *Client) GetStatus(ctx context.Context, in *StatusRequest) (*query.StatusResponse, error) {
	out := new(query.StatusResponse)
	return out, c.invoke(ctx, QueryServiceName, "GetStatus", in, out)
}

func (c *Client) ListEvents(ctx context.Context, in *ListEventsRequest) (*ListEventsResponse, error) {
	out := new(ListEventsResponse)
	return out, c.invoke(ctx, QueryServiceName, "ListEvents", in, out)
}
