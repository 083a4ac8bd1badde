package rpcproto

import (
	"context"

	"github.com/cuemby/sokovan/pkg/resource"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CreateKernelRequest asks an agent to launch one kernel.
type CreateKernelRequest struct {
	KernelID     string        `json:"kernel_id"`
	SessionID    string        `json:"session_id"`
	Image        string        `json:"image"`
	RequiredSlots resource.Slot `json:"required_slots"`
}

type CreateKernelResponse struct {
	ContainerID string `json:"container_id"`
}

// DestroyKernelRequest asks an agent to tear a kernel's container down.
type DestroyKernelRequest struct {
	KernelID   string `json:"kernel_id"`
	SessionID  string `json:"session_id"`
	StatusInfo string `json:"status_info"`
}

type DestroyKernelResponse struct{}

// GetTelemetryRequest asks an agent for its current resource usage.
type GetTelemetryRequest struct{}

type GetTelemetryResponse struct {
	OccupiedSlots  resource.Slot        `json:"occupied_slots"`
	ContainerCount int                  `json:"container_count"`
	// CollectedAt uses the well-known protobuf Timestamp type even
	// though the wire codec here is JSON, not protobuf binary: it's the
	// one field in this RPC surface where reusing a real proto.Message
	// (rather than a bespoke time.Time-with-json-tag) keeps this package
	// wired to google.golang.org/protobuf the way a generated-stub
	// service would be.
	CollectedAt *timestamppb.Timestamp `json:"collected_at"`
}

// AgentServiceServer is implemented by the agent-side RPC handler;
// pkg/agentrpc only ever needs the client half.
type AgentServiceServer interface {
	CreateKernel(ctx context.Context, req *CreateKernelRequest) (*CreateKernelResponse, error)
	DestroyKernel(ctx context.Context, req *DestroyKernelRequest) (*DestroyKernelResponse, error)
	GetTelemetry(ctx context.Context, req *GetTelemetryRequest) (*GetTelemetryResponse, error)
}

// AgentServiceClient is the manager-side RPC surface pkg/agentrpc pools
// one connection per agent against.
type AgentServiceClient interface {
	CreateKernel(ctx context.Context, req *CreateKernelRequest, opts ...grpc.CallOption) (*CreateKernelResponse, error)
	DestroyKernel(ctx context.Context, req *DestroyKernelRequest, opts ...grpc.CallOption) (*DestroyKernelResponse, error)
	GetTelemetry(ctx context.Context, req *GetTelemetryRequest, opts ...grpc.CallOption) (*GetTelemetryResponse, error)
}

type agentServiceClient struct {
	cc *grpc.ClientConn
}

// NewAgentServiceClient wraps cc, a connection already dialed against
// one agent's address, selecting the JSON codec on every call.
func NewAgentServiceClient(cc *grpc.ClientConn) AgentServiceClient {
	return &agentServiceClient{cc: cc}
}

func (c *agentServiceClient) CreateKernel(ctx context.Context, req *CreateKernelRequest, opts ...grpc.CallOption) (*CreateKernelResponse, error) {
	out := new(CreateKernelResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/sokovan.AgentService/CreateKernel", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentServiceClient) DestroyKernel(ctx context.Context, req *DestroyKernelRequest, opts ...grpc.CallOption) (*DestroyKernelResponse, error) {
	out := new(DestroyKernelResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/sokovan.AgentService/DestroyKernel", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentServiceClient) GetTelemetry(ctx context.Context, req *GetTelemetryRequest, opts ...grpc.CallOption) (*GetTelemetryResponse, error) {
	out := new(GetTelemetryResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/sokovan.AgentService/GetTelemetry", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _AgentService_CreateKernel_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateKernelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).CreateKernel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sokovan.AgentService/CreateKernel"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServiceServer).CreateKernel(ctx, req.(*CreateKernelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentService_DestroyKernel_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DestroyKernelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).DestroyKernel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sokovan.AgentService/DestroyKernel"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServiceServer).DestroyKernel(ctx, req.(*DestroyKernelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AgentService_GetTelemetry_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetTelemetryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).GetTelemetry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sokovan.AgentService/GetTelemetry"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServiceServer).GetTelemetry(ctx, req.(*GetTelemetryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// AgentService_ServiceDesc is the grpc.ServiceDesc an agent's gRPC
// server registers AgentServiceServer against, hand-built in place of
// a protoc-generated one.
var AgentService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sokovan.AgentService",
	HandlerType: (*AgentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateKernel", Handler: _AgentService_CreateKernel_Handler},
		{MethodName: "DestroyKernel", Handler: _AgentService_DestroyKernel_Handler},
		{MethodName: "GetTelemetry", Handler: _AgentService_GetTelemetry_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/rpcproto/agent.go",
}
