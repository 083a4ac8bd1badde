package rpcproto

import (
	"context"

	"github.com/cuemby/sokovan/pkg/resource"
	"google.golang.org/grpc"
)

// KernelRequest is one kernel's resource ask within an EnqueueSessionRequest.
type KernelRequest struct {
	KernelID      string        `json:"kernel_id"`
	RequiredSlots resource.Slot `json:"required_slots"`
	ImageArch     string        `json:"image_arch"`
}

// EnqueueSessionRequest submits a new session for scheduling.
type EnqueueSessionRequest struct {
	SessionID    string          `json:"session_id"`
	AccessKey    string          `json:"access_key"`
	ScalingGroup string          `json:"scaling_group"`
	SessionType  string          `json:"session_type"`
	Priority     int             `json:"priority"`
	CreationID   string          `json:"creation_id"`
	Kernels      []KernelRequest `json:"kernels"`
}

type EnqueueSessionResponse struct {
	Accepted bool `json:"accepted"`
}

// RequestTerminateRequest marks a session TERMINATING; the next
// pkg/termination sweep picks it up.
type RequestTerminateRequest struct {
	SessionID  string `json:"session_id"`
	StatusInfo string `json:"status_info"`
}

type RequestTerminateResponse struct {
	Accepted bool `json:"accepted"`
}

// DumpSnapshotRequest asks for the current pending-session snapshot of
// one scaling group, the same view pkg/snapshot.Build produces for a
// scheduling tick.
type DumpSnapshotRequest struct {
	ScalingGroup string `json:"scaling_group"`
}

type DumpSnapshotResponse struct {
	SnapshotJSON string `json:"snapshot_json"`
}

// ControlServiceServer is implemented by pkg/api's server, exposing the
// operator-facing surface sokovanctl and sokovand's CLI subcommands
// drive.
type ControlServiceServer interface {
	EnqueueSession(ctx context.Context, req *EnqueueSessionRequest) (*EnqueueSessionResponse, error)
	RequestTerminate(ctx context.Context, req *RequestTerminateRequest) (*RequestTerminateResponse, error)
	DumpSnapshot(ctx context.Context, req *DumpSnapshotRequest) (*DumpSnapshotResponse, error)
}

type ControlServiceClient interface {
	EnqueueSession(ctx context.Context, req *EnqueueSessionRequest, opts ...grpc.CallOption) (*EnqueueSessionResponse, error)
	RequestTerminate(ctx context.Context, req *RequestTerminateRequest, opts ...grpc.CallOption) (*RequestTerminateResponse, error)
	DumpSnapshot(ctx context.Context, req *DumpSnapshotRequest, opts ...grpc.CallOption) (*DumpSnapshotResponse, error)
}

type controlServiceClient struct {
	cc *grpc.ClientConn
}

func NewControlServiceClient(cc *grpc.ClientConn) ControlServiceClient {
	return &controlServiceClient{cc: cc}
}

func (c *controlServiceClient) EnqueueSession(ctx context.Context, req *EnqueueSessionRequest, opts ...grpc.CallOption) (*EnqueueSessionResponse, error) {
	out := new(EnqueueSessionResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/sokovan.ControlService/EnqueueSession", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) RequestTerminate(ctx context.Context, req *RequestTerminateRequest, opts ...grpc.CallOption) (*RequestTerminateResponse, error) {
	out := new(RequestTerminateResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/sokovan.ControlService/RequestTerminate", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) DumpSnapshot(ctx context.Context, req *DumpSnapshotRequest, opts ...grpc.CallOption) (*DumpSnapshotResponse, error) {
	out := new(DumpSnapshotResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/sokovan.ControlService/DumpSnapshot", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _ControlService_EnqueueSession_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(EnqueueSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).EnqueueSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sokovan.ControlService/EnqueueSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServiceServer).EnqueueSession(ctx, req.(*EnqueueSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ControlService_RequestTerminate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RequestTerminateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).RequestTerminate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sokovan.ControlService/RequestTerminate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServiceServer).RequestTerminate(ctx, req.(*RequestTerminateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ControlService_DumpSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DumpSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).DumpSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sokovan.ControlService/DumpSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServiceServer).DumpSnapshot(ctx, req.(*DumpSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ControlService_ServiceDesc is the grpc.ServiceDesc pkg/api's server
// registers ControlServiceServer against.
var ControlService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sokovan.ControlService",
	HandlerType: (*ControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EnqueueSession", Handler: _ControlService_EnqueueSession_Handler},
		{MethodName: "RequestTerminate", Handler: _ControlService_RequestTerminate_Handler},
		{MethodName: "DumpSnapshot", Handler: _ControlService_DumpSnapshot_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/rpcproto/control.go",
}
