package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/cuemby/sokovan/pkg/cluster"
	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/rpcproto"
	"github.com/cuemby/sokovan/pkg/snapshot"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements rpcproto.ControlServiceServer against one
// cluster.Manager, exposing the operator surface sokovanctl drives.
type Server struct {
	cluster *cluster.Manager
	grpc    *grpc.Server
}

// NewServer builds a gRPC server with the logging/recovery interceptor
// chain and registers ControlService against mgr.
func NewServer(mgr *cluster.Manager) *Server {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoveryInterceptor(), LoggingInterceptor()),
	)
	s := &Server{cluster: mgr, grpc: grpcServer}
	grpcServer.RegisterService(&rpcproto.ControlService_ServiceDesc, s)
	return s
}

// Start listens on addr and serves until the listener errors or Stop
// is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before shutting down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// EnqueueSession admits a new session in PENDING status; the next
// scheduling tick for its scaling group picks it up.
func (s *Server) EnqueueSession(_ context.Context, req *rpcproto.EnqueueSessionRequest) (*rpcproto.EnqueueSessionResponse, error) {
	if len(req.Kernels) == 0 {
		return nil, status.Error(codes.InvalidArgument, "session must request at least one kernel")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	session := &domain.Session{
		ID:           domain.SessionID(sessionID),
		AccessKey:    domain.AccessKey(req.AccessKey),
		ScalingGroup: domain.ScalingGroupName(req.ScalingGroup),
		Type:         domain.SessionType(req.SessionType),
		Priority:     req.Priority,
		Status:       domain.SessionStatusPending,
		CreationID:   req.CreationID,
		StatusHistory: []domain.StatusHistoryEntry{
			{Status: string(domain.SessionStatusPending), Reason: "enqueued"},
		},
	}

	kernels := make([]*domain.Kernel, 0, len(req.Kernels))
	for _, k := range req.Kernels {
		kernelID := k.KernelID
		if kernelID == "" {
			kernelID = uuid.NewString()
		}
		kernels = append(kernels, &domain.Kernel{
			ID:                domain.KernelID(kernelID),
			SessionID:         session.ID,
			Status:            domain.KernelStatusPending,
			RequestedSlots:    k.RequiredSlots,
			ImageArchitecture: k.ImageArch,
			StatusHistory: []domain.StatusHistoryEntry{
				{Status: string(domain.KernelStatusPending), Reason: "enqueued"},
			},
		})
	}

	if err := s.cluster.EnqueueSession(session, kernels); err != nil {
		return nil, status.Errorf(codes.Unavailable, "enqueue session: %v", err)
	}
	return &rpcproto.EnqueueSessionResponse{Accepted: true}, nil
}

// RequestTerminate marks a session TERMINATING; pkg/termination's next
// sweep fans the destroy RPCs out.
func (s *Server) RequestTerminate(ctx context.Context, req *rpcproto.RequestTerminateRequest) (*rpcproto.RequestTerminateResponse, error) {
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if err := s.cluster.RequestTerminate(ctx, domain.SessionID(req.SessionID), req.StatusInfo); err != nil {
		return nil, status.Errorf(codes.Unavailable, "request terminate: %v", err)
	}
	return &rpcproto.RequestTerminateResponse{Accepted: true}, nil
}

// snapshotDump is the JSON shape DumpSnapshot returns; SystemSnapshot
// itself keeps its pending-session slice unexported (read only through
// its Pending iterator), so this flattens it for operator inspection.
type snapshotDump struct {
	ScalingGroup domain.ScalingGroupName `json:"scaling_group"`
	Agents       []*domain.Agent         `json:"agents"`
	Pending      []domain.SessionWorkload `json:"pending"`
}

// DumpSnapshot returns the same SystemSnapshot view a scheduling tick
// would build for the given scaling group, as indented JSON.
func (s *Server) DumpSnapshot(ctx context.Context, req *rpcproto.DumpSnapshotRequest) (*rpcproto.DumpSnapshotResponse, error) {
	snap, err := snapshot.Build(ctx, s.cluster, domain.ScalingGroupName(req.ScalingGroup))
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "build snapshot: %v", err)
	}
	dump := snapshotDump{ScalingGroup: snap.ScalingGroup, Agents: snap.Agents}
	for wl := range snap.Pending() {
		dump.Pending = append(dump.Pending, wl)
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal snapshot: %v", err)
	}
	return &rpcproto.DumpSnapshotResponse{SnapshotJSON: string(data)}, nil
}
