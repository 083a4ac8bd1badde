// Package integration exercises a full sokovand stack over the wire:
// a real single-node cluster.Manager backing a real api.Server, driven
// through rpcproto's gRPC JSON codec exactly as sokovanctl would,
// rather than calling the Server's methods directly in-process the way
// pkg/api's own unit tests do. Grounded on
// _examples/cuemby-warren/test/integration/health_check_test.go's
// dial-a-running-manager-and-drive-it-through-the-client shape,
// retargeted from Warren's service/container surface to session
// enqueue/terminate/snapshot.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sokovan/pkg/api"
	"github.com/cuemby/sokovan/pkg/cluster"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/rpcproto"
	"github.com/cuemby/sokovan/pkg/storage/bolt"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const controlPlaneAddr = "127.0.0.1:17070"

func startTestControlPlane(t *testing.T) {
	t.Helper()

	store, err := bolt.Open(t.TempDir())
	require.NoError(t, err)

	mgr := cluster.New(cluster.Config{
		NodeID:   "integration-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	}, store)
	require.NoError(t, mgr.Bootstrap())
	require.Eventually(t, mgr.IsLeader, 5*time.Second, 20*time.Millisecond, "single-node cluster should elect itself leader")

	server := api.NewServer(mgr)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(controlPlaneAddr); err != nil {
			errCh <- err
		}
	}()
	t.Cleanup(func() {
		server.Stop()
		mgr.Shutdown()
	})

	select {
	case err := <-errCh:
		t.Fatalf("control-plane server failed to start: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func dialTestControlPlane(t *testing.T) rpcproto.ControlServiceClient {
	t.Helper()
	conn, err := grpc.NewClient(controlPlaneAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return rpcproto.NewControlServiceClient(conn)
}

// TestEnqueueDumpTerminateRoundTrip drives a session from submission
// through the pending snapshot to a termination request entirely
// through the gRPC wire, exercising the hand-built ControlService
// descriptor and JSON codec end to end.
func TestEnqueueDumpTerminateRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	startTestControlPlane(t)
	client := dialTestControlPlane(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	enqueueResp, err := client.EnqueueSession(ctx, &rpcproto.EnqueueSessionRequest{
		SessionID:    "e2e-session-1",
		AccessKey:    "e2e-key",
		ScalingGroup: "default",
		SessionType:  "interactive",
		Kernels: []rpcproto.KernelRequest{
			{KernelID: "e2e-kernel-1", RequiredSlots: resource.New(map[string]float64{"cpu": 2, "mem": 4})},
		},
	})
	require.NoError(t, err)
	require.True(t, enqueueResp.Accepted)

	snapshotResp, err := client.DumpSnapshot(ctx, &rpcproto.DumpSnapshotRequest{ScalingGroup: "default"})
	require.NoError(t, err)
	require.Contains(t, snapshotResp.SnapshotJSON, "e2e-session-1")

	terminateResp, err := client.RequestTerminate(ctx, &rpcproto.RequestTerminateRequest{
		SessionID:  "e2e-session-1",
		StatusInfo: "integration test cleanup",
	})
	require.NoError(t, err)
	require.True(t, terminateResp.Accepted)

	// A TERMINATING session no longer appears in the PENDING snapshot.
	snapshotResp, err = client.DumpSnapshot(ctx, &rpcproto.DumpSnapshotRequest{ScalingGroup: "default"})
	require.NoError(t, err)
	require.NotContains(t, snapshotResp.SnapshotJSON, "e2e-session-1")
}

// TestEnqueueRejectsEmptyKernelsOverTheWire confirms the InvalidArgument
// status the server returns in-process also survives gRPC status
// propagation back to a real client.
func TestEnqueueRejectsEmptyKernelsOverTheWire(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	startTestControlPlane(t)
	client := dialTestControlPlane(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.EnqueueSession(ctx, &rpcproto.EnqueueSessionRequest{
		SessionID:    "e2e-session-2",
		ScalingGroup: "default",
	})
	require.Error(t, err)
}
