// Command sokovanctl is a thin gRPC CLI client against a sokovand
// control-plane endpoint: enqueue a session, cancel one, or dump the
// current scheduling snapshot. Grounded structurally on the retrieval
// pack's deleted pkg/client/client.go (one method per RPC, each
// subcommand dialing the endpoint in its own RunE, plain/insecure
// transport - join-token mTLS has no
// analogue here since this talks to an already-provisioned control
// plane, not a cluster bootstrap endpoint).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/rpcproto"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sokovanctl",
	Short: "sokovanctl talks to a sokovand control-plane endpoint",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7070", "sokovand control-plane address")

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)

	enqueueCmd.Flags().String("session-id", "", "session ID (generated server-side if omitted)")
	enqueueCmd.Flags().String("access-key", "", "owning access key")
	enqueueCmd.Flags().String("scaling-group", "default", "scaling group to submit into")
	enqueueCmd.Flags().String("session-type", "interactive", "session type")
	enqueueCmd.Flags().Int("priority", 0, "scheduling priority")
	enqueueCmd.Flags().String("creation-id", "", "idempotency key for this creation request")
	enqueueCmd.Flags().StringSlice("kernel", nil, "kernel spec KERNEL_ID:cpu=N,mem=N,... (repeatable; at least one required)")

	cancelCmd.Flags().String("session-id", "", "session to terminate (required)")
	cancelCmd.Flags().String("reason", "requested via sokovanctl", "status_info recorded with the termination request")
	cancelCmd.MarkFlagRequired("session-id")

	statusCmd.Flags().String("scaling-group", "default", "scaling group to report on")
}

func dial(cmd *cobra.Command) (rpcproto.ControlServiceClient, func(), error) {
	addr, _ := cmd.Flags().GetString("addr")
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return rpcproto.NewControlServiceClient(conn), func() { conn.Close() }, nil
}

// parseKernelSpec parses "KERNEL_ID:cpu=1,mem=2" into a rpcproto.KernelRequest.
// The kernel ID segment may be empty ("" or ":cpu=1") to let the server
// generate one.
func parseKernelSpec(spec string) (rpcproto.KernelRequest, error) {
	kernelID := ""
	slotsPart := spec
	if idx := strings.Index(spec, ":"); idx >= 0 {
		kernelID = spec[:idx]
		slotsPart = spec[idx+1:]
	}

	values := make(map[string]float64)
	if slotsPart != "" {
		for _, pair := range strings.Split(slotsPart, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				return rpcproto.KernelRequest{}, fmt.Errorf("invalid resource slot %q, want name=value", pair)
			}
			qty, err := strconv.ParseFloat(kv[1], 64)
			if err != nil {
				return rpcproto.KernelRequest{}, fmt.Errorf("invalid resource quantity %q: %w", kv[1], err)
			}
			values[kv[0]] = qty
		}
	}

	return rpcproto.KernelRequest{KernelID: kernelID, RequiredSlots: resource.New(values)}, nil
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "submit a new session for scheduling",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeConn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closeConn()

		kernelSpecs, _ := cmd.Flags().GetStringSlice("kernel")
		if len(kernelSpecs) == 0 {
			return fmt.Errorf("at least one --kernel is required")
		}
		kernels := make([]rpcproto.KernelRequest, 0, len(kernelSpecs))
		for _, spec := range kernelSpecs {
			k, err := parseKernelSpec(spec)
			if err != nil {
				return err
			}
			kernels = append(kernels, k)
		}

		sessionID, _ := cmd.Flags().GetString("session-id")
		accessKey, _ := cmd.Flags().GetString("access-key")
		scalingGroup, _ := cmd.Flags().GetString("scaling-group")
		sessionType, _ := cmd.Flags().GetString("session-type")
		priority, _ := cmd.Flags().GetInt("priority")
		creationID, _ := cmd.Flags().GetString("creation-id")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := client.EnqueueSession(ctx, &rpcproto.EnqueueSessionRequest{
			SessionID:    sessionID,
			AccessKey:    accessKey,
			ScalingGroup: scalingGroup,
			SessionType:  sessionType,
			Priority:     priority,
			CreationID:   creationID,
			Kernels:      kernels,
		})
		if err != nil {
			return err
		}
		fmt.Printf("accepted: %v\n", resp.Accepted)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "request termination of a running session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeConn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closeConn()

		sessionID, _ := cmd.Flags().GetString("session-id")
		reason, _ := cmd.Flags().GetString("reason")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := client.RequestTerminate(ctx, &rpcproto.RequestTerminateRequest{
			SessionID:  sessionID,
			StatusInfo: reason,
		})
		if err != nil {
			return err
		}
		fmt.Printf("accepted: %v\n", resp.Accepted)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the current pending-session/agent snapshot for a scaling group",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeConn, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closeConn()

		scalingGroup, _ := cmd.Flags().GetString("scaling-group")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := client.DumpSnapshot(ctx, &rpcproto.DumpSnapshotRequest{ScalingGroup: scalingGroup})
		if err != nil {
			return err
		}
		fmt.Println(resp.SnapshotJSON)
		return nil
	},
}
