// Package agentrpc pools one gRPC connection per agent (C9), wrapping
// each in a circuit breaker so a consistently unreachable agent fails
// fast instead of holding up a termination fan-out or a scheduling
// tick. Grounded on
// _examples/cuemby-warren/pkg/client/client.go's
// per-RPC-method + per-call context.WithTimeout shape (its mTLS
// cluster-join bootstrapping is Warren-specific and not carried over;
// see DESIGN.md), and on
// _examples/jordigilh-kubernaut/test/integration/notification/suite_test.go's
// gobreaker.Settings{MaxRequests, Interval, Timeout, ReadyToTrip,
// OnStateChange} shape for the breaker configuration.
package agentrpc

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/metrics"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/rpcproto"
	"github.com/cuemby/sokovan/pkg/termination"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Default per-method timeouts.
const (
	createKernelTimeout  = 30 * time.Second
	destroyKernelTimeout = 10 * time.Second
	telemetryTimeout     = 10 * time.Second
)

// entry is one pooled connection plus the breaker guarding it.
type entry struct {
	addr    string
	conn    *grpc.ClientConn
	client  rpcproto.AgentServiceClient
	breaker *gobreaker.CircuitBreaker[any]
}

// Pool lazily dials and caches one connection per agent address,
// keyed by agent ID so a re-addressed agent (rare, but possible across
// a restart) gets a fresh connection rather than reusing a stale one.
type Pool struct {
	mu      sync.Mutex
	entries map[domain.AgentID]*entry
	dial    func(addr string) (*grpc.ClientConn, error)
}

// New builds an empty Pool. Connections are plain (insecure) gRPC;
// Warren's mTLS bootstrapping is a cluster-join concern this
// scheduling core does not reproduce (see DESIGN.md).
func New() *Pool {
	return &Pool{
		entries: make(map[domain.AgentID]*entry),
		dial: func(addr string) (*grpc.ClientConn, error) {
			return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		},
	}
}

func (p *Pool) get(agentID domain.AgentID, addr string) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[agentID]; ok {
		if e.addr == addr {
			return e, nil
		}
		_ = e.conn.Close()
		delete(p.entries, agentID)
	}
	conn, err := p.dial(addr)
	if err != nil {
		return nil, err
	}
	e := &entry{
		addr:   addr,
		conn:   conn,
		client: rpcproto.NewAgentServiceClient(conn),
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        string(agentID),
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					metrics.AgentRPCCircuitOpenTotal.WithLabelValues(name).Inc()
				}
			},
		}),
	}
	p.entries[agentID] = e
	return e, nil
}

// GetClient satisfies pkg/termination.AgentPool, giving the
// termination controller just the DestroyKernel call it needs.
func (p *Pool) GetClient(agentID domain.AgentID, addr string) (termination.AgentClient, error) {
	return p.GetAgentClient(agentID, addr)
}

// GetAgentClient returns the full per-agent RPC surface, for callers
// outside pkg/termination (scheduling's allocator, telemetry polling)
// that also need CreateKernel/GetTelemetry.
func (p *Pool) GetAgentClient(agentID domain.AgentID, addr string) (Client, error) {
	e, err := p.get(agentID, addr)
	if err != nil {
		return nil, err
	}
	return client{e}, nil
}

// Close tears down every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, e := range p.entries {
		if err := e.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Client is the per-agent RPC surface callers drive; it satisfies
// pkg/termination.AgentClient's DestroyKernel method plus the
// CreateKernel/GetTelemetry calls the rest of the scheduling core
// needs from the same connection.
type Client interface {
	CreateKernel(ctx context.Context, kernelID, sessionID, image string, requiredSlots resource.Slot) (containerID string, err error)
	DestroyKernel(ctx context.Context, kernelID, sessionID, statusInfo string) error
	GetTelemetry(ctx context.Context) (*rpcproto.GetTelemetryResponse, error)
}

type client struct {
	e *entry
}

func (c client) DestroyKernel(ctx context.Context, kernelID, sessionID, statusInfo string) error {
	ctx, cancel := context.WithTimeout(ctx, destroyKernelTimeout)
	defer cancel()
	_, err := c.e.breaker.Execute(func() (interface{}, error) {
		return c.e.client.DestroyKernel(ctx, &rpcproto.DestroyKernelRequest{
			KernelID: kernelID, SessionID: sessionID, StatusInfo: statusInfo,
		})
	})
	return err
}

func (c client) CreateKernel(ctx context.Context, kernelID, sessionID, image string, requiredSlots resource.Slot) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, createKernelTimeout)
	defer cancel()
	timer := metrics.NewTimer()
	resp, err := c.e.breaker.Execute(func() (interface{}, error) {
		return c.e.client.CreateKernel(ctx, &rpcproto.CreateKernelRequest{
			KernelID: kernelID, SessionID: sessionID, Image: image, RequiredSlots: requiredSlots,
		})
	})
	timer.ObserveDurationVec(metrics.AgentRPCDuration, "create_kernel")
	if err != nil {
		return "", err
	}
	return resp.(*rpcproto.CreateKernelResponse).ContainerID, nil
}

func (c client) GetTelemetry(ctx context.Context) (*rpcproto.GetTelemetryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, telemetryTimeout)
	defer cancel()
	timer := metrics.NewTimer()
	resp, err := c.e.breaker.Execute(func() (interface{}, error) {
		return c.e.client.GetTelemetry(ctx, &rpcproto.GetTelemetryRequest{})
	})
	timer.ObserveDurationVec(metrics.AgentRPCDuration, "get_telemetry")
	if err != nil {
		return nil, err
	}
	return resp.(*rpcproto.GetTelemetryResponse), nil
}
