// Package api implements the operator-facing gRPC control plane:
// session enqueue/terminate and snapshot inspection, served over
// pkg/rpcproto's hand-built ControlService descriptor.
package api
