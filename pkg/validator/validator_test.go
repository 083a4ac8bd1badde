package validator_test

import (
	"context"
	"testing"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/cuemby/sokovan/pkg/validator"
	"github.com/stretchr/testify/assert"
)

type fakeUsage struct {
	concurrent int
	occupied   resource.Slot
	pendingN   int
	pendingSl  resource.Slot
}

func (f fakeUsage) ConcurrentSessionCount(context.Context, domain.AccessKey, domain.ScalingGroupName) (int, error) {
	return f.concurrent, nil
}
func (f fakeUsage) KeypairOccupiedSlots(context.Context, domain.AccessKey, domain.ScalingGroupName) (resource.Slot, error) {
	return f.occupied, nil
}
func (f fakeUsage) UserOccupiedSlots(context.Context, domain.UserID, domain.ScalingGroupName) (resource.Slot, error) {
	return f.occupied, nil
}
func (f fakeUsage) GroupOccupiedSlots(context.Context, domain.GroupID, domain.ScalingGroupName) (resource.Slot, error) {
	return f.occupied, nil
}
func (f fakeUsage) DomainOccupiedSlots(context.Context, domain.DomainID, domain.ScalingGroupName) (resource.Slot, error) {
	return f.occupied, nil
}
func (f fakeUsage) PendingSessionCount(context.Context, domain.AccessKey, domain.ScalingGroupName) (int, error) {
	return f.pendingN, nil
}
func (f fakeUsage) PendingOccupiedSlots(context.Context, domain.AccessKey, domain.ScalingGroupName) (resource.Slot, error) {
	return f.pendingSl, nil
}

func TestConcurrencyLimit(t *testing.T) {
	rule := validator.ConcurrencyLimit{Usage: fakeUsage{concurrent: 3}}
	sgInfo := domain.ScalingGroupInfo{MaxConcurrentSessionsPerKeypair: 3}
	err := rule.Validate(context.Background(), domain.SessionWorkload{}, sgInfo, nil)
	assert.True(t, schederr.Is(err, schederr.CodeQuotaExceeded))
	assert.Equal(t, schederr.ReasonConcurrentSessionLimit, schederr.ReasonOf(err))

	sgInfo.MaxConcurrentSessionsPerKeypair = 0
	assert.NoError(t, rule.Validate(context.Background(), domain.SessionWorkload{}, sgInfo, nil))
}

func TestNonEmptyKernelSet(t *testing.T) {
	rule := validator.NonEmptyKernelSet{}
	err := rule.Validate(context.Background(), domain.SessionWorkload{}, domain.ScalingGroupInfo{}, nil)
	assert.Error(t, err)

	w := domain.SessionWorkload{Kernels: []domain.KernelRequirement{{}}}
	assert.NoError(t, rule.Validate(context.Background(), w, domain.ScalingGroupInfo{}, nil))
}

func TestSessionTypePermitted(t *testing.T) {
	rule := validator.SessionTypePermitted{}
	sgInfo := domain.ScalingGroupInfo{PermittedSessionTypes: []domain.SessionType{domain.SessionTypeBatch}}

	err := rule.Validate(context.Background(), domain.SessionWorkload{SessionType: domain.SessionTypeInteractive}, sgInfo, nil)
	assert.True(t, schederr.Is(err, schederr.CodeInvalidArgument))
	assert.Equal(t, schederr.ReasonSessionTypeNotPermitted, schederr.ReasonOf(err))

	assert.NoError(t, rule.Validate(context.Background(), domain.SessionWorkload{SessionType: domain.SessionTypeBatch}, sgInfo, nil))

	assert.NoError(t, rule.Validate(context.Background(), domain.SessionWorkload{SessionType: domain.SessionTypeInteractive}, domain.ScalingGroupInfo{}, nil))
}

func TestResourceQuotaLimitRejectsWhenOverLimit(t *testing.T) {
	rule := validator.ResourceQuotaLimit{Usage: fakeUsage{occupied: resource.New(map[string]float64{"cpu": 3})}}
	sgInfo := domain.ScalingGroupInfo{MaxOccupiedSlotsPerKeypair: resource.New(map[string]float64{"cpu": 4})}
	w := domain.SessionWorkload{Kernels: []domain.KernelRequirement{{RequiredSlots: resource.New(map[string]float64{"cpu": 2})}}}

	err := rule.Validate(context.Background(), w, sgInfo, nil)
	assert.True(t, schederr.Is(err, schederr.CodeQuotaExceeded))
	assert.Equal(t, schederr.ReasonKeypairLimit, schederr.ReasonOf(err))
}

func TestResourceQuotaLimitZeroMeansUnlimited(t *testing.T) {
	rule := validator.ResourceQuotaLimit{Usage: fakeUsage{occupied: resource.New(map[string]float64{"cpu": 1000})}}
	w := domain.SessionWorkload{Kernels: []domain.KernelRequirement{{RequiredSlots: resource.New(map[string]float64{"cpu": 2})}}}
	assert.NoError(t, rule.Validate(context.Background(), w, domain.ScalingGroupInfo{}, nil))
}

func TestPendingLimitRejectsOnSessionCount(t *testing.T) {
	rule := validator.PendingLimit{Usage: fakeUsage{pendingN: 2}}
	sgInfo := domain.ScalingGroupInfo{MaxPendingSessionsPerKeypair: 2}
	err := rule.Validate(context.Background(), domain.SessionWorkload{}, sgInfo, nil)
	assert.Equal(t, schederr.ReasonPendingLimit, schederr.ReasonOf(err))
}

func TestDesignatedAgentAvailable(t *testing.T) {
	rule := validator.DesignatedAgentAvailable{}
	w := domain.SessionWorkload{DesignatedAgent: "a1"}

	err := rule.Validate(context.Background(), w, domain.ScalingGroupInfo{}, nil)
	assert.Equal(t, schederr.ReasonDesignatedAgentUnavailable, schederr.ReasonOf(err))

	agents := []*domain.Agent{{ID: "a1", Status: domain.AgentStatusAlive}}
	assert.NoError(t, rule.Validate(context.Background(), w, domain.ScalingGroupInfo{}, agents))

	agents[0].Status = domain.AgentStatusLost
	err = rule.Validate(context.Background(), w, domain.ScalingGroupInfo{}, agents)
	assert.Equal(t, schederr.ReasonDesignatedAgentUnavailable, schederr.ReasonOf(err))

	assert.NoError(t, rule.Validate(context.Background(), domain.SessionWorkload{}, domain.ScalingGroupInfo{}, nil))
}

func TestValidateAllPartialFailure(t *testing.T) {
	chain := validator.Chain{Rules: []validator.Validator{validator.NonEmptyKernelSet{}}}
	workloads := []domain.SessionWorkload{
		{SessionID: "ok", Kernels: []domain.KernelRequirement{{}}},
		{SessionID: "bad"},
	}
	admitted, rejected := validator.ValidateAll(context.Background(), chain, workloads, domain.ScalingGroupInfo{}, nil)
	assert.Len(t, admitted, 1)
	assert.Equal(t, domain.SessionID("ok"), admitted[0].SessionID)
	assert.Contains(t, rejected, domain.SessionID("bad"))
}
