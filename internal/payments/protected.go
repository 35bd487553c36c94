package payments

import (
	"context"

	"orderflow/internal/reliability"
)

const (
	ChargeGateName = "payments.charge"
	RefundGateName = "payments.refund"
)

// ProtectedGateway routes every gateway call through its own gate.
// Card errors pass through untouched; timeouts and outages surface as reliability.ErrUnavailable.
type ProtectedGateway struct {
	base   Gateway
	charge *reliability.Gate[Charge]
	refund *reliability.Gate[Refund]
}

// NewProtectedGateway wraps base with one gate per call type built from cfg.
func NewProtectedGateway(base Gateway, cfg reliability.GateConfig) *ProtectedGateway {
	chargeCfg := cfg
	chargeCfg.Name = ChargeGateName
	chargeCfg.IsFailure = IsDependencyFailure

	refundCfg := cfg
	refundCfg.Name = RefundGateName
	refundCfg.IsFailure = IsDependencyFailure

	return &ProtectedGateway{
		base:   base,
		charge: reliability.NewGate[Charge](chargeCfg, nil),
		refund: reliability.NewGate[Refund](refundCfg, nil),
	}
}

func (p *ProtectedGateway) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	return p.charge.Call(ctx, func(ctx context.Context) (Charge, error) {
		return p.base.Charge(ctx, req)
	})
}

func (p *ProtectedGateway) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	return p.refund.Call(ctx, func(ctx context.Context) (Refund, error) {
		return p.base.Refund(ctx, req)
	})
}

// Phases reports the circuit phase of each gate by name.
func (p *ProtectedGateway) Phases() map[string]reliability.Phase {
	return map[string]reliability.Phase{
		ChargeGateName: p.charge.Phase(),
		RefundGateName: p.refund.Phase(),
	}
}
