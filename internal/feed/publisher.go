package feed

import (
	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/state"
)

// StatePublisher turns committed state mutations into feed envelopes. It is
// registered as an ingest sink, so envelopes for one agent are published in
// the same order the events were applied.
type StatePublisher struct {
	hub *Hub
}

func NewStatePublisher(hub *Hub) *StatePublisher {
	return &StatePublisher{hub: hub}
}

func (p *StatePublisher) OnApplied(agentID string, event domain.Event, res state.Result) {
	snap := res.Snapshot
	if snap == nil {
		return
	}
	agentCh := AgentChannel(agentID)
	publish := func(kind domain.EnvelopeType, payload any) {
		p.hub.Publish(agentCh, domain.Envelope{
			Type:      kind,
			AgentID:   agentID,
			Payload:   payload,
			Timestamp: snap.UpdatedAt,
			Version:   snap.Version,
		})
	}

	switch event.(type) {
	case *domain.SignalEvent:
		if res.Signal != nil {
			publish(domain.EnvelopeSignal, res.Signal)
			p.hub.Publish(SignalsChannel, domain.Envelope{
				Type:      domain.EnvelopeSignal,
				AgentID:   agentID,
				Payload:   res.Signal,
				Timestamp: res.Signal.Timestamp,
				Version:   res.Signal.Seq,
			})
		}
	case *domain.ExecutionEvent:
		if res.Signal != nil {
			publish(domain.EnvelopeSignal, res.Signal)
			// Execution updates an already-sequenced signal, so it carries no
			// watermark version and is never filtered after a resync.
			p.hub.Publish(SignalsChannel, domain.Envelope{
				Type:      domain.EnvelopeSignal,
				AgentID:   agentID,
				Payload:   res.Signal,
				Timestamp: snap.UpdatedAt,
			})
		}
	case *domain.PositionEvent:
		publish(domain.EnvelopePosition, nonNil(snap.Positions))
	case *domain.RiskEvent:
		if snap.Risk != nil {
			publish(domain.EnvelopeRisk, snap.Risk)
		}
	case *domain.MetricsSnapshotEvent:
		publish(domain.EnvelopeMetrics, snap.Metrics)
		if res.Equity != nil {
			publish(domain.EnvelopeEquity, res.Equity)
		}
	}

	if res.StatusChanged {
		publish(domain.EnvelopeStatus, snap.Agent)
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
