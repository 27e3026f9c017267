package orchestrator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/handoff"
)

// Consume spends tokens from the session budget and reports the handoff
// decision the new consumption level implies. ok=false means the budget
// denied the spend (ceiling reached); the decision is still returned so
// a denied agent knows to hand off immediately.
func (o *Orchestrator) Consume(sessionID string, tokens int) (ok, needed bool, reason handoff.Reason, priority handoff.Priority) {
	ok = o.budgets.Consume(sessionID, tokens)
	snap, found := o.budgets.Get(sessionID)
	if !found {
		return ok, false, "", ""
	}
	needed, reason, priority = handoff.CheckNeeded(snap)
	return ok, needed, reason, priority
}

// CheckHandoffNeeded reports the current handoff decision for a session.
func (o *Orchestrator) CheckHandoffNeeded(sessionID string) (bool, handoff.Reason, handoff.Priority) {
	snap, ok := o.budgets.Get(sessionID)
	if !ok {
		return false, "", ""
	}
	return handoff.CheckNeeded(snap)
}

// TriggerHandoff creates, sanitizes, and stores a handoff packet for the
// session, snapshotting its HOT context and budget. It returns the packet
// and the stored file path. The packet's access token travels out-of-band
// to the accepting agent.
func (o *Orchestrator) TriggerHandoff(sessionID string, reason handoff.Reason, priority handoff.Priority, ticket handoff.TicketContext, targetAgent, notes string) (*handoff.Packet, string, error) {
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return nil, "", fmt.Errorf("unknown session %q", sessionID)
	}
	snap, _ := sess.Snapshot(o.budgets)

	packet, err := o.handoffs.CreatePacket(handoff.CreateParams{
		SourceAgent:   sess.AgentName,
		SourceSession: sessionID,
		Reason:        reason,
		Priority:      priority,
		TargetAgent:   targetAgent,
		Ticket:        ticket,
		Memory:        sess.Memory,
		Budget:        snap,
		Notes:         notes,
	})
	if err != nil {
		return nil, "", err
	}

	path, err := o.handoffs.StorePacket(packet, o.handoffs.Encrypts())
	if err != nil {
		return nil, "", err
	}

	o.publish(events.OpsLogEntry, map[string]any{
		"action":    "handoff_created",
		"packet_id": packet.PacketID,
		"session":   sessionID,
		"agent":     sess.AgentName,
		"reason":    string(reason),
		"priority":  string(priority),
	})
	return packet, path, nil
}

// AcceptHandoff adjudicates a pending packet for the accepting agent and
// publishes the outcome. A nil packet means the acceptance was refused:
// wrong target, bad token, or unknown packet.
func (o *Orchestrator) AcceptHandoff(packetID, agentName, token string) (*handoff.Packet, bool) {
	packet, ok := o.handoffs.AcceptHandoff(packetID, agentName, token)
	if !ok {
		o.publish(events.AgentError, map[string]any{
			"action":    "handoff_rejected",
			"packet_id": packetID,
			"agent":     agentName,
		})
		return nil, false
	}
	o.publish(events.OpsLogEntry, map[string]any{
		"action":    "handoff_accepted",
		"packet_id": packetID,
		"agent":     agentName,
	})
	return packet, true
}

func (o *Orchestrator) publish(t events.Type, payload map[string]any) {
	if err := o.bus.Publish(events.New(t, payload)); err != nil {
		o.logger.Warn("Event publish failed",
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}
