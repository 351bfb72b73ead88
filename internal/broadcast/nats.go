package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/opspilot-ai/opspilot/internal/plan"
)

// NATSBridge mirrors progress events onto NATS subjects so out-of-process
// observers can follow plans. One subject per plan:
// opspilot.plan.<plan_id>.events, JSON-encoded wire envelope. Delivery here
// is best-effort; a publish failure is logged and never blocks execution.
type NATSBridge struct {
	conn   *nats.Conn
	logger *logging.Logger
}

// NewNATSBridge connects to a NATS server.
func NewNATSBridge(url string) (*NATSBridge, error) {
	conn, err := nats.Connect(url, nats.Name("opspilot"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBridge{
		conn:   conn,
		logger: logging.New().WithComponent("nats-bridge"),
	}, nil
}

// Mirror publishes an event to the plan's subject. Signature matches the
// broadcaster's WithMirror option.
func (br *NATSBridge) Mirror(ev plan.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		br.logger.Error("failed to encode progress event", map[string]interface{}{
			"plan_id": ev.PlanID,
			"error":   err.Error(),
		})
		return
	}
	subject := fmt.Sprintf("opspilot.plan.%s.events", ev.PlanID)
	if err := br.conn.Publish(subject, data); err != nil {
		br.logger.Warn("NATS publish failed", map[string]interface{}{
			"subject":  subject,
			"sequence": ev.Sequence,
			"error":    err.Error(),
		})
	}
}

// Close drains and closes the connection.
func (br *NATSBridge) Close() {
	if err := br.conn.Drain(); err != nil {
		br.logger.Warn("NATS drain failed", map[string]interface{}{"error": err.Error()})
	}
}
