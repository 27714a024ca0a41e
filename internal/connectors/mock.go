package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockConnector - заглушка внешних систем для демо и тестов.
// Отвечает канонным JSON по capability без сетевых вызовов.
type MockConnector struct {
	capability string
	// Latency имитирует время ответа системы.
	Latency time.Duration
}

func NewMock(capability string) *MockConnector {
	return &MockConnector{capability: capability}
}

func (c *MockConnector) Call(ctx context.Context, args map[string]any) (any, error) {
	if c.Latency > 0 {
		t := time.NewTimer(c.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch c.capability {
	case "unstable.service":
		return nil, &UpstreamError{Tool: c.capability, StatusCode: 500, Message: "service internal error"}
	case "transfer", "transfer_money":
		return map[string]any{
			"status":         "success",
			"transaction_id": "TX-" + uuid.NewString()[:8],
			"amount":         args["amount"],
		}, nil
	case "jira.ticket.delete":
		return map[string]any{"status": "deleted", "integration": "jira", "id": args["id"]}, nil
	case "slack.message.send":
		return map[string]any{"status": "sent", "integration": "slack", "channel": args["channel"]}, nil
	case "db.query.execute":
		return map[string]any{"status": "success", "rows_affected": 0, "data": []any{map[string]any{"id": 1, "balance": 5000}}}, nil
	case "crm.lead.create":
		return map[string]any{"status": "created", "lead_id": "L-990"}, nil
	case "echo":
		return args, nil
	default:
		return nil, fmt.Errorf("capability %s not supported by connector", c.capability)
	}
}
