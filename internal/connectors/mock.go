package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// MockSystemsConnector — имитация внешних систем для локальной разработки и
// демонстраций. Секрет принимает, но никуда не отправляет.
type MockSystemsConnector struct{}

func (c *MockSystemsConnector) Execute(ctx context.Context, action string, secret string, payload []byte) ([]byte, error) {
	// Имитируем задержку 50-300мс
	latency := time.Duration(50+rand.IntN(250)) * time.Millisecond

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch action {
	case "search":
		return []byte(`{"status": "ok", "results": [{"title": "Weather today", "snippet": "Sunny, +21C"}]}`), nil
	case "send":
		return []byte(`{"status": "sent", "message_id": "M-4411"}`), nil
	case "write":
		return []byte(`{"status": "created", "event_id": "EV-207"}`), nil
	case "read":
		return []byte(`{"status": "ok", "items": []}`), nil
	case "unstable":
		return nil, fmt.Errorf("service internal error")
	default:
		return nil, fmt.Errorf("action %s not supported by connector", action)
	}
}
