package connectors

import "context"

// Connector — адаптер реального инструмента. Живет внутри границы брокера:
// секрет передается ему напрямую при вызове и никогда не пересекает
// границу процесса в сторону агента.
type Connector interface {
	Execute(ctx context.Context, action string, secret string, payload []byte) ([]byte, error)
}
