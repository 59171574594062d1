package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPGateway posts commands as JSON to the billing service. The command id
// travels as the Idempotency-Key header.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
}

var _ Gateway = (*HTTPGateway)(nil)

func NewHTTPGateway(endpoint string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (g *HTTPGateway) Submit(ctx context.Context, c Command) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("payment: encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", c.ID)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment: submit %s: %w", c.ID, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		// 409 means the gateway already holds this idempotency key.
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("payment: submit %s: gateway status %d: %s", c.ID, resp.StatusCode, bytes.TrimSpace(detail))
	default:
		return fmt.Errorf("%w: %s: status %d: %s", ErrRejected, c.ID, resp.StatusCode, bytes.TrimSpace(detail))
	}
}

// LogGateway records commands without contacting a billing system.
type LogGateway struct {
	logger *zap.Logger
}

var _ Gateway = (*LogGateway)(nil)

func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger.Named("payment")}
}

func (g *LogGateway) Submit(_ context.Context, c Command) error {
	fields := []zap.Field{
		zap.String("command_id", c.ID),
		zap.String("membership_id", c.MembershipID),
		zap.String("dispute_id", c.DisputeID),
		zap.String("action", string(c.Action)),
	}
	if c.Amount != nil {
		fields = append(fields, zap.Int64("amount", *c.Amount))
	}
	g.logger.Info("payment command", fields...)
	return nil
}
