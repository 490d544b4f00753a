package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MsgSubmitter submits one dtm 2-phase message carrying payload to every action URL.
type MsgSubmitter func(server, gid string, actions []string, payload any) error

func submitMsg(server, gid string, actions []string, payload any) error {
	msg := dtmcli.NewMsg(server, gid)
	for _, action := range actions {
		msg = msg.Add(action, payload)
	}
	return msg.Submit()
}

// DTMEmitter hands paid-order events to the dtm server, which delivers them to
// the downstream services with its own retry policy.
type DTMEmitter struct {
	server  string
	actions []string
	submit  MsgSubmitter
	logger  *slog.Logger
}

// NewDTMEmitter posts each event to serviceURL + "/api/orders/paid" through dtm.
func NewDTMEmitter(server, serviceURL string, logger *slog.Logger) *DTMEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DTMEmitter{
		server:  server,
		actions: []string{strings.TrimRight(serviceURL, "/") + "/api/orders/paid"},
		submit:  submitMsg,
		logger:  logger,
	}
}

// OrderPaid submits a dtm message whose branch marks the order paid downstream.
func (d *DTMEmitter) OrderPaid(ctx context.Context, ev PaidEvent) error {
	ctx, span := otel.Tracer("storefront/emitter").Start(ctx, "dtm.msg.order_paid")
	defer span.End()

	// One gid per payment record.
	gid := "order-paid-" + ev.PaymentID
	if ev.PaymentID == "" {
		gid = "order-paid-" + uuid.New().String()
	}

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		ev.TraceID = sc.TraceID().String()
		ev.SpanID = sc.SpanID().String()
	}
	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("order.number", ev.OrderNumber),
		attribute.Int("dtm.actions", len(d.actions)),
	)

	if err := d.submit(d.server, gid, d.actions, &ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dtm submit failed")
		return fmt.Errorf("submit order paid message %s: %w", gid, err)
	}

	d.logger.InfoContext(ctx, "order paid message submitted", "gid", gid, "order_number", ev.OrderNumber)
	return nil
}
