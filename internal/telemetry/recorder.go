package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterRecorderName = "github.com/steveyegge/foreman"
	loggerName        = "foreman"
)

type recorderInstruments struct {
	spawnTotal      metric.Int64Counter
	exitTotal       metric.Int64Counter
	transitionTotal metric.Int64Counter
	moveTotal       metric.Int64Counter
	automationTotal metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     recorderInstruments
)

// initInstruments registers instruments against the current global
// MeterProvider. Called by Init and lazily on first use.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterRecorderName)

		inst.spawnTotal, _ = m.Int64Counter("foreman.process.spawns.total",
			metric.WithDescription("Total pseudo-terminal spawns"),
		)
		inst.exitTotal, _ = m.Int64Counter("foreman.process.exits.total",
			metric.WithDescription("Total pseudo-terminal exits and kills"),
		)
		inst.transitionTotal, _ = m.Int64Counter("foreman.agent.transitions.total",
			metric.WithDescription("Total committed agent status transitions"),
		)
		inst.moveTotal, _ = m.Int64Counter("foreman.kanban.moves.total",
			metric.WithDescription("Total kanban column moves"),
		)
		inst.automationTotal, _ = m.Int64Counter("foreman.kanban.automation.total",
			metric.WithDescription("Total planned-column automation runs"),
		)
	})
}

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

func errKV(err error) otellog.KeyValue {
	if err != nil {
		return otellog.String("error", err.Error())
	}
	return otellog.String("error", "")
}

// emit sends an OTel log event with the given body and attributes.
func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

// RecordSpawn records a pseudo-terminal spawn attempt.
func RecordSpawn(ctx context.Context, pool string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.spawnTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pool", pool),
		attribute.String("status", status),
	))
	emit(ctx, "process.spawn", severity(err),
		otellog.String("pool", pool),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordExit records a process exit or kill.
func RecordExit(ctx context.Context, pool string, code int, killed bool) {
	initInstruments()
	inst.exitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pool", pool),
		attribute.Bool("killed", killed),
	))
	emit(ctx, "process.exit", otellog.SeverityInfo,
		otellog.String("pool", pool),
		otellog.Int64("code", int64(code)),
		otellog.Bool("killed", killed),
	)
}

// RecordTransition records a committed agent status transition.
func RecordTransition(ctx context.Context, agentID, from, to string) {
	initInstruments()
	inst.transitionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	emit(ctx, "agent.transition", otellog.SeverityInfo,
		otellog.String("agent_id", agentID),
		otellog.String("from", from),
		otellog.String("to", to),
	)
}

// RecordMove records a kanban move attempt.
func RecordMove(ctx context.Context, taskID, from, to string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.moveTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("status", status),
	))
	emit(ctx, "kanban.move", severity(err),
		otellog.String("task_id", taskID),
		otellog.String("from", from),
		otellog.String("to", to),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordAutomation records the outcome of a planned-column automation run.
func RecordAutomation(ctx context.Context, taskID, agentID string, created bool, err error) {
	initInstruments()
	status := statusStr(err)
	inst.automationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("agent_created", created),
	))
	emit(ctx, "kanban.automation", severity(err),
		otellog.String("task_id", taskID),
		otellog.String("agent_id", agentID),
		otellog.Bool("agent_created", created),
		otellog.String("status", status),
		errKV(err),
	)
}
