// Recording helpers for kill switch telemetry events.
// Each function emits an OTel log event and updates a metric instrument.

package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterRecorderName = "github.com/steveyegge/killswitch"
	loggerName        = "killswitch"
)

// recorderInstruments holds all lazy-initialized OTel metric instruments.
type recorderInstruments struct {
	// Counters
	triggerTotal      metric.Int64Counter
	ackTotal          metric.Int64Counter
	forceKillTotal    metric.Int64Counter
	complianceFailure metric.Int64Counter
	recoverTotal      metric.Int64Counter
	recoveryTestTotal metric.Int64Counter

	// Histograms
	lockWaitHist     metric.Float64Histogram
	recoveryTestHist metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     recorderInstruments
)

// initInstruments registers all recorder metric instruments against the current
// global MeterProvider. Called by Init once the real provider is set, and
// lazily on first use otherwise.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterRecorderName)

		inst.triggerTotal, _ = m.Int64Counter("killswitch.trigger.total",
			metric.WithDescription("Total kill switch triggers by reason and delivery channel"),
		)
		inst.ackTotal, _ = m.Int64Counter("killswitch.ack.total",
			metric.WithDescription("Total agent acknowledgments"),
		)
		inst.forceKillTotal, _ = m.Int64Counter("killswitch.force_kill.total",
			metric.WithDescription("Total agents force-terminated during compliance verification"),
		)
		inst.complianceFailure, _ = m.Int64Counter("killswitch.compliance_failure.total",
			metric.WithDescription("Total agents still alive after a force kill"),
		)
		inst.recoverTotal, _ = m.Int64Counter("killswitch.recover.total",
			metric.WithDescription("Total recoveries to OPERATIONAL"),
		)
		inst.recoveryTestTotal, _ = m.Int64Counter("killswitch.recovery_test.total",
			metric.WithDescription("Total recovery test runs by result"),
		)

		inst.lockWaitHist, _ = m.Float64Histogram("killswitch.lock.wait_ms",
			metric.WithDescription("Time spent acquiring the state document lock"),
			metric.WithUnit("ms"),
		)
		inst.recoveryTestHist, _ = m.Float64Histogram("killswitch.recovery_test.duration_ms",
			metric.WithDescription("Recovery test wall-clock duration"),
			metric.WithUnit("ms"),
		)
	})
}

// statusStr returns "ok" or "error" depending on whether err is nil.
func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// emit sends an OTel log event with the given body and key-value attributes.
func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

// errKV returns a log KeyValue with the error message, or empty string if nil.
func errKV(err error) otellog.KeyValue {
	if err != nil {
		return otellog.String("error", err.Error())
	}
	return otellog.String("error", "")
}

// severity returns SeverityInfo on success, SeverityError on failure.
func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordTrigger records a trigger and the channel that carried it
// ("bus", "backup_file" or "none").
func RecordTrigger(ctx context.Context, triggerID, reason, channel string, expected int) {
	initInstruments()
	inst.triggerTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("channel", channel),
		),
	)
	sev := otellog.SeverityWarn
	if channel != "bus" {
		sev = otellog.SeverityError
	}
	emit(ctx, "killswitch.trigger", sev,
		otellog.String("trigger_id", triggerID),
		otellog.String("reason", reason),
		otellog.String("channel", channel),
		otellog.Int64("expected_agents", int64(expected)),
	)
}

// RecordAck records an agent acknowledgment.
func RecordAck(ctx context.Context, triggerID, agentID string, stopped bool) {
	initInstruments()
	inst.ackTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stopped", strconv.FormatBool(stopped))),
	)
	emit(ctx, "killswitch.ack", otellog.SeverityInfo,
		otellog.String("trigger_id", triggerID),
		otellog.String("agent_id", agentID),
		otellog.Bool("stopped", stopped),
	)
}

// RecordForceKill records a force termination attempt.
func RecordForceKill(ctx context.Context, triggerID, agentID string, err error) {
	initInstruments()
	inst.forceKillTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", statusStr(err))),
	)
	emit(ctx, "killswitch.force_kill", otellog.SeverityWarn,
		otellog.String("trigger_id", triggerID),
		otellog.String("agent_id", agentID),
		otellog.String("status", statusStr(err)),
		errKV(err),
	)
}

// RecordComplianceFailure records an agent that could not be confirmed stopped.
func RecordComplianceFailure(ctx context.Context, triggerID, agentID, detail string) {
	initInstruments()
	inst.complianceFailure.Add(ctx, 1)
	emit(ctx, "killswitch.compliance_failure", otellog.SeverityError,
		otellog.String("trigger_id", triggerID),
		otellog.String("agent_id", agentID),
		otellog.String("detail", detail),
	)
}

// RecordRecover records a transition back to OPERATIONAL.
func RecordRecover(ctx context.Context, triggerID, reason, actor string, forced bool) {
	initInstruments()
	inst.recoverTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("forced", strconv.FormatBool(forced))),
	)
	emit(ctx, "killswitch.recover", otellog.SeverityInfo,
		otellog.String("trigger_id", triggerID),
		otellog.String("reason", reason),
		otellog.String("actor", actor),
		otellog.Bool("forced", forced),
	)
}

// RecordRecoveryTest records a recovery test outcome.
func RecordRecoveryTest(ctx context.Context, success bool, phaseFailed string, d time.Duration, err error) {
	initInstruments()
	result := "pass"
	if !success {
		result = "fail"
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	inst.recoveryTestTotal.Add(ctx, 1, attrs)
	inst.recoveryTestHist.Record(ctx, ms(d), attrs)
	emit(ctx, "killswitch.recovery_test", severity(err),
		otellog.String("result", result),
		otellog.String("phase_failed", phaseFailed),
		otellog.Float64("duration_ms", ms(d)),
		errKV(err),
	)
}

// RecordLockWait records time spent acquiring the state document lock.
func RecordLockWait(ctx context.Context, d time.Duration) {
	initInstruments()
	inst.lockWaitHist.Record(ctx, ms(d))
}
