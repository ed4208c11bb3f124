package telemetry

import "strings"

// AgentEnv returns environment variables that label telemetry emitted by
// an agent's CLI with the agent it belongs to. Empty when telemetry is off.
func AgentEnv(agentID, agentName, provider string) map[string]string {
	p := Active()
	if p == nil {
		return nil
	}
	attrs := []string{"fm.agent_id=" + agentID, "fm.provider=" + provider}
	if agentName != "" {
		attrs = append(attrs, "fm.agent="+sanitizeAttr(agentName))
	}
	return map[string]string{
		"OTEL_RESOURCE_ATTRIBUTES":            strings.Join(attrs, ","),
		"OTEL_EXPORTER_OTLP_PROTOCOL":         "http/protobuf",
		"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT": p.MetricsURL,
		"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT":    p.LogsURL,
	}
}

// sanitizeAttr drops the separators OTEL_RESOURCE_ATTRIBUTES reserves.
func sanitizeAttr(v string) string {
	return strings.NewReplacer(",", "_", "=", "_", " ", "_").Replace(v)
}
