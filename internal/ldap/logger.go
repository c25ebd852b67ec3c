package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems registered by NewLoggingContext.
const (
	SubsystemLDAP      = "ldap"
	SubsystemPool      = "pool"
	SubsystemKerberos  = "kerberos"
	SubsystemConnector = "connector"
	SubsystemEvents    = "events"
)

// Subsystems lists every logging subsystem used by the connector.
var Subsystems = []string{
	SubsystemLDAP,
	SubsystemPool,
	SubsystemKerberos,
	SubsystemConnector,
	SubsystemEvents,
}

// NewLoggingContext registers all subsystems on ctx. Each subsystem level
// can be raised individually with LDAP_CONNECTOR_LOG_<SUBSYSTEM>.
func NewLoggingContext(ctx context.Context) context.Context {
	for _, name := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, name,
			tflog.WithLevelFromEnv("LDAP_CONNECTOR_LOG", strings.ToUpper(name)),
		)
	}
	return ctx
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemTrace(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemDebug(ctx, subsystem, "Operation failed", fields)
	} else {
		tflog.SubsystemTrace(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		fields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.Err != nil {
			fields["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", fields)
}

type eventLevel int

const (
	levelTrace eventLevel = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

// eventLevels assigns a level to each named lifecycle event. Events not
// listed fall back to the logger's default.
var eventLevels = map[string]eventLevel{
	"connection_established": levelInfo,
	"authentication_success": levelInfo,
	"connection_failed":      levelWarn,
	"authentication_failed":  levelError,
	"connection_lost":        levelError,

	"ticket_acquired":           levelInfo,
	"keytab_loaded":             levelInfo,
	"credentials_cached":        levelInfo,
	"ticket_acquisition_failed": levelError,
	"keytab_load_failed":        levelError,

	"pool_initialized":       levelDebug,
	"pool_closed":            levelDebug,
	"connection_acquired":    levelDebug,
	"connection_released":    levelDebug,
	"pool_exhausted":         levelWarn,
	"health_check_failed":    levelWarn,
	"pool_creation_failed":   levelError,
	"all_connections_failed": levelError,
}

func logEvent(ctx context.Context, subsystem, message, event string, fallback eventLevel, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["event"] = event

	level, ok := eventLevels[event]
	if !ok {
		level = fallback
	}

	switch level {
	case levelError:
		tflog.SubsystemError(ctx, subsystem, message, fields)
	case levelWarn:
		tflog.SubsystemWarn(ctx, subsystem, message, fields)
	case levelInfo:
		tflog.SubsystemInfo(ctx, subsystem, message, fields)
	case levelDebug:
		tflog.SubsystemDebug(ctx, subsystem, message, fields)
	default:
		tflog.SubsystemTrace(ctx, subsystem, message, fields)
	}
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, SubsystemLDAP, "Connection event", event, levelDebug, fields)
}

// LogKerberosEvent logs Kerberos-specific events.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, SubsystemKerberos, "Kerberos event", event, levelDebug, fields)
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, SubsystemPool, "Pool event", event, levelTrace, fields)
}

// LogConnectorOperation provides entry/exit logging for a public connector
// operation. The returned function must be called with the final error.
func LogConnectorOperation(ctx context.Context, operation string, fields map[string]any) func(error) {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}

	entryFields := make(map[string]any)
	maps.Copy(entryFields, fields)
	entryFields["operation"] = operation

	tflog.SubsystemDebug(ctx, SubsystemConnector, "Starting connector operation", SanitizeFields(entryFields))

	return func(err error) {
		exitFields := make(map[string]any)
		maps.Copy(exitFields, fields)
		exitFields["operation"] = operation
		exitFields["duration_ms"] = time.Since(start).Milliseconds()
		exitFields["has_error"] = err != nil

		if err != nil {
			exitFields["error"] = err.Error()
			tflog.SubsystemError(ctx, SubsystemConnector, "Connector operation failed", SanitizeFields(exitFields))
		} else {
			tflog.SubsystemDebug(ctx, SubsystemConnector, "Connector operation completed", SanitizeFields(exitFields))
		}
	}
}

var sensitiveKeys = map[string]bool{
	"password":     true,
	"passwd":       true,
	"userpassword": true,
	"unicodepwd":   true,
	"secret":       true,
	"token":        true,
	"credential":   true,
	"credentials":  true,
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// SanitizeAttributes redacts credential-bearing attribute values before logging.
func SanitizeAttributes(attrs map[string][]string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
