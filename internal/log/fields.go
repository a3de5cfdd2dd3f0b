package log

import "kassa/internal/core"

// Field names shared by every component.
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldUserAgent   = "user_agent"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldUserID      = "user_id"
	FieldAccountID   = "account_id"
	FieldTxID        = "transaction_id"
	FieldKind        = "kind"
	FieldAmountCents = "amount_cents"
	FieldState       = "state"
	FieldMessageType = "message_type"
)

const (
	ComponentApp     = "app"
	ComponentHTTP    = "http"
	ComponentLedger  = "ledger"
	ComponentSession = "session"
	ComponentBot     = "bot"
	ComponentStorage = "storage"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentCache   = "cache"
)

const (
	OpRecord  = "record"
	OpPublish = "publish"
	OpCommit  = "commit"
)

// LogFields is a builder for structured log attributes.
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError is a no-op for a nil error.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithUser(id core.UserID) LogFields {
	f[FieldUserID] = int64(id)
	return f
}

func (f LogFields) WithAccount(id core.AccountID) LogFields {
	f[FieldAccountID] = int64(id)
	return f
}

// WithTransaction adds the identifying fields of a recorded transaction.
func (f LogFields) WithTransaction(t core.Transaction) LogFields {
	f[FieldTxID] = int64(t.ID)
	f[FieldAccountID] = int64(t.AccountID)
	f[FieldUserID] = int64(t.RecordedBy)
	f[FieldKind] = string(t.Kind)
	f[FieldAmountCents] = t.Amount.Cents
	return f
}

func (f LogFields) WithHTTPRequest(method, path, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice flattens the fields into slog key/value pairs.
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
