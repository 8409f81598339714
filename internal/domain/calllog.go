package domain

// ErrorClass classifies a per-attempt provider failure for health
// accounting and the call audit log.
type ErrorClass string

const (
	ErrorClassNone       ErrorClass = ""
	ErrorClassTimeout    ErrorClass = "timeout"
	ErrorClassConnection ErrorClass = "connection"
	ErrorClassProtocol   ErrorClass = "protocol"
)

// CallRecord is one attempt against one provider, written best-effort
// to the call audit log.
type CallRecord struct {
	ProviderID  string
	Chain       string
	Method      string
	Success     bool
	ErrorClass  ErrorClass
	LatencyMs   float64
	Cost        float64
	TimestampMs int64
}
