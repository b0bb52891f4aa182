package ports

type Observability interface {
	LogDebug(msg string, fields ...Field)
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)
}

type Field struct {
	Key   string
	Value any
}

// Nop discards everything. Useful as a default and in tests.
type Nop struct{}

func (Nop) LogDebug(string, ...Field)           {}
func (Nop) LogInfo(string, ...Field)            {}
func (Nop) LogError(string, error, ...Field)    {}
func (Nop) LogCritical(string, error, ...Field) {}
func (Nop) IncCounter(string, float64)          {}
func (Nop) ObserveLatency(string, float64)      {}
func (Nop) SetGauge(string, float64)            {}
