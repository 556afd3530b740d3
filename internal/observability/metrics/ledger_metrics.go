package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OperationReserve               = "reserve"
	OperationRelease               = "release"
	OperationCapture               = "capture"
	OperationCaptureOnCancellation = "capture_on_cancellation"
	OperationCredit                = "credit"
	OperationRenewal               = "renewal"

	OutcomeOK         = "ok"
	OutcomeIdempotent = "idempotent"
	OutcomeNoop       = "noop"
	OutcomeError      = "error"

	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"

	CacheResultHit  = "hit"
	CacheResultMiss = "miss"
)

// knownOutcomes are the sentinel codes allowed as label values.
var knownOutcomes = map[string]struct{}{
	"insufficient_balance":        {},
	"deduction_in_progress":       {},
	"reservation_not_found":       {},
	"reservation_conflict":        {},
	"capture_exceeds_reservation": {},
	"invalid_amount":              {},
	"invalid_progress":            {},
	"invalid_job_id":              {},
	"subscription_not_found":      {},
	"invalid_company":             {},
}

// OutcomeFromError maps an error chain to a low-cardinality outcome label.
func OutcomeFromError(err error) string {
	if err == nil {
		return OutcomeOK
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	code := strings.TrimSpace(root.Error())
	if _, ok := knownOutcomes[code]; ok {
		return code
	}
	return OutcomeError
}

// LedgerMetrics holds the Prometheus side of ledger and cache instrumentation.
type LedgerMetrics struct {
	operations     *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheFallbacks *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

// LedgerWithConfig returns the singleton ledger metrics registry using config labels.
func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

// NewLedgerMetricsWithRegistry builds ledger metrics on a private registry.
func NewLedgerMetricsWithRegistry(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	return newLedgerMetrics(registerer, cfg)
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tokenledger_operations_total",
		Help:        "Ledger operations by outcome.",
		ConstLabels: constLabels,
	}, []string{"operation", "outcome"})
	tokens := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tokenledger_tokens_total",
		Help:        "Tokens moved by ledger operation.",
		ConstLabels: constLabels,
	}, []string{"operation"})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tokenledger_balance_cache_lookups_total",
		Help:        "Balance cache lookups by backend and result.",
		ConstLabels: constLabels,
	}, []string{"backend", "result"})
	cacheFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tokenledger_balance_cache_fallbacks_total",
		Help:        "Balance cache calls served in memory because the shared store failed.",
		ConstLabels: constLabels,
	}, []string{"operation"})

	registerer.MustRegister(operations, tokens, cacheLookups, cacheFallbacks)

	return &LedgerMetrics{
		operations:     operations,
		tokens:         tokens,
		cacheLookups:   cacheLookups,
		cacheFallbacks: cacheFallbacks,
	}
}

func (m *LedgerMetrics) IncOperation(operation, outcome string) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *LedgerMetrics) AddTokens(operation string, amount int64) {
	if m == nil || m.tokens == nil || amount <= 0 {
		return
	}
	m.tokens.WithLabelValues(operation).Add(float64(amount))
}

func (m *LedgerMetrics) IncCacheLookup(backend, result string) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(backend, result).Inc()
}

func (m *LedgerMetrics) IncCacheFallback(operation string) {
	if m == nil || m.cacheFallbacks == nil {
		return
	}
	m.cacheFallbacks.WithLabelValues(operation).Inc()
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tokenledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}
