package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckStatus is the outcome of one health check
type CheckStatus string

// Check outcomes, from best to worst
const (
	StatusHealthy   CheckStatus = "healthy"
	StatusDegraded  CheckStatus = "degraded"
	StatusUnhealthy CheckStatus = "unhealthy"
)

// CheckResult is what a health check reports
type CheckResult struct {
	Name      string      `json:"name"`
	Status    CheckStatus `json:"status"`
	Detail    string      `json:"detail,omitempty"`
	CheckedAt time.Time   `json:"checkedAt"`
}

// Check tests one dependency of the daemon
type Check func() CheckResult

// healthReport is the body of the health and readiness endpoints
type healthReport struct {
	Status    CheckStatus   `json:"status"`
	Ready     bool          `json:"ready"`
	Version   string        `json:"version"`
	UptimeSec float64       `json:"uptimeSeconds"`
	Checks    []CheckResult `json:"checks"`
}

var (
	checksMu   sync.RWMutex
	checks     = make(map[string]Check)
	ready      atomic.Bool
	startTime  = time.Now()
	appVersion = "dev"
)

// RegisterHealthCheck adds or replaces the check called name
func RegisterHealthCheck(name string, check Check) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

// SetVersion sets the version reported by health endpoints and traces
func SetVersion(version string) {
	appVersion = version
}

// SetReady flips readiness once stored imposters and the config file are loaded
func SetReady(isReady bool) {
	ready.Store(isReady)
}

// runChecks runs every check in name order and folds their statuses
func runChecks() ([]CheckResult, CheckStatus) {
	checksMu.RLock()
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	fns := make(map[string]Check, len(checks))
	for name, fn := range checks {
		fns[name] = fn
	}
	checksMu.RUnlock()
	sort.Strings(names)

	overall := StatusHealthy
	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		result := fns[name]()
		if result.Name == "" {
			result.Name = name
		}
		results = append(results, result)
		overall = worse(overall, result.Status)
	}
	return results, overall
}

func worse(a, b CheckStatus) CheckStatus {
	rank := map[CheckStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func report() healthReport {
	results, overall := runChecks()
	return healthReport{
		Status:    overall,
		Ready:     ready.Load() && overall != StatusUnhealthy,
		Version:   appVersion,
		UptimeSec: time.Since(startTime).Seconds(),
		Checks:    results,
	}
}

func writeJSON(w http.ResponseWriter, ok bool, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler answers 503 only when a check is unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := report()
		writeJSON(w, r.Status != StatusUnhealthy, r)
	}
}

// ReadinessHandler answers 503 until startup finished or while a check is unhealthy
func ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := report()
		writeJSON(w, r.Ready, r)
	}
}

// LivenessHandler always answers 200 while the process serves HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, true, map[string]interface{}{
			"alive":         true,
			"uptimeSeconds": time.Since(startTime).Seconds(),
		})
	}
}

// RegisterDefaultHealthChecks reports how many imposters are running
func RegisterDefaultHealthChecks(countImposters func() int) {
	RegisterHealthCheck("imposters", func() CheckResult {
		return CheckResult{
			Status:    StatusHealthy,
			Detail:    fmt.Sprintf("%d imposter(s) running", countImposters()),
			CheckedAt: time.Now(),
		}
	})
}

// RegisterDataDirCheck reports the data directory unhealthy when it cannot be written
func RegisterDataDirCheck(dataDir string) {
	RegisterHealthCheck("datadir", func() CheckResult {
		result := CheckResult{Status: StatusHealthy, Detail: dataDir, CheckedAt: time.Now()}

		scratch, err := os.CreateTemp(dataDir, ".health-*")
		if err != nil {
			result.Status = StatusUnhealthy
			result.Detail = err.Error()
			return result
		}
		_ = scratch.Close()
		_ = os.Remove(scratch.Name())
		return result
	})
}
