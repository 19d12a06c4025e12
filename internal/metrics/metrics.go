// Package metrics provides Prometheus metrics for the shell and its adapters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Interpreter metrics
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshell_commands_total",
			Help: "Total number of commands executed",
		},
		[]string{"command", "status"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfshell_command_duration_seconds",
			Help:    "Command execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	syntaxErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfshell_syntax_errors_total",
			Help: "Total number of input lines rejected by the parser",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfshell_sessions_active",
			Help: "Number of open shell sessions",
		},
	)

	// Tree metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfshell_tree_nodes",
			Help: "Number of nodes in the virtual filesystem",
		},
	)

	treeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfshell_tree_bytes",
			Help: "Total file content bytes held by the virtual filesystem",
		},
	)

	// Persistence metrics
	checkpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshell_checkpoints_total",
			Help: "Total number of state checkpoints",
		},
		[]string{"status"},
	)

	checkpointBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfshell_checkpoint_bytes",
			Help: "Size of the most recent checkpoint blob",
		},
	)

	checkpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vfshell_checkpoint_duration_seconds",
			Help:    "Time to serialize and store a checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)

	storageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshell_storage_operations_total",
			Help: "Total number of state backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Adapter metrics
	gitOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshell_git_operations_total",
			Help: "Total number of git subcommands run",
		},
		[]string{"subcommand", "status"},
	)

	remoteOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshell_remote_operations_total",
			Help: "Total number of ssh and scp operations",
		},
		[]string{"operation", "status"},
	)

	remoteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfshell_remote_duration_seconds",
			Help:    "Duration of ssh and scp operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	remoteBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshell_remote_bytes_total",
			Help: "Bytes moved by scp",
		},
		[]string{"direction"},
	)

	// Simulated host metrics
	deviceLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshell_device_logins_total",
			Help: "Authentication attempts against simulated hosts",
		},
		[]string{"device", "method", "status"},
	)
)

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCommand records one executed command and its exit status.
func RecordCommand(name string, status int, duration time.Duration) {
	commandsTotal.WithLabelValues(name, strconv.Itoa(status)).Inc()
	commandDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordSyntaxError counts a line the parser rejected.
func RecordSyntaxError() {
	syntaxErrorsTotal.Inc()
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	sessionsActive.Dec()
}

// SetTreeUsage updates the tree size gauges.
func SetTreeUsage(nodes int, bytes int64) {
	treeNodes.Set(float64(nodes))
	treeBytes.Set(float64(bytes))
}

// RecordCheckpoint records a checkpoint attempt.
func RecordCheckpoint(bytes int, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	checkpointsTotal.WithLabelValues(status).Inc()
	checkpointDuration.Observe(duration.Seconds())
	if success {
		checkpointBytes.Set(float64(bytes))
	}
}

// RecordStorageOperation records a state backend call.
func RecordStorageOperation(backend, operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storageOperations.WithLabelValues(backend, operation, status).Inc()
}

// RecordGitOperation records a git subcommand and its exit status.
func RecordGitOperation(subcommand string, status int) {
	gitOperations.WithLabelValues(subcommand, strconv.Itoa(status)).Inc()
}

// RecordRemoteOperation records an ssh or scp call. result is "success"
// or an error kind label.
func RecordRemoteOperation(operation, result string, duration time.Duration) {
	remoteOperations.WithLabelValues(operation, result).Inc()
	remoteDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransferBytes counts bytes moved by scp in one direction.
func RecordTransferBytes(direction string, n int64) {
	remoteBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordDeviceLogin records an authentication attempt on a simulated host.
func RecordDeviceLogin(device, method string, success bool) {
	status := "success"
	if !success {
		status = "denied"
	}
	deviceLogins.WithLabelValues(device, method, status).Inc()
}
