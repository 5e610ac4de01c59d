package messaging

import (
	"fmt"
	"time"
)

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Connected bool    `json:"connected"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// CheckClientHealth reports whether client is connected and how long a
// round trip to the broker takes.
func CheckClientHealth(client Client) HealthStatus {
	status := HealthStatus{}

	if client == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = client.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	rtt, err := client.RTT()
	if err != nil {
		status.Error = fmt.Sprintf("health check failed: %v", err)
		return status
	}
	status.LatencyMS = float64(rtt) / float64(time.Millisecond)
	return status
}
