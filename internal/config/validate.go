package config

import (
	"errors"
	"fmt"
)

// Validate checks the loaded configuration for values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.WebSocket.Port <= 0 || c.WebSocket.Port > 65535 {
		errs = append(errs, fmt.Errorf("websocket.port out of range: %d", c.WebSocket.Port))
	}
	if c.AuctionAPI.BaseURL == "" {
		errs = append(errs, errors.New("auction_api.base_url is required"))
	}
	if c.AuctionAPI.RequestTimeout <= 0 {
		errs = append(errs, errors.New("auction_api.request_timeout must be positive"))
	}
	if c.Scheduler.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("scheduler.requests_per_second must be positive"))
	}
	if c.Scheduler.Burst < 1 {
		errs = append(errs, errors.New("scheduler.burst must be at least 1"))
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 0.5 {
		errs = append(errs, fmt.Errorf("scheduler.jitter must be in [0, 0.5): %v", c.Scheduler.Jitter))
	}
	if c.Scheduler.NotFoundThreshold < 1 {
		errs = append(errs, errors.New("scheduler.not_found_threshold must be at least 1"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Breaker.OpenTimeout <= 0 {
		errs = append(errs, errors.New("breaker.open_timeout must be positive"))
	}
	if c.Stream.Enabled {
		if c.AuctionAPI.StreamURL == "" {
			errs = append(errs, errors.New("auction_api.stream_url is required when streaming is enabled"))
		}
		if c.Stream.MaxReconnectAttempts < 0 {
			errs = append(errs, errors.New("stream.max_reconnect_attempts must not be negative"))
		}
		if c.Stream.BackoffBase <= 0 || c.Stream.BackoffMax < c.Stream.BackoffBase {
			errs = append(errs, errors.New("stream backoff must satisfy 0 < backoff_base <= backoff_max"))
		}
	}
	if c.Monitor.EndedGracePeriod < 0 {
		errs = append(errs, errors.New("monitor.ended_grace_period must not be negative"))
	}
	if c.Monitor.MaintenanceSchedule == "" {
		errs = append(errs, errors.New("monitor.maintenance_schedule is required"))
	}

	return errors.Join(errs...)
}
