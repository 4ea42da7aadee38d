// Package health fornece funcionalidade de health check para todos os
// componentes de infraestrutura: cada endpoint DynamoDB configurado e,
// quando habilitado, o coordenador Redis.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
)

// Status represents one component's health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single checked component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport is the overall health report.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// EndpointTarget is one DynamoDB endpoint to probe.
type EndpointTarget struct {
	ID              string
	Client          *dynamodb.Client
	TableNamePrefix string
}

// Checker runs health checks against configured infrastructure
// components.
type Checker struct {
	instanceID  string
	port        int
	endpoints   []EndpointTarget
	redisClient redis.UniversalClient // nil when no distributed coordinator is configured
}

// NewChecker creates a health checker for the given endpoints. redisClient
// may be nil if the distributed ceiling coordinator is not in use.
func NewChecker(instanceID string, port int, endpoints []EndpointTarget, redisClient redis.UniversalClient) *Checker {
	return &Checker{
		instanceID:  instanceID,
		port:        port,
		endpoints:   endpoints,
		redisClient: redisClient,
	}
}

// Check runs health checks on every component and returns a report.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	if c.redisClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := c.checkRedis(ctx)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}()
	}

	for i := range c.endpoints {
		ep := c.endpoints[i]
		wg.Add(1)
		go func(ep EndpointTarget) {
			defer wg.Done()
			ch := c.checkEndpoint(ctx, ep)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(ep)
	}

	wg.Wait()

	report.Components = components
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

// checkRedis checks Redis connectivity.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := c.redisClient.Ping(ctx)
	latency := time.Since(start)

	if result.Err() != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", result.Err()),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// checkEndpoint checks DynamoDB reachability for one configured endpoint.
func (c *Checker) checkEndpoint(ctx context.Context, ep EndpointTarget) ComponentHealth {
	start := time.Now()
	name := fmt.Sprintf("dynamodb-%s", ep.ID)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if ep.TableNamePrefix != "" {
		_, err := ep.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(ep.TableNamePrefix),
		})
		latency := time.Since(start)
		if err != nil {
			return ComponentHealth{
				Name:    name,
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("DescribeTable failed: %v", err),
				Latency: latency.String(),
			}
		}
		return ComponentHealth{
			Name:    name,
			Status:  StatusHealthy,
			Message: fmt.Sprintf("table %s reachable", ep.TableNamePrefix),
			Latency: latency.String(),
		}
	}

	out, err := ep.Client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ListTables failed: %v", err),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d table(s) visible", len(out.TableNames)),
		Latency: latency.String(),
	}
}

// ServeHTTP starts the health check HTTP server in the background.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeReport(w, report)
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeReport(w, report)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}

func writeReport(w http.ResponseWriter, report *HealthReport) {
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}
