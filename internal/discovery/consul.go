// Package discovery registers the server with Consul and keeps its TTL
// health check passing.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	consul "github.com/hashicorp/consul/api"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
)

// Agent is the subset of the Consul agent API the registry uses.
type Agent interface {
	ServiceRegister(service *consul.AgentServiceRegistration) error
	ServiceDeregister(serviceID string) error
	UpdateTTL(checkID, output, status string) error
}

// Registry is a Consul-backed service registry.
type Registry struct {
	agent Agent
	ttl   time.Duration
	tags  []string
	log   logging.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithTags(tags ...string) RegistryOption {
	return func(r *Registry) { r.tags = append(r.tags, tags...) }
}

func WithLogger(log logging.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry creates a registry talking to the Consul agent at addr.
func NewRegistry(addr string, opts ...RegistryOption) (*Registry, error) {
	cfg := consul.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client %s: %w", addr, err)
	}
	return NewRegistryWithAgent(client.Agent(), opts...), nil
}

// NewRegistryWithAgent wraps an existing agent.
func NewRegistryWithAgent(agent Agent, opts ...RegistryOption) *Registry {
	r := &Registry{agent: agent, ttl: 15 * time.Second, log: logging.Noop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the health check TTL; heartbeats must arrive more often.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register adds the service instance with a TTL check. hostPort is
// "host:port".
func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return fmt.Errorf("register %s: %w", instanceID, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("register %s: bad port %q: %w", instanceID, portStr, err)
	}

	reg := &consul.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Tags:    r.tags,
		Check: &consul.AgentServiceCheck{
			CheckID:                        checkID(instanceID),
			TTL:                            r.ttl.String(),
			DeregisterCriticalServiceAfter: (10 * r.ttl).String(),
		},
	}
	if err := r.agent.ServiceRegister(reg); err != nil {
		return fmt.Errorf("register %s: %w", instanceID, err)
	}
	r.log.Info(ctx, "registered with consul",
		logging.String("instance_id", instanceID),
		logging.String("service", serviceName),
		logging.String("addr", hostPort),
	)
	return nil
}

// Deregister removes the service instance.
func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	if err := r.agent.ServiceDeregister(instanceID); err != nil {
		return fmt.Errorf("deregister %s: %w", instanceID, err)
	}
	r.log.Info(ctx, "deregistered from consul",
		logging.String("instance_id", instanceID),
		logging.String("service", serviceName),
	)
	return nil
}

// ReportHealthyState passes the instance's TTL check.
func (r *Registry) ReportHealthyState(instanceID, serviceName string) error {
	return r.agent.UpdateTTL(checkID(instanceID), serviceName+" healthy", consul.HealthPassing)
}

// Heartbeat reports a healthy state every interval until ctx is done.
// interval <= 0 uses a third of the TTL.
func (r *Registry) Heartbeat(ctx context.Context, instanceID, serviceName string, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.ReportHealthyState(instanceID, serviceName); err != nil {
			r.log.Warn(ctx, "consul heartbeat failed",
				logging.String("instance_id", instanceID),
				logging.Err(err),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GenerateInstanceID returns a unique instance ID for serviceName.
func GenerateInstanceID(serviceName string) string {
	return serviceName + "-" + uuid.NewString()
}

func checkID(instanceID string) string {
	return "service:" + instanceID
}
