package metrics

import (
	"sort"
	"sync"
	"time"
)

// Component states reported by GetHealth and GetReadiness
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body served by /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of one component
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

type registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	version    string
	started    time.Time
	now        func() time.Time
}

func newRegistry() *registry {
	return &registry{
		components: make(map[string]ComponentHealth),
		critical:   []string{"storage", "scheduler", "api"},
		started:    time.Now(),
		now:        time.Now,
	}
}

var components = newRegistry()

// SetVersion sets the version reported by health responses
func SetVersion(version string) {
	components.mu.Lock()
	components.version = version
	components.mu.Unlock()
}

// SetCriticalComponents replaces the components readiness waits for. The
// broker is optional, so it is not critical by default.
func SetCriticalComponents(names ...string) {
	components.mu.Lock()
	components.critical = append([]string(nil), names...)
	components.mu.Unlock()
}

// RegisterComponent records the state of a component
func RegisterComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components[name] = ComponentHealth{
		Healthy: healthy,
		Message: message,
		Updated: components.now(),
	}
}

// UpdateComponent records a state change of an already running component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// Component returns the last reported state of name
func Component(name string) (ComponentHealth, bool) {
	components.mu.RLock()
	defer components.mu.RUnlock()
	c, ok := components.components[name]
	return c, ok
}

func (r *registry) status(state string) HealthStatus {
	now := r.now()
	return HealthStatus{
		Status:     state,
		Timestamp:  now,
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     now.Sub(r.started).Round(time.Second).String(),
	}
}

// GetHealth reports unhealthy when any registered component is unhealthy
func GetHealth() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	health := components.status(StatusHealthy)
	for name, c := range components.components {
		if c.Healthy {
			health.Components[name] = StatusHealthy
			continue
		}
		health.Status = StatusUnhealthy
		health.Components[name] = StatusUnhealthy + ": " + c.Message
	}
	return health
}

// GetReadiness reports ready once every critical component is registered and
// healthy. Message names the first critical component still missing.
func GetReadiness() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	ready := components.status(StatusReady)
	critical := append([]string(nil), components.critical...)
	sort.Strings(critical)

	for _, name := range critical {
		c, ok := components.components[name]
		switch {
		case !ok:
			ready.Components[name] = "not registered"
		case !c.Healthy:
			ready.Components[name] = "not ready: " + c.Message
		default:
			ready.Components[name] = StatusReady
			continue
		}
		if ready.Status == StatusReady {
			ready.Status = StatusNotReady
			ready.Message = "waiting for " + name
		}
	}
	return ready
}
