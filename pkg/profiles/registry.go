// Package profiles holds the registry of profile strategies. A profile
// encapsulates how one resource type is created, checked and destroyed; the
// executor resolves the profile for a target and dispatches the action verb
// to it.
package profiles

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openstack-archive/senlin-sub004/pkg/engine"
)

// Registry implements engine.ProfileResolver over an explicit name-to-profile
// map. Registration happens at process start; resolution is concurrent.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// profiles maps profile type name to profile instance.
	profiles map[string]engine.Profile

	// defaultType is resolved when the action names no profile.
	defaultType string
}

// NewRegistry creates an empty profile registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]engine.Profile),
	}
}

// Register adds a profile under its type name. Registering the same type
// twice is an error; profiles are process-wide singletons.
func (r *Registry) Register(profile engine.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := profile.Type()
	if name == "" {
		return fmt.Errorf("profile type name must not be empty")
	}
	if _, exists := r.profiles[name]; exists {
		return fmt.Errorf("profile %q already registered", name)
	}
	r.profiles[name] = profile
	if r.defaultType == "" {
		r.defaultType = name
	}
	return nil
}

// SetDefault marks the profile resolved for actions that name no profile.
func (r *Registry) SetDefault(profileType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[profileType]; !exists {
		return fmt.Errorf("profile %q not registered", profileType)
	}
	r.defaultType = profileType
	return nil
}

// Resolve returns the profile for the given type name, or the default
// profile when the name is empty.
func (r *Registry) Resolve(profileType string) (engine.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if profileType == "" {
		profileType = r.defaultType
	}
	profile, ok := r.profiles[profileType]
	if !ok {
		return nil, fmt.Errorf("profile %q not registered", profileType)
	}
	return profile, nil
}

// Types returns the registered profile type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
