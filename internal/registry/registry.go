// Package registry tracks the fax devices that poll for scripts
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry records device identities, subscription state and last contact
type Registry struct {
	filePath string
	data     map[string]*DeviceEntry
	now      func() time.Time
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// DeviceEntry stores persistent information about a device
type DeviceEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"` // Custom user-set name
	Project    string    `json:"project,omitempty"`
	Subscribed bool      `json:"subscribed"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// New creates a new Registry. An empty filePath keeps the registry in memory.
func New(filePath string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		filePath: filePath,
		data:     make(map[string]*DeviceEntry),
		now:      time.Now,
		logger:   logger.With().Str("component", "registry").Logger(),
	}

	if filePath == "" {
		return r, nil
	}

	if err := r.load(); err != nil {
		// If file doesn't exist, that's okay - we'll create it on first save
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load registry: %w", err)
		}
	}

	return r, nil
}

// Touch records contact from a device, registering it on first sight.
// New devices start subscribed.
func (r *Registry) Touch(deviceID, project string) DeviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	entry, exists := r.data[deviceID]
	if !exists {
		entry = &DeviceEntry{
			ID:         deviceID,
			Subscribed: true,
			FirstSeen:  now,
		}
		r.data[deviceID] = entry
		r.logger.Info().Str("device", deviceID).Msg("new device registered")
	}
	entry.LastSeen = now
	if project != "" {
		entry.Project = project
	}

	r.persist()

	return *entry
}

// SetSubscribed changes whether a device receives broadcasts
func (r *Registry) SetSubscribed(deviceID string, subscribed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.data[deviceID]
	if !exists {
		return false
	}
	entry.Subscribed = subscribed
	r.persist()
	return true
}

// SetName sets a custom name for a device
func (r *Registry) SetName(deviceID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.data[deviceID]
	if !exists {
		return false
	}
	entry.Name = name
	r.persist()
	return true
}

// Get returns a copy of a device entry, or nil
func (r *Registry) Get(deviceID string) *DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.data[deviceID]
	if !exists {
		return nil
	}
	entryCopy := *entry
	return &entryCopy
}

// Remove removes a device from the registry
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[deviceID]; !exists {
		return false
	}
	delete(r.data, deviceID)
	r.persist()
	return true
}

// GetAll returns copies of all devices, most recently seen first
func (r *Registry) GetAll() []DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]DeviceEntry, 0, len(r.data))
	for _, v := range r.data {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastSeen.Equal(result[j].LastSeen) {
			return result[i].LastSeen.After(result[j].LastSeen)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// persist saves to disk; callers hold the write lock
func (r *Registry) persist() {
	if r.filePath == "" {
		return
	}
	if err := r.save(); err != nil {
		// non-critical, next change retries
		r.logger.Warn().Err(err).Str("path", r.filePath).Msg("failed to save registry")
	}
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &r.data)
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(r.filePath, data, 0644)
}
