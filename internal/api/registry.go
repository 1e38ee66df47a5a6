package api

import (
	"github.com/voltile/server/internal/service"
)

// VolumeInfo contains information about a volume for the API response.
type VolumeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VolumeRegistry holds slice services for all configured volumes.
type VolumeRegistry struct {
	services      map[string]*service.VolumeService
	defaultVolume string
	volumeOrder   []string
	title         string
}

// NewVolumeRegistry creates a new volume registry.
func NewVolumeRegistry(defaultVolume string, order []string, title string) *VolumeRegistry {
	return &VolumeRegistry{
		services:      make(map[string]*service.VolumeService),
		defaultVolume: defaultVolume,
		volumeOrder:   order,
		title:         title,
	}
}

// Register adds a slice service for a volume.
func (r *VolumeRegistry) Register(volumeID string, svc *service.VolumeService) {
	r.services[volumeID] = svc
}

// Get returns the slice service for a volume, or nil if not found.
func (r *VolumeRegistry) Get(volumeID string) *service.VolumeService {
	return r.services[volumeID]
}

// Default returns the default volume's slice service.
func (r *VolumeRegistry) Default() *service.VolumeService {
	return r.services[r.defaultVolume]
}

// DefaultVolumeID returns the default volume ID.
func (r *VolumeRegistry) DefaultVolumeID() string {
	return r.defaultVolume
}

// VolumeIDs returns all volume IDs in config order.
func (r *VolumeRegistry) VolumeIDs() []string {
	return r.volumeOrder
}

// Title returns the configured site title.
func (r *VolumeRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "VolTile"
}

// Volumes returns volume info for all registered volumes.
func (r *VolumeRegistry) Volumes() []VolumeInfo {
	infos := make([]VolumeInfo, 0, len(r.volumeOrder))
	for _, id := range r.volumeOrder {
		name := id
		if svc := r.services[id]; svc != nil {
			name = svc.Metadata().Name
		}
		infos = append(infos, VolumeInfo{
			ID:   id,
			Name: name,
		})
	}
	return infos
}
