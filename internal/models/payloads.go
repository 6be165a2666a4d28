package models

import (
	"fmt"
	"sort"
)

// EntityRef points at another entity a payload depends on (e.g. the server a
// plugin is installed into). The conflict detector rejects events whose
// dependencies no longer exist.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// EventPayload is the closed set of per-entity payload variants. Fields
// returns the flat set of touched fields (nested maps are flattened to
// "configuration.<key>" granularity) used for conflict disjointness checks;
// ApplyTo merges the payload into an entity snapshot.
type EventPayload interface {
	PayloadEntityType() EntityType
	Validate() error
	Fields() map[string]any
	ApplyTo(snapshot map[string]any)
	Dependencies() []EntityRef
}

var validServerStatuses = map[string]bool{
	"starting": true, "running": true, "stopping": true,
	"stopped": true, "crashed": true,
}

var validPluginStates = map[string]bool{
	"installing": true, "installed": true, "enabled": true,
	"disabled": true, "failed": true, "removed": true,
}

var validPlayerActions = map[string]bool{
	"join": true, "leave": true, "kick": true, "ban": true, "chat": true,
}

// ServerPayload carries status, performance and configuration deltas for a
// game server. Nil pointer fields are untouched.
type ServerPayload struct {
	Name          *string           `json:"name,omitempty"`
	Status        *string           `json:"status,omitempty"`
	CPUUsage      *float64          `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64          `json:"memory_usage,omitempty"`
	PlayerCount   *int              `json:"player_count,omitempty"`
	Configuration map[string]string `json:"configuration,omitempty"`
}

func (p *ServerPayload) PayloadEntityType() EntityType { return EntityServer }

func (p *ServerPayload) Validate() error {
	if p.Status != nil && !validServerStatuses[*p.Status] {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown server status %q", *p.Status)}
	}
	if p.CPUUsage != nil && (*p.CPUUsage < 0 || *p.CPUUsage > 100) {
		return &ValidationError{Field: "cpu_usage", Reason: "must be between 0 and 100"}
	}
	if p.MemoryUsage != nil && *p.MemoryUsage < 0 {
		return &ValidationError{Field: "memory_usage", Reason: "must not be negative"}
	}
	if p.PlayerCount != nil && *p.PlayerCount < 0 {
		return &ValidationError{Field: "player_count", Reason: "must not be negative"}
	}
	return nil
}

func (p *ServerPayload) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.Status != nil {
		fields["status"] = *p.Status
	}
	if p.CPUUsage != nil {
		fields["cpu_usage"] = *p.CPUUsage
	}
	if p.MemoryUsage != nil {
		fields["memory_usage"] = *p.MemoryUsage
	}
	if p.PlayerCount != nil {
		fields["player_count"] = *p.PlayerCount
	}
	for key, value := range p.Configuration {
		fields["configuration."+key] = value
	}
	return fields
}

func (p *ServerPayload) ApplyTo(snapshot map[string]any) {
	applyFields(snapshot, p.Fields())
}

func (p *ServerPayload) Dependencies() []EntityRef { return nil }

// CommunityPayload carries membership and settings deltas. Membership changes
// are set operations, so any concurrent membership change is treated as
// touching the single "members" field.
type CommunityPayload struct {
	Name          *string           `json:"name,omitempty"`
	Description   *string           `json:"description,omitempty"`
	AddMembers    []string          `json:"add_members,omitempty"`
	RemoveMembers []string          `json:"remove_members,omitempty"`
	Settings      map[string]string `json:"settings,omitempty"`
}

func (p *CommunityPayload) PayloadEntityType() EntityType { return EntityCommunity }

func (p *CommunityPayload) Validate() error {
	for _, member := range p.AddMembers {
		if member == "" {
			return &ValidationError{Field: "add_members", Reason: "member id must not be empty"}
		}
	}
	for _, member := range p.RemoveMembers {
		if member == "" {
			return &ValidationError{Field: "remove_members", Reason: "member id must not be empty"}
		}
	}
	return nil
}

func (p *CommunityPayload) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if len(p.AddMembers) > 0 || len(p.RemoveMembers) > 0 {
		fields["members"] = memberDelta{Add: p.AddMembers, Remove: p.RemoveMembers}
	}
	for key, value := range p.Settings {
		fields["settings."+key] = value
	}
	return fields
}

type memberDelta struct {
	Add    []string
	Remove []string
}

func (p *CommunityPayload) ApplyTo(snapshot map[string]any) {
	if p.Name != nil {
		snapshot["name"] = *p.Name
	}
	if p.Description != nil {
		snapshot["description"] = *p.Description
	}
	for key, value := range p.Settings {
		snapshot["settings."+key] = value
	}
	if len(p.AddMembers) == 0 && len(p.RemoveMembers) == 0 {
		return
	}

	members := make(map[string]bool)
	if existing, ok := snapshot["members"].([]string); ok {
		for _, m := range existing {
			members[m] = true
		}
	}
	for _, m := range p.AddMembers {
		members[m] = true
	}
	for _, m := range p.RemoveMembers {
		delete(members, m)
	}

	merged := make([]string, 0, len(members))
	for m := range members {
		merged = append(merged, m)
	}
	sort.Strings(merged)
	snapshot["members"] = merged
}

func (p *CommunityPayload) Dependencies() []EntityRef { return nil }

// PluginPayload carries install lifecycle state. ServerID is the dependency on
// the server the plugin is installed into.
type PluginPayload struct {
	Name     *string `json:"name,omitempty"`
	State    *string `json:"state,omitempty"`
	Version  *string `json:"version,omitempty"`
	ServerID *string `json:"server_id,omitempty"`
	Error    *string `json:"error,omitempty"`
}

func (p *PluginPayload) PayloadEntityType() EntityType { return EntityPlugin }

func (p *PluginPayload) Validate() error {
	if p.State != nil && !validPluginStates[*p.State] {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown plugin state %q", *p.State)}
	}
	return nil
}

func (p *PluginPayload) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.State != nil {
		fields["state"] = *p.State
	}
	if p.Version != nil {
		fields["version"] = *p.Version
	}
	if p.ServerID != nil {
		fields["server_id"] = *p.ServerID
	}
	if p.Error != nil {
		fields["error"] = *p.Error
	}
	return fields
}

func (p *PluginPayload) ApplyTo(snapshot map[string]any) {
	applyFields(snapshot, p.Fields())
}

func (p *PluginPayload) Dependencies() []EntityRef {
	if p.ServerID == nil {
		return nil
	}
	return []EntityRef{{Type: EntityServer, ID: *p.ServerID}}
}

// UserPayload carries profile deltas for a platform user.
type UserPayload struct {
	DisplayName *string `json:"display_name,omitempty"`
	Role        *string `json:"role,omitempty"`
	Status      *string `json:"status,omitempty"`
}

func (p *UserPayload) PayloadEntityType() EntityType { return EntityUser }

func (p *UserPayload) Validate() error { return nil }

func (p *UserPayload) Fields() map[string]any {
	fields := make(map[string]any)
	if p.DisplayName != nil {
		fields["display_name"] = *p.DisplayName
	}
	if p.Role != nil {
		fields["role"] = *p.Role
	}
	if p.Status != nil {
		fields["status"] = *p.Status
	}
	return fields
}

func (p *UserPayload) ApplyTo(snapshot map[string]any) {
	applyFields(snapshot, p.Fields())
}

func (p *UserPayload) Dependencies() []EntityRef { return nil }

// PlayerSessionPayload carries player activity on a server.
type PlayerSessionPayload struct {
	PlayerID *string `json:"player_id,omitempty"`
	ServerID *string `json:"server_id,omitempty"`
	Action   *string `json:"action,omitempty"`
	Detail   *string `json:"detail,omitempty"`
}

func (p *PlayerSessionPayload) PayloadEntityType() EntityType { return EntityPlayerSession }

func (p *PlayerSessionPayload) Validate() error {
	if p.Action != nil && !validPlayerActions[*p.Action] {
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown player action %q", *p.Action)}
	}
	return nil
}

func (p *PlayerSessionPayload) Fields() map[string]any {
	fields := make(map[string]any)
	if p.PlayerID != nil {
		fields["player_id"] = *p.PlayerID
	}
	if p.ServerID != nil {
		fields["server_id"] = *p.ServerID
	}
	if p.Action != nil {
		fields["action"] = *p.Action
	}
	if p.Detail != nil {
		fields["detail"] = *p.Detail
	}
	return fields
}

func (p *PlayerSessionPayload) ApplyTo(snapshot map[string]any) {
	applyFields(snapshot, p.Fields())
}

func (p *PlayerSessionPayload) Dependencies() []EntityRef {
	if p.ServerID == nil {
		return nil
	}
	return []EntityRef{{Type: EntityServer, ID: *p.ServerID}}
}

func applyFields(snapshot, fields map[string]any) {
	for key, value := range fields {
		snapshot[key] = value
	}
}

// FieldsOverlap reports whether two touched-field sets share any key.
func FieldsOverlap(a, b map[string]any) bool {
	for key := range a {
		if _, ok := b[key]; ok {
			return true
		}
	}
	return false
}
