package domain

import "time"

type (
	ProductionID int64
	GroupID      int64
	// RoomID identifies the mixing room on the conferencing gateway
	// that backs a group. Persisted with the group record.
	RoomID int64
)

type Production struct {
	ID         ProductionID `json:"id"`
	Name       string       `json:"name"`
	AccessCode string       `json:"accessCode"`
	CreatedAt  time.Time    `json:"createdAt"`
	ChangedAt  time.Time    `json:"changedAt"`
}

type GroupType string

const (
	GroupIntercom GroupType = "intercom"
	// GroupProgram carries a shared feed with a single publisher.
	GroupProgram GroupType = "program"
)

type GroupSettings struct {
	NoiseSuppression bool `json:"noise_suppression"`
	EchoCancellation bool `json:"echo_cancellation"`
	AutoGainControl  bool `json:"auto_gain_control"`
	AudioLevelEvents bool `json:"audio_level_events"`
	ComfortNoise     bool `json:"comfort_noise"`
	MutedByDefault   bool `json:"muted_by_default"`
}

func DefaultGroupSettings() GroupSettings {
	return GroupSettings{
		NoiseSuppression: true,
		EchoCancellation: true,
		AutoGainControl:  true,
		ComfortNoise:     true,
		MutedByDefault:   true,
	}
}

type Group struct {
	ID           GroupID       `json:"id"`
	ProductionID ProductionID  `json:"productionId"`
	Name         string        `json:"name"`
	RoomID       RoomID        `json:"roomId"`
	Type         GroupType     `json:"type"`
	Settings     GroupSettings `json:"settings"`
	CreatedAt    time.Time     `json:"createdAt"`
	ChangedAt    time.Time     `json:"changedAt"`
}

// RoomDescription is the display name the gateway room is created with.
func (g *Group) RoomDescription() string {
	return g.Name
}
