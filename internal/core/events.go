package core

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/intercom/internal/domain"
)

// Wire event names. Inbound and outbound frames are flat JSON objects with
// a "type" discriminator.
const (
	// inbound
	EvJoinProduction   = "join_production"
	EvLeaveProduction  = "leave_production"
	EvJoinGroup        = "join_group"
	EvLeaveGroup       = "leave_group"
	EvTalkingStart     = "talking_start"
	EvTalkingStop      = "talking_stop"
	EvPublisherChanged = "publisher_changed"
	EvMuteToggle       = "mute_toggle"
	EvCreateHandle     = "janus_create_handle"
	EvSendMessage      = "janus_message"
	EvSendTrickle      = "janus_trickle"

	// outbound
	EvUserID            = "user_id"
	EvUserJoined        = "user_joined"
	EvUserLeft          = "user_left"
	EvUsersList         = "users_list"
	EvProductionUpdated = "production_updated"
	EvGroupUpdated      = "group_updated"
	EvHandleCreated     = "janus_handle_created"
	EvMessageResponse   = "janus_message_response"
	EvTrickleResponse   = "janus_trickle_response"
	EvError             = "error"
)

type UserAssigned struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type UsersList struct {
	Type  string        `json:"type"`
	Users []domain.User `json:"users"`
}

type UserJoined struct {
	Type         string              `json:"type"`
	ProductionID domain.ProductionID `json:"productionId"`
	UserID       domain.UserID       `json:"userId"`
	DisplayName  string              `json:"displayName"`
	ConnID       ConnID              `json:"connId"`
}

type UserLeft struct {
	Type         string              `json:"type"`
	ProductionID domain.ProductionID `json:"productionId"`
	UserID       domain.UserID       `json:"userId"`
	ConnID       ConnID              `json:"connId"`
}

type Talking struct {
	Type        string         `json:"type"`
	GroupID     domain.GroupID `json:"groupId"`
	UserID      domain.UserID  `json:"userId"`
	DisplayName string         `json:"displayName,omitempty"`
	ConnID      ConnID         `json:"connId"`
}

// PublisherChanged announces the publisher slot of a group. Null identity
// fields mean the slot is vacant; Replaced is set only on the directed
// notification to a holder displaced by another claimant.
type PublisherChanged struct {
	Type        string         `json:"type"`
	GroupID     domain.GroupID `json:"groupId"`
	UserID      *domain.UserID `json:"userId"`
	DisplayName *string        `json:"displayName"`
	ConnID      *ConnID        `json:"connId"`
	Replaced    bool           `json:"replaced,omitempty"`
}

type ProductionUpdated struct {
	Type         string              `json:"type"`
	ProductionID domain.ProductionID `json:"productionId"`
}

type GroupUpdated struct {
	Type         string              `json:"type"`
	ProductionID domain.ProductionID `json:"productionId"`
	GroupID      domain.GroupID      `json:"groupId"`
}

type HandleCreated struct {
	Type     string   `json:"type"`
	HandleID HandleID `json:"handleId"`
}

type MessageResponse struct {
	Type string                     `json:"type"`
	Data json.RawMessage            `json:"data,omitempty"`
	Jsep *webrtc.SessionDescription `json:"jsep,omitempty"`
}

type TrickleResponse struct {
	Type string `json:"type"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
