package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// wireRequest is one frame of the gateway control protocol.
type wireRequest struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction,omitempty"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	HandleID    uint64                     `json:"handle_id,omitempty"`
	Plugin      string                     `json:"plugin,omitempty"`
	APISecret   string                     `json:"apisecret,omitempty"`
	Body        any                        `json:"body,omitempty"`
	Jsep        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Candidate   *trickleCandidate          `json:"candidate,omitempty"`
}

// trickleCandidate is either an ICE candidate or the end-of-candidates
// marker (Completed set, no candidate fields).
type trickleCandidate struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Completed     bool    `json:"completed,omitempty"`
}

type wireError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type wireReply struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	SessionID   uint64 `json:"session_id,omitempty"`
	Sender      uint64 `json:"sender,omitempty"`
	Data        *struct {
		ID uint64 `json:"id"`
	} `json:"data,omitempty"`
	Plugindata *struct {
		Plugin string          `json:"plugin"`
		Data   json.RawMessage `json:"data"`
	} `json:"plugindata,omitempty"`
	Jsep  *webrtc.SessionDescription `json:"jsep,omitempty"`
	Error *wireError                 `json:"error,omitempty"`
}

func parseReply(data []byte) (*wireReply, error) {
	var r wireReply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse gateway reply: %w", err)
	}
	return &r, nil
}

// pluginError surfaces mixer-level failures that arrive as a normal event
// with an error field in the plugin data.
func pluginError(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var e struct {
		Error     string `json:"error"`
		ErrorCode int    `json:"error_code"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	if e.Error != "" {
		return fmt.Errorf("mixer error %d: %s", e.ErrorCode, e.Error)
	}
	return nil
}
