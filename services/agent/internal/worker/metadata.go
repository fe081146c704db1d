package worker

import (
	"encoding/json"
	"strings"

	"mirage/pkg/domain"
	"mirage/pkg/queue"
)

// jobMetadata merges participant metadata over room metadata. Malformed or
// missing JSON contributes nothing.
func jobMetadata(job queue.RoomJob) domain.RoomMetadata {
	participant := decodeMetadata(job.ParticipantMetadata)
	room := decodeMetadata(job.RoomMetadata)
	out := domain.RoomMetadata{
		AgentType: participant.AgentType,
		SessionID: participant.SessionID,
	}
	if out.AgentType == "" {
		out.AgentType = room.AgentType
	}
	if out.SessionID == "" {
		out.SessionID = room.SessionID
	}
	if out.AgentType == "" {
		out.AgentType = domain.DefaultAgentType
	}
	return out
}

func decodeMetadata(raw string) domain.RoomMetadata {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.RoomMetadata{}
	}
	var md domain.RoomMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return domain.RoomMetadata{}
	}
	md.AgentType = strings.TrimSpace(md.AgentType)
	md.SessionID = strings.TrimSpace(md.SessionID)
	return md
}
