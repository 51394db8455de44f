// Package protocol defines the JSON frames exchanged with the conversational
// voice service and the sanitizing rules for session-open personalization
// variables.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badFrame(message string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message}
}

// Client → server frames.

type ClientInit struct {
	Type             string         `json:"type"`
	DynamicVariables map[string]any `json:"dynamic_variables,omitempty"`
}

type ClientUserMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientContextualUpdate struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientPong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// ClientAudioChunk carries one base64 microphone chunk. The wire shape has no
// type discriminator; the presence of the user_audio_chunk key is the tag.
type ClientAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

func NewClientInit(vars map[string]any) ClientInit {
	return ClientInit{Type: "conversation_initiation_client_data", DynamicVariables: vars}
}

func NewUserMessage(text string) ClientUserMessage {
	return ClientUserMessage{Type: "user_message", Text: text}
}

func NewContextualUpdate(text string) ClientContextualUpdate {
	return ClientContextualUpdate{Type: "contextual_update", Text: text}
}

func NewPong(eventID int64) ClientPong {
	return ClientPong{Type: "pong", EventID: eventID}
}

// Server → client frames. The service nests each payload under a
// *_event object keyed by the frame type.

type ServerInitMetadata struct {
	Type  string `json:"type"`
	Event struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	} `json:"conversation_initiation_metadata_event"`
}

type ServerUserTranscript struct {
	Type  string `json:"type"`
	Event struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
}

type ServerAgentResponse struct {
	Type  string `json:"type"`
	Event struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
}

type ServerTentativeAgentResponse struct {
	Type  string `json:"type"`
	Event struct {
		TentativeAgentResponse string `json:"tentative_agent_response"`
	} `json:"internal_tentative_agent_response_event"`
}

type ServerAudio struct {
	Type  string `json:"type"`
	Event struct {
		AudioB64 string `json:"audio_base_64"`
		EventID  int64  `json:"event_id"`
	} `json:"audio_event"`
}

type ServerPing struct {
	Type  string `json:"type"`
	Event struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event"`
}

type ServerInterruption struct {
	Type  string `json:"type"`
	Event struct {
		Reason string `json:"reason,omitempty"`
	} `json:"interruption_event"`
}

type ServerVADScore struct {
	Type  string `json:"type"`
	Event struct {
		Score float64 `json:"vad_score"`
	} `json:"vad_score_event"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeServerFrame decodes one inbound text frame into its typed form.
// Unknown frame types are returned as-is so callers can log and continue;
// the remote adds frame types without version negotiation.
func DecodeServerFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing frame type")
	}

	switch typ {
	case "conversation_initiation_metadata":
		var msg ServerInitMetadata
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid conversation_initiation_metadata")
		}
		if strings.TrimSpace(msg.Event.ConversationID) == "" {
			return nil, badFrame("conversation_initiation_metadata missing conversation_id")
		}
		return msg, nil
	case "user_transcript":
		var msg ServerUserTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid user_transcript")
		}
		return msg, nil
	case "agent_response":
		var msg ServerAgentResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid agent_response")
		}
		return msg, nil
	case "internal_tentative_agent_response":
		var msg ServerTentativeAgentResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid internal_tentative_agent_response")
		}
		return msg, nil
	case "audio":
		var msg ServerAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio frame")
		}
		return msg, nil
	case "ping":
		var msg ServerPing
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid ping")
		}
		return msg, nil
	case "interruption":
		var msg ServerInterruption
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid interruption")
		}
		return msg, nil
	case "vad_score":
		var msg ServerVADScore
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid vad_score")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame")
		}
		return msg, nil
	default:
		return UnknownFrame{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// UnknownFrame is an inbound frame type this client does not recognize.
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

// Documented per-key fallbacks for personalization variables. Variables with
// keys outside this table default to the empty string when unset.
var dynamicVariableDefaults = map[string]any{
	"user_name":           "there",
	"subscription_tier":   "free",
	"language_level":      "beginner",
	"target_language":     "Spanish",
	"days_streak":         0,
	"vocabulary_mastered": 0,
	"grammar_mastered":    0,
	"total_progress":      0,
}

// SanitizeDynamicVariables coerces the personalization bag into non-null
// primitives the remote agent accepts. Nil or absent values are replaced by
// the documented defaults; every default key is present in the result.
// Non-primitive values are rejected.
func SanitizeDynamicVariables(vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(vars)+len(dynamicVariableDefaults))
	for key, def := range dynamicVariableDefaults {
		out[key] = def
	}
	for key, value := range vars {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if value == nil {
			if def, ok := dynamicVariableDefaults[key]; ok {
				out[key] = def
			} else {
				out[key] = ""
			}
			continue
		}
		switch value.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[key] = value
		default:
			return nil, fmt.Errorf("dynamic variable %q must be a string, number, or boolean", key)
		}
	}
	return out, nil
}
