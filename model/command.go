package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TypeSkipWaiting  = "SKIP_WAITING"
	TypeCacheVideo   = "CACHE_VIDEO"
	TypeUncacheVideo = "UNCACHE_VIDEO"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Command is one of CacheVideoCommand, UncacheVideoCommand or SkipWaitingCommand.
type Command interface {
	CommandType() string
}

type CacheVideoCommand struct {
	VideoID string `json:"videoId"`
	HLSURL  string `json:"hlsUrl"`
}

type UncacheVideoCommand struct {
	VideoID string `json:"videoId"`
}

type SkipWaitingCommand struct{}

func (CacheVideoCommand) CommandType() string   { return TypeCacheVideo }
func (UncacheVideoCommand) CommandType() string { return TypeUncacheVideo }
func (SkipWaitingCommand) CommandType() string  { return TypeSkipWaiting }

// Envelope is the wire shape of a message sent by the host page. ID is only
// used on channels that multiplex replies, such as the events socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// Reply is sent back on the reply channel of a command.
type Reply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

func SuccessReply() Reply {
	return Reply{Success: true}
}

func FailureReply(err error) Reply {
	if err == nil {
		return Reply{Success: false, Error: "unknown error"}
	}
	return Reply{Success: false, Error: err.Error()}
}

// ParseCommand decodes an envelope into its concrete command.
func ParseCommand(data []byte) (Command, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	cmd, err := env.Command()
	return cmd, env, err
}

// Command resolves the envelope's type tag and payload.
func (e Envelope) Command() (Command, error) {
	switch e.Type {
	case TypeSkipWaiting:
		return SkipWaitingCommand{}, nil
	case TypeCacheVideo:
		var cmd CacheVideoCommand
		if err := decodePayload(e.Payload, &cmd); err != nil {
			return nil, err
		}
		cmd.VideoID = strings.TrimSpace(cmd.VideoID)
		cmd.HLSURL = strings.TrimSpace(cmd.HLSURL)
		if cmd.VideoID == "" || cmd.HLSURL == "" {
			return nil, fmt.Errorf("%w: videoId and hlsUrl are required", ErrInvalidPayload)
		}
		return cmd, nil
	case TypeUncacheVideo:
		var cmd UncacheVideoCommand
		if err := decodePayload(e.Payload, &cmd); err != nil {
			return nil, err
		}
		cmd.VideoID = strings.TrimSpace(cmd.VideoID)
		if cmd.VideoID == "" {
			return nil, fmt.Errorf("%w: videoId is required", ErrInvalidPayload)
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, e.Type)
	}
}

func decodePayload(raw json.RawMessage, dest any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
