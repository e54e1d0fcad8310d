package protocol

import (
	"encoding/json"
	"fmt"
)

// validCommands is the set of accepted client→backend command tags.
var validCommands = map[string]bool{
	CmdPing:                  true,
	CmdStartDetection:        true,
	CmdStopDetection:         true,
	CmdStartCropHandMode:     true,
	CmdStopCropHandMode:      true,
	CmdGetCamerasDisponiveis: true,
	CmdSetCamera:             true,
	CmdGetCamera:             true,
	CmdSaveGesto:             true,
	CmdGetGesto:              true,
	CmdGetAllGestos:          true,
	CmdGetAllBinds:           true,
	CmdGetFrame:              true,
}

// commandOrder is the order the backend checks command tags in.
var commandOrder = []string{
	CmdPing,
	CmdStartDetection,
	CmdStopDetection,
	CmdStartCropHandMode,
	CmdStopCropHandMode,
	CmdGetAllGestos,
	CmdGetAllBinds,
	CmdGetGesto,
	CmdSaveGesto,
	CmdSetCamera,
	CmdGetCamera,
	CmdGetCamerasDisponiveis,
	CmdGetFrame,
}

// Inbound is a validated client command as seen by a backend.
type Inbound struct {
	Tag   string
	Value json.RawMessage
	Raw   Frame
}

// ValidateCommand parses a raw client message and returns its command.
// The first known tag in backend check order wins.
func ValidateCommand(raw []byte) (*Inbound, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("invalid JSON: not an object")
	}

	for _, tag := range commandOrder {
		value, ok := obj[tag]
		if !ok {
			continue
		}

		switch tag {
		case CmdSetCamera, CmdGetGesto:
			var name string
			if err := json.Unmarshal(value, &name); err != nil || name == "" {
				return nil, fmt.Errorf("%s requires a non-empty name", tag)
			}
		case CmdSaveGesto:
			var g Gesture
			if err := json.Unmarshal(value, &g); err != nil {
				return nil, fmt.Errorf("invalid payload for %s: %w", tag, err)
			}
			if g.Nome == "" || g.Bind == "" {
				return nil, fmt.Errorf("missing required field 'nome' or 'bind' in %s payload", tag)
			}
		}

		return &Inbound{Tag: tag, Value: value, Raw: Frame(obj)}, nil
	}

	return nil, fmt.Errorf("no known command in message")
}

// IsCommand reports whether tag is part of the command vocabulary.
func IsCommand(tag string) bool {
	return validCommands[tag]
}

// Overwrite reports the "sobreescrever" flag of a saveGesto command,
// defaulting to true as the backend does.
func (in *Inbound) Overwrite() bool {
	raw, ok := in.Raw["sobreescrever"]
	if !ok {
		return true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return true
	}
	return b
}

// Reply builds a backend→client frame from tag/value pairs.
func Reply(pairs ...interface{}) ([]byte, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("reply needs key/value pairs, got %d values", len(pairs))
	}
	obj := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("reply key %v is not a string", pairs[i])
		}
		obj[key] = pairs[i+1]
	}
	return json.Marshal(obj)
}

// StatusReply builds the {"status":"success","message":...} frame.
func StatusReply(message string) ([]byte, error) {
	return Reply(TagStatus, "success", "message", message)
}

// ErrorReply builds an {"error": message} frame.
func ErrorReply(message string) ([]byte, error) {
	return Reply(TagError, message)
}
