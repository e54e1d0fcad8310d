package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedFrame is returned when an inbound frame is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Client → backend command tags.
const (
	CmdPing                  = "ping"
	CmdStartDetection        = "startDetection"
	CmdStopDetection         = "stopDetection"
	CmdStartCropHandMode     = "startCropHandMode"
	CmdStopCropHandMode      = "stopCropHandMode"
	CmdGetCamerasDisponiveis = "getCamerasDisponiveis"
	CmdSetCamera             = "setCamera"
	CmdGetCamera             = "getCamera"
	CmdSaveGesto             = "saveGesto"
	CmdGetGesto              = "getGesto"
	CmdGetAllGestos          = "getAllGestos"
	CmdGetAllBinds           = "getAllBinds"
	CmdGetFrame              = "getFrame"
)

// Backend → client tags.
const (
	TagStatus             = "status"
	TagError              = "error"
	TagPong               = "pong"
	TagCamerasDisponiveis = "camerasDisponiveis"
	TagAllGestos          = "allGestos"
	TagAllBinds           = "allBinds"
	TagGesto              = "gesto"
	TagCameraSelecionada  = "cameraSelecionada"
	TagFrame              = "frame"
)

// TagPriority is the order in which tags of a single frame are visited:
// diagnostics first, then domain payloads.
var TagPriority = []string{
	TagStatus,
	TagError,
	TagPong,
	TagCamerasDisponiveis,
	TagAllGestos,
	TagAllBinds,
	TagGesto,
	TagCameraSelecionada,
	TagFrame,
}

// tagAliases maps snake_case keys sent by older backends to their tag.
var tagAliases = map[string]string{
	"cameras_disponiveis": TagCamerasDisponiveis,
	"camera_selecionada":  TagCameraSelecionada,
}

// Command is a flat outbound message: one command tag with its value, plus
// optional sibling fields (saveGesto's "sobreescrever").
type Command struct {
	Tag    string
	Value  interface{}
	Fields map[string]interface{}
}

// MarshalJSON encodes the command as a single flat object.
func (c Command) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(c.Fields)+1)
	for k, v := range c.Fields {
		obj[k] = v
	}
	obj[c.Tag] = c.Value
	return json.Marshal(obj)
}

func (c Command) String() string {
	return c.Tag
}

// Encode serializes c for the wire.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", c.Tag, err)
	}
	return data, nil
}

func flag(tag string) Command { return Command{Tag: tag, Value: true} }

func Ping() Command                  { return flag(CmdPing) }
func StartDetection() Command        { return flag(CmdStartDetection) }
func StopDetection() Command         { return flag(CmdStopDetection) }
func StartCropHandMode() Command     { return flag(CmdStartCropHandMode) }
func StopCropHandMode() Command      { return flag(CmdStopCropHandMode) }
func GetCamerasDisponiveis() Command { return flag(CmdGetCamerasDisponiveis) }
func GetCamera() Command             { return flag(CmdGetCamera) }
func GetAllGestos() Command          { return flag(CmdGetAllGestos) }
func GetAllBinds() Command           { return flag(CmdGetAllBinds) }
func GetFrame() Command              { return flag(CmdGetFrame) }

// SetCamera selects the capture device by name.
func SetCamera(name string) Command {
	return Command{Tag: CmdSetCamera, Value: name}
}

// GetGesto requests a single gesture by name.
func GetGesto(name string) Command {
	return Command{Tag: CmdGetGesto, Value: name}
}

// SaveGesto stores a custom gesture, replacing an existing one when
// overwrite is set.
func SaveGesto(g Gesture, overwrite bool) Command {
	return Command{
		Tag:    CmdSaveGesto,
		Value:  g,
		Fields: map[string]interface{}{"sobreescrever": overwrite},
	}
}

// Frame is a decoded inbound message keyed by tag.
type Frame map[string]json.RawMessage

// DecodeFrame parses raw into a Frame, folding tag aliases.
func DecodeFrame(raw []byte) (Frame, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	for alias, tag := range tagAliases {
		if v, ok := obj[alias]; ok {
			if _, exists := obj[tag]; !exists {
				obj[tag] = v
			}
			delete(obj, alias)
		}
	}
	return Frame(obj), nil
}

// Tags returns the recognized tags present in f, in TagPriority order.
// A tag whose value is null, false, 0 or the empty string is treated as
// absent.
func (f Frame) Tags() []string {
	var tags []string
	for _, tag := range TagPriority {
		if v, ok := f[tag]; ok && present(v) {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Unknown returns keys that are neither tags nor known sibling fields,
// sorted. Used for debug logging only.
func (f Frame) Unknown() []string {
	known := map[string]bool{"message": true}
	for _, tag := range TagPriority {
		known[tag] = true
	}
	var out []string
	for k := range f {
		if !known[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Message returns the "message" sibling of a status or error frame.
func (f Frame) Message() string {
	var s string
	if raw, ok := f["message"]; ok {
		json.Unmarshal(raw, &s)
	}
	return s
}

// Text returns the value of tag as a string, or its raw JSON when it is
// not a string.
func (f Frame) Text(tag string) string {
	raw, ok := f[tag]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func present(v json.RawMessage) bool {
	switch string(v) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}
