package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Gesture is a gesture binding as stored by the backend.
type Gesture struct {
	Nome             string  `json:"nome,omitempty"`
	Bind             string  `json:"bind"`
	ModoToggle       bool    `json:"modo_toggle"`
	TempoPressionado float64 `json:"tempo_pressionado"`
}

// Status is the payload of a status-tagged frame.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CameraList decodes a camerasDisponiveis payload.
func CameraList(raw json.RawMessage) ([]string, error) {
	var cams []string
	if err := json.Unmarshal(raw, &cams); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TagCamerasDisponiveis, err)
	}
	return cams, nil
}

// GestureMap decodes an allGestos or allBinds payload.
func GestureMap(raw json.RawMessage) (map[string]Gesture, error) {
	var gestures map[string]Gesture
	if err := json.Unmarshal(raw, &gestures); err != nil {
		return nil, fmt.Errorf("decode gesture map: %w", err)
	}
	if gestures == nil {
		gestures = map[string]Gesture{}
	}
	return gestures, nil
}

// SingleGesture decodes a gesto payload.
func SingleGesture(raw json.RawMessage) (Gesture, error) {
	var g Gesture
	if err := json.Unmarshal(raw, &g); err != nil {
		return Gesture{}, fmt.Errorf("decode %s: %w", TagGesto, err)
	}
	return g, nil
}

// CameraName decodes a cameraSelecionada payload.
func CameraName(raw json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("decode %s: %w", TagCameraSelecionada, err)
	}
	return name, nil
}

// FrameImage decodes a frame payload into JPEG bytes.
func FrameImage(raw json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TagFrame, err)
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s base64: %w", TagFrame, err)
	}
	return img, nil
}
