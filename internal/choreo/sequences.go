package choreo

import (
	"time"

	"gesturelink/internal/protocol"
)

const ms = time.Millisecond

// HomeWarmup primes the home screen: gesture list, selected camera and
// camera list on the data channel, then detection and a first frame on
// the frames channel. The first frame goes out 1400ms after the start.
func HomeWarmup(data, frames Sender) []Step {
	return []Step{
		SendTo(50*ms, data, protocol.GetAllGestos()),
		SendTo(150*ms, data, protocol.GetCamera()),
		SendTo(250*ms, data, protocol.GetCamerasDisponiveis()),
		SendTo(350*ms, frames, protocol.StartDetection()),
		SendTo(600*ms, frames, protocol.GetFrame()),
	}
}

// CameraSwitch stops detection, selects camera name and restarts
// detection on it. The camera gets 250ms to open before detection starts.
func CameraSwitch(frames Sender, name string) []Step {
	return []Step{
		SendTo(50*ms, frames, protocol.StopDetection()),
		SendTo(150*ms, frames, protocol.SetCamera(name)),
		SendTo(250*ms, frames, protocol.StartDetection()),
		SendTo(350*ms, frames, protocol.GetFrame()),
	}
}

// CaptureWarmup enters crop-hand mode for recording a custom gesture.
func CaptureWarmup(data Sender) []Step {
	return []Step{
		SendTo(50*ms, data, protocol.StartCropHandMode()),
		SendTo(100*ms, data, protocol.StartDetection()),
	}
}

// CaptureCooldown leaves crop-hand mode and stops the detection
// CaptureWarmup started.
func CaptureCooldown(data Sender) []Step {
	return []Step{
		SendTo(0, data, protocol.StopCropHandMode()),
		SendTo(0, data, protocol.StopDetection()),
	}
}

// HomeCooldown stops detection on the frames channel before the home
// screen's sessions close.
func HomeCooldown(frames Sender) []Step {
	return []Step{
		SendTo(0, frames, protocol.StopDetection()),
	}
}

// CameraSelectWarmup asks for the camera list as soon as the camera
// picker opens.
func CameraSelectWarmup(data Sender) []Step {
	return []Step{
		SendTo(0, data, protocol.GetCamerasDisponiveis()),
	}
}
