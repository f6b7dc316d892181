package media

// Video capture constraints.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate float32
}

// Audio capture constraints.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// What to capture. A nil member means that the kind is not requested.
type Constraints struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// The preferred constraints: 720p at 30 frames per second and processed audio.
func Ideal(video bool) Constraints {
	constraints := Constraints{
		Audio: &AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
	}
	if video {
		constraints.Video = &VideoConstraints{Width: 1280, Height: 720, FrameRate: 30}
	}
	return constraints
}

// The constraints used when the ideal ones can't be satisfied.
func Basic(video bool) Constraints {
	constraints := Constraints{Audio: &AudioConstraints{}}
	if video {
		constraints.Video = &VideoConstraints{Width: 640, Height: 480}
	}
	return constraints
}

// Only the camera, used when video is enabled in the middle of a call.
func VideoOnly() Constraints {
	return Constraints{Video: Ideal(true).Video}
}
