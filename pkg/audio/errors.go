package audio

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by [AcquisitionError].
var (
	// ErrPermissionDenied means the host refused access to the device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceBusy means the device is already held by another owner.
	ErrDeviceBusy = errors.New("audio: device busy")

	// ErrDeviceUnavailable means no usable device exists or it failed to open.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// Device kinds reported in [AcquisitionError.Device].
const (
	DeviceMicrophone = "microphone"
	DeviceSpeaker    = "speaker"
)

// AcquisitionError reports that a microphone or speaker could not be
// acquired. It is fatal to opening a session.
type AcquisitionError struct {
	// Device is DeviceMicrophone or DeviceSpeaker.
	Device string

	// Err is the underlying cause, typically one of the sentinels above.
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("audio: acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound audio payload. The chunk carrying
// it is dropped; decoding of later chunks is unaffected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }
