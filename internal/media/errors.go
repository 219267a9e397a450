package media

import "strings"

// AcquisitionCause distinguishes why local capture failed so the UI can
// show a cause-specific message.
type AcquisitionCause string

const (
	CausePermissionDenied AcquisitionCause = "permission-denied"
	CauseDeviceNotFound   AcquisitionCause = "device-not-found"
	CauseDeviceBusy       AcquisitionCause = "device-busy"
	CauseUnknown          AcquisitionCause = "unknown"
)

// AcquisitionError reports a local capture failure. It is always fatal to
// the current call attempt.
type AcquisitionError struct {
	Cause AcquisitionCause
	Err   error
}

func (e *AcquisitionError) Error() string {
	msg := "media capture failed"
	switch e.Cause {
	case CausePermissionDenied:
		msg = "permission to use the camera or microphone was denied"
	case CauseDeviceNotFound:
		msg = "no camera or microphone was found"
	case CauseDeviceBusy:
		msg = "the camera or microphone is in use by another application"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// classifyCaptureError maps driver error text onto the cause taxonomy.
// Driver errors are plain strings, so this is best-effort; anything
// unrecognised is CauseUnknown.
func classifyCaptureError(err error) AcquisitionCause {
	if err == nil {
		return CauseUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted"):
		return CausePermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return CauseDeviceBusy
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") ||
		strings.Contains(msg, "failed to find"):
		return CauseDeviceNotFound
	default:
		return CauseUnknown
	}
}
