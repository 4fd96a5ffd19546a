package main

const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidImage   = "invalid_image"
	CodeDetectorBusy   = "detector_busy"
	CodeDetectionError = "detection_error"
	CodeCanceled       = "canceled"

	MsgInvalidRequest = "Request body must be JSON with a non-empty \"image\" field holding a base64 string or data URL."

	MsgDetectorBusy = "All detector sessions are busy. Please retry shortly."

	MsgDetectionFailed = "The detector failed to process this image."

	MsgCanceled = "The request was canceled before the scan finished."
)
