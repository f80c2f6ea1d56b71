// Package server provides the HTTP server for the clipstitch API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// TransitionRequest is the blend from one clip into the next.
type TransitionRequest struct {
	// Kind is a transition name as listed by GET /transitions.
	Kind string `json:"kind" validate:"required,transition"`
	// Duration is the blend length in seconds.
	Duration float64 `json:"duration" validate:"gte=0,lte=30"`
}

// ClipRequest is one uploaded clip.
type ClipRequest struct {
	// DataBase64 is the base64-encoded clip content.
	DataBase64 string `json:"data_base64" validate:"required,base64"`
	// Name is the original file name; its extension hints the container.
	Name string `json:"name,omitempty" validate:"omitempty,max=255"`
	// Transition is the blend into the next clip. Ignored on the last clip.
	Transition *TransitionRequest `json:"transition,omitempty" validate:"omitempty"`
}

// CreateJobRequest is the HTTP request body for creating a stitch job.
type CreateJobRequest struct {
	// Clips are the inputs in output order.
	Clips []ClipRequest `json:"clips" validate:"required,min=2,dive"`
	// BackgroundAudioBase64 is the base64-encoded replacement audio track.
	BackgroundAudioBase64 string `json:"background_audio_base64,omitempty" validate:"omitempty,base64"`
	// BackgroundAudioName is the original audio file name.
	BackgroundAudioName string `json:"background_audio_name,omitempty" validate:"omitempty,max=255"`
	// UseBackgroundAudio replaces clip audio with the background track.
	UseBackgroundAudio bool `json:"use_background_audio"`
	// PushToS3 indicates whether to upload the final video to S3.
	PushToS3 bool `json:"push_to_s3"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// Strategy is the encode path, set once the job has run.
	Strategy  string `json:"strategy,omitempty"`
	ClipCount int    `json:"clip_count"`
	// Error contains any error message if the job failed.
	Error string `json:"error,omitempty"`
	// OutputMime is the MIME type of the stitched video.
	OutputMime string `json:"output_mime,omitempty"`
	// VideoBase64 is the base64-encoded video content (if push_to_s3=false and completed).
	VideoBase64 string `json:"video_base64,omitempty"`
	// VideoURL is the S3 URL of the output video (if push_to_s3=true and completed).
	VideoURL  string    `json:"video_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListJobsResponse is the HTTP response for listing jobs. Video content is
// never inlined in listings.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// TransitionsResponse lists the supported transition kinds.
type TransitionsResponse struct {
	Transitions []string `json:"transitions"`
}

// RegionRequest is a pixel rectangle inside the frame.
type RegionRequest struct {
	X int `json:"x" validate:"min=0"`
	Y int `json:"y" validate:"min=0"`
	W int `json:"w" validate:"min=1"`
	H int `json:"h" validate:"min=1"`
}

// PreviewRequest asks for one frame of a clip. The response body is the PNG.
type PreviewRequest struct {
	DataBase64 string `json:"data_base64" validate:"required,base64"`
	Name       string `json:"name,omitempty" validate:"omitempty,max=255"`
	// Timestamp is the frame time in seconds.
	Timestamp float64 `json:"timestamp" validate:"gte=0"`
	// Mode is "mask" (delogo the region) or "crop" (keep only the region).
	Mode   string        `json:"mode" validate:"required,oneof=mask crop"`
	Region RegionRequest `json:"region"`
}

// EditRequest is the body of POST /edits/{op}. Only the fields of the chosen
// operation are read; the response body is the edited media.
type EditRequest struct {
	DataBase64 string `json:"data_base64" validate:"required,base64"`
	Name       string `json:"name,omitempty" validate:"omitempty,max=255"`
	// Start and End bound a trim, in seconds.
	Start float64 `json:"start" validate:"gte=0"`
	End   float64 `json:"end" validate:"gte=0"`
	// Region is used by crop and delogo.
	Region *RegionRequest `json:"region,omitempty" validate:"omitempty"`
	// BarRatio is the letterbox bar height as a fraction of the frame.
	BarRatio float64 `json:"bar_ratio" validate:"gte=0,lt=0.5"`
	// Color is the letterbox bar color.
	Color string `json:"color,omitempty" validate:"omitempty,max=32"`
	// AudioFormat is the extract-audio target.
	AudioFormat string `json:"audio_format,omitempty" validate:"omitempty,oneof=mp3 wav aac"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// Advice is a remediation hint for engine failures.
	Advice string `json:"advice,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
