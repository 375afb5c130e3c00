package dto

type SimulateBuildRequest struct {
	DeviceIdentifier string `json:"device_identifier"`
	ImageFormat      string `json:"image_format"`
}

func (r *SimulateBuildRequest) Validate() []string {
	var errors []string

	if r.DeviceIdentifier == "" {
		errors = append(errors, "device_identifier is required")
	}

	return errors
}

// GetImageFormat returns the requested format or the default SD card image.
func (r *SimulateBuildRequest) GetImageFormat() string {
	if r.ImageFormat == "" {
		return "sd-card-image"
	}
	return r.ImageFormat
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}
