package planner

// Settings holds the encoder and normalization parameters used on the
// re-encode paths.
type Settings struct {
	VideoCodec    string
	Preset        string
	CRF           int
	AudioCodec    string
	AudioBitrate  string
	PixelFormat   string
	FrameRate     int
	SampleRate    int
	ChannelLayout string
	// FallbackWidth and FallbackHeight are used when the first clip has no
	// probed geometry.
	FallbackWidth  int
	FallbackHeight int
}

// DefaultSettings returns libx264/aac settings matching what browsers and
// most players accept.
func DefaultSettings() Settings {
	return Settings{
		VideoCodec:     "libx264",
		Preset:         "fast",
		CRF:            23,
		AudioCodec:     "aac",
		AudioBitrate:   "128k",
		PixelFormat:    "yuv420p",
		FrameRate:      30,
		SampleRate:     44100,
		ChannelLayout:  "stereo",
		FallbackWidth:  1280,
		FallbackHeight: 720,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.VideoCodec == "" {
		s.VideoCodec = d.VideoCodec
	}
	if s.Preset == "" {
		s.Preset = d.Preset
	}
	if s.CRF <= 0 {
		s.CRF = d.CRF
	}
	if s.AudioCodec == "" {
		s.AudioCodec = d.AudioCodec
	}
	if s.AudioBitrate == "" {
		s.AudioBitrate = d.AudioBitrate
	}
	if s.PixelFormat == "" {
		s.PixelFormat = d.PixelFormat
	}
	if s.FrameRate <= 0 {
		s.FrameRate = d.FrameRate
	}
	if s.SampleRate <= 0 {
		s.SampleRate = d.SampleRate
	}
	if s.ChannelLayout == "" {
		s.ChannelLayout = d.ChannelLayout
	}
	if s.FallbackWidth <= 0 || s.FallbackHeight <= 0 {
		s.FallbackWidth, s.FallbackHeight = d.FallbackWidth, d.FallbackHeight
	}
	return s
}

// encodeArgs returns the codec and quality flags shared by every re-encode.
func (s Settings) encodeArgs() []string {
	return []string{
		"-c:v", s.VideoCodec,
		"-preset", s.Preset,
		"-crf", itoa(s.CRF),
		"-c:a", s.AudioCodec,
		"-b:a", s.AudioBitrate,
		"-pix_fmt", s.PixelFormat,
	}
}
