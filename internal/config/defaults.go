package config

const (
	defaultOutputDir      = "~/voxprep/out"
	defaultDBPath         = "~/.local/share/voxprep/results.db"
	defaultBind           = "127.0.0.1:5000"
	defaultMaxUploadMB    = 100
	defaultSegmentation   = "sentence"
	defaultQualityPolicy  = "additive"
	defaultGate           = GateSkip
	defaultWorkers        = 1
	defaultSampleRate     = 44100
	defaultConverter      = ConverterFFmpeg
	defaultEngine         = EngineWhisperCPP
	defaultWhisperBin     = "whisper-cli"
	defaultLanguage       = "auto"
	defaultOpenAIModel    = "whisper-1"
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultTimeoutSeconds = 300
	defaultPublishBackend = BackendLocal
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
)

const (
	GateSkip = "skip"
	GateWarn = "warn"

	ConverterFFmpeg = "ffmpeg"
	ConverterNative = "native"

	EngineWhisperCPP = "whispercpp"
	EngineOpenAI     = "openai"

	BackendLocal = "local"
	BackendS3    = "s3"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir: defaultOutputDir,
			DBPath:    defaultDBPath,
		},
		Server: Server{
			Bind:        defaultBind,
			MaxUploadMB: defaultMaxUploadMB,
		},
		Processing: Processing{
			Segmentation:   defaultSegmentation,
			QualityPolicy:  defaultQualityPolicy,
			Gate:           defaultGate,
			FallbackToTime: true,
			Workers:        defaultWorkers,
			SampleRate:     defaultSampleRate,
			Converter:      defaultConverter,
		},
		Transcription: Transcription{
			Engine:         defaultEngine,
			WhisperBin:     defaultWhisperBin,
			Language:       defaultLanguage,
			OpenAIModel:    defaultOpenAIModel,
			OpenAIBaseURL:  defaultOpenAIBaseURL,
			TimeoutSeconds: defaultTimeoutSeconds,
		},
		Publish: Publish{
			Backend: defaultPublishBackend,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
