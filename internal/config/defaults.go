package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:    "~/.readloong/workspace",
			LogLevel:     "info",
			Language:     "zh",
			DefaultVoice: "en-US-JennyNeural",
		},
		Buffer: BufferConfig{
			DebounceSeconds: 5,
			MaxItems:        10,
			MaxAgeSeconds:   60,
		},
		Extract: ExtractConfig{
			Concurrency:    4,
			TimeoutSeconds: 60,
			OCR: OCRConfig{
				PrimaryURL:    "http://localhost:8866/predict/ocr",
				GeneralURL:    "http://localhost:8884/tesseract",
				MinConfidence: 0.5,
			},
			Video: VideoConfig{
				YtdlpPath: "yt-dlp",
			},
			Document: DocumentConfig{
				PdftotextPath:    "pdftotext",
				EbookConvertPath: "ebook-convert",
			},
		},
		Synthesis: SynthesisConfig{
			Provider:       "edge",
			MaxTextLen:     400000,
			TimeoutSeconds: 60,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.readloong/history.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "127.0.0.1:9190",
		},
	}
}
