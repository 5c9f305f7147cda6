package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parla/audio"
	"parla/config"
	"parla/log"
	"parla/output"
	"parla/pipeline"
	"parla/postproc"
	"parla/stt"
)

var version = "dev"

func main() {
	configFlag := flag.String("config", "", "Path to YAML config file")
	listDevicesFlag := flag.Bool("list-devices", false, "List capture devices and exit")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	providerFlag := flag.String("provider", "", "Transcription provider: deepgram, elevenlabs, groq, or openai")
	langFlag := flag.String("lang", "", "Language code for transcription (e.g. en, es, fr)")
	formatFlag := flag.String("format", "", "Batch upload container: wav or flac")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fakeFlag := flag.String("fake", "", "Dry-run with a canned transcript instead of a real provider")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("parla %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *deviceFlag != "" {
		cfg.Audio.Device = *deviceFlag
	}
	if *providerFlag != "" {
		cfg.STT.Provider = *providerFlag
	}
	if *langFlag != "" {
		cfg.STT.Language = *langFlag
	}
	if *formatFlag != "" {
		cfg.STT.Format = *formatFlag
	}
	if *logPathFlag != "" {
		cfg.LogDir = *logPathFlag
	}

	logPath, err := log.ResolveDir(cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	audioCtx, err := audio.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer audioCtx.Close()

	if *listDevicesFlag {
		devices, err := audioCtx.Devices()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, d := range devices {
			fmt.Println(d.Name)
		}
		os.Exit(0)
	}

	processor, err := buildProcessor(cfg.PostProcess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var sink output.Sink
	switch cfg.Output.Sink {
	case "stdout":
		sink = output.Stdout{}
	default:
		sink = output.Clipboard{}
	}

	sttConfig := stt.Config{
		Provider:      cfg.STT.Provider,
		Language:      cfg.STT.Language,
		Model:         cfg.STT.Model,
		Format:        cfg.STT.Format,
		ChunkDuration: time.Duration(cfg.STT.ChunkDurationMS) * time.Millisecond,
		Reconnect: stt.ReconnectConfig{
			MaxAttempts: cfg.STT.Reconnect.MaxAttempts,
			BaseDelay:   time.Duration(cfg.STT.Reconnect.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.STT.Reconnect.MaxDelayMS) * time.Millisecond,
		},
	}

	orch := pipeline.New(
		pipeline.Config{
			Processor:       processor,
			ProcessTimeout:  time.Duration(cfg.PostProcess.TimeoutMS) * time.Millisecond,
			DictionaryTerms: cfg.Dictionary,
			VoiceThreshold:  cfg.Audio.GateThreshold,
			VoiceHoldMS:     uint64(cfg.Audio.GateHoldMS),
			Sink:            sink,
		},
		func() (pipeline.AudioSource, error) {
			return audio.NewSource(audioCtx, audio.SourceConfig{
				Device:      cfg.Audio.Device,
				CaptureRate: uint32(cfg.Audio.CaptureRate),
				Channels:    uint32(cfg.Audio.Channels),
			})
		},
		func(ctx context.Context) (stt.Session, error) {
			if *fakeFlag != "" {
				return stt.NewFakeSession(*fakeFlag), nil
			}
			return stt.New(ctx, sttConfig)
		},
	)
	defer orch.Close()

	go printEvents(orch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		orch.Close()
		log.Close()
		os.Exit(0)
	}()

	fmt.Println("parla ready. Commands: start | stop | quit")
	runREPL(orch)
}

// runREPL drives the pipeline from stdin, one command per line.
func runREPL(orch *pipeline.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "start", "s":
			if err := orch.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "start: %v\n", err)
			}
		case "stop", "t":
			if err := orch.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "stop: %v\n", err)
			}
		case "quit", "q", "exit":
			return
		case "":
		default:
			fmt.Fprintln(os.Stderr, "commands: start | stop | quit")
		}
	}
}

func printEvents(orch *pipeline.Orchestrator) {
	for ev := range orch.Events() {
		switch ev.Kind {
		case pipeline.EventStateChanged:
			fmt.Printf("[%s]\n", ev.State)
		case pipeline.EventPartialTranscription:
			fmt.Printf("  … %s\n", ev.Text)
		case pipeline.EventCommittedTranscription:
			fmt.Printf("  + %s\n", ev.Text)
		case pipeline.EventCommandDetected:
			fmt.Printf("  cmd: %s\n", ev.Text)
		case pipeline.EventFinalResult:
			marker := ""
			if ev.Fallback {
				marker = " (raw)"
			}
			fmt.Printf("=> %s%s\n", ev.Text, marker)
		case pipeline.EventError:
			if ev.Fatal {
				fmt.Fprintf(os.Stderr, "error: %v\n", ev.Err)
			} else {
				fmt.Fprintf(os.Stderr, "warning: %v\n", ev.Err)
			}
		}
	}
}

func buildProcessor(cfg config.PostProcessConfig) (postproc.Processor, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
		}
		return postproc.NewOpenAIProcessor(key, cfg.Model), nil
	case "claude":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		return postproc.NewClaudeProcessor(key, cfg.Model), nil
	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY environment variable is not set")
		}
		return postproc.NewGeminiProcessor(key, cfg.Model), nil
	case "custom":
		return postproc.NewCustomProcessor(cfg.Endpoint, os.Getenv("OPENAI_API_KEY"), cfg.Model), nil
	case "exec":
		return postproc.NewExecProcessor(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown post-process backend %q", cfg.Backend)
	}
}
