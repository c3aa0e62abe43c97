package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harmonia-player/harmonia/internal/audio"
	"github.com/harmonia-player/harmonia/internal/config"
	"github.com/harmonia-player/harmonia/internal/event"
	"github.com/harmonia-player/harmonia/internal/input"
	"github.com/harmonia-player/harmonia/internal/input/localfs"
	"github.com/harmonia-player/harmonia/internal/input/openapi"
	"github.com/harmonia-player/harmonia/internal/queue"
	"github.com/harmonia-player/harmonia/internal/statefile"
	"github.com/harmonia-player/harmonia/internal/ui"
)

var (
	versionFlag = flag.Bool("version", false, "Show version information")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	autoplay    = flag.Bool("autoplay", false, "Keep the queue filled with catalog suggestions")
)

const autoplayBatch = 5

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	setupLogging(cfg)

	bus := event.NewBus()
	defer bus.Close()

	module, closer, err := buildInputModule(cfg, bus)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize input module")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer()
	}

	player := audio.NewPlayer(audio.Config{
		Device:        cfg.Audio.Device,
		BufferSeconds: cfg.Audio.BufferSeconds,
		Source: audio.SourceConfig{
			ConnectTimeout: cfg.Network.ConnectTimeout(),
			ReadTimeout:    cfg.Network.ReadTimeout(),
			RetryDelay:     cfg.Network.RetryDelay(),
			RetryAttempts:  cfg.Network.RetryAttempts,
			RetryBudget:    cfg.Network.RetryBudget(),
			UserAgent:      fmt.Sprintf("%s/%s", config.AppName, config.AppVersion),
		},
	})
	defer player.Close()
	player.SetVolume(cfg.Volume)

	controller := queue.NewController(player, player.Monitor().Channel(), bus, queue.Options{
		PrefetchLeadMs: int64(cfg.PrefetchLeadMs),
	})
	defer controller.Close()

	restoreState(cfg, controller, module)
	if *autoplay {
		wireAutoplay(bus, controller, module)
	}

	stream := event.NewEventStream(bus)
	front := ui.New(controller, stream, player.Volume())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		front.Shutdown()
	}()

	if err := front.Run(); err != nil {
		log.Error().Err(err).Msg("UI exited with error")
	}

	saveState(cfg, controller, module)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debugFlag {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	// The TUI owns the terminal; log to a file next to the config instead.
	if configPath, err := config.GetConfigPath(); err == nil {
		logPath := configPath + ".log"
		if logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
			return
		}
	}
	if devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0644); err == nil {
		log.Logger = log.Output(devNull)
	}
}

func buildInputModule(cfg *config.Config, bus *event.Bus) (input.Module, func(), error) {
	switch cfg.Input.Module {
	case "openapi":
		return openapi.NewModule(cfg.Input.BaseURL, cfg.Input.Token, bus), nil, nil
	case "localfs", "":
		root := cfg.Input.RootDir
		if root == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, err
			}
			root = home + "/Music"
		}
		m, err := localfs.NewModule(root)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown input module %q", cfg.Input.Module)
	}
}

func restoreState(cfg *config.Config, controller *queue.Controller, module input.Module) {
	st, ok, err := statefile.Load(cfg.StateFilePath())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore state")
		return
	}
	if !ok || st.InputModule != module.Name() || len(st.TrackList) == 0 {
		return
	}

	tracks, err := module.GetTrackInfo(st.TrackList)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve restored tracks")
		return
	}
	controller.Add(tracks)
	log.Info().Int("tracks", len(tracks)).Msg("State restored")
}

func saveState(cfg *config.Config, controller *queue.Controller, module input.Module) {
	items := controller.List(0, 1<<20)
	st := statefile.State{InputModule: module.Name()}
	for _, item := range items {
		if item.Track != nil {
			st.TrackList = append(st.TrackList, item.Track.ID)
		}
		if item.Selected {
			st.CurrentTrackID = item.Index
		}
	}

	if err := statefile.Save(cfg.StateFilePath(), st); err != nil {
		log.Warn().Err(err).Msg("Failed to save state")
	}
}

// wireAutoplay keeps the queue growing: whenever playback reaches the tail,
// the catalog's suggestions for the last track are appended.
func wireAutoplay(bus *event.Bus, controller *queue.Controller, module input.Module) {
	suggester, ok := module.(*openapi.Module)
	if !ok {
		log.Info().Msg("Autoplay requires the openapi module")
		return
	}

	bus.Subscribe(event.RequestMoreTracks, func(event.Event) {
		items := controller.List(0, 1<<20)
		if len(items) == 0 || items[len(items)-1].Track == nil {
			return
		}
		lastID := items[len(items)-1].Track.ID

		ids, err := suggester.Suggestions(lastID, autoplayBatch)
		if err != nil {
			log.Warn().Err(err).Msg("Autoplay suggestions failed")
			return
		}
		tracks, err := suggester.GetTrackInfo(ids)
		if err != nil {
			log.Warn().Err(err).Str("seed", lastID).Msg("Autoplay track resolve failed")
			return
		}
		if len(tracks) > 0 {
			controller.Add(tracks)
			log.Debug().Int("added", len(tracks)).Msg("Autoplay extended the queue")
		}
	})
}
