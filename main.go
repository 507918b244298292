package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"carbonlog/audio"
	"carbonlog/beep"
	"carbonlog/config"
	"carbonlog/log"
	"carbonlog/session"
	"carbonlog/shutdown"
)

var version = "dev"

var shutdownOnce sync.Once

func gracefulShutdown(a *app) {
	shutdownOnce.Do(func() {
		if a != nil {
			a.close()
		}
		log.Close()
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

// globalFlags are accepted by the interactive client and every subcommand.
type globalFlags struct {
	config  *string
	api     *string
	auth    *string
	format  *string
	device  *string
	logPath *string
}

func registerGlobalFlags(fs *flag.FlagSet) *globalFlags {
	return &globalFlags{
		config:  fs.String("config", "", "config file (default: <user config dir>/carbonlog/config.yaml)"),
		api:     fs.String("api", "", "activity service URL (overrides config and CARBONLOG_API_URL)"),
		auth:    fs.String("auth", "", "auth service URL (overrides config and CARBONLOG_AUTH_URL)"),
		format:  fs.String("format", "", "clip format: flac or wav"),
		device:  fs.String("device", "", "use named microphone device"),
		logPath: fs.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)"),
	}
}

// load resolves the log directory, reads the config file and layers the
// flags over it.
func (g *globalFlags) load() (*config.Config, error) {
	logPath, err := log.ResolveDir(*g.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log directory: %w", err)
	}
	log.SetDir(logPath)

	path := *g.config
	if path == "" {
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Apply(config.Overrides{
		APIURL:  *g.api,
		AuthURL: *g.auth,
		Format:  *g.format,
		Device:  *g.device,
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore() (*session.Store, *session.Session, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, nil, err
	}
	store := session.NewStore(dir)
	sess, err := store.Load()
	if err != nil {
		return nil, nil, err
	}
	store.Persist(sess, func(err error) {
		log.Errorf("session save error: %v", err)
	})
	return store, sess, nil
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}
}

func main() {
	if len(os.Args) > 1 {
		if cmd, ok := commands[os.Args[1]]; ok {
			os.Exit(cmd(os.Args[2:]))
		}
	}
	run()
}

func run() {
	g := registerGlobalFlags(flag.CommandLine)
	setupFlag := flag.Bool("setup", false, "select microphone device (otherwise uses system default)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	testFlag := flag.String("test", "", "test mode: drive the pipeline from stdin using a WAV file as the microphone")
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Printf("carbonlog %s\n", version)
		os.Exit(0)
	}

	cfg, err := g.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	store, sess, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not read session: %v\n", err)
		os.Exit(1)
	}
	log.SessionStart(sess.Username(), cfg.APIURL, cfg.Format)

	if !cfg.BeepEnabled() {
		beep.Disable()
	}

	if *testFlag != "" {
		runTestMode(cfg, *testFlag, store, sess)
		return
	}

	ctx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Close()

	var selectedDevice *audio.DeviceInfo
	if *setupFlag && cfg.Device == "" {
		selectedDevice, err = audio.SelectDevice(ctx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selectedDevice = nil
		}
	} else if cfg.Device != "" {
		selectedDevice, err = audio.FindDevice(ctx, cfg.Device)
		if err == nil && selectedDevice == nil {
			err = fmt.Errorf("device %q not found", cfg.Device)
		}
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: %v, using default device\n", err)
		}
	}

	a := newApp(cfg, ctx, selectedDevice, store, sess, tuiSink{})
	a.warm()
	go beep.Init()

	tuiMu.Lock()
	tuiProgram = NewTUIProgram(a)
	tuiMu.Unlock()

	stopSignals := shutdown.OnSignal(func(sig os.Signal) {
		log.Infof("signal: %s", sig)
		gracefulShutdown(a)
	})
	defer stopSignals()

	go tuiSend(DeviceLineMsg{Text: deviceLineText(selectedDevice)})

	if _, err := tuiProgram.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.close()
		os.Exit(1)
	}
	gracefulShutdown(a)
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: carbonlog [flags]\n")
	fmt.Fprintf(out, "       carbonlog <command> [flags]\n\n")
	fmt.Fprintf(out, "Commands:\n")
	for _, name := range commandNames {
		fmt.Fprintf(out, "  %-9s %s\n", name, commandHelp[name])
	}
	fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}
