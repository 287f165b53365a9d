// displaywatch - display topology watcher
// Lists displays, prints attach/detach/mirror/resolution events as they
// happen, and serves them over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"displayconfig/display"
	"displayconfig/internal/api"
	"displayconfig/internal/autostart"
	"displayconfig/internal/config"
	"displayconfig/internal/osutils"
	"displayconfig/internal/replay"
	"displayconfig/internal/stream"
	"displayconfig/internal/tray"
	"displayconfig/observer"
	"displayconfig/tracker"

	"github.com/rs/zerolog"
)

var (
	version      = "0.1.0"
	listFlag     = flag.Bool("list", false, "List connected displays")
	getFlag      = flag.String("get", "", "Show one display by identity")
	watchFlag    = flag.Bool("watch", false, "Print display events as they happen (default)")
	serveFlag    = flag.Bool("serve", false, "Serve the HTTP API and event stream while watching")
	portFlag     = flag.Int("port", 0, "API port (default from config)")
	trayFlag     = flag.Bool("tray", false, "Show the displays in the system tray")
	replayFlag   = flag.String("replay", "", "Watch a YAML display scenario instead of the real displays")
	followFlag   = flag.String("follow", "", "Watch the displays of another displaywatch (host:port)")
	discoverFlag = flag.Bool("discover", false, "Scan the LAN for displaywatch APIs")
	labelFlag    = flag.String("label", "", "Name a display: <id>=<name>; an empty name removes the label")
	syncFlag     = flag.Bool("sync-labels", false, "Pull display labels from the configured remote")
	policyFlag   = flag.String("policy", "", "Signal policy override: windows, macos or all")
	autoFlag     = flag.String("autostart", "", "Start the tray on login: on, off or status")
	debugFlag    = flag.Bool("debug", false, "Enable debug logging")
	showVer      = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("displaywatch version %s\n", version)
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfgMgr, err := config.NewManager(log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize config")
	}
	if err := cfgMgr.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
	}

	cfg := cfgMgr.Get()
	level := cfg.General.Level()
	if *debugFlag {
		level = zerolog.DebugLevel
	}
	log = log.Level(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *listFlag:
		listDisplays(cfgMgr, log)
	case *getFlag != "":
		showDisplay(cfgMgr, display.Identity(*getFlag), log)
	case *labelFlag != "":
		setLabel(cfgMgr, *labelFlag, log)
	case *syncFlag:
		if err := cfgMgr.SyncFromRemote(); err != nil {
			log.Fatal().Err(err).Msg("Failed to sync labels")
		}
	case *discoverFlag:
		discover(ctx, cfgMgr, log)
	case *autoFlag != "":
		setAutostart(*autoFlag, log)
	case *trayFlag:
		runTray(cfgMgr, log)
	default:
		runWatch(ctx, cfgMgr, log)
	}
}

func listDisplays(cfgMgr *config.Manager, log zerolog.Logger) {
	snaps, err := observer.GetDisplays()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list displays")
	}

	fmt.Println("Connected Displays:")
	fmt.Println("-------------------")
	for _, snap := range snaps {
		printDisplay(cfgMgr, snap)
		fmt.Println()
	}
}

func showDisplay(cfgMgr *config.Manager, id display.Identity, log zerolog.Logger) {
	snap, err := observer.GetDisplay(id)
	if errors.Is(err, display.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "No display %q\n", id)
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read display")
	}
	printDisplay(cfgMgr, snap)
}

func printDisplay(cfgMgr *config.Manager, snap display.Snapshot) {
	fmt.Printf("ID: %s\n", snap.ID)
	if label := cfgMgr.Label(snap.ID); label != "" {
		fmt.Printf("  Label: %s\n", label)
	}
	fmt.Printf("  Origin: (%d, %d)\n", snap.Origin.X, snap.Origin.Y)
	fmt.Printf("  Size: %s\n", snap.Size)
	fmt.Printf("  Primary: %v\n", snap.Primary)
	fmt.Printf("  Mirrored: %v\n", snap.Mirrored)
}

func setLabel(cfgMgr *config.Manager, arg string, log zerolog.Logger) {
	id, name, ok := strings.Cut(arg, "=")
	if !ok || id == "" {
		log.Fatal().Str("label", arg).Msg("Expected <id>=<name>")
	}
	if name == "" {
		cfgMgr.DeleteLabel(display.Identity(id))
	} else {
		cfgMgr.SetLabel(display.Identity(id), name)
	}
	if err := cfgMgr.Save(); err != nil {
		log.Fatal().Err(err).Msg("Failed to save config")
	}
	fmt.Printf("Saved label for %s in %s\n", id, cfgMgr.Path())
}

func discover(ctx context.Context, cfgMgr *config.Manager, log zerolog.Logger) {
	port := apiPort(cfgMgr)
	log.Info().Int("port", port).Msg("Scanning LAN")

	hosts, err := stream.ScanLAN(ctx, port)
	if err != nil {
		log.Fatal().Err(err).Msg("Scan failed")
	}
	if len(hosts) == 0 {
		fmt.Println("No displaywatch instances found")
		return
	}
	for _, h := range hosts {
		fmt.Printf("%-21s %-20s %d displays\n", h.Addr(), h.Name, h.Displays)
	}
}

func setAutostart(mode string, log zerolog.Logger) {
	var err error
	switch mode {
	case "on":
		err = autostart.Enable("-tray")
	case "off":
		err = autostart.Disable()
	case "status":
	default:
		log.Fatal().Str("autostart", mode).Msg("Expected on, off or status")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to change autostart")
	}
	fmt.Printf("Autostart enabled: %v\n", autostart.IsEnabled())
}

func apiPort(cfgMgr *config.Manager) int {
	if *portFlag > 0 {
		return *portFlag
	}
	return cfgMgr.Get().General.APIPort
}

func observerOptions(cfgMgr *config.Manager, log zerolog.Logger) []observer.Option {
	opts := []observer.Option{observer.WithLogger(log)}
	name := *policyFlag
	if name == "" {
		name = cfgMgr.Get().General.Policy
	}
	if name != "" {
		opts = append(opts, observer.WithPolicy(tracker.PolicyByName(name)))
	}
	return opts
}

// newObserver builds the observer for the selected source. done is closed
// when the source has nothing more to deliver; it is nil for live sources.
func newObserver(cfgMgr *config.Manager, log zerolog.Logger) (*observer.Observer, <-chan struct{}, error) {
	opts := observerOptions(cfgMgr, log)
	cfg := cfgMgr.Get()

	switch {
	case *replayFlag != "":
		sc, err := replay.Load(*replayFlag)
		if err != nil {
			return nil, nil, err
		}
		adapter := replay.NewScenarioAdapter(sc, cfg.General.ReplayInterval(), log)
		obs, err := observer.NewWithAdapter(adapter, opts...)
		return obs, adapter.Finished(), err

	case *followFlag != "":
		client := stream.NewClient(*followFlag, cfg.General.APIToken, "displaywatch", version, log)
		obs, err := observer.NewWithAdapter(stream.NewAdapter(client, log), opts...)
		return obs, nil, err
	}

	obs, err := observer.New(opts...)
	return obs, nil, err
}

func runWatch(ctx context.Context, cfgMgr *config.Manager, log zerolog.Logger) {
	obs, done, err := newObserver(cfgMgr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start display observer")
	}
	defer obs.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if done != nil {
		go func() {
			select {
			case <-done:
				// let the last cycle print before exiting
				time.Sleep(100 * time.Millisecond)
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	callbacks := []observer.Callback{printEvent(cfgMgr)}

	var wg sync.WaitGroup
	if *serveFlag || cfgMgr.Get().General.APIEnabled {
		server := api.NewServer(cfgMgr, obs, log)
		callbacks = append(callbacks, server.BroadcastEvent)

		if ips, err := stream.GetLocalIPs(); err == nil {
			for _, ip := range ips {
				log.Debug().Str("ip", ip).Msg("Local IPv4")
			}
		}

		if err := osutils.EnsureFirewallRule(apiPort(cfgMgr), log); err != nil {
			log.Warn().Err(err).Msg("Could not open the API port in the firewall")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx, apiPort(cfgMgr)); err != nil {
				log.Error().Err(err).Msg("API server stopped")
			}
		}()
	}

	obs.SetCallback(func(ev display.MayBeDisplayAvailable) {
		for _, cb := range callbacks {
			cb(ev)
		}
	})

	for _, snap := range obs.Displays().Snapshots() {
		fmt.Printf("Display present: %s\n", describe(cfgMgr, snap))
	}

	if err := obs.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Display observer failed")
	}
	cancel()
	wg.Wait()

	st := obs.Stats()
	log.Info().
		Int("accepted", st.Accepted).
		Int("ignored", st.Ignored).
		Int("failed", st.Failed).
		Int("events", st.Events).
		Msg("Done")
}

func printEvent(cfgMgr *config.Manager) observer.Callback {
	return func(ev display.MayBeDisplayAvailable) {
		name := cfgMgr.Describe(ev.ID)
		switch ev.Kind {
		case display.Added:
			fmt.Printf("Display added: %s\n", describeAvailable(cfgMgr, ev))
		case display.Removed:
			fmt.Printf("Display removed: %s\n", name)
		case display.Mirrored:
			fmt.Printf("Display mirrored: %s\n", describeAvailable(cfgMgr, ev))
		case display.UnMirrored:
			fmt.Printf("Display unmirrored: %s\n", describeAvailable(cfgMgr, ev))
		case display.ResolutionChanged:
			fmt.Printf("Display resolution changed: %s\n", describeAvailable(cfgMgr, ev))
		}
	}
}

func describeAvailable(cfgMgr *config.Manager, ev display.MayBeDisplayAvailable) string {
	if !ev.Available() {
		return cfgMgr.Describe(ev.ID)
	}
	return describe(cfgMgr, *ev.Display)
}

func describe(cfgMgr *config.Manager, snap display.Snapshot) string {
	s := snap
	s.ID = display.Identity(cfgMgr.Describe(snap.ID))
	return s.String()
}

func runTray(cfgMgr *config.Manager, log zerolog.Logger) {
	t := tray.New("displaywatch", cfgMgr.Describe, log)

	var (
		mu    sync.Mutex
		obs   *observer.Observer
		shown display.Set
	)

	// The tray owns the main thread. The observer is never Run; its adapter
	// delivers signals through the subscription.
	onReady := func() {
		o, _, err := newObserver(cfgMgr, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to start display observer")
			t.Stop()
			return
		}

		mu.Lock()
		obs = o
		shown = o.Displays()
		mu.Unlock()
		t.Update(shown)

		printer := printEvent(cfgMgr)
		o.SetCallback(func(ev display.MayBeDisplayAvailable) {
			printer(ev)
			if cfgMgr.Get().General.ShowNotifications {
				t.Notify(ev)
			}
			mu.Lock()
			shown = display.Apply(shown, ev)
			current := shown
			mu.Unlock()
			t.Update(current)
		})

		// Scripted and remote sources still need their own loop pumped
		if *replayFlag != "" || *followFlag != "" {
			go o.Run(context.Background())
		}
	}

	t.OnRefresh = func() {
		mu.Lock()
		defer mu.Unlock()
		if obs != nil {
			shown = obs.Displays()
			t.Update(shown)
		}
	}

	onExit := func() {
		mu.Lock()
		defer mu.Unlock()
		if obs != nil {
			obs.Stop()
		}
	}

	t.Run(onReady, onExit)
}
