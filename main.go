// Command carrera runs the live race server, or joins a race and replays a
// recorded route into it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"

	"carrera.app/client"
	"carrera.app/config"
	"carrera.app/logger"
	"carrera.app/race"
	"carrera.app/server"
)

var version = "dev"

var cli struct {
	Version kong.VersionFlag `help:"print version."`

	Serve serveCmd `cmd:"" default:"1" help:"run the race server."`
	Run   runCmd   `cmd:"" help:"join a race and replay a recorded route."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("carrera"),
		kong.Description("Carrera "+version),
		kong.UsageOnError(),
		kong.Vars{"version": version})

	ctx.FatalIfErrorf(ctx.Run())
}

func policyOf(r config.Race) (race.Policy, error) {
	ev, err := race.ParseEviction(r.Eviction)
	if err != nil {
		return race.Policy{}, err
	}
	return race.Policy{Eviction: ev, TTL: r.TTL}, nil
}

type serveCmd struct {
	Config string `help:"path to a config file." default:"carrera.yml"`
}

func (c *serveCmd) Run() error {
	cfg, found, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	if !found {
		log.Info("config file not found, using defaults", zap.String("path", c.Config))
	}

	policy, err := policyOf(cfg.Race)
	if err != nil {
		return err
	}

	stats := server.NewStats()
	hub := server.NewHub(stats, log.Named("hub"))
	reg := race.New(
		race.WithPublisher(hub),
		race.WithPolicy(policy),
		race.WithCodeLength(cfg.Race.CodeLength),
		race.WithRetries(cfg.Race.CodeRetries),
		race.WithLogger(log.Named("race")))
	srv := server.New(reg, hub, stats, cfg, log.Named("socket"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := race.NewSweeper(reg, cfg.Race.SweepInterval, log.Named("sweeper"))
	go sweeper.Run(ctx)

	if found {
		w, err := config.NewWatcher(c.Config)
		if err != nil {
			return err
		}
		defer w.Close()
		go reload(ctx, c.Config, w, reg, sweeper, log)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.ListenAndServe()
	}()
	log.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("version", version))

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// reload applies the race section of the config file whenever it changes.
// Other sections need a restart.
func reload(ctx context.Context, path string, w *config.Watcher, reg *race.Sessions, sweeper *race.Sweeper, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Changed():
		}

		cfg, _, err := config.Load(path)
		if err != nil {
			log.Error("reload config", zap.Error(err))
			continue
		}
		policy, err := policyOf(cfg.Race)
		if err != nil {
			log.Error("reload config", zap.Error(err))
			continue
		}

		reg.SetPolicy(policy)
		sweeper.SetInterval(cfg.Race.SweepInterval)
		log.Info("race settings reloaded",
			zap.String("eviction", string(policy.Eviction)),
			zap.Duration("ttl", policy.TTL),
			zap.Duration("sweepInterval", cfg.Race.SweepInterval))
	}
}

type runCmd struct {
	Server   string        `help:"websocket endpoint of the race server." default:"ws://localhost:3000/ws"`
	Name     string        `help:"display name." required:""`
	User     string        `help:"participant id, random when empty."`
	Create   bool          `help:"create a new race." xor:"mode" required:""`
	Race     string        `help:"code of the race to join." xor:"mode" required:""`
	Spectate bool          `help:"watch the race instead of running it."`
	Fixes    string        `help:"file with one JSON fix per line." type:"existingfile"`
	Interval time.Duration `help:"time between fixes." default:"1s"`
	Share    string        `help:"base URL of the race page, printed as a QR code with the race code."`
	LogLevel string        `help:"log level." default:"info" enum:"debug,info,warn,error"`
}

func (c *runCmd) Run() error {
	log, err := logger.New(c.LogLevel, "console")
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.Named("client")

	if c.Fixes == "" && !c.Spectate {
		return errors.New("--fixes is required unless --spectate is set")
	}

	user := c.User
	if user == "" {
		user = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := client.Dial(ctx, c.Server, log)
	if err != nil {
		return err
	}
	defer cl.Close()

	code := race.Normalize(c.Race)
	switch {
	case c.Create:
		code, err = cl.Create(ctx, user, c.Name)
		if err != nil {
			return err
		}
		c.printShare(code)
	case c.Spectate:
		err = cl.Spectate(ctx, code, user)
	default:
		err = cl.Join(ctx, code, user, c.Name)
	}
	if err != nil {
		return err
	}
	log.Info("in race", zap.String("race", code), zap.String("user", user))

	if c.Spectate {
		return watch(ctx, cl, log)
	}

	f, err := os.Open(c.Fixes)
	if err != nil {
		return err
	}
	fixes, err := client.LoadFixes(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", c.Fixes, err)
	}

	r := client.NewRunner(cl, code, user, c.Interval, log)
	r.OnEvent = func(env server.Envelope) { logEvent(log, env) }

	snap, err := r.Run(ctx, fixes)
	log.Info("run finished",
		zap.Float64("distance", snap.Distance),
		zap.Int("points", len(snap.Path)))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *runCmd) printShare(code string) {
	link := code
	if c.Share != "" {
		if u, err := url.Parse(c.Share); err == nil {
			q := u.Query()
			q.Set("race", code)
			u.RawQuery = q.Encode()
			link = u.String()
		}
	}

	fmt.Printf("race code: %s\n", code)
	qrterminal.GenerateHalfBlock(link, qrterminal.L, os.Stdout)
}

func watch(ctx context.Context, cl *client.Client, log *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-cl.Events():
			if !ok {
				return client.ErrClosed
			}
			logEvent(log, env)
		}
	}
}

func logEvent(log *zap.Logger, env server.Envelope) {
	switch env.Type {
	case server.TypePositionUpdate:
		var pu server.PositionUpdate
		if err := json.Unmarshal(env.Data, &pu); err != nil {
			return
		}
		for id, p := range pu.Positions {
			log.Info("position",
				zap.String("user", id),
				zap.Float64("lat", p.Lat),
				zap.Float64("lng", p.Lng),
				zap.Float64("km/h", p.Speed),
				zap.Float64("meters", p.Distance))
		}
	case server.TypeParticipantsUpdate:
		var pu server.ParticipantsUpdate
		if err := json.Unmarshal(env.Data, &pu); err != nil {
			return
		}
		log.Info("participants", zap.Int("count", len(pu.Participants)))
	case server.TypeRaceClosed:
		log.Warn("race closed by server")
	}
}
