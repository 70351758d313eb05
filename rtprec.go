// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rtprec

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"rtprec/pkg/config"
	"rtprec/pkg/ffmpeg"
	"rtprec/pkg/history"
	"rtprec/pkg/log"
	"rtprec/pkg/metrics"
	"rtprec/pkg/port"
	"rtprec/pkg/stream"
	"rtprec/pkg/system"
	"rtprec/pkg/web"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Run starts the app and blocks until a signal is
// received, ctx is canceled or a component fails.
func Run(ctx context.Context, envPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := &sync.WaitGroup{}
	app, err := newApp(ctx, envPath, wg)
	if err != nil {
		return err
	}

	err = app.run(ctx)

	cancel()
	wg.Wait()
	return err
}

// newApp builds the app, ctx bounds long lived handlers.
func newApp(ctx context.Context, envPath string, wg *sync.WaitGroup) (*App, error) { //nolint:funlen
	env, err := config.LoadEnv(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	logger := log.NewLogger(wg)

	// Streams.
	allocator := port.NewAllocator(port.UDPSource{Host: env.Host})
	if env.MaxPortAttempts > 0 {
		allocator.MaxAttempts = env.MaxPortAttempts
	}
	launcher := ffmpeg.New(env.FFmpegBin).LogLevel(env.FFmpegLogLevel)

	registry := stream.NewRegistry(stream.RegistryConfig{
		Host:         env.Host,
		RecordDir:    env.RecordDir,
		RestreamBase: env.RestreamBase,
		Allocator:    allocator,
		Launcher:     launcher,
		Logger:       logger,
	})

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	registry.OnEvent(m.Observe)

	historyDB := history.NewDB(env.HistoryPath(), env.HistorySize, wg)
	registry.OnEvent(historyDB.Observe)
	sys := system.New(env.RecordDir, registry.Len, logger)

	a := web.NewBasicAuth(env.Username, env.PasswordHash, logger)

	app := &App{
		WG:       wg,
		Logger:   logger,
		Env:      *env,
		Registry: registry,
		History:  historyDB,
		Metrics:  m,
		System:   sys,
		Auth:     a,
	}

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/api/stream/create", a.User(web.StreamCreate(registry)))
	mux.Handle("/api/stream/enable", a.User(web.StreamEnable(registry)))
	mux.Handle("/api/stream/start", a.User(web.StreamStart(registry)))
	mux.Handle("/api/stream/close", a.User(web.StreamClose(registry)))
	mux.Handle("/api/stream/list", a.User(web.StreamList(registry)))
	mux.Handle("/api/stream/sdp", a.User(web.StreamSDP(registry)))
	mux.Handle("/api/stream/feed", a.User(web.StreamFeed(ctx, registry, a)))

	mux.Handle("/api/history", a.User(web.History(historyDB, logger)))
	mux.Handle("/api/system/status", a.User(web.SystemStatus(sys)))
	mux.Handle("/api/log/feed", a.User(web.LogFeed(logger, a)))

	mux.Handle("/metrics", a.User(metrics.Handler(reg)))

	app.Mux = mux
	return app, nil
}

// App is the main application struct.
type App struct {
	WG       *sync.WaitGroup
	Logger   *log.Logger
	Env      config.Env
	Registry *stream.Registry
	History  *history.DB
	Metrics  *metrics.Metrics
	System   *system.System
	Auth     *web.BasicAuth
	Mux      *http.ServeMux
	server   *http.Server
}

func (app *App) logf(level log.Level, format string, a ...interface{}) {
	app.Logger.Log(log.Entry{
		Level: level,
		Src:   "app",
		Msg:   fmt.Sprintf(format, a...),
	})
}

// Time to wait for transcoders to finalize their output on shutdown.
const shutdownTimeout = 5 * time.Second

func (app *App) run(ctx context.Context) error { //nolint:funlen
	app.Logger.Start(ctx)
	go app.Logger.LogToStdout(ctx, app.Env.Level())
	time.Sleep(10 * time.Millisecond)

	app.logf(log.LevelInfo, "starting..")

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}
	if !app.Auth.Enabled() {
		app.logf(log.LevelWarning, "authentication disabled, no username configured")
	}
	if !app.Registry.RestreamEnabled() {
		app.logf(log.LevelInfo, "restreaming disabled, no restreamBase configured")
	}

	var g run.Group

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	// Streams are closed before the history saver stops.
	registryCtx, registryCancel := context.WithCancel(ctx)
	g.Add(
		func() error {
			<-registryCtx.Done()
			return nil
		},
		func(error) {
			ctx2, cancel2 := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel2()
			if err := app.Registry.Shutdown(ctx2, nil); err != nil {
				app.logf(log.LevelError, "streams closed: %v", err)
			} else {
				app.logf(log.LevelInfo, "streams closed")
			}
			registryCancel()
		},
	)

	if err := app.History.Init(ctx); err != nil {
		// Continue even if the history database is corrupt.
		app.logf(log.LevelError, "could not initialize history database: %v", err)
	} else {
		saveCtx, saveCancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				app.History.SaveStreams(saveCtx, app.Logger)
				return nil
			},
			func(error) { saveCancel() },
		)
	}

	statusCtx, statusCancel := context.WithCancel(ctx)
	g.Add(
		func() error {
			app.System.StatusLoop(statusCtx)
			return nil
		},
		func(error) { statusCancel() },
	)

	address := ":" + strconv.Itoa(app.Env.Port)
	app.server = &http.Server{
		Addr:              address,
		Handler:           app.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Add(
		func() error {
			app.logf(log.LevelInfo, "serving app on port %v", app.Env.Port)
			err := app.server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
		func(error) {
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			app.server.Shutdown(ctx2) //nolint:errcheck
		},
	)

	err := g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		app.logf(log.LevelInfo, "received %v, stopping", sigErr.Signal)
		err = nil
	} else if errors.Is(err, context.Canceled) {
		err = nil
	} else if err != nil {
		app.logf(log.LevelError, "fatal error: %v", err)
	}
	// Flush stdout logger.
	time.Sleep(10 * time.Millisecond)

	return err
}
