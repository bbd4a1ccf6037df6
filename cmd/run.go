package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/net2-doors/internal/pkg/bridge"
	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/handlers"
	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
	"github.com/jake-scott/net2-doors/internal/pkg/signalr"
	"github.com/jake-scott/net2-doors/internal/pkg/sinks"
	"github.com/jake-scott/net2-doors/pkg/middlewares"
)

var _runCmdOpts struct {
	listen            string
	gracefulTimeout   time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	corsOrigins       []string
	logRequests       bool
	pollInterval      time.Duration
	connectTimeout    time.Duration
	reconnectInterval time.Duration
	hubPath           string
	openPolicy        string
	autoOff           time.Duration
	mqttBroker        string
	mqttClientID      string
	mqttUsername      string
	mqttPassword      string
	mqttTopicPrefix   string
	mqttQoS           int
	webhookURL        string
	webhookWorkers    int
	webhookTimeout    time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the door bridge and its HTTP API",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRun(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags(net2RequiredFlags...)
	},
}

func init() {
	runCmd.Flags().StringVar(&_runCmdOpts.listen, "listen", ":8080", "HTTP API listen address")
	runCmd.Flags().DurationVar(&_runCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	runCmd.Flags().StringSliceVar(&_runCmdOpts.corsOrigins, "cors-origin", nil, "origins allowed to call the HTTP API")
	runCmd.Flags().BoolVar(&_runCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")
	runCmd.Flags().DurationVar(&_runCmdOpts.pollInterval, "refresh-interval", bridge.DefaultPollInterval, "door status poll interval")
	runCmd.Flags().DurationVar(&_runCmdOpts.connectTimeout, "connect-timeout", signalr.DefaultConnectTimeout, "event hub connect timeout")
	runCmd.Flags().DurationVar(&_runCmdOpts.reconnectInterval, "reconnect-interval", bridge.DefaultReconnectInterval, "minimum time between event hub connection attempts")
	runCmd.Flags().StringVar(&_runCmdOpts.hubPath, "hub-path", signalr.DefaultHubPath, "event hub path on the Net2 server")
	runCmd.Flags().StringVar(&_runCmdOpts.openPolicy, "open-policy", doorstate.PolicyPulse.String(), "what an open event does to status: pulse or hold")
	runCmd.Flags().DurationVar(&_runCmdOpts.autoOff, "auto-off", doorstate.DefaultAutoOffDelay, "status auto-off delay for the pulse policy")
	runCmd.Flags().StringVar(&_runCmdOpts.mqttBroker, "mqtt-broker", "", "MQTT broker URL, eg. tcp://localhost:1883 (empty disables)")
	runCmd.Flags().StringVar(&_runCmdOpts.mqttClientID, "mqtt-client-id", "", "MQTT client ID")
	runCmd.Flags().StringVar(&_runCmdOpts.mqttUsername, "mqtt-username", "", "MQTT user name")
	runCmd.Flags().StringVar(&_runCmdOpts.mqttPassword, "mqtt-password", "", "MQTT password")
	runCmd.Flags().StringVar(&_runCmdOpts.mqttTopicPrefix, "mqtt-topic-prefix", sinks.DefaultTopicPrefix, "MQTT topic prefix")
	runCmd.Flags().IntVar(&_runCmdOpts.mqttQoS, "mqtt-qos", 1, "MQTT publish QoS")
	runCmd.Flags().StringVar(&_runCmdOpts.webhookURL, "webhook-url", "", "URL to POST door notifications to (empty disables)")
	runCmd.Flags().IntVar(&_runCmdOpts.webhookWorkers, "webhook-concurrency", sinks.DefaultWebhookConcurrency, "parallel webhook deliveries")
	runCmd.Flags().DurationVar(&_runCmdOpts.webhookTimeout, "webhook-timeout", sinks.DefaultWebhookTimeout, "webhook delivery timeout")

	errPanic(viper.GetViper().BindPFlag("http.listen", runCmd.Flags().Lookup("listen")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", runCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", runCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", runCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.cors-origins", runCmd.Flags().Lookup("cors-origin")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", runCmd.Flags().Lookup("log-requests")))
	errPanic(viper.GetViper().BindPFlag("net2.refresh-interval", runCmd.Flags().Lookup("refresh-interval")))
	errPanic(viper.GetViper().BindPFlag("net2.connect-timeout", runCmd.Flags().Lookup("connect-timeout")))
	errPanic(viper.GetViper().BindPFlag("net2.reconnect-interval", runCmd.Flags().Lookup("reconnect-interval")))
	errPanic(viper.GetViper().BindPFlag("net2.hub-path", runCmd.Flags().Lookup("hub-path")))
	errPanic(viper.GetViper().BindPFlag("doors-policy.open", runCmd.Flags().Lookup("open-policy")))
	errPanic(viper.GetViper().BindPFlag("doors-policy.auto-off", runCmd.Flags().Lookup("auto-off")))
	errPanic(viper.GetViper().BindPFlag("mqtt.broker", runCmd.Flags().Lookup("mqtt-broker")))
	errPanic(viper.GetViper().BindPFlag("mqtt.client-id", runCmd.Flags().Lookup("mqtt-client-id")))
	errPanic(viper.GetViper().BindPFlag("mqtt.username", runCmd.Flags().Lookup("mqtt-username")))
	errPanic(viper.GetViper().BindPFlag("mqtt.password", runCmd.Flags().Lookup("mqtt-password")))
	errPanic(viper.GetViper().BindPFlag("mqtt.topic-prefix", runCmd.Flags().Lookup("mqtt-topic-prefix")))
	errPanic(viper.GetViper().BindPFlag("mqtt.qos", runCmd.Flags().Lookup("mqtt-qos")))
	errPanic(viper.GetViper().BindPFlag("webhook.url", runCmd.Flags().Lookup("webhook-url")))
	errPanic(viper.GetViper().BindPFlag("webhook.concurrency", runCmd.Flags().Lookup("webhook-concurrency")))
	errPanic(viper.GetViper().BindPFlag("webhook.timeout", runCmd.Flags().Lookup("webhook-timeout")))

	rootCmd.AddCommand(runCmd)
}

// closer is a sink holding a connection that must be shut down
type closer interface {
	Close()
}

func buildSinks() (doorstate.Sink, []closer, error) {
	all := sinks.Multi{sinks.NewLog()}
	var closers []closer

	if broker := viper.GetString("mqtt.broker"); broker != "" {
		m, err := sinks.NewMQTT(sinks.MQTTConfig{
			Broker:      broker,
			ClientID:    viper.GetString("mqtt.client-id"),
			Username:    viper.GetString("mqtt.username"),
			Password:    viper.GetString("mqtt.password"),
			TopicPrefix: viper.GetString("mqtt.topic-prefix"),
			QoS:         byte(viper.GetInt("mqtt.qos")),
		})
		if err != nil {
			return nil, nil, err
		}

		all = append(all, m)
		closers = append(closers, m)
	}

	if url := viper.GetString("webhook.url"); url != "" {
		w := sinks.NewWebhook(sinks.WebhookConfig{
			URL:         url,
			Concurrency: viper.GetInt("webhook.concurrency"),
			Timeout:     viper.GetDuration("webhook.timeout"),
		})

		all = append(all, w)
		closers = append(closers, w)
	}

	return all, closers, nil
}

func configuredDoors() ([]bridge.DoorConfig, error) {
	var doors []bridge.DoorConfig
	if err := viper.UnmarshalKey("doors", &doors); err != nil {
		return nil, errors.Wrap(err, "reading doors from config")
	}

	seen := map[int]bool{}
	for _, d := range doors {
		if d.ID <= 0 {
			return nil, errors.Errorf("door %q has no valid id", d.Name)
		}
		if seen[d.ID] {
			return nil, errors.Errorf("door %d configured twice", d.ID)
		}
		seen[d.ID] = true
	}

	return doors, nil
}

func newBridge(ctx context.Context, sink doorstate.Sink) (*bridge.Bridge, error) {
	clients := newNet2Clients(ctx)

	root, err := net2api.ServerRoot(clients.baseURL)
	if err != nil {
		return nil, err
	}

	policy, err := doorstate.ParseOpenPolicy(viper.GetString("doors-policy.open"))
	if err != nil {
		return nil, err
	}

	endpoint := signalr.NewEndpoint(root, viper.GetString("net2.hub-path"))
	tlsConfig := net2api.TLSConfig(clients.verify)

	b := bridge.New(bridge.Config{
		PollInterval:      viper.GetDuration("net2.refresh-interval"),
		ReconnectInterval: viper.GetDuration("net2.reconnect-interval"),
		APITimeout:        apiTimeout(),
		OpenPolicy:        policy,
		AutoOffDelay:      viper.GetDuration("doors-policy.auto-off"),
	}, bridge.Deps{
		Session: clients.session,
		API:     clients.api,
		Sink:    sink,
		NewRealtime: func(h signalr.Handler) bridge.Realtime {
			return signalr.NewClient(signalr.Config{
				Endpoint:       endpoint,
				Tokens:         clients.session,
				TLSConfig:      tlsConfig,
				ConnectTimeout: viper.GetDuration("net2.connect-timeout"),
				Handler:        h,
			})
		},
	})

	return b, nil
}

func doRun() error {
	wait := viper.GetDuration("http.graceful-timeout")
	listen := viper.GetString("http.listen")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	doors, err := configuredDoors()
	if err != nil {
		return err
	}
	if len(doors) == 0 {
		logging.Logger(nil).Warn("no doors configured")
	}

	sink, closers, err := buildSinks()
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBridge(ctx, sink)
	if err != nil {
		return err
	}
	for _, d := range doors {
		b.AddDoor(d)
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop()

	r := mux.NewRouter()
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	handlers.NewDoorHandler(b).Register(r)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Preflight OPTIONS requests match no route, so CORS sits outside the router
	var handler http.Handler = r
	if origins := viper.GetStringSlice("http.cors-origins"); len(origins) > 0 {
		handler = middlewares.NewCors(middlewares.CorsOptions(origins), r)
	}

	s := &http.Server{
		Addr:         listen,
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      handler,
	}

	logging.Logger(nil).Infof("Serving on %s", listen)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal
	<-c

	// HTTP first so no command races the bridge shutting down
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), wait)
	defer shutdownCancel()
	logging.Logger(nil).Info("shutting down")
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}

	b.Stop()
	logging.Logger(nil).Info("exiting")
	return nil
}
