package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	xmqtt "github.com/Allenxuxu/Xmqtt"
)

// logRollSizeMB caps each log file at 500 MB before rolling.
const logRollSizeMB = 500

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "xmqtt",
		Short:         "xmqtt is a lightweight MQTT v3.1.1 broker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.StringP("ip", "i", "127.0.0.1", "mqtt server IP address")
	flags.Uint16P("port", "p", 1883, "mqtt server listen port")
	flags.IntP("threads", "n", 3, "number of worker threads (GOMAXPROCS)")
	flags.String("ws-port", "", "optional MQTT-over-WebSocket listen port")
	flags.String("metrics-addr", "", "optional Prometheus metrics listen address")
	flags.String("log-file", "", "log to a rolling file instead of stderr")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("config", "", "optional config file (YAML)")

	// Flags win over environment (XMQTT_*), environment over config file.
	v.SetEnvPrefix("XMQTT")
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd
}

func run(v *viper.Viper) error {
	if cfg := v.GetString("config"); cfg != "" {
		v.SetConfigFile(cfg)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	logger, err := newLogger(v.GetString("log-file"), v.GetString("log-level"))
	if err != nil {
		return err
	}

	if threads := v.GetInt("threads"); threads > 0 {
		runtime.GOMAXPROCS(threads)
	}

	addr := net.JoinHostPort(v.GetString("ip"), strconv.Itoa(v.GetInt("port")))
	opts := []xmqtt.Option{
		xmqtt.WithAddr(addr),
		xmqtt.WithLogger(logger),
	}
	if wsPort := v.GetString("ws-port"); wsPort != "" {
		opts = append(opts, xmqtt.WithWebSocketAddr(net.JoinHostPort(v.GetString("ip"), wsPort)))
	}
	if metricsAddr := v.GetString("metrics-addr"); metricsAddr != "" {
		opts = append(opts, xmqtt.WithMetricsAddr(metricsAddr))
	}

	srv := xmqtt.NewServer(opts...)

	logger.Info().
		Str("addr", addr).
		Int("threads", v.GetInt("threads")).
		Msg("starting broker")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info().Msg("shutting down")
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, xmqtt.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(logFile, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parsing log level: %w", err)
	}

	var logger zerolog.Logger
	if logFile != "" {
		logger = zerolog.New(&lumberjack.Logger{
			Filename: logFile,
			MaxSize:  logRollSizeMB,
		})
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	return logger.Level(lvl).With().Timestamp().Logger(), nil
}
