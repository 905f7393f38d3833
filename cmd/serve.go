// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/station"
	"github.com/Thermoquad/thermobase/pkg/upload"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	// Control protocol
	serveListen       string
	serveResponseAddr string
	serveCmdTimeout   time.Duration

	// Transmitter
	serveAckTimeout time.Duration
	serveRetryPause time.Duration
	serveMaxRetries uint64

	// Upload sinks
	serveDBHost       string
	serveMQTTBroker   string
	serveMQTTTopic    string
	serveMQTTUser     string
	serveInfluxURL    string
	serveInfluxOrg    string
	serveInfluxBucket string
	serveKafkaBrokers []string
	serveKafkaTopic   string
	serveBreakerFails uint32

	// Local sensor
	serveLocalInterval time.Duration
	serveLocalFile     string
	serveLocalRadioID  string

	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the base station",
	Long: `Run the base station: receive telemetry from the node, upload it, and
relay control requests to the node.

Control requests arrive one per TCP connection on --listen:
  TS:ON | TS:OFF                  thermostat power
  PO:OFF | PO:ON:<setpoint>[:<min>] program override
  TR:GET                          read the node's rule table
  DR                              latest telemetry

Results are pushed CBOR-encoded to --response-addr, not written back on the
request connection.

Upload sinks are enabled by their flags. Secrets come from the environment:
  THERMOBASE_MQTT_PASSWORD, THERMOBASE_INFLUX_TOKEN

The radio connection is reopened with backoff when it drops.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", ":5267", "Control protocol listen address")
	f.StringVar(&serveResponseAddr, "response-addr", "", "Address (host:port) that receives command results")
	f.DurationVar(&serveCmdTimeout, "command-timeout", 0, "Give up on a command after this long (0 = retry forever)")

	f.DurationVar(&serveAckTimeout, "ack-timeout", radio.DefaultAckTimeout, "Wait for an acknowledgement before resending")
	f.DurationVar(&serveRetryPause, "retry-pause", radio.DefaultRetryPause, "Pause between resends")
	f.Uint64Var(&serveMaxRetries, "max-retries", 0, "Resends before reporting unknown status (0 = unlimited)")

	f.StringVar(&serveDBHost, "db-host", "", "Database upload host (port 80 unless given)")
	f.StringVar(&serveMQTTBroker, "mqtt-broker", "", "MQTT broker URL (tcp://host:1883)")
	f.StringVar(&serveMQTTTopic, "mqtt-topic", "thermobase", "MQTT topic root")
	f.StringVar(&serveMQTTUser, "mqtt-username", "", "MQTT username")
	f.StringVar(&serveInfluxURL, "influx-url", "", "InfluxDB URL")
	f.StringVar(&serveInfluxOrg, "influx-org", "", "InfluxDB organization")
	f.StringVar(&serveInfluxBucket, "influx-bucket", "", "InfluxDB bucket")
	f.StringSliceVar(&serveKafkaBrokers, "kafka-brokers", nil, "Kafka brokers (host:port, comma separated)")
	f.StringVar(&serveKafkaTopic, "kafka-topic", "thermobase.telemetry", "Kafka topic")
	f.Uint32Var(&serveBreakerFails, "breaker-failures", upload.DefaultBreakerConfig.Failures, "Consecutive sink failures before the sink is paused")

	f.DurationVar(&serveLocalInterval, "local-sensor-interval", 0, "Upload the station's own temperature this often (0 = off)")
	f.StringVar(&serveLocalFile, "local-sensor-file", "", "File holding the local TMP36 output in volts")
	f.StringVar(&serveLocalRadioID, "local-radio-id", "40aeba93", "radio_id reported for the local sensor (hex)")

	f.StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	session, err := openRadioSession(m)
	if err != nil {
		return err
	}
	defer session.close()

	sinks, lineSink, err := buildSinks(ctx, m)
	if err != nil {
		return err
	}
	fanout := upload.NewFanout(m, sinks...)
	defer fanout.Close()

	policy := radio.ConstantRetry(serveRetryPause)
	if serveMaxRetries > 0 {
		policy = radio.LimitedRetry(serveRetryPause, serveMaxRetries)
	}
	tx := session.newTransmitter(
		radio.WithAckTimeout(serveAckTimeout),
		radio.WithRetryPolicy(policy),
		radio.WithMetrics(m),
		radio.WithStateHook(func(id string, s radio.State) {
			if s == radio.StateRetrying {
				log.Printf("[%s] waiting for node, resending", id)
			}
		}),
	)

	var responder station.Responder
	if serveResponseAddr != "" {
		responder = upload.NewPusher(serveResponseAddr, 5*time.Second)
	}

	st := station.New(station.Config{
		Commander:      tx,
		Responder:      responder,
		Decoder:        session.decoder,
		Sink:           fanout,
		Metrics:        m,
		CommandTimeout: serveCmdTimeout,
	})

	session.routeTelemetry(st.HandleTelemetry)
	session.onLinkError = st.LinkError

	var radioUp atomic.Bool
	radioUp.Store(true)
	session.onLost = func(error) { radioUp.Store(false) }
	session.onReconnect = func(string) { radioUp.Store(true) }

	ln, err := net.Listen("tcp", serveListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", serveListen, err)
	}

	fmt.Printf("Thermobase - Base Station\n")
	fmt.Printf("Connection: %s\n", session.info())
	fmt.Printf("Node: %016X, layout: %s\n", session.node, session.decoder.Layout())
	fmt.Printf("Control: %s\n", ln.Addr())
	for _, s := range sinks {
		fmt.Printf("Upload: %s\n", s.Name())
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	go st.RunUploads(ctx)

	if serveMetricsAddr != "" {
		router := metrics.NewRouter(prometheus.DefaultGatherer, func() error {
			if !radioUp.Load() {
				return fmt.Errorf("radio connection down")
			}
			return nil
		})
		srv := metrics.NewServer(serveMetricsAddr, router, os.Stderr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	if serveLocalInterval > 0 {
		sampler, err := localSampler(lineSink, fanout)
		if err != nil {
			return err
		}
		go sampler.Run(ctx)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- session.run(ctx, true) }()
	go func() { errCh <- st.Serve(ctx, ln) }()

	select {
	case err := <-errCh:
		stop()
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	fmt.Println()
	fmt.Print(st.Stats())
	return nil
}

// buildSinks creates the enabled upload sinks, each behind a circuit breaker.
// The raw line sink is also returned for the local sensor.
func buildSinks(ctx context.Context, m *metrics.Metrics) ([]upload.Sink, *upload.LineSink, error) {
	cfg := upload.DefaultBreakerConfig
	cfg.Failures = serveBreakerFails

	var sinks []upload.Sink
	var lineSink *upload.LineSink

	if serveDBHost != "" {
		lineSink = upload.NewLineSink(serveDBHost, 5*time.Second)
		sinks = append(sinks, upload.NewBreaker(lineSink, cfg, m))
	}

	if serveMQTTBroker != "" {
		sink, err := upload.DialMQTT(ctx, upload.MQTTConfig{
			Broker:    serveMQTTBroker,
			ClientID:  "thermobase-" + uuid.New().String()[:8],
			Username:  serveMQTTUser,
			Password:  os.Getenv("THERMOBASE_MQTT_PASSWORD"),
			TopicRoot: serveMQTTTopic,
			Retries:   5,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, upload.NewBreaker(sink, cfg, m))
	}

	if serveInfluxURL != "" {
		sink, err := upload.NewInfluxSink(upload.InfluxConfig{
			URL:    serveInfluxURL,
			Token:  os.Getenv("THERMOBASE_INFLUX_TOKEN"),
			Org:    serveInfluxOrg,
			Bucket: serveInfluxBucket,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, upload.NewBreaker(sink, cfg, m))
	}

	if len(serveKafkaBrokers) > 0 {
		sink := upload.NewKafkaSink(serveKafkaBrokers, serveKafkaTopic)
		sinks = append(sinks, upload.NewBreaker(sink, cfg, m))
	}

	return sinks, lineSink, nil
}

// localSampler reads the local TMP36 voltage from a file every interval.
// Samples go to the database line sink when configured, else to all sinks.
func localSampler(lineSink *upload.LineSink, fallback upload.Sink) (*upload.LocalSampler, error) {
	if serveLocalFile == "" {
		return nil, fmt.Errorf("--local-sensor-interval needs --local-sensor-file")
	}
	id, err := parseRadioID(serveLocalRadioID)
	if err != nil {
		return nil, err
	}

	var sink upload.Sink = fallback
	if lineSink != nil {
		sink = lineSink
	}

	return &upload.LocalSampler{
		SourceID: id,
		Read: func() (float64, error) {
			data, err := os.ReadFile(serveLocalFile)
			if err != nil {
				return 0, err
			}
			return strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		},
		Sink:      sink,
		Interval:  serveLocalInterval,
		Samples:   20,
		SampleGap: 100 * time.Millisecond,
		Supply:    3.3,
	}, nil
}

// parseRadioID parses a 4-byte node id given in hex
func parseRadioID(s string) ([]byte, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid radio id %q: %v", s, err)
	}
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, nil
}
