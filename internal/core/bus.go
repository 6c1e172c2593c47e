package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
)

// Bus subjects.
const (
	SubjectGenerate       = "fp.generate"
	SubjectValidate       = "fp.validate"
	SubjectReports        = "fp.reports.>"
	SubjectCatalogUpdated = "fp.catalog.updated"

	reportsStream = "FINGERPRINT_REPORTS"
	serveQueue    = "maskforge"
	// busRequestTimeout bounds one request handled off the bus.
	busRequestTimeout = 30 * time.Second
)

// BusReply is the envelope answered on fp.generate and fp.validate.
type BusReply struct {
	Profile *fingerprint.Profile `json:"profile,omitempty"`
	Report  *fingerprint.Report  `json:"report,omitempty"`
	Error   string               `json:"error,omitempty"`
	Kind    string               `json:"kind,omitempty"`
}

// CatalogUpdate is announced on fp.catalog.updated.
type CatalogUpdate struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

// Bus wraps NATS: request/reply for generation and validation, and a
// JetStream stream that keeps validation reports.
type Bus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	ns      *server.Server
	logger  zerolog.Logger
	metrics *Metrics
	mu      sync.Mutex
	subs    []*nats.Subscription
}

// NewBus connects to NATS, starting an embedded server first when
// cfg.Embedded is set, and makes sure the reports stream exists.
func NewBus(cfg *BusConfig, logger zerolog.Logger, metrics *Metrics) (*Bus, error) {
	bus := &Bus{
		logger:  logger.With().Str("component", "bus").Logger(),
		metrics: metrics,
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		// ClientURL reflects the bound port, which matters when Port is -1.
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("maskforge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streamCfg := &nats.StreamConfig{
		Name:      reportsStream,
		Subjects:  []string{SubjectReports},
		Retention: nats.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		// The stream may exist with an older config.
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("creating/updating reports stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ReportSubject is the stream subject a report is stored under.
func ReportSubject(r *fingerprint.Report) string {
	return "fp.reports." + strings.ToLower(r.RiskLevel.String())
}

// PublishReport stores a validation report in the reports stream.
func (b *Bus) PublishReport(r *fingerprint.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	subject := ReportSubject(r)
	_, err = b.js.Publish(subject, data)
	b.metrics.observePublish("reports", err)
	if err != nil {
		return fmt.Errorf("publishing report to %s: %w", subject, err)
	}
	b.logger.Debug().
		Str("report_id", r.ID).
		Str("subject", subject).
		Msg("report published")
	return nil
}

// PublishCatalogUpdated announces a newly published catalog version.
func (b *Bus) PublishCatalogUpdated(c *catalog.Catalog) error {
	data, err := json.Marshal(CatalogUpdate{Version: c.Version(), Name: c.Name()})
	if err != nil {
		return fmt.Errorf("marshaling catalog update: %w", err)
	}
	err = b.nc.Publish(SubjectCatalogUpdated, data)
	b.metrics.observePublish("catalog", err)
	if err != nil {
		return fmt.Errorf("publishing catalog update: %w", err)
	}
	return nil
}

// Serve answers generation and validation requests on behalf of e. Every
// engine joins the same queue group, so requests are spread across
// instances.
func (b *Bus) Serve(e *Engine) error {
	handlers := map[string]func(context.Context, []byte) BusReply{
		SubjectGenerate: func(ctx context.Context, data []byte) BusReply {
			var req GenerateRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return errorReply(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			}
			p, err := e.Generate(ctx, req)
			if err != nil {
				return errorReply(err)
			}
			return BusReply{Profile: p}
		},
		SubjectValidate: func(ctx context.Context, data []byte) BusReply {
			var req ValidateRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return errorReply(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			}
			r, err := e.Validate(ctx, req)
			if err != nil {
				return errorReply(err)
			}
			return BusReply{Report: r}
		},
	}

	for subject, handle := range handlers {
		sub, err := b.nc.QueueSubscribe(subject, serveQueue, func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(e.Context(), busRequestTimeout)
			defer cancel()
			reply := handle(ctx, msg.Data)
			data, err := json.Marshal(reply)
			if err != nil {
				b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to marshal reply")
				return
			}
			if err := msg.Respond(data); err != nil {
				b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to respond")
			}
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		b.track(sub)
		b.logger.Debug().Str("subject", subject).Msg("serving")
	}
	return nil
}

func errorReply(err error) BusReply {
	return BusReply{Error: err.Error(), Kind: ErrorKind(err)}
}

// SubscribeReports delivers reports published from now on. A durable name
// lets a consumer resume where it left off.
func (b *Bus) SubscribeReports(durableName string, handler func(*fingerprint.Report)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(SubjectReports, func(msg *nats.Msg) {
		var r fingerprint.Report
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal report")
			_ = msg.Term()
			return
		}
		handler(&r)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", SubjectReports, err)
	}
	b.track(sub)
	return nil
}

func (b *Bus) track(sub *nats.Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Close drops every subscription and stops the embedded server.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *Bus) shutdownServer() {
	if b.ns == nil {
		return
	}
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
	b.logger.Info().Msg("embedded NATS server stopped")
}

// IsConnected returns true if the NATS connection is active.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}
