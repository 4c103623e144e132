package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/container"
)

const (
	subjectVerify   = "knowd.contrib.verify"
	subjectAnnounce = "knowd.contrib.announce"
)

// Config configures the NATS transport.
type Config struct {
	// URL is the NATS server to connect to.
	URL string `koanf:"url"`

	// PeerID identifies this node in votes and broadcasts. Generated when
	// empty.
	PeerID string `koanf:"peer_id"`

	// VoteBuffer sizes the per-broadcast vote channel.
	VoteBuffer int `koanf:"vote_buffer"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.PeerID == "" {
		c.PeerID = uuid.NewString()
	}
	if c.VoteBuffer == 0 {
		c.VoteBuffer = 64
	}
}

// NATSTransport implements Transport over a NATS connection, using
// request-inbox fan-in for vote collection.
type NATSTransport struct {
	nc     *nats.Conn
	config Config
	logger *zap.Logger
}

// Connect dials the configured NATS server.
func Connect(cfg Config, logger *zap.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("peer transport connected",
		zap.String("url", cfg.URL),
		zap.String("peer_id", cfg.PeerID),
	)
	return &NATSTransport{nc: nc, config: cfg, logger: logger}, nil
}

// PeerID returns this node's identity.
func (t *NATSTransport) PeerID() string {
	return t.config.PeerID
}

// Broadcast publishes the candidate with a reply inbox and fans incoming
// votes into the returned channel until the deadline or ctx cancellation.
func (t *NATSTransport) Broadcast(ctx context.Context, cand CandidateMsg) (<-chan Vote, error) {
	if !t.nc.IsConnected() {
		return nil, ErrNotConnected
	}
	cand.PeerID = t.config.PeerID
	data, err := json.Marshal(cand)
	if err != nil {
		return nil, fmt.Errorf("encoding candidate %s: %w", cand.CandidateID, err)
	}

	inbox := nats.NewInbox()
	msgs := make(chan *nats.Msg, t.config.VoteBuffer)
	sub, err := t.nc.ChanSubscribe(inbox, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribing vote inbox: %w", err)
	}
	if err := t.nc.PublishRequest(subjectVerify, inbox, data); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("broadcasting candidate %s: %w", cand.CandidateID, err)
	}

	votes := make(chan Vote, t.config.VoteBuffer)
	go func() {
		defer close(votes)
		defer func() { _ = sub.Unsubscribe() }()

		var deadline <-chan time.Time
		if !cand.Deadline.IsZero() {
			timer := time.NewTimer(time.Until(cand.Deadline))
			defer timer.Stop()
			deadline = timer.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				return
			case msg := <-msgs:
				var v Vote
				if err := json.Unmarshal(msg.Data, &v); err != nil {
					t.logger.Warn("dropping malformed vote", zap.Error(err))
					continue
				}
				select {
				case votes <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return votes, nil
}

// Announce publishes an accepted artifact.
func (t *NATSTransport) Announce(_ context.Context, c *container.Container) error {
	if !t.nc.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding announcement %s: %w", c.ID, err)
	}
	return t.nc.Publish(subjectAnnounce, data)
}

// ServeVerification answers candidate broadcasts with this peer's own
// verdict. Verification runs off the NATS callback goroutine since it may
// re-execute a methodology.
func (t *NATSTransport) ServeVerification(ctx context.Context, fn VerifyFunc) error {
	sub, err := t.nc.Subscribe(subjectVerify, func(msg *nats.Msg) {
		var cand CandidateMsg
		if err := json.Unmarshal(msg.Data, &cand); err != nil {
			t.logger.Warn("dropping malformed candidate", zap.Error(err))
			return
		}
		if cand.PeerID == t.config.PeerID || msg.Reply == "" {
			return
		}
		go func() {
			vote := fn(ctx, cand)
			vote.CandidateID = cand.CandidateID
			vote.PeerID = t.config.PeerID
			data, err := json.Marshal(vote)
			if err != nil {
				t.logger.Error("encoding vote", zap.Error(err))
				return
			}
			if err := t.nc.Publish(msg.Reply, data); err != nil {
				t.logger.Warn("vote reply failed",
					zap.String("candidate_id", cand.CandidateID),
					zap.Error(err),
				)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", subjectVerify, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// SubscribeAnnouncements applies peer-announced accepted artifacts.
func (t *NATSTransport) SubscribeAnnouncements(ctx context.Context, fn MergeFunc) error {
	sub, err := t.nc.Subscribe(subjectAnnounce, func(msg *nats.Msg) {
		var c container.Container
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			t.logger.Warn("dropping malformed announcement", zap.Error(err))
			return
		}
		if err := fn(ctx, &c); err != nil {
			t.logger.Warn("applying announcement failed",
				zap.String("container_id", c.ID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", subjectAnnounce, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() error {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return err
	}
	return nil
}
