package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/robot-orchestrator/internal/model"
)

const (
	robotStreamName    = "ROBOTS"
	robotStatusSubject = "robot.status"
	robotResultSubject = "robot.result"

	streamMaxAge = 24 * time.Hour
)

// StatusEvent is published on every robot status transition.
type StatusEvent struct {
	RobotID   string            `json:"robot_id"`
	Status    model.RobotStatus `json:"status"`
	ModuleID  string            `json:"module_id,omitempty"`
	Progress  float64           `json:"progress"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher emits robot lifecycle events for external consumers
// (notification delivery, dashboards). Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishStatus(event StatusEvent) error
	PublishResult(result *model.RobotResult) error
}

// JetStreamPublisher publishes lifecycle events to a NATS JetStream stream.
type JetStreamPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamPublisher creates the publisher and ensures the robot stream
// exists.
func NewJetStreamPublisher(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamPublisher, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     robotStreamName,
		Subjects: []string{"robot.*", "robot.*.*"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create robot stream: %w", err)
	}

	return &JetStreamPublisher{
		js:     js,
		logger: logger.Named("events"),
	}, nil
}

// PublishStatus implements Publisher.PublishStatus.
func (p *JetStreamPublisher) PublishStatus(event StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", robotStatusSubject, event.RobotID)
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish status event",
			zap.String("robot_id", event.RobotID),
			zap.Error(err))
		return err
	}
	return nil
}

// PublishResult implements Publisher.PublishResult.
func (p *JetStreamPublisher) PublishResult(result *model.RobotResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", robotResultSubject, result.RobotID)
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish result",
			zap.String("robot_id", result.RobotID),
			zap.Error(err))
		return err
	}
	return nil
}

// NopPublisher discards all events.
type NopPublisher struct{}

// PublishStatus implements Publisher.PublishStatus.
func (NopPublisher) PublishStatus(event StatusEvent) error { return nil }

// PublishResult implements Publisher.PublishResult.
func (NopPublisher) PublishResult(result *model.RobotResult) error { return nil }
