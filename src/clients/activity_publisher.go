package clients

import (
	"encoding/json"
	"fmt"
	"time"

	"civic-session-svc/src/internal/config"
	"civic-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// amqpChannel is the part of *amqp.Channel the publisher needs.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ActivityPublisher sends session and report activity to RabbitMQ.
type ActivityPublisher struct {
	channel amqpChannel
	cfg     *config.RabbitMQConfig
	now     func() time.Time
}

func NewActivityPublisher(cfg *config.RabbitMQConfig, channel *amqp.Channel) *ActivityPublisher {
	return newActivityPublisher(cfg, channel)
}

func newActivityPublisher(cfg *config.RabbitMQConfig, channel amqpChannel) *ActivityPublisher {
	return &ActivityPublisher{
		channel: channel,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (p *ActivityPublisher) PublishActivity(userID, tabID, serviceName, action string) error {
	return p.PublishActivityWithMetadata(userID, tabID, serviceName, action, nil)
}

func (p *ActivityPublisher) PublishActivityWithMetadata(userID, tabID, serviceName, action string, metadata map[string]string) error {
	message := models.ActivityMessage{
		UserID:      userID,
		TabID:       tabID,
		ServiceName: serviceName,
		Action:      action,
		Metadata:    metadata,
		Timestamp:   p.now(),
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal activity message: %w", err)
	}

	err = p.channel.Publish(
		p.cfg.Exchange,
		p.cfg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   message.Timestamp,
		},
	)

	if err != nil {
		logrus.WithError(err).Error("Failed to publish activity message")
		return fmt.Errorf("failed to publish activity message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"tab_id":      tabID,
		"service":     serviceName,
		"action":      action,
		"exchange":    p.cfg.Exchange,
		"routing_key": p.cfg.RoutingKey,
	}).Debug("Activity message published")

	return nil
}
