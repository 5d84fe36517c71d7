package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"adalog/internal/models"
)

// Announcement is one message published by the Announcer
type Announcement struct {
	Topic   string
	Payload any
}

// RecordingPayload is published on <announce>/recording when a session starts or stops
type RecordingPayload struct {
	Event     string    `json:"event"` // "start" or "stop"
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	Tags      []string  `json:"tags"`
	Dir       string    `json:"dir"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

// TextPayload is published on <announce>/text for every captured word
type TextPayload struct {
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// QualityPayload is published on <announce>/quality when the level of a stream changes
type QualityPayload struct {
	StreamID  string    `json:"stream_id"`
	Level     string    `json:"level"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcer publishes recording notifications from a channel.
// Producers never block: when the queue is full the notification is dropped.
type Announcer struct {
	client mqtt.Client
	topic  string
	queue  chan Announcement
	now    func() time.Time

	// Last published level per stream; touched only by the caller of QualityChanged
	levels map[string]models.QualityLevel
}

// NewAnnouncer creates an announcer publishing under topic (e.g. "adalog")
func NewAnnouncer(client mqtt.Client, topic string, queueSize int) *Announcer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Announcer{
		client: client,
		topic:  topic,
		queue:  make(chan Announcement, queueSize),
		now:    func() time.Time { return time.Now().UTC() },
		levels: make(map[string]models.QualityLevel),
	}
}

// Start publishes queued announcements until ctx is cancelled
func (a *Announcer) Start(ctx context.Context) {
	log.Info().Str("topic", a.topic).Msg("mqtt: announcer starting")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("mqtt: announcer shutting down")
			return
		case ann := <-a.queue:
			if err := a.publish(ann); err != nil {
				log.Warn().Err(err).Str("topic", ann.Topic).Msg("mqtt: announce failed")
			}
		}
	}
}

func (a *Announcer) publish(ann Announcement) error {
	payload, err := json.Marshal(ann.Payload)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}

	token := a.client.Publish(ann.Topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish announcement: %w", token.Error())
	}
	return nil
}

func (a *Announcer) enqueue(suffix string, payload any) {
	ann := Announcement{Topic: a.topic + "/" + suffix, Payload: payload}
	select {
	case a.queue <- ann:
	default:
		log.Warn().Str("topic", ann.Topic).Msg("mqtt: announce queue full, dropping")
	}
}

// SessionStarted announces a new recording
func (a *Announcer) SessionStarted(s *models.Session) {
	a.enqueue("recording", recordingPayload("start", s, a.now(), nil))
}

// SessionStopped announces the end of a recording and its fatal error, if any
func (a *Announcer) SessionStopped(s *models.Session, err error) {
	a.enqueue("recording", recordingPayload("stop", s, a.now(), err))
}

// TextCaptured announces one text entry
func (a *Announcer) TextCaptured(s *models.Session, ev models.TextEvent) {
	a.enqueue("text", TextPayload{
		SessionID: s.ID.String(),
		Subject:   s.SubjectID,
		Timestamp: ev.Timestamp,
		Text:      ev.Text,
	})
}

// QualityChanged announces the quality level of a stream when it differs from the last one announced
func (a *Announcer) QualityChanged(q models.QualitySample) {
	if last, ok := a.levels[q.StreamID]; ok && last == q.Level {
		return
	}
	a.levels[q.StreamID] = q.Level
	a.enqueue("quality", QualityPayload{
		StreamID:  q.StreamID,
		Level:     q.Level.String(),
		Score:     q.Score,
		Timestamp: q.Timestamp,
	})
}

func recordingPayload(event string, s *models.Session, at time.Time, err error) RecordingPayload {
	p := RecordingPayload{
		Event:     event,
		SessionID: s.ID.String(),
		Subject:   s.SubjectID,
		Tags:      s.Tags,
		Dir:       s.Dir,
		At:        at,
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}
