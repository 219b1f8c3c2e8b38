package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/covercontrol/internal/host"
	"github.com/jkaflik/covercontrol/internal/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttStopCmd = "stop"

	commandOK     = "ok"
	commandFailed = "failed"
)

type Topics struct {
	// Event is the prefix of bus event topics, <Event>/<event type>.
	Event string
	// Statestream is the Home Assistant mqtt_statestream base topic.
	Statestream string
	// Cover is the prefix of cover command topics, <Cover>/<object id>/set.
	Cover string
	// Entity is the prefix of published entity topics.
	Entity string
}

type HASS struct {
	Enabled     bool
	TopicPrefix string
}

// Poster runs tasks on the host loop.
type Poster interface {
	Post(t host.Task)
}

// ServiceCaller dispatches an entity service by name.
type ServiceCaller interface {
	Call(ctx context.Context, service string, entityName string) error
}

// Bridge is the MQTT binding of the host interfaces. Every received message is
// handed over to the loop, so handlers never run on paho goroutines.
type Bridge struct {
	mqtt   mqtt.Client
	loop   Poster
	topics Topics
	hass   HASS

	mu     sync.Mutex
	routes map[string][]func(msg mqtt.Message)
	icons  map[string]string
}

func NewBridge(client mqtt.Client, loop Poster, topics Topics, hass HASS) *Bridge {
	return &Bridge{
		mqtt:   client,
		loop:   loop,
		topics: topics,
		hass:   hass,
		routes: map[string][]func(msg mqtt.Message){},
		icons:  map[string]string{},
	}
}

func (b *Bridge) EventTopic(eventType string) string {
	return fmt.Sprintf("%s/%s", b.topics.Event, eventType)
}

func (b *Bridge) StateTopic(entityID string) string {
	domain, object := splitEntityID(entityID)
	return fmt.Sprintf("%s/%s/%s/state", b.topics.Statestream, domain, object)
}

func (b *Bridge) CoverCommandTopic(entityID string) string {
	_, object := splitEntityID(entityID)
	return fmt.Sprintf("%s/%s/set", b.topics.Cover, object)
}

func (b *Bridge) CoverPositionTopic(entityID string) string {
	_, object := splitEntityID(entityID)
	return fmt.Sprintf("%s/%s/position/set", b.topics.Cover, object)
}

func (b *Bridge) EntityStateTopic(name string) string {
	return fmt.Sprintf("%s/%s/state", b.topics.Entity, host.ObjectID(name))
}

func (b *Bridge) EntityAttributesTopic(name string) string {
	return fmt.Sprintf("%s/%s/attributes", b.topics.Entity, host.ObjectID(name))
}

func (b *Bridge) EntityCommandTopic(name string) string {
	return fmt.Sprintf("%s/%s/set", b.topics.Entity, host.ObjectID(name))
}

// Listen implements host.EventBus.
func (b *Bridge) Listen(eventType string, h host.EventHandler) error {
	return b.route(b.EventTopic(eventType), func(msg mqtt.Message) {
		if msg.Retained() {
			return
		}

		e, err := host.ParseEvent(eventType, msg.Payload())
		if err != nil {
			logrus.Warnf("MQTT %s: %s", msg.Topic(), err)
			return
		}

		b.loop.Post(func(context.Context) error {
			h(e)
			return nil
		})
	})
}

// TrackStateChange implements host.StateTracker.
func (b *Bridge) TrackStateChange(entityIDs []string, h host.StateChangeHandler) error {
	for _, id := range entityIDs {
		id := id
		err := b.route(b.StateTopic(id), func(msg mqtt.Message) {
			if msg.Retained() {
				return
			}

			change := host.StateChange{EntityID: id}
			if payload := string(msg.Payload()); payload != "" {
				change.NewState = &host.State{EntityID: id, State: payload}
			}

			b.loop.Post(func(context.Context) error {
				h(change)
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// SetPosition implements host.CoverService.
func (b *Bridge) SetPosition(ctx context.Context, entityID string, position int) error {
	err := b.publish(ctx, b.CoverPositionTopic(entityID), false, []byte(strconv.Itoa(position)))
	countCommand(entityID, "set_position", err)
	if err != nil {
		return errors.Wrapf(err, "%s: MQTT set position publish failed", entityID)
	}
	return nil
}

// Stop implements host.CoverService.
func (b *Bridge) Stop(ctx context.Context, entityID string) error {
	err := b.publish(ctx, b.CoverCommandTopic(entityID), false, []byte(mqttStopCmd))
	countCommand(entityID, "stop", err)
	if err != nil {
		return errors.Wrapf(err, "%s: MQTT stop publish failed", entityID)
	}
	return nil
}

func countCommand(entityID, command string, err error) {
	result := commandOK
	if err != nil {
		result = commandFailed
	}
	metrics.Commands.WithLabelValues(entityID, command, result).Inc()
}

// WriteState implements host.StateWriter. Discovery is republished whenever
// the entity icon changes.
func (b *Bridge) WriteState(ctx context.Context, e host.Entity) error {
	if err := b.publish(ctx, b.EntityStateTopic(e.Name()), true, []byte(e.State())); err != nil {
		return errors.Wrapf(err, "%s: MQTT state publish failed", e.Name())
	}
	if err := b.publishJSON(ctx, b.EntityAttributesTopic(e.Name()), e.Attributes()); err != nil {
		return errors.Wrapf(err, "%s: MQTT attributes publish failed", e.Name())
	}

	if !b.hass.Enabled {
		return nil
	}

	b.mu.Lock()
	changed := b.icons[e.Name()] != e.Icon()
	b.icons[e.Name()] = e.Icon()
	b.mu.Unlock()

	if changed {
		if err := b.publishHASensor(ctx, e); err != nil {
			return errors.Wrapf(err, "%s: MQTT auto discovery publish failed", e.Name())
		}
	}

	return nil
}

// ServeActions subscribes to the command topic of every entity and dispatches
// received payloads as service calls.
func (b *Bridge) ServeActions(ctx context.Context, caller ServiceCaller, services []string, entities ...host.Entity) error {
	for _, e := range entities {
		name := e.Name()
		err := b.route(b.EntityCommandTopic(name), func(msg mqtt.Message) {
			if msg.Retained() {
				return
			}

			service := strings.TrimSpace(string(msg.Payload()))
			b.loop.Post(func(ctx context.Context) error {
				logrus.Infof("%s: MQTT %s command received", name, service)
				return caller.Call(ctx, service, name)
			})
		})
		if err != nil {
			return err
		}

		if b.hass.Enabled {
			if err := b.publishHAButtons(ctx, e, services); err != nil {
				return errors.Wrapf(err, "%s: MQTT auto discovery publish failed", name)
			}
		}
		logrus.Infof("%s: MQTT command topic subscribed", name)
	}

	return nil
}

// Resubscribe restores every routed subscription, e.g. after a reconnect.
func (b *Bridge) Resubscribe() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.routes))
	for topic := range b.routes {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		if err := b.subscribe(topic); err != nil {
			logrus.Error(err)
		}
	}
}

// Unsubscribe drops every routed subscription.
func (b *Bridge) Unsubscribe() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.routes))
	for topic := range b.routes {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	if len(topics) == 0 {
		return
	}
	if token := b.mqtt.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
		logrus.Errorf("MQTT topics unsubscribe failed: %s", token.Error())
	}
}

// route adds h to the handlers of topic. paho keeps a single callback per
// topic, so one subscription fans out to every handler.
func (b *Bridge) route(topic string, h func(msg mqtt.Message)) error {
	b.mu.Lock()
	first := len(b.routes[topic]) == 0
	b.routes[topic] = append(b.routes[topic], h)
	b.mu.Unlock()

	if !first {
		return nil
	}

	return b.subscribe(topic)
}

func (b *Bridge) subscribe(topic string) error {
	if token := b.mqtt.Subscribe(topic, 0, b.dispatch); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "MQTT %s subscription failed", topic)
	}
	logrus.Debugf("MQTT %s subscribed", topic)

	return nil
}

func (b *Bridge) dispatch(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	handlers := append([]func(mqtt.Message){}, b.routes[msg.Topic()]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (b *Bridge) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := b.mqtt.Publish(topic, 0, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func splitEntityID(entityID string) (string, string) {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i], entityID[i+1:]
	}
	return "", entityID
}
