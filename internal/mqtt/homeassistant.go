package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jkaflik/covercontrol/internal/host"
)

const haDiscoveryNode = "cover_control"

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic string `json:"avty_t,omitempty"`
	UniqueID          string `json:"uniq_id,omitempty"`
	Name              string `json:"name,omitempty"`
	Icon              string `json:"ic,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haSensor struct {
	haEntity
	StateTopic          string `json:"stat_t"`
	JSONAttributesTopic string `json:"json_attr_t"`
}

type haButton struct {
	haEntity
	CommandTopic string `json:"cmd_t"`
	PayloadPress string `json:"pl_prs"`
}

func haDeviceFor(slug string, e host.Entity) haDevice {
	return haDevice{
		Identifiers:  []string{"cover_control_" + slug},
		Manufacturer: "cover_control",
		Model:        "Cover control",
		Name:         e.Name(),
		SWVersion:    "covercontrol",
	}
}

func newHASensor(b *Bridge, e host.Entity) haSensor {
	slug := host.ObjectID(e.Name())
	return haSensor{
		haEntity: haEntity{
			UniqueID: "cover_control_" + slug,
			Name:     e.Name(),
			Icon:     e.Icon(),
			Device:   haDeviceFor(slug, e),
		},
		StateTopic:          b.EntityStateTopic(e.Name()),
		JSONAttributesTopic: b.EntityAttributesTopic(e.Name()),
	}
}

func newHAButton(b *Bridge, e host.Entity, service string) haButton {
	slug := host.ObjectID(e.Name())
	return haButton{
		haEntity: haEntity{
			UniqueID: fmt.Sprintf("cover_control_%s_%s", slug, service),
			Name:     fmt.Sprintf("%s %s", e.Name(), service),
			Device:   haDeviceFor(slug, e),
		},
		CommandTopic: b.EntityCommandTopic(e.Name()),
		PayloadPress: service,
	}
}

// publishHASensor announces the entity as a Home Assistant MQTT sensor.
func (b *Bridge) publishHASensor(ctx context.Context, e host.Entity) error {
	topic := fmt.Sprintf("%s/sensor/%s/%s/config", b.hass.TopicPrefix, haDiscoveryNode, host.ObjectID(e.Name()))
	return b.publishJSON(ctx, topic, newHASensor(b, e))
}

// publishHAButtons announces one Home Assistant MQTT button per entity service.
func (b *Bridge) publishHAButtons(ctx context.Context, e host.Entity, services []string) error {
	for _, service := range services {
		topic := fmt.Sprintf("%s/button/%s/%s_%s/config", b.hass.TopicPrefix, haDiscoveryNode, host.ObjectID(e.Name()), service)
		if err := b.publishJSON(ctx, topic, newHAButton(b, e, service)); err != nil {
			return err
		}
	}

	return nil
}

func (b *Bridge) publishJSON(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.publish(ctx, topic, true, payload)
}
