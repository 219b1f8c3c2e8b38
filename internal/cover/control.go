package cover

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jkaflik/covercontrol/internal/host"
	"github.com/jkaflik/covercontrol/internal/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	Domain = "cover_control"

	ServiceOpen  = "open"
	ServiceClose = "close"

	// MovingInterval is how long after a position change the cover is still
	// considered moving.
	MovingInterval = 2 * time.Second

	// openTolerance is the distance from open_at still reported as open.
	openTolerance = 2

	iconOpen   = "mdi:blinds-open"
	iconClosed = "mdi:blinds"

	attrOpenAt           = "open_at"
	attrClosedAt         = "closed_at"
	attrCurrentPosition  = "current_position"
	attrOriginalPosition = "original_position"
)

// Host bundles the host services a Control depends on.
type Host struct {
	Bus       host.EventBus
	States    host.StateTracker
	Covers    host.CoverService
	Scheduler host.Scheduler
	Writer    host.StateWriter

	// Now defaults to time.Now.
	Now func() time.Time
}

type listener struct {
	event  EventConfig
	action string
	call   host.Task
}

// Control links a cover to its position sensor and to open/close bus events.
// All of its methods are expected to run on the host scheduler.
type Control struct {
	cfg  Config
	host Host

	position       float64
	isOpening      bool
	lastTimeMoving time.Time

	listeners []listener
}

func New(cfg Config, h Host) *Control {
	if h.Now == nil {
		h.Now = time.Now
	}

	c := &Control{cfg: cfg, host: h}
	c.listeners = []listener{
		{event: cfg.OpenEvent, action: ServiceOpen, call: c.Open},
		{event: cfg.CloseEvent, action: ServiceClose, call: c.Close},
	}

	return c
}

// Setup implements host.Subscriber. It subscribes to the configured event
// types and to the position sensor.
func (c *Control) Setup() error {
	for _, t := range c.eventTypes() {
		if err := c.host.Bus.Listen(t, c.handleEvent); err != nil {
			return errors.Wrapf(err, "%s: listen for %s events failed", c.cfg.Name, t)
		}
		logrus.Debugf("%s: listening for %s events", c.cfg.Name, t)
	}

	if err := c.host.States.TrackStateChange([]string{c.cfg.CoverPosition}, c.handleStateChange); err != nil {
		return errors.Wrapf(err, "%s: tracking %s failed", c.cfg.Name, c.cfg.CoverPosition)
	}
	logrus.Debugf("%s: tracking position of %s", c.cfg.Name, c.cfg.CoverPosition)

	return nil
}

func (c *Control) eventTypes() []string {
	types := []string{c.cfg.OpenEvent.Type}
	if c.cfg.CloseEvent.Type != c.cfg.OpenEvent.Type {
		types = append(types, c.cfg.CloseEvent.Type)
	}
	return types
}

func (c *Control) handleEvent(e host.Event) {
	matched := false
	for _, l := range c.listeners {
		if l.event.Data != e.Data {
			continue
		}
		if l.event.Entity != "" && l.event.Entity != e.ID {
			continue
		}

		matched = true
		logrus.Debugf("%s: %s event from %q matched %s", c.cfg.Name, e.Type, e.ID, l.action)
		metrics.BusEvents.WithLabelValues(c.cfg.Name, l.action).Inc()
		c.host.Scheduler.CallLater(0, l.call)
	}

	if !matched {
		metrics.BusEvents.WithLabelValues(c.cfg.Name, "none").Inc()
	}
}

func (c *Control) handleStateChange(change host.StateChange) {
	if change.NewState == nil {
		return
	}

	newPosition, err := strconv.ParseFloat(strings.TrimSpace(change.NewState.State), 64)
	if err != nil {
		metrics.SensorUpdates.WithLabelValues(c.cfg.Name, "ignored").Inc()
		return
	}

	c.isOpening = newPosition > c.position
	c.position = newPosition
	c.lastTimeMoving = c.host.Now()

	metrics.SensorUpdates.WithLabelValues(c.cfg.Name, "accepted").Inc()
	metrics.Position.WithLabelValues(c.cfg.Name).Set(newPosition)
	logrus.Debugf("%s: position %s (opening: %t)", c.cfg.Name, formatFloat(newPosition), c.isOpening)

	c.host.Scheduler.CallLater(0, func(ctx context.Context) error {
		return c.host.Writer.WriteState(ctx, c)
	})
}

func (c *Control) Name() string {
	return c.cfg.Name
}

func (c *Control) State() string {
	if c.position > float64(c.cfg.OpenAt-openTolerance) && c.position < float64(c.cfg.OpenAt+openTolerance) {
		return host.StateOpen
	}
	return host.StateClosed
}

func (c *Control) ShouldPoll() bool {
	return false
}

func (c *Control) Icon() string {
	if c.State() == host.StateOpen {
		return iconOpen
	}
	return iconClosed
}

func (c *Control) Attributes() map[string]string {
	return map[string]string{
		attrOpenAt:           strconv.Itoa(c.cfg.OpenAt),
		attrClosedAt:         strconv.Itoa(c.cfg.ClosedAt),
		attrCurrentPosition:  formatFloat(c.normalizedPosition()),
		attrOriginalPosition: formatFloat(c.position),
	}
}

func (c *Control) Position() float64 {
	return c.position
}

func (c *Control) IsOpening() bool {
	return c.isOpening
}

func (c *Control) LastTimeMoving() time.Time {
	return c.lastTimeMoving
}

// normalizedPosition maps the raw position onto 0 (closed_at) .. 100 (open_at).
func (c *Control) normalizedPosition() float64 {
	span := c.cfg.OpenAt - c.cfg.ClosedAt
	if span == 0 {
		return 0
	}
	return 100 * (c.position - float64(c.cfg.ClosedAt)) / float64(span)
}

func (c *Control) isMoving() bool {
	return c.lastTimeMoving.Add(MovingInterval).After(c.host.Now())
}

// Open stops the cover when it is already opening, otherwise moves it to open_at.
func (c *Control) Open(ctx context.Context) error {
	if c.isMoving() && c.isOpening {
		return c.stop(ctx)
	}
	return c.setPosition(ctx, c.cfg.OpenAt)
}

// Close stops the cover when it is already closing, otherwise moves it to closed_at.
func (c *Control) Close(ctx context.Context) error {
	if c.isMoving() && !c.isOpening {
		return c.stop(ctx)
	}
	return c.setPosition(ctx, c.cfg.ClosedAt)
}

func (c *Control) setPosition(ctx context.Context, position int) error {
	logrus.Infof("%s: set %s position to %d", c.cfg.Name, c.cfg.Cover, position)
	if err := c.host.Covers.SetPosition(ctx, c.cfg.Cover, position); err != nil {
		return errors.Wrapf(err, "%s: set position failed", c.cfg.Name)
	}
	return nil
}

func (c *Control) stop(ctx context.Context) error {
	logrus.Infof("%s: stop %s", c.cfg.Name, c.cfg.Cover)
	if err := c.host.Covers.Stop(ctx, c.cfg.Cover); err != nil {
		return errors.Wrapf(err, "%s: stop failed", c.cfg.Name)
	}
	return nil
}

// formatFloat renders v with at least one fractional digit, e.g. "50.0".
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
