package cover

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	confName          = "name"
	confCover         = "cover"
	confCoverPosition = "cover_position"
	confOpenAt        = "open_at"
	confClosedAt      = "closed_at"
	confOpenEvent     = "open"
	confCloseEvent    = "close"

	eventType   = "type"
	eventEntity = "entity"
	eventData   = "data"

	DefaultEventType = "deconz_event"

	percentageMessage = "invalid percentage, must be int between 0 and 100"
)

var (
	coverKeys = map[string]bool{
		confName: true, confCover: true, confCoverPosition: true,
		confOpenAt: true, confClosedAt: true, confOpenEvent: true, confCloseEvent: true,
	}
	eventKeys = map[string]bool{eventType: true, eventEntity: true, eventData: true}
)

type EventConfig struct {
	Type   string
	Entity string // empty matches any triggering entity
	Data   string
}

type Config struct {
	Name          string
	Cover         string
	CoverPosition string
	OpenAt        int
	ClosedAt      int
	OpenEvent     EventConfig
	CloseEvent    EventConfig
}

// ConfigurationError identifies the entry and field that failed validation.
type ConfigurationError struct {
	Index   int
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cover_control[%d]: %s", e.Index, e.Message)
	}
	return fmt.Sprintf("cover_control[%d].%s: %s", e.Index, e.Field, e.Message)
}

// ParseConfigs validates raw per-cover configuration entries. Entries are
// validated independently: the valid ones are returned together with an
// error joining a ConfigurationError for every entry that failed.
func ParseConfigs(raw []map[string]interface{}) ([]Config, error) {
	var (
		configs []Config
		errs    []error
	)

	for i, entry := range raw {
		cfg, err := ParseConfig(i, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		configs = append(configs, cfg)
	}

	return configs, joinErrors(errs)
}

func ParseConfig(index int, raw map[string]interface{}) (Config, error) {
	var cfg Config
	fail := func(field, msg string) (Config, error) {
		return Config{}, &ConfigurationError{Index: index, Field: field, Message: msg}
	}

	if field, ok := extraKey(raw, coverKeys); ok {
		return fail(field, "extra keys not allowed")
	}

	if v, found := raw[confName]; found && v != nil {
		name, err := coerceString(v)
		if err != nil {
			return fail(confName, err.Error())
		}
		cfg.Name = name
	}

	var err error
	if cfg.Cover, err = entityIDField(raw, confCover); err != nil {
		return fail(confCover, err.Error())
	}
	if cfg.CoverPosition, err = entityIDField(raw, confCoverPosition); err != nil {
		return fail(confCoverPosition, err.Error())
	}
	if cfg.OpenAt, err = percentageField(raw, confOpenAt); err != nil {
		return fail(confOpenAt, err.Error())
	}
	if cfg.ClosedAt, err = percentageField(raw, confClosedAt); err != nil {
		return fail(confClosedAt, err.Error())
	}

	var field string
	if cfg.OpenEvent, field, err = eventField(raw, confOpenEvent); err != nil {
		return fail(field, err.Error())
	}
	if cfg.CloseEvent, field, err = eventField(raw, confCloseEvent); err != nil {
		return fail(field, err.Error())
	}

	if cfg.Name == "" {
		cfg.Name = objectID(cfg.Cover)
	}

	return cfg, nil
}

func entityIDField(raw map[string]interface{}, key string) (string, error) {
	v, found := raw[key]
	if !found || v == nil {
		return "", errors.New("required key not provided")
	}
	s, err := coerceString(v)
	if err != nil {
		return "", err
	}
	return ValidateEntityID(s)
}

func percentageField(raw map[string]interface{}, key string) (int, error) {
	v, found := raw[key]
	if !found || v == nil {
		return 0, errors.New("required key not provided")
	}

	p, err := coerceInt(v)
	if err != nil || p < 0 || p > 100 {
		return 0, errors.New(percentageMessage)
	}
	return p, nil
}

func eventField(raw map[string]interface{}, key string) (EventConfig, string, error) {
	v, found := raw[key]
	if !found || v == nil {
		return EventConfig{}, key, errors.New("required key not provided")
	}

	m, ok := toStringMap(v)
	if !ok {
		return EventConfig{}, key, errors.New("expected a dictionary")
	}
	if extra, ok := extraKey(m, eventKeys); ok {
		return EventConfig{}, key + "." + extra, errors.New("extra keys not allowed")
	}

	e := EventConfig{Type: DefaultEventType}
	if t, found := m[eventType]; found && t != nil {
		s, err := coerceString(t)
		if err != nil {
			return EventConfig{}, key + "." + eventType, err
		}
		e.Type = s
	}
	if ent, found := m[eventEntity]; found && ent != nil {
		s, err := coerceString(ent)
		if err != nil {
			return EventConfig{}, key + "." + eventEntity, err
		}
		e.Entity = s
	}

	d, found := m[eventData]
	if !found || d == nil {
		return EventConfig{}, key + "." + eventData, errors.New("required key not provided")
	}
	s, err := coerceString(d)
	if err != nil {
		return EventConfig{}, key + "." + eventData, err
	}
	e.Data = s

	return e, key, nil
}

// ValidateEntityID lower-cases id and checks it has the "<domain>.<object>" form.
func ValidateEntityID(id string) (string, error) {
	id = strings.ToLower(id)

	parts := strings.Split(id, ".")
	if len(parts) != 2 || !validSlug(parts[0]) || !validSlug(parts[1]) || strings.Contains(id[1:], "__") {
		return "", errors.Errorf("entity id %q is an invalid entity id", id)
	}

	return id, nil
}

func validSlug(s string) bool {
	if s == "" || s[0] == '_' || s[len(s)-1] == '_' {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

func objectID(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[i+1:]
	}
	return entityID
}

func coerceString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		if t {
			return "True", nil
		}
		return "False", nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return formatFloat(t), nil
	}
	return "", errors.Errorf("expected str, got %T", v)
}

func coerceInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		if t > math.MaxInt32 {
			return 0, errors.New("out of range")
		}
		return int(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, errors.New("not a finite number")
		}
		return int(math.Trunc(t)), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Errorf("cannot coerce %T to int", v)
}

// toStringMap accepts both map flavours produced by YAML decoders.
func toStringMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprint(k)
			}
			m[ks] = val
		}
		return m, true
	}
	return nil, false
}

func extraKey(m map[string]interface{}, allowed map[string]bool) (string, bool) {
	var extra []string
	for k := range m {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) == 0 {
		return "", false
	}
	sort.Strings(extra)
	return extra[0], true
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ConfigurationErrors{Errors: errs}
}

type ConfigurationErrors struct {
	Errors []error
}

func (e *ConfigurationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *ConfigurationErrors) Unwrap() []error {
	return e.Errors
}
