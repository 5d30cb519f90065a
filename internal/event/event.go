// Package event defines the core data model for flightlog events.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Level is an ordered event severity. Higher values are more severe.
// The gaps leave room for intermediate levels without renumbering.
type Level int

const (
	Noisy       Level = 10 // verbose chatter, rarely interesting
	Operational Level = 20 // normal operation
	Unusual     Level = 23
	Infrequent  Level = 25
	Curious     Level = 28
	Weird       Level = 30 // something is wrong, worth capturing
	Scary       Level = 35
	Bad         Level = 40 // data loss, corruption, panic
)

var levelNames = map[Level]string{
	Noisy:       "noisy",
	Operational: "operational",
	Unusual:     "unusual",
	Infrequent:  "infrequent",
	Curious:     "curious",
	Weird:       "weird",
	Scary:       "scary",
	Bad:         "bad",
}

// Levels returns the known severity levels in ascending order.
func Levels() []Level {
	return []Level{Noisy, Operational, Unusual, Infrequent, Curious, Weird, Scary, Bad}
}

// String returns the level's name, or its numeric value for levels outside
// the known taxonomy.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return strconv.Itoa(int(l))
}

// ParseLevel parses a level name ("weird", case-insensitive) or a bare
// integer. Unknown integers are accepted; they keep their ordering relative
// to the named levels.
func ParseLevel(s string) (Level, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	for lv, name := range levelNames {
		if lower == name {
			return lv, nil
		}
	}
	if n, err := strconv.Atoi(lower); err == nil {
		return Level(n), nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// MarshalText implements encoding.TextMarshaler so levels serialize as
// their names in JSON and TOML.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	lv, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// UnmarshalJSON accepts both severity names and bare numbers, so external
// producers can send "level": 35 as well as "level": "scary".
func (l *Level) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return l.UnmarshalText([]byte(s))
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unknown level %s", data)
	}
	*l = Level(n)
	return nil
}

// Event is a single log event flowing through the logger. Num is assigned
// by the logger at ingestion and increases strictly across all events it
// accepts; everything except Num and Level is opaque to incident handling.
type Event struct {
	Num     int64          `json:"num"`
	Time    time.Time      `json:"time"`
	Level   Level          `json:"level"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// New creates an Event with the given severity and message, timestamped now.
// Num is zero until the event is published through a logger.
func New(level Level, message string) Event {
	return Event{
		Time:    time.Now(),
		Level:   level,
		Message: message,
	}
}
