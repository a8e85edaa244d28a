// Package protocol implements the plain-text wire format spoken between the
// controller and the fingerprint sensor over the broker.
//
// Three payload shapes exist:
//
//	command:   <kind code><id>       e.g. "C007", "D127"
//	ack:       "ACK: " + <command>   e.g. "ACK: C007"
//	detection: "... ID detectado: <id>"
//
// Anything else arriving on the response topic after an ACK is the final
// free-form instruction text and is not parsed here.
//
// # Padding contract
//
// The id is zero-padded to PadWidth digits by default ("C007"). The sensor
// firmware and every producer must agree on this width. ParseCommand accepts
// padded and unpadded ids so that legacy producers (no padding) still decode.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MinID and MaxID bound the sensor's template slots.
	MinID = 1
	MaxID = 127

	// PadWidth is the default zero-padding width of the id in a command token.
	PadWidth = 3

	// AckPrefix precedes the echoed command token in an acknowledgment.
	AckPrefix = "ACK: "

	// DetectionMarker identifies a detection report from the sensor.
	DetectionMarker = "ID detectado"
)

var (
	// ErrInvalidID is returned for ids outside [MinID, MaxID].
	ErrInvalidID = errors.New("protocol: id out of range")

	// ErrUnknownKind is returned for kind codes other than C and D.
	ErrUnknownKind = errors.New("protocol: unknown command kind")

	// ErrMalformedPayload is returned when a payload carries a marker but
	// not a parseable value.
	ErrMalformedPayload = errors.New("protocol: malformed payload")

	// ErrNoDetection is returned when a payload has no detection marker.
	ErrNoDetection = errors.New("protocol: no detection marker")
)

// Kind is the command verb sent to the sensor.
type Kind byte

const (
	// Capture enrolls a new fingerprint template at the given id.
	Capture Kind = 'C'
	// Delete removes the template stored at the given id.
	Delete Kind = 'D'
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Capture:
		return "capture"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Code returns the one-letter wire code.
func (k Kind) Code() string {
	return string(k)
}

// ParseKind accepts a wire code ("C"), or a name ("capture"), case-insensitive.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "capture":
		return Capture, nil
	case "d", "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Command is an immutable instruction for the sensor.
type Command struct {
	Kind Kind
	ID   int
}

// NewCommand validates the id range and returns a command.
func NewCommand(kind Kind, id int) (Command, error) {
	if kind != Capture && kind != Delete {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	if err := ValidateID(id); err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, ID: id}, nil
}

// ValidateID checks that id addresses a sensor slot.
func ValidateID(id int) error {
	if id < MinID || id > MaxID {
		return fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidID, id, MinID, MaxID)
	}
	return nil
}

// ParseID parses a decimal id string and validates its range.
func ParseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	if err := ValidateID(id); err != nil {
		return 0, err
	}
	return id, nil
}

// Token renders the command with the given pad width. A width of zero or
// less means no padding.
func (c Command) Token(width int) string {
	if width <= 0 {
		return c.Kind.Code() + strconv.Itoa(c.ID)
	}
	return fmt.Sprintf("%s%0*d", c.Kind.Code(), width, c.ID)
}

// String renders the command with the default pad width.
func (c Command) String() string {
	return c.Token(PadWidth)
}

// ParseCommand decodes a command token, padded or not.
func ParseCommand(token string) (Command, error) {
	token = strings.TrimSpace(token)
	if len(token) < 2 {
		return Command{}, fmt.Errorf("%w: command %q", ErrMalformedPayload, token)
	}
	kind, err := ParseKind(token[:1])
	if err != nil {
		return Command{}, err
	}
	digits := token[1:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Command{}, fmt.Errorf("%w: command %q", ErrMalformedPayload, token)
		}
	}
	id, err := ParseID(digits)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, ID: id}, nil
}

// AckFor builds the acknowledgment the sensor sends for token.
func AckFor(token string) string {
	return AckPrefix + token
}

// ParseAck reports whether payload is an acknowledgment and returns the
// echoed token.
func ParseAck(payload string) (string, bool) {
	if !strings.HasPrefix(payload, AckPrefix) {
		return "", false
	}
	return payload[len(AckPrefix):], true
}

// IsDetection reports whether payload carries the detection marker.
func IsDetection(payload string) bool {
	return strings.Contains(payload, DetectionMarker)
}

// ParseDetection extracts the fingerprint id from a detection payload.
//
// The id is everything after the first colon, trimmed, and must be a
// non-negative decimal integer. Returns ErrNoDetection when the marker is
// absent and ErrMalformedPayload when the id cannot be trusted.
func ParseDetection(payload string) (int, error) {
	if !IsDetection(payload) {
		return 0, ErrNoDetection
	}
	_, raw, ok := strings.Cut(payload, ":")
	if !ok {
		return 0, fmt.Errorf("%w: detection without id: %q", ErrMalformedPayload, payload)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: detection without id: %q", ErrMalformedPayload, payload)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: non-numeric id %q", ErrMalformedPayload, raw)
		}
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q: %v", ErrMalformedPayload, raw, err)
	}
	return id, nil
}
