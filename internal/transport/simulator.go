package transport

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/care/fingerprint/internal/config"
	"github.com/care/fingerprint/internal/protocol"
)

// DeviceSimulator plays the sensor side of the protocol over any Channel:
// every command on the command topic is acknowledged on the response topic
// and, after InstructionDelay, answered with a final instruction.
type DeviceSimulator struct {
	ch     Channel
	topics config.MQTTTopics

	// InstructionDelay is the pause between ACK and instruction.
	InstructionDelay time.Duration

	mu       sync.Mutex
	enrolled map[int]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewDeviceSimulator attaches a simulator to ch. The channel must be
// subscribed to topics.Command.
func NewDeviceSimulator(ch Channel, topics config.MQTTTopics, delay time.Duration) *DeviceSimulator {
	s := &DeviceSimulator{
		ch:               ch,
		topics:           topics,
		InstructionDelay: delay,
		enrolled:         make(map[int]bool),
		stop:             make(chan struct{}),
	}
	ch.OnMessage(s.handle)
	return s
}

func (s *DeviceSimulator) handle(msg Message) {
	if msg.Topic != s.topics.Command {
		return
	}

	token := msg.Text()
	cmd, err := protocol.ParseCommand(token)
	if err != nil {
		slog.Warn("simulator: ignoring malformed command", "payload", token, "error", err)
		return
	}

	if err := s.ch.Publish(s.topics.Response, []byte(protocol.AckFor(token))); err != nil {
		slog.Error("simulator: ack publish failed", "error", err)
		return
	}

	instruction := s.apply(cmd)

	go func() {
		timer := time.NewTimer(s.InstructionDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stop:
			return
		}
		if err := s.ch.Publish(s.topics.Response, []byte(instruction)); err != nil {
			slog.Error("simulator: instruction publish failed", "error", err)
		}
	}()
}

func (s *DeviceSimulator) apply(cmd protocol.Command) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Kind {
	case protocol.Capture:
		s.enrolled[cmd.ID] = true
		return fmt.Sprintf("Huella registrada con ID %d", cmd.ID)
	default:
		if !s.enrolled[cmd.ID] {
			return fmt.Sprintf("ID %d no encontrado", cmd.ID)
		}
		delete(s.enrolled, cmd.ID)
		return fmt.Sprintf("Huella eliminada ID %d", cmd.ID)
	}
}

// Detect publishes a detection report for id, as the sensor does when an
// enrolled finger is matched.
func (s *DeviceSimulator) Detect(id int) error {
	return s.ch.Publish(s.topics.Detection, []byte(protocol.DetectionMarker+": "+strconv.Itoa(id)))
}

// Reject publishes a no-match report.
func (s *DeviceSimulator) Reject() error {
	return s.ch.Publish(s.topics.Detection, []byte("Huella no reconocida"))
}

// Enrolled reports whether the simulated sensor holds a template at id.
func (s *DeviceSimulator) Enrolled(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrolled[id]
}

// EnrolledIDs returns the occupied slots in ascending order.
func (s *DeviceSimulator) EnrolledIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.enrolled))
	for id := range s.enrolled {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stop cancels pending instructions. Idempotent.
func (s *DeviceSimulator) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
