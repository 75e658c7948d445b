// Package protocol defines the control messages multiplexed over a peer
// channel and the codec that classifies inbound payloads. Every message is a
// small JSON object discriminated by a "type" field; command messages carry a
// second, nested "command" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Protocol message types.
const (
	TypeHandshakeRequest  = "handshake_request"
	TypeHandshakeResponse = "handshake_response"
	TypeKeepAlive         = "keep_alive"
	TypeCommand           = "command"
	TypeChannelProbe      = "dtls_test"
	TypeError             = "error"
)

// Nested command discriminators.
const (
	CommandStartVideo        = "start_video"
	CommandFlashlight        = "flashlight"
	CommandSetFlashIntensity = "set_flash_intensity"
	CommandVideoAck          = "video_ack"
	CommandFlashlightAck     = "flashlight_ack"
)

var (
	// ErrInvalidMessageType indicates the type discriminator is missing.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrUnknownMessageType indicates an unrecognized type discriminator.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrUnknownCommand indicates an unrecognized nested command.
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakePayload carries the identity exchanged during the application
// handshake, nested under the "handshake" key.
type HandshakePayload struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// HandshakeMessage is a handshake_request or handshake_response envelope.
type HandshakeMessage struct {
	Type      string           `json:"type"`
	Handshake HandshakePayload `json:"handshake"`
}

// KeepAlive is the periodic liveness message.
type KeepAlive struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// Command is a control message for the media pipeline on the remote peer.
// Only the fields relevant to the nested command are populated.
type Command struct {
	Type      string   `json:"type"`
	Command   string   `json:"command"`
	Quality   string   `json:"quality,omitempty"`
	State     *bool    `json:"state,omitempty"`
	Intensity *float64 `json:"intensity,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// ChannelProbe verifies a freshly connected secure channel can carry
// application data before the handshake begins.
type ChannelProbe struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// ErrorMessage reports a protocol-level error to the peer.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Message is the decoded tagged union handed to the dispatcher. Exactly one
// pointer field is non-nil, matching Type.
type Message struct {
	Type      string
	Handshake *HandshakePayload
	KeepAlive *KeepAlive
	Command   *Command
	Probe     *ChannelProbe
	Err       *ErrorMessage
}

// NewHandshakeRequest builds a handshake_request message.
func NewHandshakeRequest(deviceID, platform string) HandshakeMessage {
	return HandshakeMessage{
		Type:      TypeHandshakeRequest,
		Handshake: HandshakePayload{DeviceID: deviceID, Platform: platform},
	}
}

// NewHandshakeResponse builds a handshake_response message.
func NewHandshakeResponse(deviceID, platform string) HandshakeMessage {
	return HandshakeMessage{
		Type:      TypeHandshakeResponse,
		Handshake: HandshakePayload{DeviceID: deviceID, Platform: platform},
	}
}

// NewKeepAlive builds a keep_alive message stamped with the given time.
func NewKeepAlive(deviceID string, at time.Time) KeepAlive {
	return KeepAlive{
		Type:      TypeKeepAlive,
		DeviceID:  deviceID,
		Timestamp: at.UnixMilli(),
	}
}

// NewChannelProbe builds a channel probe message.
func NewChannelProbe(fromDeviceID string) ChannelProbe {
	return ChannelProbe{Type: TypeChannelProbe, From: fromDeviceID}
}

// NewStartVideo builds a start_video command requesting the given quality.
func NewStartVideo(quality string) Command {
	return Command{Type: TypeCommand, Command: CommandStartVideo, Quality: quality}
}

// NewFlashlight builds a flashlight on/off command.
func NewFlashlight(on bool) Command {
	return Command{Type: TypeCommand, Command: CommandFlashlight, State: &on}
}

// NewSetFlashIntensity builds a set_flash_intensity command.
func NewSetFlashIntensity(intensity float64) Command {
	return Command{Type: TypeCommand, Command: CommandSetFlashIntensity, Intensity: &intensity}
}

// NewVideoAck builds a video_ack command echoing the negotiated quality.
func NewVideoAck(status, quality string) Command {
	return Command{Type: TypeCommand, Command: CommandVideoAck, Status: status, Quality: quality}
}

// NewFlashlightAck builds a flashlight_ack command echoing the applied state.
func NewFlashlightAck(on bool) Command {
	return Command{Type: TypeCommand, Command: CommandFlashlightAck, State: &on}
}

// Encode marshals a protocol message to JSON.
func Encode(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// Decode classifies a payload into the tagged Message union. Unknown
// envelope types return ErrUnknownMessageType and unknown nested commands
// return ErrUnknownCommand; callers drop both without escalating.
func Decode(payload []byte) (Message, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return Message{}, err
	}

	switch msgType {
	case TypeHandshakeRequest, TypeHandshakeResponse:
		var msg HandshakeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Message{}, fmt.Errorf("decode %s: %w", msgType, err)
		}
		return Message{Type: msgType, Handshake: &msg.Handshake}, nil
	case TypeKeepAlive:
		var msg KeepAlive
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Message{}, fmt.Errorf("decode keep_alive: %w", err)
		}
		return Message{Type: msgType, KeepAlive: &msg}, nil
	case TypeCommand:
		var msg Command
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Message{}, fmt.Errorf("decode command: %w", err)
		}
		switch msg.Command {
		case CommandStartVideo, CommandFlashlight, CommandSetFlashIntensity, CommandVideoAck, CommandFlashlightAck:
		default:
			return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
		}
		return Message{Type: msgType, Command: &msg}, nil
	case TypeChannelProbe:
		var msg ChannelProbe
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Message{}, fmt.Errorf("decode channel probe: %w", err)
		}
		return Message{Type: msgType, Probe: &msg}, nil
	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Message{}, fmt.Errorf("decode error message: %w", err)
		}
		return Message{Type: msgType, Err: &msg}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)
	}
}
