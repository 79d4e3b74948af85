package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/fallguard/internal/config"
)

// Command names
const (
	CmdGetStatus      = "get_status"
	CmdAddInstance    = "add_instance"
	CmdRemoveInstance = "remove_instance"
	CmdListInstances  = "list_instances"
	CmdGetPersons     = "get_persons"
	CmdRecentEvents   = "recent_events"
	CmdGetEvent       = "get_event"
	CmdUpdateConfig   = "update_config"
	CmdPause          = "pause"
	CmdResume         = "resume"
	CmdShutdown       = "shutdown"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var errMissingInstance = errors.New("missing or invalid 'instance_id' parameter (expected non-empty string)")

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands. A nil callback
// answers its command with an error.
type CommandCallbacks struct {
	OnGetStatus      func() map[string]interface{}
	OnAddInstance    func(instanceID string) bool
	OnRemoveInstance func(instanceID string) bool
	OnListInstances  func() []string
	OnGetPersons     func(instanceID string) (interface{}, bool)
	OnRecentEvents   func(instanceID string, limit int) (interface{}, error)
	OnGetEvent       func(eventID string) (interface{}, error)
	OnUpdateConfig   func(map[string]interface{}) ([]string, error)
	OnPause          func() error
	OnResume         func() error
	OnShutdown       func() error
}

// StatusPublisher sends responses to the status topic
type StatusPublisher interface {
	PublishStatus(payload []byte) error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	status    StatusPublisher
	commands  chan Command
	callbacks CommandCallbacks
	stopOnce  sync.Once

	// shutdownDelay lets the response leave before the callback runs
	shutdownDelay time.Duration
}

// NewHandler creates a new control plane handler. Commands arrive through
// client; responses leave through status.
func NewHandler(cfg *config.Config, client mqtt.Client, status StatusPublisher, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:           cfg,
		client:        client,
		status:        status,
		commands:      make(chan Command, 10),
		shutdownDelay: 500 * time.Millisecond,
		callbacks:     callbacks,
	}
}

// Start subscribes to the control topic and starts processing commands
func (h *Handler) Start(ctx context.Context) error {
	if err := h.Subscribe(); err != nil {
		return err
	}

	slog.Info("control plane handler started")
	go h.processCommands(ctx)
	return nil
}

// Subscribe (re)registers the control topic handler
func (h *Handler) Subscribe() error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}
	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		slog.Info("control plane handler stopped")
	})
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     StatusError,
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes the response
func (h *Handler) handleCommand(cmd Command) {
	resp := h.execute(cmd)
	h.sendResponse(resp)

	if cmd.Command == CmdShutdown && resp.Status == StatusSuccess {
		go func() {
			time.Sleep(h.shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}()
	}
}

// execute runs cmd and builds its response without publishing it
func (h *Handler) execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: StatusSuccess}
	fail := func(err error) Response {
		resp.Status = StatusError
		resp.Error = err.Error()
		resp.Data = nil
		return resp
	}
	notImplemented := func() Response {
		return fail(fmt.Errorf("%s not implemented", cmd.Command))
	}

	switch cmd.Command {
	case CmdGetStatus:
		if h.callbacks.OnGetStatus == nil {
			return notImplemented()
		}
		resp.Data = h.callbacks.OnGetStatus()

	case CmdAddInstance, CmdRemoveInstance:
		cb := h.callbacks.OnAddInstance
		key := "added"
		if cmd.Command == CmdRemoveInstance {
			cb = h.callbacks.OnRemoveInstance
			key = "removed"
		}
		if cb == nil {
			return notImplemented()
		}
		id, ok := stringParam(cmd.Params, "instance_id")
		if !ok {
			return fail(errMissingInstance)
		}
		// Redundant calls are no-ops, reported through the flag
		resp.Data = map[string]interface{}{
			"instance_id": id,
			key:           cb(id),
		}

	case CmdListInstances:
		if h.callbacks.OnListInstances == nil {
			return notImplemented()
		}
		ids := h.callbacks.OnListInstances()
		resp.Data = map[string]interface{}{
			"instances": ids,
			"count":     len(ids),
		}

	case CmdGetPersons:
		if h.callbacks.OnGetPersons == nil {
			return notImplemented()
		}
		id, ok := stringParam(cmd.Params, "instance_id")
		if !ok {
			return fail(errMissingInstance)
		}
		persons, found := h.callbacks.OnGetPersons(id)
		if !found {
			return fail(fmt.Errorf("unknown instance: %s", id))
		}
		resp.Data = map[string]interface{}{
			"instance_id": id,
			"persons":     persons,
		}

	case CmdRecentEvents:
		if h.callbacks.OnRecentEvents == nil {
			return notImplemented()
		}
		id, _ := stringParam(cmd.Params, "instance_id")
		limit := 20
		if l, ok := cmd.Params["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}
		events, err := h.callbacks.OnRecentEvents(id, limit)
		if err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{
			"events": events,
		}

	case CmdGetEvent:
		if h.callbacks.OnGetEvent == nil {
			return notImplemented()
		}
		id, ok := stringParam(cmd.Params, "event_id")
		if !ok {
			return fail(errors.New("missing or invalid 'event_id' parameter (expected non-empty string)"))
		}
		event, err := h.callbacks.OnGetEvent(id)
		if err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{"event": event}

	case CmdUpdateConfig:
		if h.callbacks.OnUpdateConfig == nil {
			return notImplemented()
		}
		changes, err := h.callbacks.OnUpdateConfig(cmd.Config)
		if err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{
			"config_updated": true,
			"changes":        changes,
		}

	case CmdPause:
		if h.callbacks.OnPause == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnPause(); err != nil {
			return fail(err)
		}
		resp.Status = "paused"
		resp.Data = map[string]interface{}{"processing_active": false}

	case CmdResume:
		if h.callbacks.OnResume == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnResume(); err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{"processing_active": true}

	case CmdShutdown:
		if h.callbacks.OnShutdown == nil {
			return notImplemented()
		}
		resp.Data = map[string]interface{}{"message": "shutdown initiated"}

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// sendResponse publishes a response on the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	if err := h.status.PublishStatus(payload); err != nil {
		slog.Error("failed to publish response", "command_ack", resp.CommandAck, "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok && s != ""
}
