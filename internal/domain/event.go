package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	EventNewShortTask         EventType = "new_short_task"
	EventShortTaskUpdate      EventType = "short_task_update"
	EventSubscribedTask       EventType = "subscribed_task"
	EventSubscribedTaskOutput EventType = "subscribed_task_output"
	EventFrontendToast        EventType = "frontend_toast"
	EventShouldInvalidate     EventType = "should_invalidate"
	EventImageBuilt           EventType = "image_built"
)

var (
	ErrUnknownEvent   = errors.New("event: unknown type")
	ErrMalformedEvent = errors.New("event: malformed frame")
)

// Event is one inbound frame from the task status channel.
type Event interface {
	Type() EventType
}

// Notification is the subset of events routed to the notification router.
type Notification interface {
	Event
	notification()
}

type ShortTaskEventKind string

const (
	ShortTaskNew    ShortTaskEventKind = "new"
	ShortTaskUpdate ShortTaskEventKind = "update"
)

type ShortTaskEvent struct {
	Kind   ShortTaskEventKind
	TaskID string
	Task   ShortTask
}

func (e ShortTaskEvent) Type() EventType {
	if e.Kind == ShortTaskNew {
		return EventNewShortTask
	}
	return EventShortTaskUpdate
}

type SubscribedTaskEvent struct {
	TaskID string
	Task   DetailedTask
}

func (SubscribedTaskEvent) Type() EventType { return EventSubscribedTask }

type TaskOutputEvent struct {
	TaskID   string
	Fragment TaskFragment
}

func (TaskOutputEvent) Type() EventType { return EventSubscribedTaskOutput }

type FrontendToast struct {
	Message string
}

func (FrontendToast) Type() EventType { return EventFrontendToast }
func (FrontendToast) notification()   {}

type ShouldInvalidate struct {
	Paths []string
}

func (ShouldInvalidate) Type() EventType { return EventShouldInvalidate }
func (ShouldInvalidate) notification()   {}

type ImageBuilt struct {
	ConfigurationID string
	ImageFormat     string
}

func (ImageBuilt) Type() EventType { return EventImageBuilt }
func (ImageBuilt) notification()   {}

// wire shapes

type envelope struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
}

type shortTaskFrame struct {
	envelope
	Task ShortTask `json:"task"`
}

type subscribedTaskFrame struct {
	envelope
	Task DetailedTask `json:"task"`
}

type taskOutputFrame struct {
	envelope
	TaskFragment
}

type toastFrame struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

type invalidateFrame struct {
	Type  EventType `json:"type"`
	Paths []string  `json:"should_invalidate_paths"`
}

type imageBuiltFrame struct {
	Type            EventType `json:"type"`
	ConfigurationID string    `json:"configuration_id"`
	ImageFormat     string    `json:"image_format"`
}

// DecodeEvent parses one frame. Unknown discriminators return ErrUnknownEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case EventNewShortTask, EventShortTaskUpdate:
		var f shortTaskFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		kind := ShortTaskUpdate
		if env.Type == EventNewShortTask {
			kind = ShortTaskNew
		}
		id := f.TaskID
		if id == "" {
			id = f.Task.ID
		}
		if f.Task.ID == "" {
			f.Task.ID = id
		}
		return ShortTaskEvent{Kind: kind, TaskID: id, Task: f.Task}, nil

	case EventSubscribedTask:
		var f subscribedTaskFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		id := f.TaskID
		if id == "" {
			id = f.Task.ID
		}
		return SubscribedTaskEvent{TaskID: id, Task: f.Task}, nil

	case EventSubscribedTaskOutput:
		var f taskOutputFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return TaskOutputEvent{TaskID: f.TaskID, Fragment: f.TaskFragment}, nil

	case EventFrontendToast:
		var f toastFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return FrontendToast{Message: f.Message}, nil

	case EventShouldInvalidate:
		var f invalidateFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return ShouldInvalidate{Paths: f.Paths}, nil

	case EventImageBuilt:
		var f imageBuiltFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return ImageBuilt{ConfigurationID: f.ConfigurationID, ImageFormat: f.ImageFormat}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

// EncodeEvent produces the wire form of e. The development controller uses
// it to speak the same protocol the client decodes.
func EncodeEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case ShortTaskEvent:
		return json.Marshal(shortTaskFrame{envelope{ev.Type(), ev.TaskID}, ev.Task})
	case SubscribedTaskEvent:
		return json.Marshal(subscribedTaskFrame{envelope{ev.Type(), ev.TaskID}, ev.Task})
	case TaskOutputEvent:
		return json.Marshal(taskOutputFrame{envelope{ev.Type(), ev.TaskID}, ev.Fragment})
	case FrontendToast:
		return json.Marshal(toastFrame{ev.Type(), ev.Message})
	case ShouldInvalidate:
		return json.Marshal(invalidateFrame{ev.Type(), ev.Paths})
	case ImageBuilt:
		return json.Marshal(imageBuiltFrame{ev.Type(), ev.ConfigurationID, ev.ImageFormat})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
}

type ControlType string

const (
	ControlSubscribeTask   ControlType = "subscribe_task"
	ControlUnsubscribeTask ControlType = "unsubscribe_task"
)

// ControlMessage is an outbound client-to-server frame.
type ControlMessage struct {
	Type   ControlType `json:"type"`
	TaskID string      `json:"task_id"`
}
