package messages

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidPayload = errors.New("invalid message payload")
	ErrMissingTaskID  = errors.New("message has no task id")
	ErrInvalidStatus  = errors.New("invalid result status")
)

func EncodeTask(m TaskMessage) ([]byte, error) {
	if m.TaskID == 0 {
		return nil, ErrMissingTaskID
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func DecodeTask(body []byte) (TaskMessage, error) {
	var m TaskMessage
	if len(body) == 0 {
		return m, ErrInvalidPayload
	}

	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if m.TaskID == 0 {
		return m, ErrMissingTaskID
	}
	return m, nil
}

func EncodeCleanup(m CleanupMessage) ([]byte, error) {
	if m.TaskID == "" {
		return nil, ErrMissingTaskID
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func DecodeCleanup(body []byte) (CleanupMessage, error) {
	var m CleanupMessage
	if len(body) == 0 {
		return m, ErrInvalidPayload
	}

	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if m.TaskID == "" {
		return m, ErrMissingTaskID
	}
	return m, nil
}

func EncodeResult(m ResultMessage) ([]byte, error) {
	if m.TaskID == 0 {
		return nil, ErrMissingTaskID
	}
	if !m.Status.IsValid() {
		return nil, ErrInvalidStatus
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func DecodeResult(body []byte) (ResultMessage, error) {
	var m ResultMessage
	if len(body) == 0 {
		return m, ErrInvalidPayload
	}

	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if m.TaskID == 0 {
		return m, ErrMissingTaskID
	}
	if !m.Status.IsValid() {
		return m, ErrInvalidStatus
	}
	return m, nil
}
