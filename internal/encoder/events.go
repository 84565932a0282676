package encoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Event names accepted by HandleEvent.
const (
	EventConfigure        = "configure"
	EventForceIntra       = "forceIntra"
	EventGopReferenceTime = "gopReferenceTime"
)

// ErrUnknownEvent is returned for an action HandleEvent does not know.
var ErrUnknownEvent = errors.New("encoder: unknown event")

type gopReferenceParams struct {
	// ReferenceTime is in microseconds, as a decimal string so it survives
	// JSON number precision limits.
	ReferenceTime string `json:"referenceTime"`
}

// HandleEvent dispatches a named runtime event with JSON params.
func (s *Stage) HandleEvent(action string, params json.RawMessage) error {
	switch action {
	case EventConfigure:
		var p Params
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		return s.Configure(p)

	case EventForceIntra:
		s.ForceIntra()
		return nil

	case EventGopReferenceTime:
		var p gopReferenceParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		us, err := strconv.ParseInt(p.ReferenceTime, 10, 64)
		if err != nil {
			return &ConfigError{Field: "referenceTime", Err: ErrInvalidConfig}
		}
		s.SetGopReference(time.Duration(us) * time.Microsecond)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownEvent, action)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &ConfigError{Field: "params", Err: ErrInvalidConfig}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ConfigError{Field: "params", Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
	}
	return nil
}
