package offline_sync

import (
	"maps"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// OperationType selects the executor of an operation. Callers may define
// their own types.
type OperationType string

const (
	LocationUpdate OperationType = "location_update"
	AlertCreate    OperationType = "alert_create"
	AlertUpdate    OperationType = "alert_update"
	AlertResolve   OperationType = "alert_resolve"
	ProfileUpdate  OperationType = "profile_update"
	MessageSend    OperationType = "message_send"
	HTTPRequest    OperationType = "http_request"
)

// Operation is a queued mutating request.
type Operation struct {
	ID         string        `json:"id" yaml:"id"`
	Type       OperationType `json:"type" yaml:"type"`
	Payload    Payload       `json:"payload" yaml:"payload"`
	EnqueuedAt time.Time     `json:"enqueued_at" yaml:"enqueued_at"`
	Priority   int           `json:"priority" yaml:"priority"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryCount int           `json:"retry_count" yaml:"retry_count"`
	LastError  string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func (op *Operation) clone() Operation {
	c := *op
	c.Payload = maps.Clone(op.Payload)
	return c
}

// Payload is the dynamic body of an operation. Executors should Decode it
// into a typed, validated struct.
type Payload map[string]any

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode decodes p into out, which must be a pointer, then validates the
// result with its `validate` struct tags. Fields are matched by their json
// tag. Unknown keys are an error.
func (p Payload) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return &PayloadError{Err: err}
	}

	v := reflect.ValueOf(out)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		if err := validate.Struct(out); err != nil {
			return &PayloadError{Err: err}
		}
	}
	return nil
}
