// Package protocol defines the JSON envelopes exchanged with chat clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Action names the operation a client requests.
type Action string

// Client actions.
const (
	ActionLogin   Action = "login"
	ActionChoose  Action = "choose"
	ActionList    Action = "list_command"
	ActionMessage Action = "message"
	ActionAdmin   Action = "admin_command"
	ActionLeave   Action = "leave"
)

// Type classifies a server envelope.
type Type string

// Server envelope types.
const (
	TypeSystem          Type = "system"
	TypeMessage         Type = "message"
	TypeError           Type = "error"
	TypeUserList        Type = "user_list"
	TypeRequirePassword Type = "require_password"
)

// TimeLayout is the wall-clock format of Response.Time.
const TimeLayout = "15:04:05"

// UserSeparator joins names in a user_list envelope.
const UserSeparator = "    "

var (
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownAction is returned when action is missing or unrecognized.
	ErrUnknownAction = errors.New("unknown action")
	// ErrMissingField is returned when an action lacks a required field.
	ErrMissingField = errors.New("missing field")
)

// Request is one client-to-server envelope.
type Request struct {
	Action       Action `json:"action" validate:"required,oneof=login choose list_command message admin_command leave"`
	Username     string `json:"username,omitempty" validate:"required_if=Action login"`
	Channel      string `json:"channel,omitempty" validate:"required_if=Action login"`
	PasswordHash string `json:"password_hash,omitempty"`
	OldChannel   string `json:"old_channel,omitempty"`
	NewChannel   string `json:"new_channel,omitempty" validate:"required_if=Action choose"`
	ChannelID    string `json:"channel_id,omitempty"`
	Message      string `json:"message,omitempty"`
	Command      string `json:"command,omitempty"`
}

// Response is one server-to-client envelope.
type Response struct {
	Type          Type     `json:"type"`
	Channel       string   `json:"channel"`
	Time          string   `json:"time"`
	Message       string   `json:"message"`
	Username      string   `json:"username,omitempty"`
	Users         string   `json:"users,omitempty"`
	AdminCommands []string `json:"admin_commands,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses and validates one inbound text frame.
//
// Postcondition: Returns a valid Request, or an error wrapping ErrMalformed,
// ErrUnknownAction, or ErrMissingField. A request returned alongside
// ErrMissingField carries the decoded action so the caller can reply.
func Decode(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	err := validate.Struct(req)
	if err == nil {
		return req, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Field() == "action" {
			return Request{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
		}
		missing = append(missing, fe.Field())
	}
	return req, fmt.Errorf("%w: %s requires %s", ErrMissingField, req.Action, strings.Join(missing, ", "))
}

// Encode serializes resp as one outbound text frame.
func Encode(resp Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", resp.Type, err)
	}
	return b, nil
}

// Stamp sets the channel and wall-clock time on resp.
func Stamp(resp Response, channel string, now time.Time) Response {
	resp.Channel = channel
	resp.Time = now.Format(TimeLayout)
	return resp
}

// JoinUsers formats names for the users field of a user_list envelope.
func JoinUsers(names []string) string {
	return strings.Join(names, UserSeparator)
}

// SplitUsers is the inverse of JoinUsers.
func SplitUsers(users string) []string {
	if users == "" {
		return nil
	}
	return strings.Split(users, UserSeparator)
}
