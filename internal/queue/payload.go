package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the JSON envelope written for every dispatched unit of work.
type Payload struct {
	UUID        string      `json:"uuid"`
	DisplayName string      `json:"displayName"`
	Job         string      `json:"job"`
	Data        PayloadData `json:"data"`
}

type PayloadData struct {
	CommandName string          `json:"commandName"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// NewPayload encodes a payload for jobType with optional arguments.
func NewPayload(jobType string, args any) ([]byte, error) {
	p := Payload{
		UUID:        uuid.NewString(),
		DisplayName: jobType,
		Job:         jobType,
		Data:        PayloadData{CommandName: jobType},
	}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", jobType, err)
		}
		p.Data.Args = raw
	}
	return json.Marshal(p)
}

// DecodePayload is lenient: unknown shapes yield a zero Payload and an error.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// JobType names the job a payload was dispatched for, or "" when it cannot tell.
func JobType(raw []byte) string {
	p, err := DecodePayload(raw)
	if err != nil {
		return ""
	}
	for _, v := range []string{p.DisplayName, p.Data.CommandName, p.Job} {
		if v != "" {
			return v
		}
	}
	return ""
}

func payloadUUID(raw []byte) string {
	p, err := DecodePayload(raw)
	if err != nil || p.UUID == "" {
		return uuid.NewString()
	}
	return p.UUID
}
