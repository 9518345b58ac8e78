package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Job is a unit of work delivered by the broker.
type Job struct {
	ID       string // broker-assigned, unique per queue
	Queue    string
	Data     []byte // raw payload JSON
	Delivery int    // 1 on first delivery
}

// JobHandler processes one delivery of a job. A nil return resolves the job
// and the broker removes it; an error leaves it to the broker's redelivery policy.
type JobHandler func(ctx context.Context, job *Job) error

// Subscription is an open consumer on one named queue.
type Subscription interface {
	Queue() string
	// Close stops fetching and waits for in-flight jobs until ctx is done.
	Close(ctx context.Context) error
}

// InvocationType selects how the remote function is invoked.
type InvocationType string

const (
	InvocationSync   InvocationType = "RequestResponse"
	InvocationAsync  InvocationType = "Event"
	InvocationDryRun InvocationType = "DryRun"
)

// Synchronous reports whether the caller waits for and parses a result.
func (t InvocationType) Synchronous() bool {
	return t == InvocationSync
}

// InvocationOptions are supplied per job.
type InvocationOptions struct {
	InvocationType InvocationType `json:"invocationType,omitempty"`
}

// Type returns the effective invocation type. Safe on a nil receiver.
func (o *InvocationOptions) Type() InvocationType {
	if o == nil || o.InvocationType == "" {
		return InvocationSync
	}
	return o.InvocationType
}

var emptyEvent = json.RawMessage(`{}`)

// Payload is the job body as published by producers.
type Payload struct {
	FunctionRef string             `json:"lambdaArn"`
	Event       json.RawMessage    `json:"event,omitempty"`
	Options     *InvocationOptions `json:"options,omitempty"`
}

// DecodePayload parses job data. Missing event defaults to {} and missing
// options to an empty set.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if len(p.Event) == 0 || bytes.Equal(bytes.TrimSpace(p.Event), []byte("null")) {
		p.Event = emptyEvent
	}
	if p.Options == nil {
		p.Options = &InvocationOptions{}
	}
	return &p, nil
}

// BrokerConnection locates the broker backing a queue.
type BrokerConnection struct {
	Host string
	Port int
}

// QueueDescriptor is created once per configured queue name at startup.
type QueueDescriptor struct {
	Name   string
	Broker BrokerConnection
}

// QueueStats is a point-in-time view of a queue's backlog.
type QueueStats struct {
	Queue      string `json:"queue"`
	Length     int64  `json:"length"`
	Pending    int64  `json:"pending"`
	DeadLetter int64  `json:"dead_letter"`
}
