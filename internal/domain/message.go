package domain

import (
	"encoding/binary"
	"encoding/json"

	"github.com/google/uuid"
)

// SourceKind tags the origin of a Message (spec §3).
type SourceKind string

const (
	SourceGenerator   SourceKind = "generator"
	SourceWebhookGet  SourceKind = "webhook_get"
	SourceWebhookPost SourceKind = "webhook_post"
	SourceLogback     SourceKind = "logback"
)

// Source is the tagged union describing where a Message came from. Only
// the fields relevant to Kind are populated; the rest are zero.
type Source struct {
	Kind SourceKind `json:"kind"`

	// Populated when Kind == SourceGenerator.
	GeneratorKind   string `json:"generator_kind,omitempty"`
	GeneratorDetail string `json:"generator_detail,omitempty"`

	// Populated when Kind is one of the webhook variants.
	WebhookName string `json:"webhook_name,omitempty"`

	// Populated when Kind == SourceLogback: the module that scheduled it.
	ModuleName string `json:"module_name,omitempty"`
}

// ExpectsResponse reports whether the ingress edge that produced this
// message is waiting to relay a synchronous response back out (true only
// for GET webhooks, per spec §6).
func (s Source) ExpectsResponse() bool {
	return s.Kind == SourceWebhookGet
}

func NewGeneratorSource(kind, detail string) Source {
	return Source{Kind: SourceGenerator, GeneratorKind: kind, GeneratorDetail: detail}
}

func NewWebhookSource(name string, isGet bool) Source {
	if isGet {
		return Source{Kind: SourceWebhookGet, WebhookName: name}
	}
	return Source{Kind: SourceWebhookPost, WebhookName: name}
}

func NewLogbackSource(moduleName string) Source {
	return Source{Kind: SourceLogback, ModuleName: moduleName}
}

// Message is the unit of work dispatched through the event bus to the
// channel's handler modules (spec §3).
type Message struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Data            []byte            `json:"data"`
	Source          Source            `json:"source"`
	Headers         map[string]string `json:"headers,omitempty"`
	QueryParams     map[string]string `json:"query_params,omitempty"`
	LogbacksAllowed Quota             `json:"logbacks_allowed"`
	AccessoryData   map[string][]byte `json:"accessory_data,omitempty"`
}

// NewMessage constructs a Message with a fresh ID, matching the shape the
// host assembles for every producer (data generators, webhook ingress, and
// the logback scheduler alike).
func NewMessage(msgType string, data []byte, source Source, logbacksAllowed Quota) Message {
	return Message{
		ID:              uuid.NewString(),
		Type:            msgType,
		Data:            data,
		Source:          source,
		LogbacksAllowed: logbacksAllowed,
	}
}

// EncodeDataAndSource lays out the buffer returned by the
// fetch_data_and_source host function: a little-endian u32 length prefix
// for Data, the raw Data bytes, then the JSON-serialized Source.
func (m Message) EncodeDataAndSource() ([]byte, error) {
	srcJSON, err := json.Marshal(m.Source)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(m.Data)+len(srcJSON))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(m.Data)))
	copy(buf[4:], m.Data)
	copy(buf[4+len(m.Data):], srcJSON)
	return buf, nil
}

// DelayedMessage pairs a Message with an absolute unix-seconds execution
// time, totally ordered by Delay ascending (spec §3).
type DelayedMessage struct {
	Delay   int64   `json:"delay"`
	Message Message `json:"message"`
}
