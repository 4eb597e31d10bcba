// Package d2a implements the agent-to-agent content exchange protocol: an
// encrypted offer, accept/reject, deliver message flow between two peers.
package d2a

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ssd-technologies/sieve/internal/content"
)

// ErrInvalidMessage is wrapped by every decoding failure.
var ErrInvalidMessage = errors.New("d2a: invalid message")

// Type tags a message variant.
type Type string

const (
	TypeOffer   Type = "offer"
	TypeAccept  Type = "accept"
	TypeReject  Type = "reject"
	TypeDeliver Type = "deliver"
)

// Payload is implemented by the four payload variants.
type Payload interface {
	Type() Type
}

// Offer advertises one content item.
type Offer struct {
	Topic          string  `json:"topic"`
	Score          float64 `json:"score"`
	ContentPreview string  `json:"contentPreview"`
}

// Accept and Reject carry no data.
type Accept struct{}
type Reject struct{}

// Deliver transports one content item.
type Deliver struct {
	Text     string          `json:"text"`
	Author   string          `json:"author"`
	Verdict  content.Verdict `json:"verdict"`
	Topics   []string        `json:"topics"`
	Scores   *content.Scores `json:"scores,omitempty"`
	VSignal  *float64        `json:"vSignal,omitempty"`
	CContext *float64        `json:"cContext,omitempty"`
	LSlop    *float64        `json:"lSlop,omitempty"`
}

func (Offer) Type() Type   { return TypeOffer }
func (Accept) Type() Type  { return TypeAccept }
func (Reject) Type() Type  { return TypeReject }
func (Deliver) Type() Type { return TypeDeliver }

// DeliverFromItem builds a deliver payload from a content item.
func DeliverFromItem(it content.Item) Deliver {
	scores := it.Scores
	return Deliver{
		Text:     it.Text,
		Author:   it.Author,
		Verdict:  it.Verdict,
		Topics:   append([]string{}, it.Topics...),
		Scores:   &scores,
		VSignal:  it.VSignal,
		CContext: it.CContext,
		LSlop:    it.LSlop,
	}
}

// Item converts a delivered payload into a content item received from peer.
func (d Deliver) Item(peer string, receivedAt int64) content.Item {
	it := content.Item{
		ID:           content.Digest(d.Text),
		Text:         d.Text,
		Author:       d.Author,
		Source:       "d2a",
		Verdict:      d.Verdict,
		Topics:       append([]string{}, d.Topics...),
		VSignal:      d.VSignal,
		CContext:     d.CContext,
		LSlop:        d.LSlop,
		ReceivedFrom: peer,
		CreatedAt:    receivedAt,
	}
	if d.Scores != nil {
		it.Scores = *d.Scores
	}
	return it
}

// Message is one protocol message.
type Message struct {
	FromPubkey string
	ToPubkey   string
	Payload    Payload
}

// Type returns the message's variant tag.
func (m *Message) Type() Type { return m.Payload.Type() }

type wireMessage struct {
	Type       Type        `json:"type"`
	FromPubkey string      `json:"fromPubkey"`
	ToPubkey   string      `json:"toPubkey"`
	Payload    interface{} `json:"payload"`
}

// MarshalJSON encodes m in its tagged wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidMessage)
	}
	var payload interface{} = m.Payload
	switch m.Payload.(type) {
	case Accept, Reject, *Accept, *Reject:
		payload = struct{}{}
	}
	return json.Marshal(wireMessage{
		Type:       m.Payload.Type(),
		FromPubkey: m.FromPubkey,
		ToPubkey:   m.ToPubkey,
		Payload:    payload,
	})
}

// Decode validates plaintext as a message. Every failure wraps
// ErrInvalidMessage.
func Decode(plaintext []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(plaintext)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidMessage)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var typ, from, to string
	if err := stringField(fields, "type", &typ); err != nil {
		return nil, err
	}
	if err := stringField(fields, "fromPubkey", &from); err != nil {
		return nil, err
	}
	if err := stringField(fields, "toPubkey", &to); err != nil {
		return nil, err
	}

	msg := &Message{FromPubkey: from, ToPubkey: to}
	var err error
	switch Type(typ) {
	case TypeOffer:
		msg.Payload, err = decodeOffer(fields["payload"])
	case TypeDeliver:
		msg.Payload, err = decodeDeliver(fields["payload"])
	case TypeAccept:
		msg.Payload = Accept{}
	case TypeReject:
		msg.Payload = Reject{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, typ)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeOffer(raw json.RawMessage) (Offer, error) {
	fields, err := object(raw)
	if err != nil {
		return Offer{}, err
	}
	var o Offer
	if err := stringField(fields, "topic", &o.Topic); err != nil {
		return Offer{}, err
	}
	if err := numberField(fields, "score", &o.Score); err != nil {
		return Offer{}, err
	}
	if err := stringField(fields, "contentPreview", &o.ContentPreview); err != nil {
		return Offer{}, err
	}
	return o, nil
}

func decodeDeliver(raw json.RawMessage) (Deliver, error) {
	fields, err := object(raw)
	if err != nil {
		return Deliver{}, err
	}
	var d Deliver
	var verdict string
	if err := stringField(fields, "text", &d.Text); err != nil {
		return Deliver{}, err
	}
	if err := stringField(fields, "author", &d.Author); err != nil {
		return Deliver{}, err
	}
	if err := stringField(fields, "verdict", &verdict); err != nil {
		return Deliver{}, err
	}
	d.Verdict = content.Verdict(verdict)

	topics, ok := fields["topics"]
	if !ok || !startsWith(topics, '[') {
		return Deliver{}, fmt.Errorf("%w: topics must be an array", ErrInvalidMessage)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(topics, &elems); err != nil {
		return Deliver{}, fmt.Errorf("%w: topics: %v", ErrInvalidMessage, err)
	}
	d.Topics = make([]string, 0, len(elems))
	for _, el := range elems {
		var topic string
		if !startsWith(el, '"') || json.Unmarshal(el, &topic) != nil {
			return Deliver{}, fmt.Errorf("%w: topics must be strings", ErrInvalidMessage)
		}
		d.Topics = append(d.Topics, topic)
	}

	if s, ok := present(fields, "scores"); ok {
		if !startsWith(s, '{') {
			return Deliver{}, fmt.Errorf("%w: scores must be an object", ErrInvalidMessage)
		}
		var sc content.Scores
		if err := json.Unmarshal(s, &sc); err != nil {
			return Deliver{}, fmt.Errorf("%w: scores: %v", ErrInvalidMessage, err)
		}
		d.Scores = &sc
	}
	for name, dst := range map[string]**float64{"vSignal": &d.VSignal, "cContext": &d.CContext, "lSlop": &d.LSlop} {
		if _, ok := present(fields, name); !ok {
			continue
		}
		var v float64
		if err := numberField(fields, name, &v); err != nil {
			return Deliver{}, err
		}
		*dst = &v
	}
	return d, nil
}

func object(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if !startsWith(raw, '{') {
		return nil, fmt.Errorf("%w: payload must be an object", ErrInvalidMessage)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidMessage, err)
	}
	return fields, nil
}

// present returns a field that exists and is not null.
func present(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	raw, ok := fields[name]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, false
	}
	return raw, true
}

func stringField(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok || !startsWith(raw, '"') {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidMessage, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, name, err)
	}
	return nil
}

func numberField(fields map[string]json.RawMessage, name string, dst *float64) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("%w: %s missing", ErrInvalidMessage, name)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !(raw[0] == '-' || raw[0] >= '0' && raw[0] <= '9') {
		return fmt.Errorf("%w: %s must be a number", ErrInvalidMessage, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, name, err)
	}
	return nil
}

func startsWith(raw json.RawMessage, c byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == c
}
