package schema

import (
	"time"

	"github.com/danmuck/netwire/internal/protocol/field"
)

// BasicProperties is the typed view of basic-class content properties.
// Zero values are treated as absent.
type BasicProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         field.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Args converts p to the schema field map used by the registry.
func (p BasicProperties) Args() Args {
	a := Args{}
	setStr := func(k, v string) {
		if v != "" {
			a[k] = v
		}
	}
	setStr("content-type", p.ContentType)
	setStr("content-encoding", p.ContentEncoding)
	if p.Headers != nil {
		a["headers"] = p.Headers
	}
	if p.DeliveryMode != 0 {
		a["delivery-mode"] = p.DeliveryMode
	}
	if p.Priority != 0 {
		a["priority"] = p.Priority
	}
	setStr("correlation-id", p.CorrelationID)
	setStr("reply-to", p.ReplyTo)
	setStr("expiration", p.Expiration)
	setStr("message-id", p.MessageID)
	if !p.Timestamp.IsZero() {
		a["timestamp"] = p.Timestamp
	}
	setStr("type", p.Type)
	setStr("user-id", p.UserID)
	setStr("app-id", p.AppID)
	return a
}

// BasicPropertiesFrom builds the typed view from decoded properties.
func BasicPropertiesFrom(a Args) BasicProperties {
	str := func(k string) string {
		s, _ := a[k].(string)
		return s
	}
	p := BasicProperties{
		ContentType:     str("content-type"),
		ContentEncoding: str("content-encoding"),
		CorrelationID:   str("correlation-id"),
		ReplyTo:         str("reply-to"),
		Expiration:      str("expiration"),
		MessageID:       str("message-id"),
		Type:            str("type"),
		UserID:          str("user-id"),
		AppID:           str("app-id"),
	}
	p.Headers, _ = a["headers"].(field.Table)
	p.DeliveryMode, _ = a["delivery-mode"].(uint8)
	p.Priority, _ = a["priority"].(uint8)
	p.Timestamp, _ = a["timestamp"].(time.Time)
	return p
}
