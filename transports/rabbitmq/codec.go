package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
)

// Encode serializes env into an AMQP publishing. Envelope metadata travels in
// the mmate-* headers; the AMQP properties mirror the fields brokers and
// management tools understand.
func Encode(env *contracts.Envelope, persistent bool) (amqp.Publishing, error) {
	if err := env.EnsureData(); err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{}
	for k, v := range contracts.WriteHeaders(env) {
		headers[k] = v
	}

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  env.ContentType,
		DeliveryMode: amqp.Transient,
		MessageId:    env.ID,
		Type:         env.MessageType,
		Timestamp:    env.SentAt,
		ReplyTo:      env.ReplyURI,
		Body:         env.Data,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if deliverBy := env.DeliverBy(); deliverBy != nil {
		if ttl := time.Until(*deliverBy); ttl > 0 {
			msg.Expiration = strconv.FormatInt(max(ttl.Milliseconds(), 1), 10)
		}
	}
	return msg, nil
}

// Decode rebuilds an envelope from a delivery. AMQP properties fill in
// metadata missing from the headers, so plain messages published by other
// tools are accepted as long as they carry a message id.
func Decode(d amqp.Delivery) (*contracts.Envelope, error) {
	headers := make(map[string]string, len(d.Headers)+3)
	for k, v := range d.Headers {
		headers[k] = headerString(v)
	}
	fill := func(key, value string) {
		if headers[key] == "" && value != "" {
			headers[key] = value
		}
	}
	fill(contracts.HeaderID, d.MessageId)
	fill(contracts.HeaderContentType, d.ContentType)
	fill(contracts.HeaderMessageType, d.Type)
	fill(contracts.HeaderReplyURI, d.ReplyTo)

	env, err := contracts.ReadEnvelope(headers, d.Body)
	if err != nil {
		return nil, err
	}
	if env.SentAt.IsZero() && !d.Timestamp.IsZero() {
		env.SentAt = d.Timestamp.UTC()
	}
	return env, nil
}

func headerString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
