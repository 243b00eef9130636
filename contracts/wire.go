package contracts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire header names used when an envelope crosses a broker
const (
	HeaderID                   = "mmate-id"
	HeaderOriginalID           = "mmate-original-id"
	HeaderParentID             = "mmate-parent-id"
	HeaderResponseID           = "mmate-response-id"
	HeaderMessageType          = "mmate-message-type"
	HeaderContentType          = "mmate-content-type"
	HeaderSource               = "mmate-source"
	HeaderDestination          = "mmate-destination"
	HeaderReplyURI             = "mmate-reply-uri"
	HeaderAcceptedContentTypes = "mmate-accepted-content-types"
	HeaderSentAt               = "mmate-sent-at"
	HeaderExecutionTime        = "mmate-execution-time"
	HeaderDeliverBy            = "mmate-deliver-by"
	HeaderAttempts             = "mmate-attempts"
	HeaderAckRequested         = "mmate-ack-requested"
	HeaderReplyRequested       = "mmate-reply-requested"

	// Headers written when an envelope is moved to an error queue
	HeaderExceptionType    = "exception-type"
	HeaderExceptionMessage = "exception-message"
)

const wirePrefix = "mmate-"

// WriteHeaders flattens envelope metadata into string headers. Custom headers
// are carried as-is.
func WriteHeaders(env *Envelope) map[string]string {
	h := make(map[string]string, len(env.Headers)+16)
	for k, v := range env.Headers {
		h[k] = v
	}

	put := func(key, value string) {
		if value != "" {
			h[key] = value
		}
	}
	put(HeaderID, env.ID)
	put(HeaderOriginalID, env.OriginalID)
	put(HeaderParentID, env.ParentID)
	put(HeaderResponseID, env.ResponseID)
	put(HeaderMessageType, env.MessageType)
	put(HeaderContentType, env.ContentType)
	put(HeaderSource, env.Source)
	put(HeaderDestination, env.Destination)
	put(HeaderReplyURI, env.ReplyURI)
	put(HeaderAcceptedContentTypes, strings.Join(env.AcceptedContentTypes, ","))
	put(HeaderReplyRequested, env.ReplyRequested)

	if !env.SentAt.IsZero() {
		h[HeaderSentAt] = env.SentAt.UTC().Format(time.RFC3339Nano)
	}
	if t := env.ExecutionTime(); t != nil {
		h[HeaderExecutionTime] = t.Format(time.RFC3339Nano)
	}
	if t := env.DeliverBy(); t != nil {
		h[HeaderDeliverBy] = t.Format(time.RFC3339Nano)
	}
	if env.Attempts > 0 {
		h[HeaderAttempts] = strconv.Itoa(env.Attempts)
	}
	if env.AckRequested {
		h[HeaderAckRequested] = "true"
	}
	return h
}

// ReadEnvelope rebuilds an envelope from wire headers and a payload
func ReadEnvelope(headers map[string]string, data []byte) (*Envelope, error) {
	env := &Envelope{
		Data:    data,
		Headers: make(map[string]string),
	}

	for key, value := range headers {
		var err error
		switch key {
		case HeaderID:
			env.ID = value
		case HeaderOriginalID:
			env.OriginalID = value
		case HeaderParentID:
			env.ParentID = value
		case HeaderResponseID:
			env.ResponseID = value
		case HeaderMessageType:
			env.MessageType = value
		case HeaderContentType:
			env.ContentType = value
		case HeaderSource:
			env.Source = value
		case HeaderDestination:
			env.Destination = value
		case HeaderReplyURI:
			env.ReplyURI = value
		case HeaderReplyRequested:
			env.ReplyRequested = value
		case HeaderAcceptedContentTypes:
			for _, ct := range strings.Split(value, ",") {
				if ct = strings.TrimSpace(ct); ct != "" {
					env.AcceptedContentTypes = append(env.AcceptedContentTypes, ct)
				}
			}
		case HeaderSentAt:
			env.SentAt, err = parseTime(key, value)
		case HeaderExecutionTime:
			var t time.Time
			if t, err = parseTime(key, value); err == nil {
				env.SetExecutionTime(t)
			}
		case HeaderDeliverBy:
			var t time.Time
			if t, err = parseTime(key, value); err == nil {
				env.SetDeliverBy(t)
			}
		case HeaderAttempts:
			env.Attempts, err = strconv.Atoi(value)
			if err != nil {
				err = fmt.Errorf("%w: %s=%q", ErrMalformedHeader, key, value)
			}
		case HeaderAckRequested:
			env.AckRequested, err = strconv.ParseBool(value)
			if err != nil {
				err = fmt.Errorf("%w: %s=%q", ErrMalformedHeader, key, value)
			}
		default:
			if !strings.HasPrefix(key, wirePrefix) {
				env.Headers[key] = value
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedHeader, HeaderID)
	}
	return env, nil
}

func parseTime(key, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q", ErrMalformedHeader, key, value)
	}
	return t.UTC(), nil
}
