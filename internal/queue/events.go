package queue

import (
	"encoding/json"
	"net/url"
	"strings"
)

// ObjectEvent is an object-created notification extracted from a message.
type ObjectEvent struct {
	Bucket string
	Key    string
}

type s3EventBody struct {
	Event   string `json:"Event"`
	Records []struct {
		EventSource string `json:"eventSource"`
		EventName   string `json:"eventName"`
		S3          struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// IsTestEvent reports whether the message is the s3:TestEvent probe S3 sends
// once when notifications are first wired up. Unparseable bodies are not test
// events; they surface later as data errors.
func IsTestEvent(m Message) bool {
	var body s3EventBody
	if err := json.Unmarshal([]byte(m.Body), &body); err != nil {
		return false
	}
	if body.Event == "s3:TestEvent" {
		return true
	}
	for _, record := range body.Records {
		if record.EventSource == "aws:s3" && record.EventName == "s3:TestEvent" {
			return true
		}
	}
	return false
}

// ExtractObjectEvents pulls object-created events out of a message body.
// Malformed bodies and non-create events yield an empty slice.
func ExtractObjectEvents(m Message) []ObjectEvent {
	var body s3EventBody
	if err := json.Unmarshal([]byte(m.Body), &body); err != nil {
		return nil
	}

	var events []ObjectEvent
	for _, record := range body.Records {
		if record.EventSource != "aws:s3" || !strings.HasPrefix(record.EventName, "ObjectCreated") {
			continue
		}
		bucket := record.S3.Bucket.Name
		key := record.S3.Object.Key
		if bucket == "" || key == "" {
			continue
		}
		// Keys arrive URL-encoded with '+' for spaces.
		if decoded, err := url.QueryUnescape(strings.ReplaceAll(key, "+", "%20")); err == nil {
			key = decoded
		}
		events = append(events, ObjectEvent{Bucket: bucket, Key: key})
	}
	return events
}
