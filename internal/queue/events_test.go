package queue

import "testing"

const createdEventBody = `{
  "Records": [
    {
      "eventSource": "aws:s3",
      "eventName": "ObjectCreated:Put",
      "s3": {
        "bucket": {"name": "src-bucket"},
        "object": {"key": "folder/my+file%21.txt"}
      }
    },
    {
      "eventSource": "aws:s3",
      "eventName": "ObjectRemoved:Delete",
      "s3": {
        "bucket": {"name": "src-bucket"},
        "object": {"key": "folder/gone.txt"}
      }
    }
  ]
}`

func TestIsTestEvent(t *testing.T) {
	m := Message{Body: `{"Event":"s3:TestEvent","Bucket":"src-bucket"}`}
	if !IsTestEvent(m) {
		t.Fatal("expected test event to be detected")
	}
	if IsTestEvent(Message{Body: createdEventBody}) {
		t.Fatal("object-created event misclassified as test event")
	}
	if IsTestEvent(Message{Body: "not json"}) {
		t.Fatal("malformed body misclassified as test event")
	}
}

func TestExtractObjectEvents(t *testing.T) {
	events := ExtractObjectEvents(Message{Body: createdEventBody})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Bucket != "src-bucket" {
		t.Fatalf("unexpected bucket: %s", events[0].Bucket)
	}
	if events[0].Key != "folder/my file!.txt" {
		t.Fatalf("key not decoded: %s", events[0].Key)
	}
}

func TestExtractObjectEventsMalformed(t *testing.T) {
	if events := ExtractObjectEvents(Message{Body: "{"}); events != nil {
		t.Fatalf("expected no events, got %v", events)
	}
}
