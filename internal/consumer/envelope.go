package consumer

import (
	"encoding/json"
	"errors"
	"net/url"

	"github.com/skysense/scan-transformer/internal/pipeline"
)

// errUnknownShape marks a queue message whose body is neither notification
// shape. Such messages are permanently bad and get acked.
var errUnknownShape = errors.New("unrecognized notification shape")

// s3Event is the multi-record envelope the object store's notifier emits.
type s3Event struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
				ETag string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// bridgeEvent is the single-object envelope delivered via the event bus.
type bridgeEvent struct {
	Detail struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
			ETag string `json:"etag"`
		} `json:"object"`
	} `json:"detail"`
}

// ParseNotifications extracts object references from a queue message body.
// Both recognized envelope shapes are tried in turn; anything else returns
// errUnknownShape.
func ParseNotifications(body []byte) ([]pipeline.Notification, error) {
	var evt s3Event
	if err := json.Unmarshal(body, &evt); err == nil && len(evt.Records) > 0 {
		out := make([]pipeline.Notification, 0, len(evt.Records))
		for _, r := range evt.Records {
			if r.S3.Bucket.Name == "" || r.S3.Object.Key == "" {
				continue
			}
			out = append(out, pipeline.Notification{
				Bucket: r.S3.Bucket.Name,
				Key:    unescapeKey(r.S3.Object.Key),
				Size:   r.S3.Object.Size,
				ETag:   r.S3.Object.ETag,
			})
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	var bridge bridgeEvent
	if err := json.Unmarshal(body, &bridge); err == nil &&
		bridge.Detail.Bucket.Name != "" && bridge.Detail.Object.Key != "" {
		return []pipeline.Notification{{
			Bucket: bridge.Detail.Bucket.Name,
			Key:    unescapeKey(bridge.Detail.Object.Key),
			Size:   bridge.Detail.Object.Size,
			ETag:   bridge.Detail.Object.ETag,
		}}, nil
	}

	return nil, errUnknownShape
}

// unescapeKey undoes the URL encoding the notifier applies to object keys
// (spaces arrive as "+"). A key that fails to decode is used as-is.
func unescapeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}
