package remote

import (
	"encoding/json"

	"trustsync/pkg/replication"
)

// jsonCodec carries the replica messages as JSON on the gRPC wire
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

// Wire messages
type (
	ListRequest struct {
		Prefix string `json:"prefix"`
		Since  string `json:"since,omitempty"`
	}

	GetRequest struct {
		Key string `json:"key"`
	}

	GetResponse struct {
		Item *replication.Item `json:"item,omitempty"`
	}

	PutRequest struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		UpdatedAt int64  `json:"updated_at"`
	}

	DelRequest struct {
		Key       string `json:"key"`
		UpdatedAt int64  `json:"updated_at"`
	}

	Ack struct{}
)
