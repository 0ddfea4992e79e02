package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the serialized shape of an Entry: {timestamp, mode, contents}.
type record struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode"`
	Contents  []byte    `json:"contents,omitempty"`
}

// Marshal encodes e as a JSON record. Contents are base64 encoded.
func Marshal(e *Entry) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	r := record{Timestamp: e.Timestamp.UTC(), Mode: e.Mode}
	if !e.IsDir() {
		r.Contents = e.Contents
	}
	return json.Marshal(r)
}

// Unmarshal decodes a JSON record.
func Unmarshal(data []byte) (*Entry, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	e := &Entry{Timestamp: r.Timestamp, Mode: r.Mode, Contents: r.Contents}
	if !e.IsDir() && e.Contents == nil {
		e.Contents = []byte{}
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}
