package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
)

// changePayload is the plaintext content of a shared-log entry.
type changePayload struct {
	Collection   string             `json:"collection"`
	ObjectPK     string             `json:"pk"`
	Operation    storage.Operation  `json:"operation"`
	FieldChanges collections.Object `json:"fieldChanges,omitempty"`
}

func encodeChange(entry storage.ChangeLogEntry) ([]byte, error) {
	fields, err := entry.FieldChanges()
	if err != nil {
		return nil, err
	}
	return json.Marshal(changePayload{
		Collection:   entry.Collection,
		ObjectPK:     entry.ObjectPK,
		Operation:    entry.Operation,
		FieldChanges: fields,
	})
}

func decodeChange(raw []byte) (changePayload, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload changePayload
	if err := decoder.Decode(&payload); err != nil {
		return changePayload{}, err
	}
	if payload.Collection == "" || payload.ObjectPK == "" {
		return changePayload{}, errors.New("payload lacks collection or primary key")
	}
	if !payload.Operation.Valid() {
		return changePayload{}, fmt.Errorf("unknown operation %q", payload.Operation)
	}
	return payload, nil
}

func decodeRecord(raw []byte) (storage.Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var record storage.Record
	if err := decoder.Decode(&record); err != nil {
		return storage.Record{}, err
	}
	if record.Collection == "" || len(record.Data) == 0 {
		return storage.Record{}, errors.New("record lacks collection or data")
	}
	return record, nil
}
