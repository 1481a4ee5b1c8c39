package storage

import (
	"bytes"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
)

// Operation names the kind of mutation recorded in the change log.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known kinds.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// Document is the persisted form of one synced object.
type Document struct {
	Collection  string `gorm:"column:collection;primaryKey;size:64"`
	PrimaryKey  string `gorm:"column:pk;primaryKey;size:512"`
	DataJSON    string `gorm:"column:data_json;type:text;not null"`
	ClocksJSON  string `gorm:"column:clocks_json;type:text;not null"`
	Deleted     bool   `gorm:"column:deleted;not null;index"`
	DeletedAtMs int64  `gorm:"column:deleted_at_ms;not null"`
	DeletedBy   string `gorm:"column:deleted_by;size:64"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

func (Document) TableName() string {
	return "documents"
}

// ChangeLogEntry records one local mutation awaiting or past publication to the shared log.
type ChangeLogEntry struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID         string    `gorm:"column:device_id;size:64"`
	Collection       string    `gorm:"column:collection;size:64;not null"`
	ObjectPK         string    `gorm:"column:object_pk;size:512;not null"`
	Operation        Operation `gorm:"column:operation;size:16;not null"`
	FieldChangesJSON string    `gorm:"column:field_changes_json;type:text"`
	CreatedOn        int64     `gorm:"column:created_on;not null;uniqueIndex"`
	SharedOn         *int64    `gorm:"column:shared_on;index"`
}

func (ChangeLogEntry) TableName() string {
	return "client_sync_log_entries"
}

// FieldChanges decodes the changed fields of the entry.
func (e ChangeLogEntry) FieldChanges() (collections.Object, error) {
	if e.FieldChangesJSON == "" {
		return nil, nil
	}
	return decodeObject(e.FieldChangesJSON)
}

// LocalSetting is one key of the device-local settings area.
type LocalSetting struct {
	Key   string `gorm:"column:setting_key;primaryKey;size:128"`
	Value string `gorm:"column:setting_value;type:text;not null"`
}

func (LocalSetting) TableName() string {
	return "local_settings"
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Document{}, &ChangeLogEntry{}, &LocalSetting{}}
}

// Record is a full object together with its field clocks, as exchanged during initial sync.
type Record struct {
	Collection string             `json:"collection"`
	PK         string             `json:"pk"`
	Data       collections.Object `json:"data"`
	Clocks     map[string]Clock   `json:"clocks,omitempty"`
	// Tombstone is the latest delete the object survived; fields older than it were dropped.
	Tombstone  *Clock             `json:"tombstone,omitempty"`
}

// RemoteChange is a change entry received from another device.
type RemoteChange struct {
	Collection   string
	ObjectPK     string
	Operation    Operation
	FieldChanges collections.Object
	Clock        Clock
}

// ApplyOutcome reports the effect of applying a remote change.
type ApplyOutcome struct {
	Changed bool
	Deleted bool
	Object  collections.Object
}

// MergeOutcome reports the effect of merging an initial-sync record.
type MergeOutcome struct {
	PK         string
	Changed    bool
	LocalNewer bool
	Object     collections.Object
}

func decodeObject(raw string) (collections.Object, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var object collections.Object
	if err := decoder.Decode(&object); err != nil {
		return nil, err
	}
	return object, nil
}

// NormalizeObject passes an object through its JSON form so numbers compare equal
// to values read back from storage.
func NormalizeObject(object collections.Object) (collections.Object, error) {
	if object == nil {
		return collections.Object{}, nil
	}
	encoded, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	return decodeObject(string(encoded))
}

func encodeState(state *documentState) (string, string, error) {
	data, err := json.Marshal(state.data)
	if err != nil {
		return "", "", err
	}
	clocks, err := json.Marshal(state.clocks)
	if err != nil {
		return "", "", err
	}
	return string(data), string(clocks), nil
}

func decodeState(document Document) (*documentState, error) {
	state := newDocumentState()
	if document.DataJSON != "" {
		data, err := decodeObject(document.DataJSON)
		if err != nil {
			return nil, err
		}
		if data != nil {
			state.data = data
		}
	}
	if document.ClocksJSON != "" {
		if err := json.Unmarshal([]byte(document.ClocksJSON), &state.clocks); err != nil {
			return nil, err
		}
		if state.clocks == nil {
			state.clocks = map[string]Clock{}
		}
	}
	state.deleted = document.Deleted
	state.deletedClock = Clock{At: document.DeletedAtMs, Device: document.DeletedBy}
	return state, nil
}
