package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TagMode tag 运行模式
type TagMode int

const (
	ModeOperational TagMode = iota
	ModeMaintenance
	ModeTest
)

func (m TagMode) String() string {
	switch m {
	case ModeOperational:
		return "OPERATIONAL"
	case ModeMaintenance:
		return "MAINTENANCE"
	case ModeTest:
		return "TEST"
	default:
		return fmt.Sprintf("TagMode(%d)", int(m))
	}
}

// MarshalText encodes the mode as its name.
func (m TagMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts the mode names, case-insensitive.
func (m *TagMode) UnmarshalText(text []byte) error {
	mode, err := ParseTagMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseTagMode parses "OPERATIONAL", "MAINTENANCE" or "TEST".
func ParseTagMode(s string) (TagMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "OPERATIONAL":
		return ModeOperational, nil
	case "MAINTENANCE":
		return ModeMaintenance, nil
	case "TEST":
		return ModeTest, nil
	default:
		return ModeOperational, fmt.Errorf("unknown tag mode: %q", s)
	}
}

// QualityFlag tag 值无效的原因
type QualityFlag string

const (
	QualityInaccessible     QualityFlag = "INACCESSIBLE"
	QualityValueOutOfBounds QualityFlag = "VALUE_OUT_OF_BOUNDS"
	QualityValueExpired     QualityFlag = "VALUE_EXPIRED"
	QualityUndefinedValue   QualityFlag = "UNDEFINED_VALUE"
	QualityUnsupportedType  QualityFlag = "UNSUPPORTED_TYPE"
	QualityProcessDown      QualityFlag = "PROCESS_DOWN"
	QualityEquipmentDown    QualityFlag = "EQUIPMENT_DOWN"
	QualitySubEquipmentDown QualityFlag = "SUBEQUIPMENT_DOWN"
	QualityUnknownReason    QualityFlag = "UNKNOWN_REASON"
)

// Quality tag 值质量（已初始化且没有无效标记时才有效）
type Quality struct {
	Initialised bool                   `json:"initialised" db:"initialised"`
	Invalid     map[QualityFlag]string `json:"invalid,omitempty" db:"invalid"` // flag -> description
}

// IsValid 是否有效
func (q Quality) IsValid() bool {
	return q.Initialised && len(q.Invalid) == 0
}

// IsInvalidBy reports whether flag is set.
func (q Quality) IsInvalidBy(flag QualityFlag) bool {
	_, ok := q.Invalid[flag]
	return ok
}

// Validate clears all flags and marks the quality initialised.
func (q *Quality) Validate() {
	q.Initialised = true
	q.Invalid = nil
}

// AddInvalidFlag sets flag with a description. The quality counts as initialised afterwards.
func (q *Quality) AddInvalidFlag(flag QualityFlag, description string) {
	if q.Invalid == nil {
		q.Invalid = make(map[QualityFlag]string)
	}
	q.Invalid[flag] = description
	q.Initialised = true
}

// RemoveInvalidFlag clears flag.
func (q *Quality) RemoveInvalidFlag(flag QualityFlag) {
	delete(q.Invalid, flag)
	if len(q.Invalid) == 0 {
		q.Invalid = nil
	}
}

// Description joins the flag descriptions in flag order.
func (q Quality) Description() string {
	if len(q.Invalid) == 0 {
		return ""
	}
	flags := make([]string, 0, len(q.Invalid))
	for flag := range q.Invalid {
		flags = append(flags, string(flag))
	}
	sort.Strings(flags)

	parts := make([]string, 0, len(flags))
	for _, flag := range flags {
		if desc := q.Invalid[QualityFlag(flag)]; desc != "" {
			parts = append(parts, flag+": "+desc)
		} else {
			parts = append(parts, flag)
		}
	}
	return strings.Join(parts, "; ")
}

// Tag 一个监测点的当前值
type Tag struct {
	ID               int64     `json:"id" db:"tag_id"`
	Name             string    `json:"name" db:"name"`
	ProcessID        int64     `json:"process_id" db:"process_id"`
	EquipmentID      int64     `json:"equipment_id" db:"equipment_id"`
	SubEquipmentID   int64     `json:"sub_equipment_id,omitempty" db:"sub_equipment_id"`
	DataType         string    `json:"data_type" db:"data_type"` // Boolean, Integer, Long, Float, Double, String
	Value            any       `json:"value"`                    // bool, float64, int64, string or nil
	ValueDescription string    `json:"value_description,omitempty" db:"value_description"`
	Quality          Quality   `json:"quality"`
	Mode             TagMode   `json:"mode" db:"mode"`
	Simulated        bool      `json:"simulated" db:"simulated"`
	SourceTimestamp  time.Time `json:"source_timestamp" db:"source_ts"`
	DAQTimestamp     time.Time `json:"daq_timestamp" db:"daq_ts"`
	ServerTimestamp  time.Time `json:"server_timestamp" db:"server_ts"`
	AlarmIDs         []int64   `json:"alarm_ids" db:"alarm_ids"`
}

// CacheKey 实现 cache.Cacheable
func (t *Tag) CacheKey() int64 {
	return t.ID
}

// Timestamp is the source timestamp, or the server timestamp when the source
// did not send one.
func (t *Tag) Timestamp() time.Time {
	if !t.SourceTimestamp.IsZero() {
		return t.SourceTimestamp
	}
	return t.ServerTimestamp
}

// ReadyForEvaluation 当前值是否可以用于报警评估
func (t *Tag) ReadyForEvaluation() bool {
	return t.Quality.IsValid() && t.Value != nil && !t.Timestamp().IsZero()
}

// HasAlarms 是否关联了报警
func (t *Tag) HasAlarms() bool {
	return len(t.AlarmIDs) > 0
}

// TagUpdate 一个 tag 的值更新
type TagUpdate struct {
	TagID            int64                  `json:"tag_id"`
	Value            any                    `json:"value"`
	ValueDescription string                 `json:"value_description,omitempty"`
	Invalid          map[QualityFlag]string `json:"invalid,omitempty"`
	Mode             *TagMode               `json:"mode,omitempty"`
	Simulated        bool                   `json:"simulated"`
	SourceTimestamp  time.Time              `json:"source_timestamp"`
	DAQTimestamp     time.Time              `json:"daq_timestamp"`
}
