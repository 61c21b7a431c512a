package models

import "time"

// Alarm.Info 中的信息标记（按此顺序追加）
const (
	InfoTest        = "[T]"
	InfoMaintenance = "[M]"
	InfoInvalid     = "[?]"
	InfoOscillating = "[OSC]"
	InfoSimulated   = "[SIM]"

	// InfoRemoved 报警已从缓存中删除
	InfoRemoved = "Alarm was removed"
)

// Alarm 报警（由一个 tag 派生的布尔状态）
type Alarm struct {
	ID          int64             `json:"id" db:"alarm_id"`
	TagID       int64             `json:"tag_id" db:"tag_id"`
	FaultFamily string            `json:"fault_family" db:"fault_family"`
	FaultMember string            `json:"fault_member" db:"fault_member"`
	FaultCode   int               `json:"fault_code" db:"fault_code"`
	Condition   Condition         `json:"-" db:"condition"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`

	// Active 对外可见的状态，振荡期间保持为 true
	Active bool `json:"active" db:"active"`
	// InternalActive Condition 最后一次的评估结果
	InternalActive   bool      `json:"internal_active" db:"internal_active"`
	Oscillating      bool      `json:"oscillating" db:"oscillating"`
	TriggerTimestamp time.Time `json:"trigger_timestamp" db:"trigger_ts"` // 首次评估前为零值
	SourceTimestamp  time.Time `json:"source_timestamp" db:"source_ts"`
	Info             string    `json:"info" db:"info"`
}

// CacheKey 实现 cache.Cacheable
func (a *Alarm) CacheKey() int64 {
	return a.ID
}

// Initialised 是否至少评估过一次
func (a *Alarm) Initialised() bool {
	return !a.TriggerTimestamp.IsZero()
}

// BuildInfo 根据 tag 生成信息标记
func BuildInfo(tag *Tag, oscillating bool) string {
	info := ""
	switch tag.Mode {
	case ModeTest:
		info += InfoTest
	case ModeMaintenance:
		info += InfoMaintenance
	}
	if !tag.Quality.IsValid() {
		info += InfoInvalid
	}
	if oscillating {
		info += InfoOscillating
	}
	if tag.Simulated {
		info += InfoSimulated
	}
	return info
}

// TagWithAlarms tag 快照及其报警
type TagWithAlarms struct {
	Tag    *Tag     `json:"tag"`
	Alarms []*Alarm `json:"alarms"`
}

// ActiveAlarms 返回当前处于激活状态的报警
func (t *TagWithAlarms) ActiveAlarms() []*Alarm {
	var active []*Alarm
	for _, alarm := range t.Alarms {
		if alarm.Active {
			active = append(active, alarm)
		}
	}
	return active
}
