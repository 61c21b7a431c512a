package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind 监控实体类型
type EntityKind string

const (
	KindProcess      EntityKind = "PROCESS"
	KindEquipment    EntityKind = "EQUIPMENT"
	KindSubEquipment EntityKind = "SUBEQUIPMENT"
)

// SupervisionStatus 进程/设备上报的状态
type SupervisionStatus string

const (
	StatusDown         SupervisionStatus = "DOWN"
	StatusStartup      SupervisionStatus = "STARTUP"
	StatusRunning      SupervisionStatus = "RUNNING"
	StatusRunningLocal SupervisionStatus = "RUNNING_LOCAL"
	StatusStopped      SupervisionStatus = "STOPPED"
	StatusUncertain    SupervisionStatus = "UNCERTAIN"
	StatusNoStatus     SupervisionStatus = "NO_STATUS"
)

// IsRunning 该状态下的更新是否可以触发报警评估
func (s SupervisionStatus) IsRunning() bool {
	return s == StatusRunning || s == StatusRunningLocal
}

// ParseSupervisionStatus 解析状态（不区分大小写）
func ParseSupervisionStatus(s string) (SupervisionStatus, error) {
	status := SupervisionStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case StatusDown, StatusStartup, StatusRunning, StatusRunningLocal, StatusStopped, StatusUncertain, StatusNoStatus:
		return status, nil
	default:
		return StatusNoStatus, fmt.Errorf("unknown supervision status: %q", s)
	}
}

// SupervisedEntity 被监控的进程、设备或子设备
type SupervisedEntity struct {
	ID                int64             `json:"id" db:"entity_id"`
	Kind              EntityKind        `json:"kind" db:"kind"`
	Name              string            `json:"name" db:"name"`
	ParentID          int64             `json:"parent_id,omitempty" db:"parent_id"` // 设备所属进程，子设备所属设备
	Status            SupervisionStatus `json:"status" db:"status"`
	StatusTime        time.Time         `json:"status_time" db:"status_time"`
	StatusDescription string            `json:"status_description" db:"status_description"`
	AliveTagID        int64             `json:"alive_tag_id,omitempty" db:"alive_tag_id"`
	AliveInterval     time.Duration     `json:"alive_interval" db:"alive_interval"`
}

// CacheKey 实现 cache.Cacheable
func (e *SupervisedEntity) CacheKey() int64 {
	return e.ID
}

// SupervisionEvent 监控子系统上报的状态变化
type SupervisionEvent struct {
	EntityID    int64             `json:"entity_id"`
	Kind        EntityKind        `json:"kind"`
	Status      SupervisionStatus `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Description string            `json:"description"`
}
