package model

import "time"

// AgentStats is a point-in-time view of plan counts and host load
type AgentStats struct {
	Plans         int                `json:"plans"`
	PlansByStatus map[PlanStatus]int `json:"plans_by_status"`
	ActiveEngines int                `json:"active_engines"`
	CPUUsage      float64            `json:"cpu_usage"`
	MemoryUsage   float64            `json:"memory_usage"`
	CollectedAt   time.Time          `json:"collected_at"`
}
