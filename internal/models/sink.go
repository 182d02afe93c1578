package models

import "time"

// SinkAlert 汇聚端落库的告警记录（对应 alerts 表）
//
// Timestamp 保留设备侧的原始字符串，不解析为结构化时间；
// ReceivedAt 是汇聚端自己的接收时间
type SinkAlert struct {
	AlertID    string    `json:"alert_id" db:"alert_id"`
	Sender     string    `json:"sender" db:"sender"`
	Timestamp  string    `json:"timestamp" db:"device_timestamp"`
	Latitude   string    `json:"latitude" db:"latitude"`
	Longitude  string    `json:"longitude" db:"longitude"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}
