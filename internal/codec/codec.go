// Package codec 实现 Alert 线格式的编解码。
//
// 线格式为单条文本记录，字段以保留分隔符 "|" 连接，字段顺序固定：
//
//	SOS_ALERT|sender|id|timestamp|latitude|longitude
//
// 首字段为字面量标签 SOS_ALERT，用于在共享信道上区分 Alert 与其它流量。
// 已知限制：格式不定义分隔符转义，字段值中出现 "|" 会静默破坏解析；
// Encode 对这种字段直接报错，Decode 侧行为保持不变。
package codec

import (
	"errors"
	"fmt"
	"strings"

	"sosmesh/internal/models"
)

const (
	// Tag Alert 载荷的起始标签
	Tag = "SOS_ALERT"
	// Delimiter 保留分隔符
	Delimiter = "|"

	// 标签 + 5 个数据字段
	minFields = 6
)

// ErrNotAnAlert 载荷不以 SOS_ALERT 标签开头（同信道的其它流量）
var ErrNotAnAlert = errors.New("codec: payload is not an alert")

// ErrMalformed 载荷字段数不足
var ErrMalformed = errors.New("codec: malformed alert payload")

// Encode 将 Alert 编码为传输载荷
func Encode(alert models.Alert) ([]byte, error) {
	fields := []string{alert.Sender, alert.ID, alert.CreatedAt, alert.Latitude, alert.Longitude}
	for _, f := range fields {
		if strings.Contains(f, Delimiter) {
			return nil, fmt.Errorf("codec: field %q contains reserved delimiter", f)
		}
	}
	record := strings.Join(append([]string{Tag}, fields...), Delimiter)
	return []byte(record), nil
}

// Decode 将传输载荷解码为 Alert
//
// 少于 6 个字段返回 ErrMalformed；超出 6 个的尾部字段忽略不报错
// （向前兼容规则，后续版本可能追加字段）
func Decode(payload []byte) (models.Alert, error) {
	parts := strings.Split(string(payload), Delimiter)
	if parts[0] != Tag {
		return models.Alert{}, ErrNotAnAlert
	}
	if len(parts) < minFields {
		return models.Alert{}, fmt.Errorf("%w: got %d fields, want at least %d", ErrMalformed, len(parts), minFields)
	}
	return models.Alert{
		Sender:    parts[1],
		ID:        parts[2],
		CreatedAt: parts[3],
		Latitude:  parts[4],
		Longitude: parts[5],
	}, nil
}
