package cache

import (
	"encoding/json"
	"time"

	"erpcache/pkg/errors"
)

// envelope 持久化后端使用的条目格式
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // 写入时间，Unix 毫秒
	TTL       int64           `json:"ttl"`       // 毫秒
	Tags      []string        `json:"tags,omitempty"`
}

func encodeEnvelope(value interface{}, writtenAt time.Time, ttl time.Duration, tags []string) ([]byte, error) {
	var data json.RawMessage
	switch v := value.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		// 合法 JSON 的字节切片原样保存，其他字节按 json.Marshal 规则编码为 base64 字符串
		if json.Valid(v) {
			data = v
		}
	}

	if data == nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, errors.WrapError(errors.ErrSerializeFailed, "failed to marshal cache value", err)
		}
		data = raw
	}

	raw, err := json.Marshal(envelope{
		Data:      data,
		Timestamp: writtenAt.UnixMilli(),
		TTL:       ttl.Milliseconds(),
		Tags:      tags,
	})
	if err != nil {
		return nil, errors.WrapError(errors.ErrSerializeFailed, "failed to marshal envelope", err)
	}
	return raw, nil
}

// decodeEnvelope 解析持久化条目，值以 json.RawMessage 形式返回
func decodeEnvelope(key string, raw []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.WrapError(errors.ErrSerializeFailed, "corrupt cache envelope", err).WithContext("key", key)
	}
	if env.Data == nil {
		return nil, errors.NewError(errors.ErrSerializeFailed, "cache envelope has no data").WithContext("key", key)
	}

	return &Entry{
		Key:       key,
		Value:     env.Data,
		WrittenAt: time.UnixMilli(env.Timestamp),
		TTL:       time.Duration(env.TTL) * time.Millisecond,
		Tags:      env.Tags,
	}, nil
}
