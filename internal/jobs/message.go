package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireMessage は旧フォーマット（template_id / s3_key）も受け付けるための受信用構造体です。
type wireMessage struct {
	JobID      string `json:"job_id"`
	SourceKey  string `json:"source_key"`
	TemplateID string `json:"template_id"`
	S3Key      string `json:"s3_key"`
}

// DecodeMessage はキューのメッセージ本文を Message に変換します。
// JSON として読めない場合やジョブIDが無い場合は ErrInvalidJob を返します。
func DecodeMessage(body []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: decode message: %v", ErrInvalidJob, err)
	}
	msg := Message{
		JobID:     strings.TrimSpace(firstNonEmpty(wire.JobID, wire.TemplateID)),
		SourceKey: strings.TrimSpace(firstNonEmpty(wire.SourceKey, wire.S3Key)),
	}
	if msg.JobID == "" {
		return Message{}, fmt.Errorf("%w: message has no job_id", ErrInvalidJob)
	}
	return msg, nil
}

// EncodeMessage は Message をキューへ送る本文に変換します。
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.JobID == "" {
		return nil, fmt.Errorf("%w: job_id is required", ErrInvalidJob)
	}
	return json.Marshal(msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
