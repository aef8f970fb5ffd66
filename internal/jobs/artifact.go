package jobs

import (
	"encoding/base64"
	"strings"
)

// DefaultArtifactMimeType は結果に mime_type が無い場合に使うメディアタイプです。
const DefaultArtifactMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Artifact は完了ジョブから取り出したダウンロード用ファイルです。
type Artifact struct {
	JobID    string
	Filename string
	MimeType string
	Data     []byte
}

// Materialize は完了済みレコードに埋め込まれた base64 ファイルをデコードします。
// レコードを変更しないため、同じレコードに対しては常に同じバイト列を返します。
func Materialize(record Record) (*Artifact, error) {
	if record.State != StateCompleted {
		return nil, ErrNotReady
	}
	encoded, ok := record.Result[ResultKeyFileBase64].(string)
	if !ok || strings.TrimSpace(encoded) == "" {
		return nil, ErrNoArtifact
	}

	data, err := decodeBase64(encoded)
	if err != nil {
		return nil, &DecodeError{JobID: record.ID, Err: err}
	}

	name, _ := record.Result[ResultKeyFileName].(string)
	if strings.TrimSpace(name) == "" {
		name = "processed_" + record.Filename
	}
	mimeType, _ := record.Result[ResultKeyMimeType].(string)
	if strings.TrimSpace(mimeType) == "" {
		mimeType = DefaultArtifactMimeType
	}

	return &Artifact{
		JobID:    record.ID,
		Filename: name,
		MimeType: mimeType,
		Data:     data,
	}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	// data URL 形式（data:...;base64,xxxx）も受け付けます。
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx >= 0 {
			s = s[idx+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
