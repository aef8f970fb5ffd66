package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateJob     = errors.New("job already exists")
	ErrJobNotFound      = errors.New("job not found")
	ErrNotReady         = errors.New("job is not completed")
	ErrNoArtifact       = errors.New("job result has no file")
	ErrAlreadyCompleted = errors.New("job already completed")
	ErrAlreadyTerminal  = errors.New("job already finished")
)

// DecodeError は埋め込みファイルのデコードに失敗したことを表します。
type DecodeError struct {
	JobID string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode file for job %s: %v", e.JobID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
