package queue

import (
	"encoding/json"
	"fmt"

	"docqa/internal/models"
	"docqa/internal/util"
)

const DefaultName = "file_processing_queue"

func Validate(job models.Job) error {
	if job.DocumentID <= 0 {
		return util.NewValidationError("document_id", "must be positive")
	}
	switch job.Action {
	case models.ActionIndex:
		if job.FilePath == "" {
			return util.NewValidationError("file_path", "required for index jobs")
		}
	case models.ActionDelete:
	default:
		return util.NewValidationError("action", fmt.Sprintf("unknown action %q", job.Action))
	}
	return nil
}

func Encode(job models.Job) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(raw), nil
}

// Decode parses a queue payload. Anything that is not a valid job is a *util.QueueDecodeError.
func Decode(raw string) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, &util.QueueDecodeError{Raw: raw, Err: err}
	}
	if err := Validate(job); err != nil {
		return models.Job{}, &util.QueueDecodeError{Raw: raw, Err: err}
	}
	return job, nil
}
