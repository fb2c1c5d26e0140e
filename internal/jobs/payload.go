package jobs

import (
	"encoding/json"

	"github.com/hansei-ai/hansei/internal/fault"
)

// UnmarshalPayload decodes a job payload into v. A payload that does not
// decode will never decode, so the error is permanent and the job
// dead-letters instead of retrying.
func UnmarshalPayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Permanentf("jobs: decode payload: %v", err)
	}
	return nil
}
