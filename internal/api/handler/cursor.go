package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sisrua/geoprep/internal/jobs"
)

// DecodeJobCursor parses an opaque page cursor; an empty string means the first page
func DecodeJobCursor(cursorStr string) (*jobs.HistoryCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &jobs.HistoryCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		JobID:     decodedParts[1],
	}, nil
}

// EncodeJobCursor builds the cursor pointing after the given job
func EncodeJobCursor(cursor *jobs.HistoryCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}

// afterCursor reports whether a job sorts after the cursor in newest-first order
func afterCursor(createdAt time.Time, jobID string, cursor *jobs.HistoryCursor) bool {
	if cursor == nil {
		return true
	}
	if createdAt.Equal(cursor.CreatedAt) {
		return jobID < cursor.JobID
	}
	return createdAt.Before(cursor.CreatedAt)
}
