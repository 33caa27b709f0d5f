package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart Stage = "BATCH_START"
	StageBatchDone  Stage = "BATCH_DONE"
	StageBatchError Stage = "BATCH_ERROR"
	StageFetchDone  Stage = "FETCH_DONE"
	StageRecordDone Stage = "RECORD_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes tracked for fetch completions. StatusNone marks fetches that
// never got an HTTP response from the proxy.
const (
	Status2xx  StatusClass = "2xx"
	Status3xx  StatusClass = "3xx"
	Status4xx  StatusClass = "4xx"
	Status5xx  StatusClass = "5xx"
	StatusNone StatusClass = "none"
)

// Event captures one step of a batch.
type Event struct {
	// BatchID is the 16-byte form of the batch UUID.
	BatchID [16]byte
	TS      time.Time
	Stage   Stage
	// Site is the retailer host label for fetch and record events.
	Site string
	// URL is the product URL; it never carries the proxy API key.
	URL         string
	Bytes       int64
	Attempts    int
	StatusClass StatusClass
	URLStatus   scan.URLStatus
	Method      scan.Method
	// Dur is the fetch latency, or the batch wall time for terminal stages.
	Dur time.Duration
	// Note holds low-volume context such as the error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.BatchID == [16]byte{} {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone, StageBatchError:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageRecordDone:
		if e.URLStatus == "" {
			return errors.New("record done requires url status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// BatchUUID converts the binary batch id for repositories.
func (e Event) BatchUUID() uuid.UUID {
	return uuid.UUID(e.BatchID)
}

// BatchIDBytes parses a batch id string into the Event form. Invalid ids map
// to the zero value, which Validate rejects.
func BatchIDBytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return [16]byte(parsed)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusNone
	}
}
