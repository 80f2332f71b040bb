// Package model holds the data types shared across the indexing,
// planning, association, and reporting layers.
package model

import "time"

// InstanceRecord describes one DICOM instance discovered on disk.
// Immutable once produced by the indexer.
type InstanceRecord struct {
	Path               string
	SOPClassUID        string
	SOPInstanceUID     string
	StudyUID           string
	TransferSyntaxUID  string
	FileSize           int64
	MetaSize           int64 // bytes consumed by preamble + DICM + file meta group
}

// UnknownStudyUID is the sentinel used for instances whose Study
// Instance UID could not be determined. study.Group places records
// bearing this value in NoStudyGroup together with empty-UID records,
// and each of them is sent over its own association; they are not held
// back from transmission.
const UnknownStudyUID = "UNKNOWN"

// NoStudyGroup is the synthetic study key for instances with an empty
// Study Instance UID on disk.
const NoStudyGroup = "__NO_STUDY__"

// StudyBatch groups instances under one Study Instance UID in the
// order they were discovered.
type StudyBatch struct {
	StudyUID  string
	Instances []InstanceRecord
}

// OutcomeStatus classifies how a single instance transfer concluded.
type OutcomeStatus int

const (
	StatusSuccess OutcomeStatus = iota
	StatusWarning
	StatusRefused
	StatusLocalError
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusRefused:
		return "refused"
	case StatusLocalError:
		return "local_error"
	default:
		return "unknown"
	}
}

// LocalErrorKind enumerates the local (non-protocol-status) failure
// reasons a C-STORE attempt can record.
type LocalErrorKind string

const (
	LocalErrorNone                  LocalErrorKind = ""
	LocalErrorNoAcceptedContext     LocalErrorKind = "no_accepted_context"
	LocalErrorTransferSyntaxMismatch LocalErrorKind = "transfer_syntax_mismatch"
	LocalErrorAssociationFailed     LocalErrorKind = "association_failed"
	LocalErrorIndexIO               LocalErrorKind = "index_io"
	LocalErrorBadDicomFile          LocalErrorKind = "bad_dicom_file"
)

// TransferOutcome is the result of attempting to send one instance.
type TransferOutcome struct {
	Record    InstanceRecord
	Status    OutcomeStatus
	StatusHex uint16 // DIMSE status code, meaningful for Warning/Refused
	LocalErr  LocalErrorKind
	Err       error
	ElapsedMs int64
	BytesSent int64
}

// SessionReport aggregates the outcomes of one dicomsend run for the
// JSON summary described by the CLI interface.
type SessionReport struct {
	SessionID               string   `json:"session_id"`
	StartTime                time.Time `json:"start_time"`
	EndTime                  time.Time `json:"end_time"`
	TotalFiles               int      `json:"total_files"`
	SuccessfulTransfers      int      `json:"successful_transfers"`
	FailedTransfers          int      `json:"failed_transfers"`
	TotalBytes               int64    `json:"total_bytes"`
	TotalTimeMs              int64    `json:"total_time_ms"`
	AverageTransferTimeMs    float64  `json:"average_transfer_time_ms"`
	ThroughputMbps           float64  `json:"throughput_mbps"`
	ThreadsUsed              int      `json:"threads_used"`
	Destination              string   `json:"destination"`
	CallingAE                string   `json:"calling_ae"`
	CalledAE                 string   `json:"called_ae"`
	StudiesProcessed         []string `json:"studies_processed"`
}
