package models

type BatchStatus string

const (
	BatchStatusDraft     BatchStatus = "Draft"
	BatchStatusActive    BatchStatus = "Active"
	BatchStatusCompleted BatchStatus = "Completed"
	BatchStatusIssued    BatchStatus = "Issued"
	BatchStatusSent      BatchStatus = "Sent"
)

// PastActive reports whether the batch has left the answering phase.
// Emergency emission is allowed from any of these states.
func (s BatchStatus) PastActive() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusIssued, BatchStatusSent:
		return true
	}
	return false
}

type BatchType string

const (
	BatchTypeFull        BatchType = "Full"
	BatchTypeOperational BatchType = "Operational"
	BatchTypeManagement  BatchType = "Management"
)

func (t BatchType) IsValid() bool {
	switch t {
	case BatchTypeFull, BatchTypeOperational, BatchTypeManagement:
		return true
	}
	return false
}

type EvaluationStatus string

const (
	EvaluationStatusStarted     EvaluationStatus = "Started"
	EvaluationStatusInProgress  EvaluationStatus = "InProgress"
	EvaluationStatusConcluded   EvaluationStatus = "Concluded"
	EvaluationStatusDeactivated EvaluationStatus = "Deactivated"
)

// IsTerminal reports whether no further answers are accepted.
// Non-terminal evaluations block laudo emission for the whole batch.
func (s EvaluationStatus) IsTerminal() bool {
	return s == EvaluationStatusConcluded || s == EvaluationStatusDeactivated
}

type ReportStatus string

const (
	ReportStatusDraft  ReportStatus = "Draft"
	ReportStatusIssued ReportStatus = "Issued"
	ReportStatusSent   ReportStatus = "Sent"
)

type EmissionStatus string

const (
	EmissionStatusPending    EmissionStatus = "PENDING"
	EmissionStatusProcessing EmissionStatus = "PROCESSING"
	// EmissionStatusFailed is terminal: attempts exhausted, operator attention
	// required. Entries are never silently dropped.
	EmissionStatusFailed EmissionStatus = "FAILED"
)

// RequesterRole is a closed set: it gates audit categorization and the
// emission paths a requester may use.
type RequesterRole string

const (
	RequesterRoleInternalHR    RequesterRole = "InternalHR"
	RequesterRoleEntityManager RequesterRole = "EntityManager"
	RequesterRoleSystemCron    RequesterRole = "SystemCron"
)

func (r RequesterRole) IsValid() bool {
	switch r {
	case RequesterRoleInternalHR, RequesterRoleEntityManager, RequesterRoleSystemCron:
		return true
	}
	return false
}

type InclusionReason string

const (
	InclusionReasonOverdueIndex   InclusionReason = "OverdueIndex"
	InclusionReasonOverOneYear    InclusionReason = "OverOneYear"
	InclusionReasonNewHire        InclusionReason = "NewHire"
	InclusionReasonRegularRenewal InclusionReason = "RegularRenewal"
)

// severity orders inclusion reasons for eligibility tie-breaking.
func (r InclusionReason) severity() int {
	switch r {
	case InclusionReasonOverdueIndex:
		return 3
	case InclusionReasonOverOneYear:
		return 2
	case InclusionReasonNewHire:
		return 1
	default:
		return 0
	}
}

type EvaluationPriority string

const (
	PriorityCritical EvaluationPriority = "Critical"
	PriorityHigh     EvaluationPriority = "High"
	PriorityMedium   EvaluationPriority = "Medium"
	PriorityNormal   EvaluationPriority = "Normal"
)

func (p EvaluationPriority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "Low"
	RiskLevelModerate RiskLevel = "Moderate"
	RiskLevelHigh     RiskLevel = "High"
	RiskLevelCritical RiskLevel = "Critical"
)

type AuditAction string

const (
	AuditActionBatchCreated             AuditAction = "BatchCreated"
	AuditActionManualEmissionRequest    AuditAction = "ManualEmissionRequest"
	AuditActionAutomaticEmissionAttempt AuditAction = "AutomaticEmissionAttempt"
	AuditActionEmissionSucceeded        AuditAction = "EmissionSucceeded"
	AuditActionEmissionFailed           AuditAction = "EmissionFailed"
	AuditActionEmissionCancelled        AuditAction = "EmissionCancelled"
	AuditActionEmergencyOverrideUsed    AuditAction = "EmergencyOverrideUsed"
	AuditActionEvaluationDeactivated    AuditAction = "EvaluationDeactivated"
)

type UserRole string

const (
	UserRoleAdmin   UserRole = "Admin"
	UserRoleHR      UserRole = "HR"
	UserRoleManager UserRole = "Manager"
)
