package audit

// EventType names the kind of action an audit entry records.
// Values outside the known set are carried verbatim; the chain never
// branches on them.
type EventType string

// Known event types.
const (
	EventDocumentViewed     EventType = "DOCUMENT_VIEWED"
	EventDocumentDownloaded EventType = "DOCUMENT_DOWNLOADED"
	EventDocumentUploaded   EventType = "DOCUMENT_UPLOADED"
	EventDocumentSigned     EventType = "DOCUMENT_SIGNED"
	EventDocumentDeleted    EventType = "DOCUMENT_DELETED"

	EventSignatureRequested EventType = "SIGNATURE_REQUESTED"
	EventSignatureDeclined  EventType = "SIGNATURE_DECLINED"

	EventKYCSubmitted EventType = "KYC_SUBMITTED"
	EventKYCApproved  EventType = "KYC_APPROVED"
	EventKYCRejected  EventType = "KYC_REJECTED"

	EventAccreditationSubmitted EventType = "ACCREDITATION_SUBMITTED"
	EventAccreditationApproved  EventType = "ACCREDITATION_APPROVED"
	EventAccreditationRejected  EventType = "ACCREDITATION_REJECTED"

	EventInvestorCreated  EventType = "INVESTOR_CREATED"
	EventInvestorApproved EventType = "INVESTOR_APPROVED"
	EventInvestorRejected EventType = "INVESTOR_REJECTED"

	EventWireInstructionsUpdated EventType = "WIRE_INSTRUCTIONS_UPDATED"
	EventWireConfirmed           EventType = "WIRE_CONFIRMED"

	EventCommitmentCreated  EventType = "COMMITMENT_CREATED"
	EventCapitalCallIssued  EventType = "CAPITAL_CALL_ISSUED"
	EventDistributionIssued EventType = "DISTRIBUTION_ISSUED"

	EventSettingsUpdated EventType = "SETTINGS_UPDATED"
	EventUserInvited     EventType = "USER_INVITED"
	EventUserRemoved     EventType = "USER_REMOVED"
	EventRoleChanged     EventType = "ROLE_CHANGED"
	EventUserLogin       EventType = "USER_LOGIN"

	EventAuditLogExported EventType = "AUDIT_LOG_EXPORTED"
	EventAuditLogVerified EventType = "AUDIT_LOG_VERIFIED"
)

var knownEventTypes = map[EventType]bool{
	EventDocumentViewed:          true,
	EventDocumentDownloaded:      true,
	EventDocumentUploaded:        true,
	EventDocumentSigned:          true,
	EventDocumentDeleted:         true,
	EventSignatureRequested:      true,
	EventSignatureDeclined:       true,
	EventKYCSubmitted:            true,
	EventKYCApproved:             true,
	EventKYCRejected:             true,
	EventAccreditationSubmitted:  true,
	EventAccreditationApproved:   true,
	EventAccreditationRejected:   true,
	EventInvestorCreated:         true,
	EventInvestorApproved:        true,
	EventInvestorRejected:        true,
	EventWireInstructionsUpdated: true,
	EventWireConfirmed:           true,
	EventCommitmentCreated:       true,
	EventCapitalCallIssued:       true,
	EventDistributionIssued:      true,
	EventSettingsUpdated:         true,
	EventUserInvited:             true,
	EventUserRemoved:             true,
	EventRoleChanged:             true,
	EventUserLogin:               true,
	EventAuditLogExported:        true,
	EventAuditLogVerified:        true,
}

// Known reports whether t is part of the built-in vocabulary.
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

func (t EventType) String() string { return string(t) }

// ParseEventType converts s into an EventType. Unknown values are kept
// as-is so that entries written by newer producers stay readable.
func ParseEventType(s string) EventType {
	return EventType(s)
}

// ResourceType names the kind of business object an entry refers to.
type ResourceType string

// Known resource types.
const (
	ResourceDocument      ResourceType = "Document"
	ResourceSignature     ResourceType = "Signature"
	ResourceInvestor      ResourceType = "Investor"
	ResourceAccreditation ResourceType = "Accreditation"
	ResourceKYC           ResourceType = "KYC"
	ResourceWire          ResourceType = "Wire"
	ResourceCommitment    ResourceType = "Commitment"
	ResourceCapitalCall   ResourceType = "CapitalCall"
	ResourceDistribution  ResourceType = "Distribution"
	ResourceFund          ResourceType = "Fund"
	ResourceTeam          ResourceType = "Team"
	ResourceUser          ResourceType = "User"
	ResourceSettings      ResourceType = "Settings"
	ResourceAuditLog      ResourceType = "AuditLog"
)

var knownResourceTypes = map[ResourceType]bool{
	ResourceDocument:      true,
	ResourceSignature:     true,
	ResourceInvestor:      true,
	ResourceAccreditation: true,
	ResourceKYC:           true,
	ResourceWire:          true,
	ResourceCommitment:    true,
	ResourceCapitalCall:   true,
	ResourceDistribution:  true,
	ResourceFund:          true,
	ResourceTeam:          true,
	ResourceUser:          true,
	ResourceSettings:      true,
	ResourceAuditLog:      true,
}

// Known reports whether r is part of the built-in vocabulary.
func (r ResourceType) Known() bool {
	return knownResourceTypes[r]
}

func (r ResourceType) String() string { return string(r) }

// ParseResourceType converts s into a ResourceType, preserving unknown values.
func ParseResourceType(s string) ResourceType {
	return ResourceType(s)
}
