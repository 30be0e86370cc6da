package storage

// Status identifies a pipeline stage outcome recorded in a history entry
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRecreated Status = "RECREATED"

	StatusAntivirusOK Status = "ANTIVIRUS_OK"
	StatusAntivirusKO Status = "ANTIVIRUS_KO"

	StatusArchiveCreated     Status = "ARCHIVE_CREATED"
	StatusArchiveSizeChecked Status = "ARCHIVE_SIZE_CHECKED"
	StatusArchiveTooLarge    Status = "ARCHIVE_TOO_LARGE"
	StatusFileError          Status = "FILE_ERROR"

	StatusSent          Status = "SENT"
	StatusNotSent       Status = "NOT_SENT"
	StatusResent        Status = "RESENT"
	StatusManualResent  Status = "MANUAL_RESENT"
	StatusMaxRetryReach Status = "MAX_RETRY_REACH"

	StatusAckReceived  Status = "ACK_RECEIVED"
	StatusNackReceived Status = "NACK_RECEIVED"

	StatusCancellationAsked          Status = "CANCELLATION_ASKED"
	StatusCancellationArchiveCreated Status = "CANCELLATION_ARCHIVE_CREATED"
	StatusCancelled                  Status = "CANCELLED"

	StatusPendingSignature      Status = "PENDING_SIGNATURE"
	StatusPendingSend           Status = "PENDING_SEND"
	StatusSignatureMissing      Status = "SIGNATURE_MISSING"
	StatusSignatureInvalid      Status = "SIGNATURE_INVALID"
	StatusSignatureSendingError Status = "SIGNATURE_SENDING_ERROR"
	StatusClasseurWithdrawn     Status = "CLASSEUR_WITHDRAWN"

	StatusNotificationSent Status = "NOTIFICATION_SENT"
)

// Informational reports whether an entry with this status is pure fan-out
// and must not refresh the document's cached last status.
func (s Status) Informational() bool {
	return s == StatusNotificationSent
}
