package apperr

var (
	// Key bundle validation failures. Always a client bug, never retried.
	ErrEmptyIdentityKey = Invalid("identity key must not be empty")
	ErrNoPreKeys        = Invalid("bundle must contain at least one prekey")
	ErrBadKyberKey      = Invalid("post-quantum key has wrong size")
	ErrEmptyUsername    = Invalid("username must not be empty")

	ErrBundleNotFound       = NotFound("no key bundle for user")
	ErrMessageNotFound      = NotFound("message not found")
	ErrRecipientNotFound    = NotFound("recipient not found on message")
	ErrNotificationNotFound = NotFound("notification not found")
	ErrAttachmentNotFound   = NotFound("attachment not found")

	// Lost a compare-and-set race. Retried internally, never surfaced.
	ErrVersionConflict = Conflict("key bundle version changed concurrently")

	ErrNotificationTerminal = Conflict("notification already in a terminal state")
	ErrNotificationExpired  = Conflict("notification has expired")

	ErrRateLimited = New(CodeResourceExhausted, "rate limit exceeded")
)
