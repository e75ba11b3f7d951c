package audit

import "time"

// Action — тип события журнала.
type Action string

const (
	ActionLogin                 Action = "login"
	ActionLogout                Action = "logout"
	ActionSessionStart          Action = "session_start"
	ActionSessionStop           Action = "session_stop"
	ActionSessionTimeout        Action = "session_timeout"
	ActionSessionFailed         Action = "session_failed"
	ActionAuthorizationDenied   Action = "authorization_denied"
	ActionCredentialFetchFailed Action = "credential_fetch_failed"
	ActionCredentialRotated     Action = "credential_rotated"
)

// Ключи Details. Все остальные ключи отбрасываются при записи.
const (
	DetailAsset     = "asset"
	DetailSessionID = "session_id"
	DetailTrigger   = "trigger"
	DetailReason    = "reason"
	DetailStep      = "step"
	DetailStatus    = "status"
	DetailEmail     = "email"
)

var allowedDetails = map[string]struct{}{
	DetailAsset:     {},
	DetailSessionID: {},
	DetailTrigger:   {},
	DetailReason:    {},
	DetailStep:      {},
	DetailStatus:    {},
	DetailEmail:     {},
}

// Event — неизменяемая запись журнала. Seq/PrevHash/Hash проставляет хранилище при Append.
type Event struct {
	ID            string            `json:"id"`
	Seq           int64             `json:"seq"`
	ActorID       string            `json:"userId"`
	Action        Action            `json:"action"`
	Details       map[string]string `json:"details"`
	SourceAddress string            `json:"ipAddress,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	PrevHash      string            `json:"prevHash"`
	Hash          string            `json:"hash"`
}

// Filter — выборка журнала одного владельца.
type Filter struct {
	ActorID string
	Start   time.Time // zero — без нижней границы
	End     time.Time // zero — без верхней границы
	Limit   int
}
