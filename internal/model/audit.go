package model

import "time"

// 監査イベント種別。
const (
	AuditAuthenticationSuccess = "AUTHENTICATION_SUCCESS"
	AuditAuthenticationFailure = "AUTHENTICATION_FAILURE"
)

// AuditDataMaxLength は audit_event_data.value の列幅。
// マイグレーションの VARCHAR(255) と一致させること。
const AuditDataMaxLength = 255

// AuditRecord は認証結果の監査記録を表す。
type AuditRecord struct {
	ID        string
	Principal string
	Type      string
	Date      time.Time
	Data      map[string]string
}
