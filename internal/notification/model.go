package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role は利用者のロール、または通知の宛先ロールを表す。
type Role string

const (
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
	// RoleDriver はドライバー。
	RoleDriver Role = "driver"
	// RoleStudent は生徒。
	RoleStudent Role = "student"
	// RoleAll はロールを問わない一斉通知の宛先。利用者のロールにはならない。
	RoleAll Role = "all"
)

// IsUserRole は利用者が持ちうるロールかどうかを返す。
func (r Role) IsUserRole() bool {
	switch r {
	case RoleAdmin, RoleDriver, RoleStudent:
		return true
	}
	return false
}

// IsReceiverRole は通知の宛先ロールとして有効かどうかを返す。
func (r Role) IsReceiverRole() bool {
	return r == RoleAll || r.IsUserRole()
}

// Type は通知の種類。
type Type string

const (
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
	TypeAlert   Type = "alert"
	TypeSuccess Type = "success"
)

// Types は有効な通知の種類の一覧。
var Types = []Type{TypeInfo, TypeWarning, TypeAlert, TypeSuccess}

// Valid は有効な種類かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeInfo, TypeWarning, TypeAlert, TypeSuccess:
		return true
	}
	return false
}

// Priority は通知の優先度。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities は有効な優先度の一覧。
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Valid は有効な優先度かどうかを返す。
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Identity は操作を行う利用者（送信者または閲覧者）。
type Identity struct {
	ID   string
	Role Role
}

// RelatedEntity は通知に紐づくドメインオブジェクト（車両など）への参照。
// 表示用の情報であり、宛先や閲覧権限には影響しない。
type RelatedEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// メタデータの予約キー。
const (
	// MetaIntendedRole は一斉通知（receiverRole=all）を特定ロールだけに見せるためのキー。
	MetaIntendedRole   = "intendedRole"
	MetaOriginalTarget = "originalTarget"
	MetaStudentCount   = "studentCount"
	MetaVehicleID      = "vehicleId"
	MetaVehicleNumber  = "vehicleNumber"
	MetaRouteName      = "routeName"
	MetaDriverID       = "driverId"
	MetaDriverName     = "driverName"
)

// Metadata は通知の拡張フィールド。JSON文字列としてDBに保存する。
type Metadata map[string]any

// IntendedRole は intendedRole の値を返す。未設定または文字列以外の場合は空文字列。
func (m Metadata) IntendedRole() Role {
	if m == nil {
		return ""
	}
	s, _ := m[MetaIntendedRole].(string)
	return Role(s)
}

// clone はメタデータの浅いコピーを返す。
func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Value はdriver.Valuerを実装する。
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("メタデータのシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

// Scan はsql.Scannerを実装する。
func (m *Metadata) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("メタデータの型が不正です: %T", src)
	}
	out := Metadata{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("メタデータのデシリアライズに失敗: %w", err)
		}
	}
	*m = out
	return nil
}

// Notification は保存済みの通知。
type Notification struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Type          Type           `json:"type"`
	Priority      Priority       `json:"priority"`
	SenderID      string         `json:"senderId"`
	SenderRole    Role           `json:"senderRole"`
	ReceiverRole  Role           `json:"receiverRole"`
	ReceiverID    *string        `json:"receiverId"`
	RelatedEntity *RelatedEntity `json:"relatedEntity,omitempty"`
	Metadata      Metadata       `json:"metadata"`
	IsRead        bool           `json:"isRead"`
	ReadAt        *time.Time     `json:"readAt"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Content は送信者が入力する通知の本文。
type Content struct {
	Title         string
	Message       string
	Type          Type
	Priority      Priority
	RelatedEntity *RelatedEntity
	Metadata      Metadata
}

// normalize は前後の空白を除去し、種類と優先度の既定値を補う。
// 予約キー intendedRole は送信者から受け付けない。
func (c Content) normalize() Content {
	c.Title = strings.TrimSpace(c.Title)
	c.Message = strings.TrimSpace(c.Message)
	if c.Type == "" {
		c.Type = TypeInfo
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	c.Metadata = c.Metadata.clone()
	delete(c.Metadata, MetaIntendedRole)
	return c
}

// validate は本文の必須項目と列挙値を検証する。normalize後に呼ぶ。
func (c Content) validate() error {
	var errs []error
	if c.Title == "" {
		errs = append(errs, errors.New("タイトルは必須です"))
	}
	if c.Message == "" {
		errs = append(errs, errors.New("メッセージは必須です"))
	}
	if !c.Type.Valid() {
		errs = append(errs, fmt.Errorf("種類が不正です: %q", c.Type))
	}
	if !c.Priority.Valid() {
		errs = append(errs, fmt.Errorf("優先度が不正です: %q", c.Priority))
	}
	if c.RelatedEntity != nil && (c.RelatedEntity.Type == "" || c.RelatedEntity.ID == "") {
		errs = append(errs, errors.New("関連エンティティには種類とIDが必要です"))
	}
	if len(errs) > 0 {
		return validationError("%s", errors.Join(errs...).Error())
	}
	return nil
}

// Draft は宛先が決まり、まだ保存されていない通知。
type Draft struct {
	Title         string         `validate:"required"`
	Message       string         `validate:"required"`
	Type          Type           `validate:"oneof=info warning alert success"`
	Priority      Priority       `validate:"oneof=low medium high urgent"`
	SenderID      string         `validate:"required"`
	SenderRole    Role           `validate:"oneof=admin driver student"`
	ReceiverRole  Role           `validate:"oneof=admin driver student all"`
	ReceiverID    *string        `validate:"omitempty,min=1"`
	RelatedEntity *RelatedEntity `validate:"omitempty"`
	Metadata      Metadata
}

// newDraft は送信者と本文から宛先未設定の下書きを作る。
func newDraft(sender Identity, c Content) Draft {
	return Draft{
		Title:         c.Title,
		Message:       c.Message,
		Type:          c.Type,
		Priority:      c.Priority,
		SenderID:      sender.ID,
		SenderRole:    sender.Role,
		RelatedEntity: c.RelatedEntity,
		Metadata:      c.Metadata.clone(),
	}
}
