package notification

import (
	"context"
	"errors"
	"fmt"
)

// User は利用者台帳のエントリ。
type User struct {
	ID   string `db:"id" yaml:"id"`
	Name string `db:"name" yaml:"name"`
	Role Role   `db:"role" yaml:"role"`
}

// Vehicle はドライバーに割り当てられた車両。
type Vehicle struct {
	ID        string `db:"id"`
	Number    string `db:"number"`
	RouteName string `db:"route_name"`
}

// Student は車両に割り当てられた生徒。
type Student struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// UserDirectory は利用者を検索する。存在しない場合はErrNotFoundを返す。
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (*User, error)
}

// FleetDirectory は車両と生徒の割り当てを検索する。
type FleetDirectory interface {
	// FindVehicleByDriver は担当車両を返す。割り当てが無い場合はErrNotFoundを返す。
	FindVehicleByDriver(ctx context.Context, driverID string) (*Vehicle, error)
	// FindStudentsByVehicle は車両に割り当てられた生徒を返す。
	FindStudentsByVehicle(ctx context.Context, vehicleID string) ([]Student, error)
}

// Intent は送信者が指定する宛先の意図。DirectIntent, DriverTargetIntent, BroadcastIntent のいずれか。
type Intent interface {
	content() Content
}

// DirectIntent は1件の通知を特定の利用者、または1つのロールに送る。
// ReceiverIDが空の場合はロール単位の宛先になる。
type DirectIntent struct {
	Content
	ReceiverRole Role
	ReceiverID   string
}

// DriverTarget はドライバーが指定できる送信先。
type DriverTarget string

const (
	// TargetStudents は担当車両の生徒全員。管理者向けの控えも作成する。
	TargetStudents DriverTarget = "students"
	// TargetAdmin は管理者。
	TargetAdmin DriverTarget = "admin"
)

// DriverTargetIntent はドライバーが担当車両の生徒または管理者に送る。
type DriverTargetIntent struct {
	Content
	TargetType DriverTarget
}

// BroadcastIntent は管理者がロール単位で一斉送信する。
type BroadcastIntent struct {
	Content
	TargetRoles []Role
}

func (i DirectIntent) content() Content       { return i.Content }
func (i DriverTargetIntent) content() Content { return i.Content }
func (i BroadcastIntent) content() Content    { return i.Content }

// Resolver は送信者と宛先の意図から保存すべき下書きを決定する。
type Resolver struct {
	users UserDirectory
	fleet FleetDirectory
}

// NewResolver は新しいResolverを生成する。
func NewResolver(users UserDirectory, fleet FleetDirectory) *Resolver {
	return &Resolver{users: users, fleet: fleet}
}

// Resolve は意図を下書きの一覧に展開する。
// 権限の検証を本文の検証より先に行うため、権限の無い送信は本文に関わらずForbiddenになる。
func (r *Resolver) Resolve(ctx context.Context, sender Identity, intent Intent) ([]Draft, error) {
	if sender.ID == "" || !sender.Role.IsUserRole() {
		return nil, forbiddenError("送信者を特定できません")
	}

	switch in := intent.(type) {
	case DirectIntent:
		return r.resolveDirect(ctx, sender, in)
	case DriverTargetIntent:
		return r.resolveDriverTarget(ctx, sender, in)
	case BroadcastIntent:
		return r.resolveBroadcast(sender, in)
	default:
		return nil, validationError("未対応の宛先指定です: %T", intent)
	}
}

func (r *Resolver) resolveDirect(ctx context.Context, sender Identity, in DirectIntent) ([]Draft, error) {
	if sender.Role == RoleStudent {
		return nil, forbiddenError("生徒は通知を送信できません")
	}
	if !in.ReceiverRole.IsReceiverRole() {
		return nil, validationError("宛先ロールが不正です: %q", in.ReceiverRole)
	}
	if in.ReceiverRole == RoleAdmin && sender.Role != RoleAdmin {
		return nil, forbiddenError("管理者宛ての通知は管理者のみ送信できます")
	}
	if in.ReceiverRole == RoleAll && in.ReceiverID != "" {
		return nil, validationError("宛先ロールallには宛先IDを指定できません")
	}

	c := in.Content.normalize()
	if err := c.validate(); err != nil {
		return nil, err
	}

	d := newDraft(sender, c)
	d.ReceiverRole = in.ReceiverRole
	if in.ReceiverID != "" {
		u, err := r.users.FindUser(ctx, in.ReceiverID)
		if errors.Is(err, ErrNotFound) {
			return nil, validationError("宛先の利用者が存在しません: %s", in.ReceiverID)
		}
		if err != nil {
			return nil, internalError("宛先の利用者の確認に失敗しました", err)
		}
		if u.Role != in.ReceiverRole {
			return nil, validationError("宛先の利用者のロールが一致しません: %s は %s ではありません", u.ID, in.ReceiverRole)
		}
		id := u.ID
		d.ReceiverID = &id
	}
	return []Draft{d}, nil
}

func (r *Resolver) resolveDriverTarget(ctx context.Context, sender Identity, in DriverTargetIntent) ([]Draft, error) {
	if sender.Role != RoleDriver {
		return nil, forbiddenError("この送信はドライバーのみ行えます")
	}
	if in.TargetType != TargetStudents && in.TargetType != TargetAdmin {
		return nil, validationError("送信先の種類が不正です: %q", in.TargetType)
	}

	c := in.Content.normalize()
	if err := c.validate(); err != nil {
		return nil, err
	}

	driverName, err := r.driverName(ctx, sender.ID)
	if err != nil {
		return nil, err
	}

	if in.TargetType == TargetAdmin {
		d := newDraft(sender, c)
		d.ReceiverRole = RoleAll
		d.Title = attributedTitle(driverName, c.Title)
		d.Metadata[MetaIntendedRole] = string(RoleAdmin)
		d.Metadata[MetaOriginalTarget] = string(TargetAdmin)
		d.Metadata[MetaDriverID] = sender.ID
		d.Metadata[MetaDriverName] = driverName
		return []Draft{d}, nil
	}

	vehicle, err := r.fleet.FindVehicleByDriver(ctx, sender.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, notFoundError("担当車両が割り当てられていません")
	}
	if err != nil {
		return nil, internalError("担当車両の取得に失敗しました", err)
	}
	students, err := r.fleet.FindStudentsByVehicle(ctx, vehicle.ID)
	if err != nil {
		return nil, internalError("車両の生徒一覧の取得に失敗しました", err)
	}

	related := c.RelatedEntity
	if related == nil {
		related = &RelatedEntity{Type: "vehicle", ID: vehicle.ID}
	}

	drafts := make([]Draft, 0, len(students)+1)
	for _, s := range students {
		d := newDraft(sender, c)
		id := s.ID
		d.ReceiverRole = RoleStudent
		d.ReceiverID = &id
		d.RelatedEntity = related
		d.Metadata[MetaVehicleID] = vehicle.ID
		d.Metadata[MetaDriverID] = sender.ID
		d.Metadata[MetaDriverName] = driverName
		drafts = append(drafts, d)
	}

	// 管理者向けの控えは生徒が0人でも作成する
	admin := newDraft(sender, c)
	admin.ReceiverRole = RoleAll
	admin.RelatedEntity = related
	admin.Title = attributedTitle(driverName, c.Title)
	admin.Message = fmt.Sprintf("%s\n（車両 %s の生徒 %d 名に送信）", c.Message, vehicle.Number, len(students))
	admin.Metadata[MetaIntendedRole] = string(RoleAdmin)
	admin.Metadata[MetaOriginalTarget] = string(TargetStudents)
	admin.Metadata[MetaStudentCount] = len(students)
	admin.Metadata[MetaVehicleID] = vehicle.ID
	admin.Metadata[MetaVehicleNumber] = vehicle.Number
	admin.Metadata[MetaRouteName] = vehicle.RouteName
	admin.Metadata[MetaDriverID] = sender.ID
	admin.Metadata[MetaDriverName] = driverName
	drafts = append(drafts, admin)

	return drafts, nil
}

func (r *Resolver) resolveBroadcast(sender Identity, in BroadcastIntent) ([]Draft, error) {
	if sender.Role != RoleAdmin {
		return nil, forbiddenError("一斉送信は管理者のみ行えます")
	}
	if len(in.TargetRoles) == 0 {
		return nil, validationError("送信先ロールを1つ以上指定してください")
	}

	roles := make([]Role, 0, len(in.TargetRoles))
	seen := make(map[Role]bool, len(in.TargetRoles))
	for _, role := range in.TargetRoles {
		if !role.IsReceiverRole() {
			return nil, validationError("送信先ロールが不正です: %q", role)
		}
		if seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}

	c := in.Content.normalize()
	if err := c.validate(); err != nil {
		return nil, err
	}

	drafts := make([]Draft, 0, len(roles))
	for _, role := range roles {
		d := newDraft(sender, c)
		d.ReceiverRole = role
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// driverName は利用者台帳からドライバー名を引く。登録が無い場合はIDを使う。
func (r *Resolver) driverName(ctx context.Context, driverID string) (string, error) {
	u, err := r.users.FindUser(ctx, driverID)
	if errors.Is(err, ErrNotFound) {
		return driverID, nil
	}
	if err != nil {
		return "", internalError("送信者の取得に失敗しました", err)
	}
	if u.Name == "" {
		return driverID, nil
	}
	return u.Name, nil
}

func attributedTitle(driverName, title string) string {
	return fmt.Sprintf("[ドライバー %s] %s", driverName, title)
}
